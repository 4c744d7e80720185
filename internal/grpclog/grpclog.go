// Package grpclog wires the module's sparse, structured logging through a
// *logiface.Logger[*slog.Event], built once per engine: the server engine
// uses slog's default handler, the client engine New's stderr fallback.
// The engines log their startup; the FSMs hold the engine's logger.
package grpclog

import (
	"log/slog"
	"os"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// Logger is the concrete logger type threaded through server and client
// engines and the FSMs they own.
type Logger = logiface.Logger[*islog.Event]

// New builds a Logger writing through handler. A nil handler falls back to
// a text handler on stderr at the Info level, matching a sane zero-value
// default for code that doesn't care to configure logging explicitly.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return logiface.New[*islog.Event](islog.NewLogger(handler))
}

// Nop returns a Logger that discards everything. Neither engine uses it by
// default.
func Nop() *Logger {
	return logiface.New[*islog.Event](islog.NewLogger(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1})))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
