package tag_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/grpcfy/grpcfy/tag"
)

// probe stands in for a call-context type: a heap-allocated struct whose
// alignment is at least tag.Mask+1 (guaranteed by the presence of the int64
// field, and in practice by every Go allocation).
type probe struct {
	_ int64
	n int
}

func TestTagRoundTrip(t *testing.T) {
	// property (spec §8.1): for every context c and every 2-bit flag f,
	// unpacking Tagify(c, f) yields (c, f).
	for n := range 8 {
		p := &probe{n: n}
		for f := tag.Flags(0); f <= tag.Mask; f++ {
			tg := tag.Tagify(unsafe.Pointer(p), f)
			addr, flags := tag.Untag(tg)
			require.Equal(t, unsafe.Pointer(p), addr, "round trip must preserve the address")
			require.Equal(t, f, flags, "round trip must preserve the flags")
		}
	}
}

func TestTagifyRejectsOversizedFlags(t *testing.T) {
	var p probe
	require.Panics(t, func() {
		tag.Tagify(unsafe.Pointer(&p), tag.Mask+1)
	})
}

func TestTagifyRejectsMisalignedPointer(t *testing.T) {
	var p probe
	misaligned := unsafe.Add(unsafe.Pointer(&p), 1)
	require.Panics(t, func() {
		tag.Tagify(misaligned, 0)
	})
}

func TestCheckAlignment(t *testing.T) {
	var p probe
	require.NotPanics(t, func() { tag.CheckAlignment(unsafe.Pointer(&p)) })
	require.Panics(t, func() { tag.CheckAlignment(unsafe.Add(unsafe.Pointer(&p), 1)) })
}
