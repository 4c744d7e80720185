// Package grpcutil holds small gRPC helpers shared by the server and client
// engines: context-error translation and method-descriptor lookup.
package grpcutil

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TranslateContextError maps a context package error to the gRPC status it
// corresponds to, passing anything else through unchanged.
func TranslateContextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "grpcfy: "+err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "grpcfy: "+err.Error())
	default:
		return err
	}
}

// FindUnaryMethod returns the method descriptor named name, or nil if
// methods has none by that name.
func FindUnaryMethod(name string, methods []grpc.MethodDesc) *grpc.MethodDesc {
	for i := range methods {
		if methods[i].MethodName == name {
			return &methods[i]
		}
	}
	return nil
}

// FindStreamingMethod returns the stream descriptor named name, or nil if
// streams has none by that name.
func FindStreamingMethod(name string, streams []grpc.StreamDesc) *grpc.StreamDesc {
	for i := range streams {
		if streams[i].StreamName == name {
			return &streams[i]
		}
	}
	return nil
}
