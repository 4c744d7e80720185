package grpcutil

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTranslateContextError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want codes.Code
	}{
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline exceeded", context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st, _ := status.FromError(TranslateContextError(c.in))
			if st.Code() != c.want {
				t.Errorf("got %v, want %v", st.Code(), c.want)
			}
		})
	}
}

func TestTranslateContextError_PassesOtherErrorsThrough(t *testing.T) {
	err := status.Error(codes.Internal, "boom")
	if got := TranslateContextError(err); got != err {
		t.Errorf("got %v, want original error unwrapped", got)
	}
}

func TestFindUnaryMethod(t *testing.T) {
	methods := []grpc.MethodDesc{{MethodName: "A"}, {MethodName: "B"}}
	if m := FindUnaryMethod("B", methods); m == nil || m.MethodName != "B" {
		t.Error("not found")
	}
	if FindUnaryMethod("C", methods) != nil {
		t.Error("found nonexistent")
	}
}

func TestFindStreamingMethod(t *testing.T) {
	streams := []grpc.StreamDesc{{StreamName: "X"}, {StreamName: "Y"}}
	if s := FindStreamingMethod("X", streams); s == nil || s.StreamName != "X" {
		t.Error("not found")
	}
	if FindStreamingMethod("Z", streams) != nil {
		t.Error("found nonexistent")
	}
}
