package logging

import (
	"context"
	"testing"
)

func TestNewNopDoesNotPanic(t *testing.T) {
	logger := NewNop()
	logger.Info("test_operation", "key", "value")
	logger.WithComponent("sub").Warn("warned")
	logger.WithTraceID("abc123").Error("errored", "err", "boom")
}

func TestContextWithTraceIDRoundTrips(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-1")
	logger := NewNop().WithContext(ctx).(*zapLogger)
	if logger.traceID != "trace-1" {
		t.Fatalf("expected trace id to propagate, got %q", logger.traceID)
	}
}

func TestWithComponentPreservesTraceID(t *testing.T) {
	logger := NewNop().WithTraceID("t1").WithComponent("registry").(*zapLogger)
	if logger.traceID != "t1" || logger.component != "registry" {
		t.Fatalf("expected trace id and component to both be set, got %+v", logger)
	}
}
