package log

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestContextWithLogger(t *testing.T) {
	logger := GetLogger(1)
	ctx := ContextWithLogger(context.Background(), logger)
	if _, err := logr.FromContext(ctx); err != nil {
		t.Fatalf("logger not found in context: %v", err)
	}

	// a context without a logger still yields one
	l := GetLoggerFromContextWithName(context.Background(), "test")
	l.V(1).Info("hello")

	start := time.Now()
	if next := StageStats(logger, "test", start, start); next.Before(start) {
		t.Error("stage end is before its start")
	}
}
