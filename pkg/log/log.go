package log

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// GetLogger returns a stdr.Logger that implements the logr.Logger interface
// and sets the verbosity of the returned logger.
// set v to 0 for info level messages,
// 1 for debug messages and 2 for trace level message.
// any other verbosity level will default to 0.
func GetLogger(v int) logr.Logger {
	logger := stdr.New(nil).WithName("apsi")
	// bound check
	if v > 2 || v < 0 {
		v = 0
		logger.Info("Invalid verbosity, setting logger to display info level messages only.")
	}
	stdr.SetVerbosity(v)

	return logger
}

// ContextWithLogger returns a context that has a logr.Logger contained inside,
// which can then be used by the sender and the receiver.
func ContextWithLogger(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// GetLoggerFromContextWithName returns a logr.Logger if it was contained in the context
// otherwise, it returns a fresh logger with verbosity set to 0.
func GetLoggerFromContextWithName(ctx context.Context, name string) logr.Logger {
	logger, err := logr.FromContext(ctx)
	if err != nil {
		logger = GetLogger(0)
	}

	if name != "" {
		return logger.WithName(name)
	}
	return logger
}

// StageStats logs the time spent in a stage, since the start of the
// operation, and the memory allocated by the process. It returns the
// stage end time to be used as the start of the next stage.
func StageStats(logger logr.Logger, stage string, stageStart, start time.Time) time.Time {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	now := time.Now()
	logger.V(1).Info("stage finished",
		"stage", stage,
		"time", now.Sub(stageStart).String(),
		"cumulative time", now.Sub(start).String(),
		"memory (MiB)", math.Round(float64(m.Alloc)*100/(1024*1024))/100,
	)
	return now
}
