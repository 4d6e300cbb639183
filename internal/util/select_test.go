package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errStage = errors.New("stage failed")

func TestSel(t *testing.T) {
	stage := func() error {
		return errStage
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := Sel(ctx, stage); !errors.Is(err, errStage) {
		t.Errorf("expected %v, got %v", errStage, err)
	}
	if err := Sel(ctx, func() error { return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	// a done context wins over a stage that does not return
	cancel()
	blocked := make(chan struct{})
	defer close(blocked)
	if err := Sel(ctx, func() error { <-blocked; return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	slow := func() error {
		time.Sleep(time.Second)
		return nil
	}
	ctx, cancel = context.WithTimeout(context.Background(), time.Second/10)
	defer cancel()
	if err := Sel(ctx, slow); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}
