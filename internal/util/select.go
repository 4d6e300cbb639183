package util

import (
	"context"
)

// Sel runs f and returns its error, or the context error if ctx is done
// first. f keeps running in the background in that case.
func Sel(ctx context.Context, f func() error) error {
	var d = make(chan error, 1)
	go func() {
		d <- f()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-d:
		return err
	}
}
