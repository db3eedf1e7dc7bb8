package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/poltergeist/spectre/pkg/logger"
)

// SafeGroup wraps errgroup.Group and turns panics in workers into errors
type SafeGroup struct {
	group  *errgroup.Group
	logger logger.Logger
}

// NewSafeGroup creates a SafeGroup bound to ctx
func NewSafeGroup(ctx context.Context, log logger.Logger) (*SafeGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &SafeGroup{group: g, logger: log}, ctx
}

// Go runs fn in a new goroutine. A panic is logged with its stack and
// returned from Wait as an error.
func (sg *SafeGroup) Go(fn func() error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sg.logger.Error("Worker panic recovered",
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(debug.Stack())))
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return fn()
	})
}

// SetLimit bounds the number of concurrently running workers
func (sg *SafeGroup) SetLimit(n int) {
	sg.group.SetLimit(n)
}

// Wait blocks until all workers returned and reports the first error
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}
