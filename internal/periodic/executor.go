package periodic

import (
	"context"
	"time"

	"github.com/relayops/relay/pkg/models"
)

// Executor drives one headless turn for a due task. The production
// implementation wraps the server's turn pipeline so scheduled runs
// persist through the same path as interactive requests; the doubles
// below keep scheduler tests free of provider plumbing.
type Executor interface {
	Execute(ctx context.Context, task *models.PeriodicTask, prompt string) (*Result, error)
}

// Result is the outcome of a finished headless turn.
type Result struct {
	Summary    string
	Usage      *models.Usage
	Iterations int
}

// NoOpExecutor returns a fixed outcome after an optional delay.
type NoOpExecutor struct {
	Summary string
	Err     error
	Delay   time.Duration
}

func (e *NoOpExecutor) Execute(ctx context.Context, task *models.PeriodicTask, prompt string) (*Result, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.Err != nil {
		return nil, e.Err
	}
	return &Result{Summary: e.Summary}, nil
}

// CallbackExecutor adapts a function to the Executor interface.
type CallbackExecutor struct {
	Fn func(ctx context.Context, task *models.PeriodicTask, prompt string) (*Result, error)
}

func (e *CallbackExecutor) Execute(ctx context.Context, task *models.PeriodicTask, prompt string) (*Result, error) {
	return e.Fn(ctx, task, prompt)
}
