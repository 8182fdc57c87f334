package session

import (
	"context"
	"sync"
)

// Action is the handle of an outbound request running in the background.
type Action struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAction() *Action {
	return &Action{done: make(chan struct{})}
}

// Done is closed when the request has finished and its result is applied.
func (a *Action) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the action finishes or ctx ends. Abandoning the wait
// does not cancel the action.
func (a *Action) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the result, or nil while the action is still running.
func (a *Action) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

func (a *Action) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}
