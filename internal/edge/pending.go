package edge

import (
	"context"
	"errors"
)

// Pending is work an event handler started and the host must keep alive until
// it settles. It is the explicit form of extending an event's lifetime.
type Pending interface {
	// Wait blocks until the work settles or ctx is done.
	Wait(ctx context.Context) error
}

type task struct {
	done chan struct{}
	err  error
}

func newTask() *task { return &task{done: make(chan struct{})} }

func (t *task) finish(err error) {
	t.err = err
	close(t.done)
}

func (t *task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settled returns a Pending that has already completed with err.
func settled(err error) Pending {
	t := newTask()
	t.finish(err)
	return t
}

type allPending []Pending

func (a allPending) Wait(ctx context.Context) error {
	var errs []error
	for _, p := range a {
		if p == nil {
			continue
		}
		if err := p.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// joinPending settles once every non-nil p has settled.
func joinPending(ps ...Pending) Pending {
	return allPending(ps)
}
