package artifact

import (
	"golang.org/x/sync/errgroup"
)

// Task is the join handle of one dispatched job
type Task struct {
	done chan struct{}
	err  error
}

// Wait blocks until the job finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Done is closed when the job finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runner runs jobs on a bounded set of goroutines. A failing job does not
// cancel the others.
type Runner struct {
	group errgroup.Group
}

// NewRunner creates a runner with at most limit jobs in flight; limit <= 0
// means unbounded.
func NewRunner(limit int) *Runner {
	r := &Runner{}
	if limit > 0 {
		r.group.SetLimit(limit)
	}

	return r
}

// Go dispatches fn and returns its join handle. It blocks only while the runner
// is at its limit.
func (r *Runner) Go(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}

	r.group.Go(func() error {
		defer close(t.done)

		t.err = fn()
		return t.err
	})

	return t
}

// Wait joins every dispatched job and returns the first error.
func (r *Runner) Wait() error {
	return r.group.Wait()
}
