// Package artifact holds one compilable unit and its compiled payload.
//
// An Artifact moves Empty -> Uncooked (Configure) -> Cooked (successful
// Compile) and back to Uncooked or Empty on Clear. One owner goroutine
// configures and clears it; a compile may run on a worker goroutine. Readers
// on latency-sensitive paths use Payload or IsCreated, which never block: while
// a compile holds the artifact they report not ready, and the caller is
// expected to skip whatever depended on the payload for this cycle.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Norgate-AV/kiln/internal/cache"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
	"github.com/Norgate-AV/kiln/internal/scheduler"
)

var (
	// ErrNotReady is returned by Payload while a compile is in progress or before
	// one has succeeded.
	ErrNotReady = errors.New("artifact not ready")

	// ErrNotConfigured is returned by Compile on an Empty artifact.
	ErrNotConfigured = errors.New("artifact not configured")
)

// State of an artifact
type State int

const (
	Empty State = iota
	Uncooked
	Cooked
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Uncooked:
		return "uncooked"
	case Cooked:
		return "cooked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fetcher materializes a request. *scheduler.Scheduler implements it.
type Fetcher interface {
	FetchOrCompile(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

// Artifact is a single compilable unit
type Artifact struct {
	fetcher Fetcher

	mu          sync.Mutex
	state       State
	req         scheduler.Request
	payload     cache.Payload
	fingerprint fingerprint.Fingerprint
	hit         bool
	err         error
}

// New creates an Empty artifact that compiles through fetcher
func New(fetcher Fetcher) *Artifact {
	return &Artifact{fetcher: fetcher}
}

// Configure sets what the artifact compiles and drops any previous payload.
// Owner only.
func (a *Artifact) Configure(req scheduler.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req.Macros = append([]fingerprint.Macro(nil), req.Macros...)
	if req.Source.Code != nil {
		req.Source.Code = append([]byte{}, req.Source.Code...)
	}

	a.req = req
	a.payload = cache.Payload{}
	a.fingerprint = fingerprint.Fingerprint{}
	a.hit = false
	a.err = nil
	a.state = Uncooked
}

// Compile fetches or compiles the payload, holding the artifact for the whole
// sequence. On failure the artifact stays Uncooked and the error is kept for Err.
func (a *Artifact) Compile(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Empty {
		return ErrNotConfigured
	}

	res, err := a.fetcher.FetchOrCompile(ctx, a.req)
	if err != nil {
		a.err = err
		a.payload = cache.Payload{}
		a.state = Uncooked

		return err
	}

	a.payload = res.Payload
	a.fingerprint = res.Fingerprint
	a.hit = res.Hit
	a.err = nil
	a.state = Cooked

	return nil
}

// CompileAsync dispatches Compile on r and returns its join handle. The owner
// must not dispatch a second compile for the same artifact before joining.
func (a *Artifact) CompileAsync(ctx context.Context, r *Runner) *Task {
	return r.Go(func() error {
		return a.Compile(ctx)
	})
}

// Payload returns the compiled payload without blocking. It returns ErrNotReady
// if a compile currently holds the artifact or the artifact is not Cooked.
func (a *Artifact) Payload() (cache.Payload, error) {
	if !a.mu.TryLock() {
		return cache.Payload{}, ErrNotReady
	}
	defer a.mu.Unlock()

	if a.state != Cooked {
		return cache.Payload{}, ErrNotReady
	}

	return a.payload, nil
}

// IsCreated reports whether the artifact is Cooked and not being compiled.
func (a *Artifact) IsCreated() bool {
	_, err := a.Payload()
	return err == nil
}

// Clear drops the payload, returning to Uncooked, or to Empty if the artifact
// was never configured. Owner only; any async compile must be joined first.
func (a *Artifact) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.payload = cache.Payload{}
	a.fingerprint = fingerprint.Fingerprint{}
	a.hit = false
	a.err = nil

	if a.state != Empty {
		a.state = Uncooked
	}
}

// Reset returns the artifact to Empty, forgetting its configuration.
func (a *Artifact) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.req = scheduler.Request{}
	a.payload = cache.Payload{}
	a.fingerprint = fingerprint.Fingerprint{}
	a.hit = false
	a.err = nil
	a.state = Empty
}

// State returns the current state, waiting for any in-flight compile.
func (a *Artifact) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Err returns the error of the last failed compile, if any.
func (a *Artifact) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.err
}

// Request returns the configured request.
func (a *Artifact) Request() scheduler.Request {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.req
}

// Fingerprint returns the key of the cooked payload and whether it came from
// the cache.
func (a *Artifact) Fingerprint() (fingerprint.Fingerprint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.fingerprint, a.hit
}
