// Package scheduler drives the compile-and-cache cycle: it hydrates the index
// from the persistent store in the background at startup, answers
// fetch-or-compile requests against the index, and writes the index back out at
// shutdown.
//
// Startup ordering matters. StartLoad returns only once the background loader
// holds the index lock, so every request issued after it returns queues behind
// the load instead of racing it. It does not wait for the load to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Norgate-AV/kiln/internal/cache"
	"github.com/Norgate-AV/kiln/internal/compiler"
	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

// InlineName is the diagnostic name given to inline sources
const InlineName = "<inline>"

// State is the lifecycle of the whole cache
type State int

const (
	Uninitialized State = iota
	LoadStarted
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case LoadStarted:
		return "load-started"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request describes one artifact to materialize
type Request struct {
	Source  fingerprint.Source
	Entry   string
	Profile string
	Macros  []fingerprint.Macro

	// Extra is toolchain-specific key material, see fingerprint.EncodeExtra
	Extra fingerprint.Extra
}

// Name returns the diagnostic name of the request's source
func (r Request) Name() string {
	if r.Source.IsInline() {
		return InlineName
	}

	return r.Source.Path
}

// Result is a materialized artifact
type Result struct {
	Payload      cache.Payload
	Fingerprint  fingerprint.Fingerprint
	Dependencies []deps.DependencyInfo

	// Hit reports that the payload came from the index without compiling
	Hit bool
}

// Options configures a Scheduler
type Options struct {
	// Store persists the index; nil keeps the cache in memory only
	Store cache.Store

	Tracker   *deps.Tracker
	Toolchain compiler.Toolchain

	// Builder defaults to an unsorted-macro builder
	Builder *fingerprint.Builder

	// NoCache compiles every request and leaves the index untouched
	NoCache bool

	Logger *slog.Logger
}

// Scheduler owns the index. Create one per process and pass it explicitly to
// whatever needs to compile.
type Scheduler struct {
	index     *cache.Index
	store     cache.Store
	tracker   *deps.Tracker
	toolchain compiler.Toolchain
	builder   *fingerprint.Builder
	noCache   bool
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	loadDone chan struct{}
	loadErr  error
}

// New creates a Scheduler in the Uninitialized state
func New(opts Options) (*Scheduler, error) {
	if opts.Toolchain == nil {
		return nil, errors.New("toolchain is required")
	}

	s := &Scheduler{
		store:     opts.Store,
		tracker:   opts.Tracker,
		toolchain: opts.Toolchain,
		builder:   opts.Builder,
		noCache:   opts.NoCache,
		logger:    opts.Logger,
	}

	if s.tracker == nil {
		s.tracker = deps.NewTracker(deps.Options{Logger: opts.Logger})
	}

	if s.builder == nil {
		s.builder = fingerprint.NewBuilder(false)
	}

	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	s.index = cache.NewIndex(s.tracker)

	return s, nil
}

// Index exposes the underlying index
func (s *Scheduler) Index() *cache.Index {
	return s.index
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == LoadStarted {
		select {
		case <-s.loadDone:
			s.state = Ready
		default:
		}
	}

	return s.state
}

// StartLoad hydrates the index from the store on a background goroutine. It
// blocks until the loader holds the index lock and no longer. Calling it again
// is a no-op.
func (s *Scheduler) StartLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized {
		return
	}

	s.loadDone = make(chan struct{})

	if s.store == nil || s.noCache {
		close(s.loadDone)
		s.state = Ready
		return
	}

	locked := make(chan struct{})
	go func() {
		defer close(s.loadDone)

		err := s.index.Load(s.store, func() { close(locked) })
		if err != nil {
			s.logger.Warn("discarding unreadable build cache", "error", err)
			s.loadErr = err
			return
		}

		s.logger.Debug("build cache loaded", "entries", s.index.Len())
	}()

	<-locked
	s.state = LoadStarted
}

// WaitLoad blocks until the background load has finished. The returned error
// is informational: a failed load has already degraded to an empty index.
func (s *Scheduler) WaitLoad() error {
	s.mu.Lock()
	done := s.loadDone
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	<-done

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Ready

	return s.loadErr
}

// FetchOrCompile returns the payload for req, from the index when an entry with
// a matching fingerprint is present and none of its dependencies changed, and
// from the toolchain otherwise. A successful compile is inserted into the index
// before returning.
func (s *Scheduler) FetchOrCompile(ctx context.Context, req Request) (Result, error) {
	fp := s.builder.Build(req.Source, req.Entry, req.Profile, req.Macros, req.Extra)

	if !s.noCache {
		payload, ok, stale := s.index.Find(fp)
		if ok {
			s.logger.Debug("cache hit", "source", req.Name(), "fingerprint", fp)
			return Result{Payload: payload, Fingerprint: fp, Hit: true}, nil
		}

		s.logger.Debug("cache miss", "source", req.Name(), "fingerprint", fp, "stale", stale)
	}

	payload, dependencies, err := s.compile(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if !s.noCache {
		entry := cache.NewEntry(payload, dependencies)
		if !s.index.Insert(fp, entry) {
			s.logger.Debug("concurrent compile already cached", "source", req.Name(), "fingerprint", fp)
		}
	}

	return Result{
		Payload:      cache.NewPayload(payload),
		Fingerprint:  fp,
		Dependencies: dependencies,
	}, nil
}

func (s *Scheduler) compile(ctx context.Context, req Request) ([]byte, []deps.DependencyInfo, error) {
	unit := compiler.Unit{
		Name:    req.Name(),
		Entry:   req.Entry,
		Profile: req.Profile,
		Macros:  req.Macros,
	}

	recorder := newRecorder(s.tracker)

	if req.Source.IsInline() {
		unit.Source = req.Source.Code
	} else {
		info, data, err := s.tracker.Resolve(req.Source.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("source %s: %w", req.Source.Path, err)
		}

		recorder.add(info)
		unit.Path = info.Path
		unit.Source = data
	}

	payload, err := s.toolchain.Compile(ctx, unit, recorder.resolve)
	if err != nil {
		s.logger.Warn("compile failed", "source", unit.Name, "entry", unit.Entry, "profile", unit.Profile, "error", err)
		return nil, nil, err
	}

	return payload, recorder.list(), nil
}

// Flush writes the whole index to the store. Failures are logged and returned;
// they never affect the in-memory index. Before StartLoad the index does not
// hold what the store holds, so nothing is written.
func (s *Scheduler) Flush() error {
	if s.store == nil || s.noCache {
		return nil
	}

	if s.State() == Uninitialized {
		s.logger.Debug("build cache never loaded, not saving")
		return nil
	}

	if err := s.index.Save(s.store); err != nil {
		s.logger.Warn("failed to save build cache", "error", err)
		return err
	}

	s.logger.Debug("build cache saved", "entries", s.index.Len())

	return nil
}

// Close joins any background load and then flushes. Call it from the owner
// after every in-flight compile has been waited on.
func (s *Scheduler) Close() error {
	_ = s.WaitLoad()
	return s.Flush()
}

// recorder collects the dependencies of one compile, in first-seen order
type recorder struct {
	tracker *deps.Tracker

	mu    sync.Mutex
	infos []deps.DependencyInfo
	seen  map[string]bool
}

func newRecorder(tracker *deps.Tracker) *recorder {
	return &recorder{tracker: tracker, seen: make(map[string]bool)}
}

func (r *recorder) add(info deps.DependencyInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen[info.Path] {
		return
	}

	r.seen[info.Path] = true
	r.infos = append(r.infos, info)
}

func (r *recorder) resolve(path string) ([]byte, error) {
	info, data, err := r.tracker.Resolve(path)
	if err != nil {
		return nil, err
	}

	r.add(info)

	return data, nil
}

func (r *recorder) list() []deps.DependencyInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]deps.DependencyInfo(nil), r.infos...)
}
