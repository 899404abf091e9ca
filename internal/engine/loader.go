package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	Unloaded State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// LoadFunc brings a backend up.
type LoadFunc func(ctx context.Context) (Backend, error)

// attempt is one in-flight load shared by every caller that arrives while
// it runs.
type attempt struct {
	done   chan struct{}
	engine *Engine
	err    error
}

// Loader lazily initializes the engine on first use. Concurrent callers
// share one in-flight load. A failed load returns the loader to Unloaded so
// the next Get tries again.
type Loader struct {
	load  LoadFunc
	state atomic.Int32

	mu       sync.Mutex
	engine   *Engine
	inflight *attempt
	lastErr  error
}

func NewLoader(load LoadFunc) *Loader {
	return &Loader{load: load}
}

// Get returns the engine, loading the backend if it is not loaded yet. A
// caller whose ctx ends first stops waiting; the load itself carries on.
func (l *Loader) Get(ctx context.Context) (*Engine, error) {
	l.mu.Lock()
	if l.engine != nil {
		e := l.engine
		l.mu.Unlock()
		return e, nil
	}
	a := l.inflight
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		l.inflight = a
		l.state.Store(int32(Loading))
		go l.run(context.WithoutCancel(ctx), a)
	}
	l.mu.Unlock()

	select {
	case <-a.done:
		return a.engine, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) run(ctx context.Context, a *attempt) {
	start := time.Now()
	backend, err := l.load(ctx)

	l.mu.Lock()
	l.inflight = nil
	if err != nil {
		a.err = fmt.Errorf("loading backend: %w", err)
		l.lastErr = a.err
		l.state.Store(int32(Unloaded))
		slog.Error("engine: backend load failed", "error", err, "elapsed", time.Since(start))
	} else {
		a.engine = New(backend)
		l.engine = a.engine
		l.lastErr = nil
		l.state.Store(int32(Ready))
		slog.Info("engine: backend ready", "elapsed", time.Since(start))
	}
	l.mu.Unlock()
	close(a.done)
}

func (l *Loader) State() State {
	return State(l.state.Load())
}

// Err returns the error of the most recent load attempt, or nil once a load
// has succeeded.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
