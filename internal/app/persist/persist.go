// Package persist runs write-behind persistence after an effect has already
// been applied in memory and broadcast.
package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type State int32

const (
	AppliedPendingPersistence State = iota
	Persisted
	PersistFailed
)

func (s State) String() string {
	switch s {
	case AppliedPendingPersistence:
		return "pending"
	case Persisted:
		return "persisted"
	case PersistFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result tracks one asynchronous write. Err is valid once Done is closed.
type Result struct {
	state atomic.Int32
	done  chan struct{}
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Settled returns a Result that is already complete.
func Settled(err error) *Result {
	r := newResult()
	r.finish(err)
	return r
}

func (r *Result) finish(err error) {
	r.err = err
	if err != nil {
		r.state.Store(int32(PersistFailed))
	} else {
		r.state.Store(int32(Persisted))
	}
	close(r.done)
}

func (r *Result) State() State          { return State(r.state.Load()) }
func (r *Result) Done() <-chan struct{} { return r.done }

func (r *Result) Err() error {
	<-r.done
	return r.err
}

// Wait blocks until the write settles or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteFunc performs the write and returns the stored id, if any.
type WriteFunc func(ctx context.Context) (string, error)

// Runner executes writes in the background with a per-write timeout.
// Writes submitted under the same key run one at a time in submission
// order; unkeyed writes run concurrently.
type Runner struct {
	timeout time.Duration
	wg      sync.WaitGroup

	mu    sync.Mutex
	tails map[string]*Result
}

func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runner{timeout: timeout, tails: make(map[string]*Result)}
}

// Go starts fn. then, when non-nil, runs with the outcome before the
// Result is marked settled so observers see its side effects.
func (r *Runner) Go(name string, fn WriteFunc, then func(id string, err error)) *Result {
	return r.GoKeyed("", name, fn, then)
}

// GoKeyed is Go, but fn starts only after every earlier write with the
// same key has settled. The last write for a key is the one that sticks.
func (r *Runner) GoKeyed(key, name string, fn WriteFunc, then func(id string, err error)) *Result {
	res := newResult()
	var prev *Result
	if key != "" {
		r.mu.Lock()
		prev = r.tails[key]
		r.tails[key] = res
		r.mu.Unlock()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if prev != nil {
			<-prev.done
		}
		id, err := r.run(name, fn)
		if then != nil {
			func() {
				defer func() {
					if p := recover(); p != nil {
						log.Error().Str("module", "app.persist").Str("op", name).Interface("panic", p).Msg("completion panicked")
					}
				}()
				then(id, err)
			}()
		}
		if key != "" {
			r.mu.Lock()
			if r.tails[key] == res {
				delete(r.tails, key)
			}
			r.mu.Unlock()
		}
		res.finish(err)
	}()
	return res
}

func (r *Runner) run(name string, fn WriteFunc) (id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", name, p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return fn(ctx)
}

// Wait blocks until every started write has settled.
func (r *Runner) Wait() {
	r.wg.Wait()
}
