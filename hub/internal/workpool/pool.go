// Package workpool bounds how many tool invocations run at once across all
// users, so a burst from one user cannot starve delivery for the others.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Pool runs jobs on at most Size goroutines at a time.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	closed atomic.Bool

	active    atomic.Int64
	completed atomic.Int64
}

// New creates a pool with size slots. Sizes below one are raised to one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Submit waits for a free slot, runs fn on its own goroutine and waits for the
// result. If ctx ends first Submit returns ctx.Err(); fn keeps its slot until
// it returns, and it receives the same ctx so it can stop early.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker: %w", err)
	}

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	p.active.Add(1)
	go func() {
		defer func() {
			p.active.Add(-1)
			p.completed.Add(1)
			p.sem.Release(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("job panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs and waits for running ones to finish.
func (p *Pool) Close(ctx context.Context) error {
	p.closed.Store(true)
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)
	return nil
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
}

// Stats returns the current usage.
func (p *Pool) Stats() Stats {
	return Stats{Size: int(p.size), Active: p.active.Load(), Completed: p.completed.Load()}
}
