package pool

import (
	"context"

	"golang.org/x/sync/semaphore"

	"convergio/internal/domain"
)

// Class separates interactive fan-out work from background bookkeeping so a
// burst of subtasks cannot starve scheduled jobs, and vice versa.
type Class int

const (
	ClassInteractive Class = iota
	ClassBackground
)

// Pool bounds concurrent agent work per class with weighted semaphores.
type Pool struct {
	interactive *semaphore.Weighted
	background  *semaphore.Weighted
}

// New creates a pool with the given slot counts. Non-positive counts fall
// back to 1.
func New(interactiveSlots, backgroundSlots int) *Pool {
	if interactiveSlots < 1 {
		interactiveSlots = 1
	}
	if backgroundSlots < 1 {
		backgroundSlots = 1
	}
	return &Pool{
		interactive: semaphore.NewWeighted(int64(interactiveSlots)),
		background:  semaphore.NewWeighted(int64(backgroundSlots)),
	}
}

// Acquire blocks until a slot of the class is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context, class Class) error {
	if err := p.sem(class).Acquire(ctx, 1); err != nil {
		return domain.NewDomainError("Pool.Acquire", domain.ErrCancelled, err.Error())
	}
	return nil
}

// TryAcquire grabs a slot without blocking.
func (p *Pool) TryAcquire(class Class) bool {
	return p.sem(class).TryAcquire(1)
}

// Release returns a slot. Must pair with a successful Acquire or TryAcquire.
func (p *Pool) Release(class Class) {
	p.sem(class).Release(1)
}

// Go runs fn in a new goroutine once a slot is acquired, releasing it when
// fn returns. If acquisition fails, the error is returned synchronously and
// fn never runs.
func (p *Pool) Go(ctx context.Context, class Class, fn func()) error {
	if err := p.Acquire(ctx, class); err != nil {
		return err
	}
	go func() {
		defer p.Release(class)
		fn()
	}()
	return nil
}

func (p *Pool) sem(class Class) *semaphore.Weighted {
	if class == ClassBackground {
		return p.background
	}
	return p.interactive
}
