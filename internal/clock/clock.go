// Package clock abstracts time so periodic loops can be driven from tests.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// Fake is a manually advanced clock. After returns a channel that fires
// only when Tick is called, regardless of the requested duration.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []chan time.Time
}

// NewFake returns a Fake pinned to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()
	return ch
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Tick advances the clock by d and releases every pending After waiter.
func (f *Fake) Tick(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	waiters := f.waiters
	f.waiters = nil
	now := f.now
	f.mu.Unlock()
	for _, ch := range waiters {
		ch <- now
	}
}
