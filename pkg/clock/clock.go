// Package clock abstracts time so TTL, clock-skew and
// usefulness logic can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

// Real returns the wall clock.
func Real() Clock { // A
	return realClock{}
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// Fake is a manually driven Clock.
type Fake struct { // A
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake frozen at now.
func NewFake(now time.Time) *Fake { // A
	return &Fake{now: now}
}

// Now returns the frozen time.
func (f *Fake) Now() time.Time { // A
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) { // A
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) { // A
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
