package utils

import (
	"context"
	"sync"
)

type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// InFlight counts outstanding units of work and lets callers wait until the count drops to zero.
// Unlike sync.WaitGroup, Begin may be called concurrently with Wait, and Wait honors a context.
// It always locks, since instances are waited on from control threads other than the submitter.
type InFlight struct {
	mutex sync.Mutex
	count int
	idle  chan struct{}
}

func (f *InFlight) Begin() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.count == 0 {
		f.idle = make(chan struct{})
	}
	f.count++
}

func (f *InFlight) End() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.count == 0 {
		panic("in-flight count went negative")
	}
	f.count--
	if f.count == 0 {
		close(f.idle)
	}
}

func (f *InFlight) Count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.count
}

// Wait blocks until every unit of work begun before the call has ended, or until ctx is done.
// Work begun after Wait observes the count may extend the wait.
func (f *InFlight) Wait(ctx context.Context) error {
	f.mutex.Lock()
	if f.count == 0 {
		f.mutex.Unlock()
		return nil
	}
	idle := f.idle
	f.mutex.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
