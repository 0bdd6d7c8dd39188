// Package clock abstracts wall time so record lifecycles can be tested
// without sleeping.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually advanced clock, safe for concurrent use.
type MockClock struct {
	mu      sync.Mutex
	NowTime time.Time
}

func NewMock(t time.Time) *MockClock {
	return &MockClock{NowTime: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NowTime
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.NowTime = m.NowTime.Add(d)
	m.mu.Unlock()
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.NowTime = t
	m.mu.Unlock()
}
