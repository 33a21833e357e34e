package audio

import (
	"sync"
	"time"
)

// MockTimeProvider is a manually advanced clock.
type MockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// MockDevice records writes and can refuse them.
type MockDevice struct {
	NullSink
	mu     sync.Mutex
	chunks [][]byte
	refuse bool
}

func NewMockDevice(q Quality) *MockDevice {
	d := &MockDevice{}
	d.quality = q
	return d
}

func (d *MockDevice) Write(data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse {
		return false
	}
	d.chunks = append(d.chunks, append([]byte(nil), data...))
	return d.NullSink.Write(data)
}

func (d *MockDevice) Chunks() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.chunks...)
}

func (d *MockDevice) SetRefuse(refuse bool) {
	d.mu.Lock()
	d.refuse = refuse
	d.mu.Unlock()
}
