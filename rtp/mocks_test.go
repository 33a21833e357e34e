package rtp

import (
	"sync"
	"time"
)

// MockTimeProvider is a deterministic time provider for testing.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

// NewMockTimeProvider creates a provider fixed at a known instant.
func NewMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
}

// Now returns the mock time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// Since returns the mock duration since t.
func (m *MockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the mock time forward by the given duration.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// MockDecoder accepts packets of one payload type on a fixed layer.
type MockDecoder struct {
	mu          sync.Mutex
	payloadType uint8
	layer       int
	layers      int
	handled     []uint16
	payloads    [][]byte
	notify      chan struct{}
}

// NewMockDecoder creates a decoder accepting payloadType on layer 0 of 1.
func NewMockDecoder(payloadType uint8) *MockDecoder {
	return &MockDecoder{
		payloadType: payloadType,
		layers:      1,
		notify:      make(chan struct{}, 64),
	}
}

func (m *MockDecoder) CheckNextPacket(pkt *Packet) bool {
	if pkt.PayloadType != m.payloadType {
		return false
	}
	pkt.Layer = m.layer
	pkt.Layers = m.layers
	return true
}

func (m *MockDecoder) HandleNextPacket(pkt *Packet) {
	m.mu.Lock()
	m.handled = append(m.handled, pkt.SequenceNumber)
	m.payloads = append(m.payloads, append([]byte(nil), pkt.Payload...))
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Handled returns the sequence numbers delivered so far.
func (m *MockDecoder) Handled() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint16(nil), m.handled...)
}

// MockEncoder produces a fixed number of packets per frame.
type MockEncoder struct {
	mu          sync.Mutex
	frameRate   int
	perFrame    int
	payloadSize int
	remaining   int
	frames      int
	bandwidth   int
	updated     int
}

func NewMockEncoder(frameRate, perFrame, payloadSize int) *MockEncoder {
	return &MockEncoder{frameRate: frameRate, perFrame: perFrame, payloadSize: payloadSize}
}

func (m *MockEncoder) QoSDescription(headerSize, maxPacketSize, offset int) QoSDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return QoSDescription{Layers: []LayerQoS{{Bandwidth: m.bandwidth, MaxPacketSize: maxPacketSize}}}
}

func (m *MockEncoder) UpdateQuality(desc QoSDescription) {
	m.mu.Lock()
	m.updated++
	m.mu.Unlock()
}

func (m *MockEncoder) CheckInterval() (time.Duration, []Reservation, bool) {
	return 0, nil, false
}

func (m *MockEncoder) PrepareNextFrame(headerSize, maxPacketSize int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining = m.perFrame
	m.frames++
	return true
}

func (m *MockEncoder) NextPacket(pkt *EncoderPacket) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remaining == 0 {
		return 0
	}
	m.remaining--
	for i := 0; i < m.payloadSize; i++ {
		pkt.Buffer[i] = byte(i)
	}
	pkt.PayloadType = 96
	pkt.Layer = 0
	return m.payloadSize
}

func (m *MockEncoder) FrameRate() int { return m.frameRate }

func (m *MockEncoder) ClockRate() int { return 8000 }
