package rtp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(tp TimeProvider) *SourceState {
	s := NewSourceState(DefaultSequenceConfig())
	s.SetTimeProvider(tp)
	s.SetSSRC(0x1234)
	return s
}

func TestSourceState_SetSSRCResets(t *testing.T) {
	tp := NewMockTimeProvider()
	s := newTestSource(tp)
	s.Validate(1, 0)
	s.Validate(2, 160)
	s.Record(100)
	require.Equal(t, StateValid, s.SequenceState())

	s.SetSSRC(0x1234)
	assert.Equal(t, StateValid, s.SequenceState(), "same SSRC keeps state")

	s.SetSSRC(0x9999)
	assert.Equal(t, uint32(0x9999), s.SSRC())
	assert.Equal(t, StateInit, s.SequenceState())
	assert.Equal(t, uint64(0), s.PacketsReceived())
}

func TestSourceState_JitterConvergesToZero(t *testing.T) {
	tp := NewMockTimeProvider()
	s := newTestSource(tp)
	s.SetClockRate(8000)

	start := tp.Now()
	// One delayed packet seeds a non-zero jitter.
	s.ValidateAt(0, 0, start)
	s.ValidateAt(1, 160, start.Add(20*time.Millisecond))
	s.ValidateAt(2, 320, start.Add(60*time.Millisecond))
	seeded := s.Jitter()
	require.Greater(t, seeded, 0.0)

	prev := seeded
	for i := 3; i < 200; i++ {
		arrival := start.Add(time.Duration(i)*20*time.Millisecond + 20*time.Millisecond)
		s.ValidateAt(uint16(i), uint32(i)*160, arrival)
		assert.LessOrEqual(t, s.Jitter(), prev)
		prev = s.Jitter()
	}
	assert.InDelta(t, 0, s.Jitter(), seeded/16)
}

func TestSourceState_JitterSingleStep(t *testing.T) {
	tp := NewMockTimeProvider()
	s := newTestSource(tp)
	s.SetClockRate(8000)

	start := tp.Now()
	s.ValidateAt(0, 0, start)
	s.ValidateAt(1, 160, start.Add(30*time.Millisecond))

	// Transit grew by 10ms = 80 timestamp units.
	assert.InDelta(t, 80.0/16, s.Jitter(), 1e-6)
}

func TestSourceState_FractionLost(t *testing.T) {
	s := newTestSource(NewMockTimeProvider())

	for _, seq := range []uint16{100, 101, 102, 103, 106, 107} {
		s.Validate(seq, 0)
	}
	// Valid from 101: expected 101..107 = 7, received 5.
	assert.InDelta(t, 2.0/7.0, s.CalculateFractionLost(), 1e-9)
	assert.InDelta(t, 2.0/7.0, s.LastFractionLost(), 1e-9)
	assert.Equal(t, uint32(2), s.PacketsLost())

	assert.Equal(t, 0.0, s.CalculateFractionLost())
	assert.Equal(t, uint32(2), s.PacketsLost(), "cumulative loss is kept")
}

func TestSourceState_DLSR(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
	}{
		{"zero", 0},
		{"one second", time.Second},
		{"fractional", 1500 * time.Millisecond},
		{"microseconds", 12345 * time.Microsecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := NewMockTimeProvider()
			s := newTestSource(tp)
			assert.Equal(t, uint32(0), s.CalculateDLSR(), "no SR yet")

			s.SetLSR(0xabcd1234)
			tp.Advance(tt.elapsed)

			want := (tt.elapsed.Microseconds()*65536 + 500000) / 1000000
			assert.InDelta(t, float64(want), float64(s.CalculateDLSR()), 1)
			assert.Equal(t, uint32(0xabcd1234), s.LSR())
		})
	}
}

func TestSourceState_ReceptionReport(t *testing.T) {
	tp := NewMockTimeProvider()
	s := newTestSource(tp)
	for _, seq := range []uint16{1, 2, 3, 5} {
		s.Validate(seq, 0)
	}
	s.SetLSR(42)
	tp.Advance(time.Second)

	rr := s.ReceptionReport()
	assert.Equal(t, uint32(0x1234), rr.SSRC)
	assert.Equal(t, uint32(1), rr.TotalLost)
	assert.Equal(t, uint32(5), rr.LastSequenceNumber)
	assert.Equal(t, uint8(256/4), rr.FractionLost)
	assert.Equal(t, uint32(42), rr.LastSenderReport)
	assert.Equal(t, uint32(65536), rr.Delay)
}

func TestLayerState_ConcurrentAccess(t *testing.T) {
	ls := NewLayerState(0, DefaultSequenceConfig())
	ls.Activate()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			ls.With(func(s *SourceState) {
				s.SetSSRC(7)
				s.Validate(uint16(i), uint32(i))
				s.Record(10)
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = ls.Snapshot()
			ls.With(func(s *SourceState) { _ = s.ReceptionReport() })
		}
	}()
	wg.Wait()

	snap := ls.Snapshot()
	assert.Equal(t, uint64(1000), snap.Packets)
	assert.Equal(t, uint32(7), snap.SSRC)

	ls.Reset()
	assert.False(t, ls.Active())
	assert.Equal(t, uint64(0), ls.Snapshot().Packets)
}
