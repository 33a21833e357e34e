package rtp

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// MaxQualityLayers is the maximum number of layers a layered stream may use.
const MaxQualityLayers = 8

// DefaultClockRate is the RTP clock rate assumed until a packet says otherwise.
const DefaultClockRate = 8000

// SourceState holds the reception statistics of one remote source on one layer.
//
// SourceState does not lock. All calls must be made while holding the
// owning LayerState lock.
type SourceState struct {
	ssrc      uint32
	validator *SequenceValidator
	clockRate uint32

	// Jitter bookkeeping in RTP timestamp units.
	jitter      float64
	lastTransit float64
	haveTransit bool
	epoch       time.Time

	lsr       uint32
	lsrAt     time.Time
	haveLSR   bool
	lastFract float64

	packets uint64
	bytes   uint64
	lastAt  time.Time

	timeProvider TimeProvider
}

// NewSourceState creates an empty source using the given validator constants.
func NewSourceState(config SequenceConfig) *SourceState {
	return &SourceState{
		validator:    NewSequenceValidator(config),
		clockRate:    DefaultClockRate,
		timeProvider: defaultTimeProvider,
	}
}

// SetTimeProvider replaces the clock used for jitter and DLSR.
func (s *SourceState) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = defaultTimeProvider
	}
	s.timeProvider = tp
}

// SetSSRC claims the slot for ssrc. A different SSRC resets all statistics.
func (s *SourceState) SetSSRC(ssrc uint32) {
	if s.ssrc == ssrc && s.validator.State() != StateInit {
		return
	}
	config := s.validator.config
	tp := s.timeProvider
	clockRate := s.clockRate
	*s = SourceState{
		ssrc:         ssrc,
		validator:    NewSequenceValidator(config),
		clockRate:    clockRate,
		timeProvider: tp,
	}
}

// SSRC returns the SSRC that last claimed the slot.
func (s *SourceState) SSRC() uint32 {
	return s.ssrc
}

// SetClockRate sets the RTP clock rate used to convert arrival times.
func (s *SourceState) SetClockRate(rate uint32) {
	if rate == 0 || rate == s.clockRate {
		return
	}
	s.clockRate = rate
	s.haveTransit = false
}

// ClockRate returns the RTP clock rate in Hz.
func (s *SourceState) ClockRate() uint32 {
	return s.clockRate
}

// Validate classifies a packet arriving now. See ValidateAt.
func (s *SourceState) Validate(seq uint16, timestamp uint32) Validity {
	return s.ValidateAt(seq, timestamp, s.timeProvider.Now())
}

// ValidateAt classifies a packet with the given arrival time and, when the
// packet is delivered, updates the interarrival jitter estimate.
func (s *SourceState) ValidateAt(seq uint16, timestamp uint32, arrival time.Time) Validity {
	result := s.validator.Validate(seq, timestamp)
	if result.Delivered() {
		s.updateJitter(timestamp, arrival)
	}
	return result
}

// updateJitter applies J += (|D| - J)/16 with D the transit time difference.
func (s *SourceState) updateJitter(timestamp uint32, arrival time.Time) {
	if s.epoch.IsZero() {
		s.epoch = arrival
	}
	arrivalUnits := arrival.Sub(s.epoch).Seconds() * float64(s.clockRate)
	transit := arrivalUnits - float64(timestamp)

	if !s.haveTransit {
		s.lastTransit = transit
		s.haveTransit = true
		return
	}

	d := transit - s.lastTransit
	s.lastTransit = transit
	// Timestamp wrap shows up as a transit jump of 2^32 units.
	if d > math.MaxUint32/2 {
		d -= math.MaxUint32 + 1
	} else if d < -math.MaxUint32/2 {
		d += math.MaxUint32 + 1
	}
	s.jitter += (math.Abs(d) - s.jitter) / 16
}

// Jitter returns the smoothed interarrival jitter in RTP timestamp units.
func (s *SourceState) Jitter() float64 {
	return s.jitter
}

// JitterDuration returns the jitter estimate as wall-clock time.
func (s *SourceState) JitterDuration() time.Duration {
	if s.clockRate == 0 {
		return 0
	}
	return time.Duration(s.jitter / float64(s.clockRate) * float64(time.Second))
}

// CalculateFractionLost returns the fraction of packets lost since the
// previous call and starts a new interval. An empty interval yields 0.
func (s *SourceState) CalculateFractionLost() float64 {
	expected, lost := s.validator.IntervalCounts()
	if expected == 0 {
		s.lastFract = 0
		return 0
	}
	s.lastFract = float64(lost) / float64(expected)
	return s.lastFract
}

// LastFractionLost returns the value computed by the last CalculateFractionLost.
func (s *SourceState) LastFractionLost() float64 {
	return s.lastFract
}

// PacketsLost returns the cumulative number of lost packets.
func (s *SourceState) PacketsLost() uint32 {
	return s.validator.Lost()
}

// ExtendedMaxSequence returns the extended highest sequence number received.
func (s *SourceState) ExtendedMaxSequence() uint32 {
	return s.validator.ExtendedMax()
}

// SequenceState returns the state of the underlying validator.
func (s *SourceState) SequenceState() SequenceState {
	return s.validator.State()
}

// SetLSR records the middle 32 bits of the NTP time of the last sender
// report and remembers when it arrived.
func (s *SourceState) SetLSR(lsr uint32) {
	s.lsr = lsr
	s.lsrAt = s.timeProvider.Now()
	s.haveLSR = true
}

// LSR returns the last sender report timestamp, or 0 if none arrived.
func (s *SourceState) LSR() uint32 {
	return s.lsr
}

// CalculateDLSR returns the delay since the last SetLSR in 1/65536 seconds,
// or 0 if no sender report has been received.
func (s *SourceState) CalculateDLSR() uint32 {
	if !s.haveLSR {
		return 0
	}
	return DurationToQ16(s.timeProvider.Since(s.lsrAt))
}

// Record adds one delivered packet of size bytes to the counters.
func (s *SourceState) Record(bytes int) {
	s.packets++
	s.bytes += uint64(bytes)
	s.lastAt = s.timeProvider.Now()
}

// PacketsReceived returns the number of delivered packets.
func (s *SourceState) PacketsReceived() uint64 {
	return s.packets
}

// BytesReceived returns the number of delivered payload bytes.
func (s *SourceState) BytesReceived() uint64 {
	return s.bytes
}

// LastReceived returns the arrival time of the last delivered packet.
func (s *SourceState) LastReceived() time.Time {
	return s.lastAt
}

// ReceptionReport builds an RTCP report block for the source and starts a
// new loss interval.
func (s *SourceState) ReceptionReport() rtcp.ReceptionReport {
	fraction := s.CalculateFractionLost()
	lost := s.PacketsLost()
	if lost > 0x7fffff {
		lost = 0x7fffff
	}
	return rtcp.ReceptionReport{
		SSRC:               s.ssrc,
		FractionLost:       uint8(math.Min(fraction*256, 255)),
		TotalLost:          lost,
		LastSequenceNumber: s.ExtendedMaxSequence(),
		Jitter:             uint32(s.jitter),
		LastSenderReport:   s.lsr,
		Delay:              s.CalculateDLSR(),
	}
}

// SourceSnapshot is a copy of the displayable statistics of one layer.
type SourceSnapshot struct {
	Layer        int
	SSRC         uint32
	State        SequenceState
	PacketsLost  uint32
	FractionLost float64
	Jitter       time.Duration
	Packets      uint64
	Bytes        uint64
	LastReceived time.Time
}

// LayerState is a SourceState slot guarded by its own mutex. The receive
// loop writes it and the report task reads it through With.
type LayerState struct {
	mu     sync.Mutex
	state  *SourceState
	active bool
	layer  int
}

// NewLayerState creates an inactive slot for the given layer index.
func NewLayerState(layer int, config SequenceConfig) *LayerState {
	return &LayerState{
		state: NewSourceState(config),
		layer: layer,
	}
}

// With runs fn with the slot locked.
func (l *LayerState) With(fn func(s *SourceState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.state)
}

// Activate marks the slot as carrying data.
func (l *LayerState) Activate() {
	l.mu.Lock()
	l.active = true
	l.mu.Unlock()
}

// Active reports whether the slot has received any packet.
func (l *LayerState) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Reset clears the slot back to an unclaimed source.
func (l *LayerState) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	config := l.state.validator.config
	tp := l.state.timeProvider
	l.state = NewSourceState(config)
	l.state.timeProvider = tp
	l.active = false
}

// Snapshot returns a consistent copy of the slot statistics.
func (l *LayerState) Snapshot() SourceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	return SourceSnapshot{
		Layer:        l.layer,
		SSRC:         s.ssrc,
		State:        s.SequenceState(),
		PacketsLost:  s.PacketsLost(),
		FractionLost: s.lastFract,
		Jitter:       s.JitterDuration(),
		Packets:      s.packets,
		Bytes:        s.bytes,
		LastReceived: s.lastAt,
	}
}
