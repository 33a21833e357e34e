package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PlayState is the state of a PlayoutBuffer.
type PlayState int

const (
	// Filling accumulates data until the latency target is buffered
	Filling PlayState = iota
	// Playing keeps the device about one target ahead of real time
	Playing
)

// String returns the string representation of PlayState.
func (s PlayState) String() string {
	switch s {
	case Filling:
		return "Filling"
	case Playing:
		return "Playing"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// ErrNilDevice indicates a playout buffer without a device sink.
var ErrNilDevice = errors.New("device sink cannot be nil")

// PlayoutConfig configures a PlayoutBuffer.
type PlayoutConfig struct {
	TargetLatency   time.Duration // Audio buffered before playing starts
	BufferLatency   time.Duration // Ring capacity expressed as play time
	ChunkPeriod     time.Duration // Drain period while playing
	ResizeThreshold float64       // Fill ratio that triggers compaction
	FrameSize       int           // Bytes per compaction frame
	CompactModulo   int           // Every n-th frame is dropped on compaction
	TimeProvider    TimeProvider
}

// DefaultPlayoutConfig returns a 200ms jitter target in a 2s ring.
func DefaultPlayoutConfig() PlayoutConfig {
	return PlayoutConfig{
		TargetLatency:   200 * time.Millisecond,
		BufferLatency:   2 * time.Second,
		ChunkPeriod:     20 * time.Millisecond,
		ResizeThreshold: 0.75,
		FrameSize:       4,
		CompactModulo:   4,
	}
}

// PlayoutStats is a snapshot of the playout state.
type PlayoutStats struct {
	State        PlayState
	Available    int
	Capacity     int
	Target       int
	Balance      int
	Written      uint64
	Played       uint64
	Underruns    uint64
	Compactions  uint64
	DroppedBytes uint64
	DeviceErrors uint64
}

// PlayoutBuffer decouples bursty network delivery from a constant rate
// device. It implements Sink for the decoder and drains into a device Sink.
//
// In Filling the buffer collects data until TargetLatency worth of audio
// is queued, then primes the device with it and switches to Playing. While
// Playing, the balance counts bytes handed to the device minus the bytes
// the device consumed since; when it falls under half the target the buffer
// has underrun and goes back to Filling.
type PlayoutBuffer struct {
	device Sink
	config PlayoutConfig

	mu        sync.Mutex
	ring      *RingBuffer
	quality   Quality
	target    int
	state     PlayState
	balance   int
	lastWrite time.Time
	gen       uint64
	stats     PlayoutStats

	wake    chan struct{}
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewPlayoutBuffer creates a playout buffer in front of device.
func NewPlayoutBuffer(device Sink, config PlayoutConfig) (*PlayoutBuffer, error) {
	if device == nil {
		return nil, ErrNilDevice
	}

	def := DefaultPlayoutConfig()
	if config.TargetLatency <= 0 {
		config.TargetLatency = def.TargetLatency
	}
	if config.BufferLatency < 2*config.TargetLatency {
		config.BufferLatency = max(def.BufferLatency, 2*config.TargetLatency)
	}
	if config.ChunkPeriod <= 0 {
		config.ChunkPeriod = def.ChunkPeriod
	}
	if config.ResizeThreshold <= 0 || config.ResizeThreshold > 1 {
		config.ResizeThreshold = def.ResizeThreshold
	}
	if config.FrameSize <= 0 {
		config.FrameSize = def.FrameSize
	}
	if config.CompactModulo <= 1 {
		config.CompactModulo = def.CompactModulo
	}
	if config.TimeProvider == nil {
		config.TimeProvider = DefaultTimeProvider{}
	}

	b := &PlayoutBuffer{
		device: device,
		config: config,
		wake:   make(chan struct{}, 1),
	}
	b.resize(device.Quality())
	return b, nil
}

// resize rebuilds the ring for q. The caller holds b.mu or owns b.
func (b *PlayoutBuffer) resize(q Quality) {
	b.quality = q
	b.target = q.BytesFor(b.config.TargetLatency)
	b.ring = NewRingBuffer(q.BytesFor(b.config.BufferLatency))
	b.state = Filling
	b.balance = 0
	b.lastWrite = time.Time{}
	b.gen++
}

// Start launches the drain goroutine.
func (b *PlayoutBuffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function": "PlayoutBuffer.Start",
		"target":   b.target,
		"capacity": b.ring.Capacity(),
		"quality":  b.quality.String(),
	}).Info("Starting playout")

	go b.run(b.stop, b.done)
}

// Stop ends the drain goroutine and waits for it.
func (b *PlayoutBuffer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stop, done := b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done
}

func (b *PlayoutBuffer) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(b.config.ChunkPeriod)
	defer timer.Stop()

	for {
		b.mu.Lock()
		filling := b.state == Filling
		b.mu.Unlock()

		if filling {
			// Nothing to play until a writer signals new data. While
			// playing the timer keeps running so a starved device is
			// noticed as an underrun.
			select {
			case <-stop:
				return
			case <-b.wake:
			}
		} else {
			timer.Reset(b.config.ChunkPeriod)
			select {
			case <-stop:
				return
			case <-b.wake:
				timer.Stop()
			case <-timer.C:
			}
		}

		b.Pump()
	}
}

func (b *PlayoutBuffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Write queues data for playout. Data that does not fit is dropped and
// Write returns false.
func (b *PlayoutBuffer) Write(data []byte) bool {
	b.mu.Lock()

	threshold := int(float64(b.ring.Capacity()) * b.config.ResizeThreshold)
	if b.ring.Available()+len(data) > threshold {
		dropped := b.ring.Compact(b.config.FrameSize, b.config.CompactModulo)
		if dropped > 0 {
			b.stats.Compactions++
			b.stats.DroppedBytes += uint64(dropped)
		}
	}

	n := b.ring.Write(data)
	b.stats.Written += uint64(n)
	if n < len(data) {
		b.stats.DroppedBytes += uint64(len(data) - n)
	}
	b.mu.Unlock()

	b.signal()

	if n < len(data) {
		logrus.WithFields(logrus.Fields{
			"function": "PlayoutBuffer.Write",
			"size":     len(data),
			"stored":   n,
		}).Warn("Playout buffer overflow, data truncated")
		return false
	}
	return true
}

// Pump runs one drain step: start playing once the target is buffered, or
// top the device up to the target while playing.
func (b *PlayoutBuffer) Pump() {
	b.mu.Lock()
	now := b.config.TimeProvider.Now()

	var chunk []byte
	switch b.state {
	case Filling:
		if b.target == 0 || b.ring.Available() < b.target {
			b.mu.Unlock()
			return
		}
		chunk = make([]byte, b.target)
		b.ring.Read(chunk)
		b.state = Playing
		b.balance = 0
		b.lastWrite = now

		logrus.WithFields(logrus.Fields{
			"function": "PlayoutBuffer.Pump",
			"target":   b.target,
		}).Debug("Playout buffer filled, playing")

	case Playing:
		if !b.lastWrite.IsZero() {
			b.balance -= b.quality.BytesFor(now.Sub(b.lastWrite))
		}
		b.lastWrite = now

		want := b.target - b.balance
		frame := max(b.quality.FrameSize(), 1)
		n := min(want, b.ring.Available()) / frame * frame
		if b.balance+n < b.target/2 {
			// Pending data stays queued and plays after the refill.
			b.underrun(n)
			b.mu.Unlock()
			return
		}
		if n > 0 {
			chunk = make([]byte, n)
			b.ring.Read(chunk)
		}
	}
	gen := b.gen
	b.mu.Unlock()

	b.writeDevice(chunk, gen)
}

// underrun switches back to Filling. The caller holds b.mu.
func (b *PlayoutBuffer) underrun(pending int) {
	b.stats.Underruns++
	b.state = Filling
	b.balance = 0
	b.lastWrite = time.Time{}

	logrus.WithFields(logrus.Fields{
		"function":  "PlayoutBuffer.Pump",
		"pending":   pending,
		"target":    b.target,
		"underruns": b.stats.Underruns,
	}).Warn("Playout underrun, refilling")
}

// writeDevice hands chunk to the device and credits the balance unless the
// buffer was synced meanwhile.
func (b *PlayoutBuffer) writeDevice(chunk []byte, gen uint64) {
	if len(chunk) == 0 {
		return
	}
	ok := b.device.Write(chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !ok {
		b.stats.DeviceErrors++
		return
	}
	b.stats.Played += uint64(len(chunk))
	if gen != 0 && gen == b.gen && b.state == Playing {
		b.balance += len(chunk)
	}
}

// Sync flushes the buffer, returns to Filling and syncs the device.
func (b *PlayoutBuffer) Sync() {
	b.mu.Lock()
	b.ring.Reset()
	b.state = Filling
	b.balance = 0
	b.lastWrite = time.Time{}
	b.gen++
	b.mu.Unlock()

	b.device.Sync()

	logrus.WithFields(logrus.Fields{
		"function": "PlayoutBuffer.Sync",
	}).Debug("Playout buffer synced")
}

// Ready reports whether the device can take data.
func (b *PlayoutBuffer) Ready() bool {
	return b.device.Ready()
}

// CurrentCapacity returns the free space of the ring.
func (b *PlayoutBuffer) CurrentCapacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Free()
}

// Quality returns the format of the buffered data.
func (b *PlayoutBuffer) Quality() Quality {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quality
}

// SetQuality switches the device format and resets the buffer.
func (b *PlayoutBuffer) SetQuality(q Quality) error {
	if err := b.device.SetQuality(q); err != nil {
		return fmt.Errorf("set device quality: %w", err)
	}
	b.mu.Lock()
	b.resize(q)
	b.mu.Unlock()

	b.device.Sync()
	return nil
}

// State returns the current play state.
func (b *PlayoutBuffer) State() PlayState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the playout counters.
func (b *PlayoutBuffer) Stats() PlayoutStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.State = b.state
	st.Available = b.ring.Available()
	st.Capacity = b.ring.Capacity()
	st.Target = b.target
	st.Balance = b.balance
	return st
}
