package audio

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink consumes PCM audio.
//
// Write stores or plays data and reports whether all of it was accepted.
// Sync discards anything queued and resets timing. Ready reports whether
// the sink can take data now. CurrentCapacity returns how many bytes a
// Write can take without blocking or truncating.
type Sink interface {
	Write(data []byte) bool
	Sync()
	Ready() bool
	CurrentCapacity() int
	QualityControl
}

// QualityControl gets and sets the PCM format of a sink.
type QualityControl interface {
	Quality() Quality
	SetQuality(q Quality) error
}

// qualityHolder implements QualityControl for the simple sinks.
type qualityHolder struct {
	mu      sync.Mutex
	quality Quality
}

func (h *qualityHolder) Quality() Quality {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quality
}

func (h *qualityHolder) SetQuality(q Quality) error {
	if err := q.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	h.quality = q
	h.mu.Unlock()
	return nil
}

// NullSink accepts and discards everything, counting the bytes.
type NullSink struct {
	qualityHolder
	written uint64
	syncs   uint64
}

// NewNullSink creates a discarding sink in DefaultQuality.
func NewNullSink() *NullSink {
	s := &NullSink{}
	s.quality = DefaultQuality
	return s
}

func (s *NullSink) Write(data []byte) bool {
	s.mu.Lock()
	s.written += uint64(len(data))
	s.mu.Unlock()
	return true
}

func (s *NullSink) Sync() {
	s.mu.Lock()
	s.syncs++
	s.mu.Unlock()
}

func (s *NullSink) Ready() bool { return true }

func (s *NullSink) CurrentCapacity() int { return 1 << 20 }

// Written returns the total number of bytes accepted.
func (s *NullSink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Syncs returns the number of Sync calls.
func (s *NullSink) Syncs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// LogSink logs every call at debug level and forwards to an optional next sink.
type LogSink struct {
	qualityHolder
	next Sink
}

// NewLogSink creates a logging sink in front of next, which may be nil.
func NewLogSink(next Sink) *LogSink {
	s := &LogSink{next: next}
	s.quality = DefaultQuality
	if next != nil {
		s.quality = next.Quality()
	}
	return s
}

func (s *LogSink) Write(data []byte) bool {
	logrus.WithFields(logrus.Fields{
		"function": "LogSink.Write",
		"size":     len(data),
	}).Debug("Audio write")
	if s.next == nil {
		return true
	}
	return s.next.Write(data)
}

func (s *LogSink) Sync() {
	logrus.WithFields(logrus.Fields{
		"function": "LogSink.Sync",
	}).Debug("Audio sync")
	if s.next != nil {
		s.next.Sync()
	}
}

func (s *LogSink) Ready() bool {
	return s.next == nil || s.next.Ready()
}

func (s *LogSink) CurrentCapacity() int {
	if s.next == nil {
		return 1 << 20
	}
	return s.next.CurrentCapacity()
}

func (s *LogSink) SetQuality(q Quality) error {
	logrus.WithFields(logrus.Fields{
		"function": "LogSink.SetQuality",
		"quality":  q.String(),
	}).Debug("Audio quality change")
	if s.next != nil {
		if err := s.next.SetQuality(q); err != nil {
			return err
		}
	}
	return s.qualityHolder.SetQuality(q)
}

// MultiSink fans every call out to several sinks.
type MultiSink struct {
	qualityHolder
	sinks []Sink
}

// NewMultiSink creates a fan-out over sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	s := &MultiSink{sinks: sinks}
	s.quality = DefaultQuality
	if len(sinks) > 0 {
		s.quality = sinks[0].Quality()
	}
	return s
}

// Write writes to every sink and reports whether all accepted the data.
func (s *MultiSink) Write(data []byte) bool {
	ok := true
	for _, sink := range s.sinks {
		if !sink.Write(data) {
			ok = false
		}
	}
	return ok
}

func (s *MultiSink) Sync() {
	for _, sink := range s.sinks {
		sink.Sync()
	}
}

// Ready reports whether every sink is ready.
func (s *MultiSink) Ready() bool {
	for _, sink := range s.sinks {
		if !sink.Ready() {
			return false
		}
	}
	return true
}

// CurrentCapacity returns the smallest capacity of the sinks.
func (s *MultiSink) CurrentCapacity() int {
	capacity := 1 << 20
	for _, sink := range s.sinks {
		capacity = min(capacity, sink.CurrentCapacity())
	}
	return capacity
}

func (s *MultiSink) SetQuality(q Quality) error {
	for _, sink := range s.sinks {
		if err := sink.SetQuality(q); err != nil {
			return err
		}
	}
	return s.qualityHolder.SetQuality(q)
}
