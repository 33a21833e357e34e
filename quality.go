package rtpaudio

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/sirupsen/logrus"
)

// QualityLevel represents the overall reception quality of a stream.
type QualityLevel int

const (
	// QualityExcellent indicates no audible impairment
	QualityExcellent QualityLevel = iota
	// QualityGood indicates minor loss or jitter
	QualityGood
	// QualityFair indicates noticeable impairment
	QualityFair
	// QualityPoor indicates significant dropouts
	QualityPoor
	// QualityUnacceptable indicates a stalled or unusable stream
	QualityUnacceptable
)

// String returns the string representation of QualityLevel.
func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityUnacceptable:
		return "Unacceptable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// StreamMetrics summarizes the reception state of all layers of a stream.
type StreamMetrics struct {
	PacketLoss      float64       // Cumulative loss percentage (0.0-100.0)
	Jitter          time.Duration // Largest layer jitter
	PacketsReceived uint64
	PacketsLost     uint64
	LastPacketAge   time.Duration // Time since the newest packet of any layer
	Layers          int

	Quality   QualityLevel
	Timestamp time.Time
}

// QualityThresholds defines the limits of each quality level.
type QualityThresholds struct {
	// Packet loss thresholds (percentage)
	ExcellentPacketLoss float64 // < 1.0%
	GoodPacketLoss      float64 // < 3.0%
	FairPacketLoss      float64 // < 8.0%
	PoorPacketLoss      float64 // < 15.0%

	// Jitter thresholds
	ExcellentJitter time.Duration // < 20ms
	GoodJitter      time.Duration // < 50ms
	FairJitter      time.Duration // < 100ms
	PoorJitter      time.Duration // < 200ms

	// A stream silent for longer than this is unacceptable
	PacketTimeout time.Duration
}

// DefaultQualityThresholds returns thresholds suited to streamed music.
func DefaultQualityThresholds() *QualityThresholds {
	return &QualityThresholds{
		ExcellentPacketLoss: 1.0,
		GoodPacketLoss:      3.0,
		FairPacketLoss:      8.0,
		PoorPacketLoss:      15.0,
		ExcellentJitter:     20 * time.Millisecond,
		GoodJitter:          50 * time.Millisecond,
		FairJitter:          100 * time.Millisecond,
		PoorJitter:          200 * time.Millisecond,
		PacketTimeout:       2 * time.Second,
	}
}

// QualityMonitor grades reception statistics and reports level changes.
type QualityMonitor struct {
	mu           sync.RWMutex
	thresholds   *QualityThresholds
	callback     func(metrics StreamMetrics)
	enabled      bool
	last         QualityLevel
	assessed     bool
	timeProvider TimeProvider
}

// NewQualityMonitor creates a monitor. A nil thresholds uses
// DefaultQualityThresholds.
func NewQualityMonitor(thresholds *QualityThresholds) *QualityMonitor {
	if thresholds == nil {
		thresholds = DefaultQualityThresholds()
	}
	return &QualityMonitor{
		thresholds:   thresholds,
		enabled:      true,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the clock used for packet ages.
func (qm *QualityMonitor) SetTimeProvider(tp TimeProvider) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	qm.timeProvider = tp
}

// SetQualityCallback registers a callback invoked by Monitor whenever the
// quality level changes. Nil disables it.
func (qm *QualityMonitor) SetQualityCallback(callback func(metrics StreamMetrics)) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.callback = callback

	logrus.WithFields(logrus.Fields{
		"function":     "SetQualityCallback",
		"has_callback": callback != nil,
	}).Debug("Quality callback updated")
}

// SetEnabled enables or disables Monitor. Assess keeps working.
func (qm *QualityMonitor) SetEnabled(enabled bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.enabled = enabled
}

// IsEnabled returns whether Monitor is active.
func (qm *QualityMonitor) IsEnabled() bool {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.enabled
}

// Assess aggregates layer snapshots into StreamMetrics and grades them.
// Without any layer the stream is graded unacceptable.
func (qm *QualityMonitor) Assess(sources []rtp.SourceSnapshot) StreamMetrics {
	qm.mu.RLock()
	thresholds := qm.thresholds
	now := qm.timeProvider.Now()
	qm.mu.RUnlock()

	m := StreamMetrics{Layers: len(sources), Timestamp: now}
	var newest time.Time
	for _, s := range sources {
		m.PacketsReceived += s.Packets
		m.PacketsLost += uint64(s.PacketsLost)
		m.Jitter = max(m.Jitter, s.Jitter)
		if s.LastReceived.After(newest) {
			newest = s.LastReceived
		}
	}
	if expected := m.PacketsReceived + m.PacketsLost; expected > 0 {
		m.PacketLoss = float64(m.PacketsLost) / float64(expected) * 100.0
	}
	if !newest.IsZero() {
		m.LastPacketAge = now.Sub(newest)
	}

	m.Quality = grade(m, thresholds)
	return m
}

func grade(m StreamMetrics, t *QualityThresholds) QualityLevel {
	if m.Layers == 0 || m.LastPacketAge > t.PacketTimeout {
		return QualityUnacceptable
	}
	return max(lossLevel(m.PacketLoss, t), jitterLevel(m.Jitter, t))
}

func lossLevel(loss float64, t *QualityThresholds) QualityLevel {
	switch {
	case loss >= t.PoorPacketLoss:
		return QualityUnacceptable
	case loss >= t.FairPacketLoss:
		return QualityPoor
	case loss >= t.GoodPacketLoss:
		return QualityFair
	case loss >= t.ExcellentPacketLoss:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// jitterLevel never grades below Poor; the playout buffer hides most of it.
func jitterLevel(jitter time.Duration, t *QualityThresholds) QualityLevel {
	switch {
	case jitter >= t.FairJitter:
		return QualityPoor
	case jitter >= t.GoodJitter:
		return QualityFair
	case jitter >= t.ExcellentJitter:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// Monitor assesses sources and runs the callback when the level differs
// from the previous call. It returns the metrics, or zero metrics when the
// monitor is disabled.
func (qm *QualityMonitor) Monitor(sources []rtp.SourceSnapshot) StreamMetrics {
	if !qm.IsEnabled() {
		return StreamMetrics{}
	}

	metrics := qm.Assess(sources)

	qm.mu.Lock()
	changed := !qm.assessed || qm.last != metrics.Quality
	previous := qm.last
	qm.last = metrics.Quality
	qm.assessed = true
	callback := qm.callback
	qm.mu.Unlock()

	if !changed {
		return metrics
	}

	logrus.WithFields(logrus.Fields{
		"function":    "QualityMonitor.Monitor",
		"previous":    previous.String(),
		"quality":     metrics.Quality.String(),
		"packet_loss": metrics.PacketLoss,
		"jitter":      metrics.Jitter,
	}).Debug("Stream quality changed")

	if callback != nil {
		callback(metrics)
	}
	return metrics
}

// Reset forgets the last reported level.
func (qm *QualityMonitor) Reset() {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.assessed = false
	qm.last = QualityExcellent
}
