package rtpaudio

import (
	"testing"
	"time"

	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/stretchr/testify/assert"
)

func TestQualityLevelString(t *testing.T) {
	assert.Equal(t, "Excellent", QualityExcellent.String())
	assert.Equal(t, "Unacceptable", QualityUnacceptable.String())
	assert.Equal(t, "Unknown(9)", QualityLevel(9).String())
}

func TestQualityMonitorAssess(t *testing.T) {
	clock := NewMockTimeProvider()
	now := clock.Now()

	layer := func(received uint64, lost uint32, jitter time.Duration, age time.Duration) rtp.SourceSnapshot {
		return rtp.SourceSnapshot{
			Packets:      received,
			PacketsLost:  lost,
			Jitter:       jitter,
			LastReceived: now.Add(-age),
		}
	}

	tests := []struct {
		name    string
		sources []rtp.SourceSnapshot
		want    QualityLevel
		loss    float64
	}{
		{"no layers", nil, QualityUnacceptable, 0},
		{"clean", []rtp.SourceSnapshot{layer(1000, 0, 5*time.Millisecond, 0)}, QualityExcellent, 0},
		{"light loss", []rtp.SourceSnapshot{layer(98, 2, 0, 0)}, QualityGood, 2},
		{"fair loss", []rtp.SourceSnapshot{layer(95, 5, 0, 0)}, QualityFair, 5},
		{"poor loss", []rtp.SourceSnapshot{layer(90, 10, 0, 0)}, QualityPoor, 10},
		{"heavy loss", []rtp.SourceSnapshot{layer(80, 20, 0, 0)}, QualityUnacceptable, 20},
		{"moderate jitter", []rtp.SourceSnapshot{layer(100, 0, 60*time.Millisecond, 0)}, QualityFair, 0},
		{"high jitter", []rtp.SourceSnapshot{layer(100, 0, 300*time.Millisecond, 0)}, QualityPoor, 0},
		{"stalled", []rtp.SourceSnapshot{layer(100, 0, 0, 3*time.Second)}, QualityUnacceptable, 0},
		{
			"worst layer jitter, newest layer age",
			[]rtp.SourceSnapshot{
				layer(50, 0, 25*time.Millisecond, 10*time.Second),
				layer(50, 0, 5*time.Millisecond, 0),
			},
			QualityGood, 0,
		},
	}

	qm := NewQualityMonitor(nil)
	qm.SetTimeProvider(clock)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := qm.Assess(tt.sources)
			assert.Equal(t, tt.want, m.Quality)
			assert.InDelta(t, tt.loss, m.PacketLoss, 1e-9)
			assert.Equal(t, len(tt.sources), m.Layers)
		})
	}
}

func TestQualityMonitorCallbackOnChange(t *testing.T) {
	clock := NewMockTimeProvider()
	qm := NewQualityMonitor(nil)
	qm.SetTimeProvider(clock)

	var levels []QualityLevel
	qm.SetQualityCallback(func(m StreamMetrics) {
		levels = append(levels, m.Quality)
	})

	clean := []rtp.SourceSnapshot{{Packets: 100, LastReceived: clock.Now()}}
	lossy := []rtp.SourceSnapshot{{Packets: 90, PacketsLost: 10, LastReceived: clock.Now()}}

	qm.Monitor(clean)
	qm.Monitor(clean)
	qm.Monitor(lossy)
	qm.Monitor(lossy)
	qm.Monitor(clean)
	assert.Equal(t, []QualityLevel{QualityExcellent, QualityPoor, QualityExcellent}, levels)

	qm.Reset()
	qm.Monitor(clean)
	assert.Len(t, levels, 4)

	qm.SetEnabled(false)
	assert.False(t, qm.IsEnabled())
	assert.Equal(t, StreamMetrics{}, qm.Monitor(lossy))
	assert.Len(t, levels, 4)
}
