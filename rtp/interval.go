package rtp

import (
	"math"
	"math/rand"
	"time"
)

const (
	// RTCPMinTime is the minimum report interval.
	RTCPMinTime = 5 * time.Second

	// RTCPSenderBandwidthFraction is the share of the RTCP bandwidth
	// reserved for active senders when they are a minority.
	RTCPSenderBandwidthFraction = 0.25

	// RTCPInitialAverageSize is the seed of the running compound size average.
	RTCPInitialAverageSize = 200

	// rtcpCompensation corrects the randomization so the mean interval
	// matches the deterministic one.
	rtcpCompensation = math.E - 1.5
)

// IntervalParams are the session figures an RTCP interval is computed from.
type IntervalParams struct {
	RTCPBandwidth   float64 // Bytes per second available for RTCP
	AverageRTCPSize float64 // Running average compound packet size in bytes
	Members         int
	Senders         int
	WeSent          bool
	Initial         bool
}

// DeterministicInterval returns the RTCP report interval before
// randomization, never below the minimum time.
//
// The bandwidth is scaled on a local copy so repeated calls with the same
// parameters give the same result.
func DeterministicInterval(p IntervalParams) time.Duration {
	minTime := RTCPMinTime.Seconds()
	if p.Initial {
		minTime /= 2
	}

	members := float64(max(p.Members, 1))
	n := members
	bandwidth := p.RTCPBandwidth

	if p.Senders > 0 && float64(p.Senders) < members*RTCPSenderBandwidthFraction {
		if p.WeSent {
			bandwidth *= RTCPSenderBandwidthFraction
			n = float64(p.Senders)
		} else {
			bandwidth *= 1 - RTCPSenderBandwidthFraction
			n -= float64(p.Senders)
		}
	}

	avgSize := p.AverageRTCPSize
	if avgSize <= 0 {
		avgSize = RTCPInitialAverageSize
	}

	interval := minTime
	if bandwidth > 0 {
		interval = math.Max(minTime, avgSize*n/bandwidth)
	}
	return time.Duration(interval * float64(time.Second))
}

// ComputeTransmissionInterval returns the randomized RTCP report interval of
// RFC 1889 section 6.2: the deterministic interval multiplied by a uniform
// factor in [0.5, 1.5) and divided by e-1.5.
//
// rnd must return values in [0, 1); nil uses math/rand.
func ComputeTransmissionInterval(p IntervalParams, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	det := DeterministicInterval(p).Seconds()
	interval := det * (rnd() + 0.5) / rtcpCompensation
	return time.Duration(interval * float64(time.Second))
}

// UpdateAverageRTCPSize folds the size of a sent compound packet into the
// running average with gain 1/16.
func UpdateAverageRTCPSize(avg float64, size int) float64 {
	return float64(size)/16 + avg*15/16
}
