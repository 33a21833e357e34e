package rtp

import (
	"fmt"
)

// SequenceState is the state of a SequenceValidator.
type SequenceState int

const (
	// StateInit indicates no packet has been seen yet
	StateInit SequenceState = iota
	// StateProbation indicates the source is not yet trusted
	StateProbation
	// StateValid indicates MinSequential in-order packets were seen
	StateValid
)

// String returns the string representation of SequenceState.
func (s SequenceState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateProbation:
		return "Probation"
	case StateValid:
		return "Valid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Validity classifies a single packet handed to SequenceValidator.Validate.
type Validity int

const (
	// PacketValid indicates an in-order packet that advances the stream
	PacketValid Validity = iota
	// PacketLateOrDuplicate indicates an acceptable packet that does not advance the stream
	PacketLateOrDuplicate
	// PacketInvalid indicates a packet too anomalous to trust
	PacketInvalid
)

// String returns the string representation of Validity.
func (v Validity) String() string {
	switch v {
	case PacketValid:
		return "Valid"
	case PacketLateOrDuplicate:
		return "LateOrDuplicate"
	case PacketInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// Delivered reports whether a packet of this validity is handed to the decoder.
func (v Validity) Delivered() bool {
	return v == PacketValid || v == PacketLateOrDuplicate
}

// SequenceConfig holds the tunable constants of the validator.
type SequenceConfig struct {
	MinSequential uint32 // In-order packets required to leave probation
	MaxMisorder   uint32 // Backward steps this large are jumps
	MaxDropout    uint32 // Largest accepted forward gap
	SeqMod        uint32 // Sequence number modulus
}

// DefaultSequenceConfig returns the RFC 1889 recommended constants.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		MinSequential: 2,
		MaxMisorder:   100,
		MaxDropout:    3000,
		SeqMod:        1 << 16,
	}
}

// SequenceValidator tracks the sequence number space of one RTP stream.
//
// It implements the probation and resynchronisation algorithm of RFC 1889
// Appendix A.1 and keeps the counters needed for reception reports.
// It is not safe for concurrent use; the owning LayerState locks it.
type SequenceValidator struct {
	config SequenceConfig

	state        SequenceState
	probation    uint32
	probationSeq uint32
	maxSeq       uint32
	cycles       uint32
	baseSeq      uint32
	received     uint32

	expectedPrior uint32
	receivedPrior uint32

	// canResume is set when a large jump interrupted a valid stream; the old
	// counters stay live so a single stray packet does not discard them.
	canResume   bool
	lastTS      uint32
	resyncCount uint32
}

// NewSequenceValidator creates a validator with the given constants.
// Zero fields fall back to DefaultSequenceConfig values.
func NewSequenceValidator(config SequenceConfig) *SequenceValidator {
	def := DefaultSequenceConfig()
	if config.MinSequential == 0 {
		config.MinSequential = def.MinSequential
	}
	if config.MaxMisorder == 0 {
		config.MaxMisorder = def.MaxMisorder
	}
	if config.MaxDropout == 0 {
		config.MaxDropout = def.MaxDropout
	}
	if config.SeqMod == 0 {
		config.SeqMod = def.SeqMod
	}
	return &SequenceValidator{config: config}
}

// initSeq resets the counters with seq as the first packet of a stream.
func (v *SequenceValidator) initSeq(seq uint32) {
	v.baseSeq = seq
	v.maxSeq = seq
	v.cycles = 0
	v.received = 0
	v.expectedPrior = 0
	v.receivedPrior = 0
}

// enterProbation starts probation with seq as the newest packet.
func (v *SequenceValidator) enterProbation(seq uint32) {
	v.state = StateProbation
	v.probation = v.config.MinSequential - 1
	v.probationSeq = seq
}

// Validate classifies the packet with sequence number seq and updates the
// stream counters. The timestamp is recorded for diagnostics only.
func (v *SequenceValidator) Validate(seq uint16, timestamp uint32) Validity {
	s := uint32(seq) % v.config.SeqMod
	v.lastTS = timestamp

	switch v.state {
	case StateInit:
		v.initSeq(s)
		v.canResume = false
		if v.config.MinSequential <= 1 {
			v.state = StateValid
			v.received++
			return PacketValid
		}
		v.enterProbation(s)
		return PacketValid

	case StateProbation:
		return v.validateProbation(s)

	default:
		return v.validateValid(s)
	}
}

// validateProbation handles a packet while the source is on probation.
func (v *SequenceValidator) validateProbation(s uint32) Validity {
	if s == (v.probationSeq+1)%v.config.SeqMod {
		if v.probation > 0 {
			v.probation--
		}
		v.probationSeq = s
		if v.probation == 0 {
			v.initSeq(s)
			v.received++
			v.state = StateValid
			v.canResume = false
		}
		return PacketValid
	}

	if v.canResume {
		// The stream that was valid before the jump may simply continue.
		delta := (s + v.config.SeqMod - v.maxSeq) % v.config.SeqMod
		if delta > 0 && delta < v.config.MaxDropout {
			if s < v.maxSeq {
				v.cycles += v.config.SeqMod
			}
			v.maxSeq = s
			v.received++
			v.state = StateValid
			v.canResume = false
			return PacketValid
		}
		if delta == 0 || delta > v.config.SeqMod-v.config.MaxMisorder {
			v.received++
			return PacketLateOrDuplicate
		}
	}

	v.enterProbation(s)
	return PacketInvalid
}

// validateValid handles a packet while the source is trusted.
func (v *SequenceValidator) validateValid(s uint32) Validity {
	delta := (s + v.config.SeqMod - v.maxSeq) % v.config.SeqMod

	switch {
	case delta == 0:
		v.received++
		return PacketLateOrDuplicate

	case delta < v.config.MaxDropout:
		if s < v.maxSeq {
			v.cycles += v.config.SeqMod
		}
		v.maxSeq = s
		v.received++
		return PacketValid

	case delta > v.config.SeqMod-v.config.MaxMisorder:
		v.received++
		return PacketLateOrDuplicate

	default:
		// Possible source restart: only trust it after a fresh probation.
		v.canResume = true
		v.resyncCount++
		v.enterProbation(s)
		return PacketInvalid
	}
}

// State returns the current validator state.
func (v *SequenceValidator) State() SequenceState {
	return v.state
}

// ExtendedMax returns the highest sequence number seen, extended with the
// cycle count.
func (v *SequenceValidator) ExtendedMax() uint32 {
	return v.cycles + v.maxSeq
}

// Expected returns the number of packets expected since the stream became valid.
func (v *SequenceValidator) Expected() uint32 {
	if v.state != StateValid && !v.canResume {
		return 0
	}
	return v.ExtendedMax() - v.baseSeq + 1
}

// Received returns the number of packets counted since the stream became valid.
func (v *SequenceValidator) Received() uint32 {
	return v.received
}

// Lost returns the cumulative number of lost packets, never negative.
func (v *SequenceValidator) Lost() uint32 {
	expected := v.Expected()
	if expected <= v.received {
		return 0
	}
	return expected - v.received
}

// IntervalCounts returns the packets expected and lost since the previous
// call and starts a new interval.
func (v *SequenceValidator) IntervalCounts() (expected, lost uint32) {
	exp := v.Expected()
	expected = exp - v.expectedPrior
	if exp < v.expectedPrior {
		expected = 0
	}
	v.expectedPrior = exp

	receivedInterval := v.received - v.receivedPrior
	v.receivedPrior = v.received

	if expected > receivedInterval {
		lost = expected - receivedInterval
	}
	return expected, lost
}

// ResyncCount returns how many times a large jump forced a new probation.
func (v *SequenceValidator) ResyncCount() uint32 {
	return v.resyncCount
}

// LastTimestamp returns the RTP timestamp of the last validated packet.
func (v *SequenceValidator) LastTimestamp() uint32 {
	return v.lastTS
}
