package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(v *SequenceValidator, seqs ...uint16) []Validity {
	out := make([]Validity, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, v.Validate(s, uint32(s)*160))
	}
	return out
}

func TestSequenceValidator_Probation(t *testing.T) {
	v := NewSequenceValidator(DefaultSequenceConfig())
	assert.Equal(t, StateInit, v.State())

	assert.Equal(t, PacketValid, v.Validate(100, 0))
	assert.Equal(t, StateProbation, v.State())

	assert.Equal(t, PacketValid, v.Validate(101, 160))
	assert.Equal(t, StateValid, v.State())

	assert.Equal(t, uint32(1), v.Received())
	assert.Equal(t, uint32(1), v.Expected())
	assert.Equal(t, uint32(0), v.Lost())
}

func TestSequenceValidator_ProbationRestartsOnGap(t *testing.T) {
	v := NewSequenceValidator(DefaultSequenceConfig())

	results := feed(v, 10, 20, 21)
	assert.Equal(t, []Validity{PacketValid, PacketInvalid, PacketValid}, results)
	assert.Equal(t, StateValid, v.State())
	assert.Equal(t, uint32(21), v.ExtendedMax())
}

func TestSequenceValidator_Classification(t *testing.T) {
	tests := []struct {
		name      string
		next      uint16
		want      Validity
		wantState SequenceState
	}{
		{"in order", 1001, PacketValid, StateValid},
		{"small gap", 1010, PacketValid, StateValid},
		{"duplicate", 1000, PacketLateOrDuplicate, StateValid},
		{"late", 950, PacketLateOrDuplicate, StateValid},
		{"just below dropout", 1000 + 2999, PacketValid, StateValid},
		{"forward jump", 1000 + 3000, PacketInvalid, StateProbation},
		{"backward jump", 1000 - 101, PacketInvalid, StateProbation},
		{"last late value", 1000 - 99, PacketLateOrDuplicate, StateValid},
		{"misorder boundary", 1000 - 100, PacketInvalid, StateProbation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewSequenceValidator(DefaultSequenceConfig())
			feed(v, 998, 999, 1000)
			require.Equal(t, StateValid, v.State())

			assert.Equal(t, tt.want, v.Validate(tt.next, 0))
			assert.Equal(t, tt.wantState, v.State())
		})
	}
}

func TestSequenceValidator_Wraparound(t *testing.T) {
	v := NewSequenceValidator(DefaultSequenceConfig())
	results := feed(v, 65533, 65534, 65535, 0, 1)

	for _, r := range results {
		assert.Equal(t, PacketValid, r)
	}
	assert.Equal(t, uint32(65536+1), v.ExtendedMax())
	assert.Equal(t, uint32(4), v.Expected())
	assert.Equal(t, uint32(0), v.Lost())
}

func TestSequenceValidator_Resync(t *testing.T) {
	v := NewSequenceValidator(DefaultSequenceConfig())
	feed(v, 1, 2, 3)

	assert.Equal(t, PacketInvalid, v.Validate(40000, 0))
	assert.Equal(t, StateProbation, v.State())
	assert.Equal(t, PacketValid, v.Validate(40001, 0))
	assert.Equal(t, StateValid, v.State())
	assert.Equal(t, uint32(40001), v.ExtendedMax())
	assert.Equal(t, uint32(1), v.Received())
	assert.Equal(t, uint32(1), v.ResyncCount())
}

func TestSequenceValidator_StrayPacketResumes(t *testing.T) {
	v := NewSequenceValidator(DefaultSequenceConfig())
	feed(v, 1, 2, 3)
	received := v.Received()

	assert.Equal(t, PacketInvalid, v.Validate(40000, 0))
	assert.Equal(t, PacketValid, v.Validate(4, 0))
	assert.Equal(t, StateValid, v.State())
	assert.Equal(t, received+1, v.Received())
	assert.Equal(t, uint32(4), v.ExtendedMax())
}

func TestSequenceValidator_StrayPacketMisorderWindow(t *testing.T) {
	tests := []struct {
		name string
		next uint16
		want Validity
	}{
		{"late old packet", 1000 - 99, PacketLateOrDuplicate},
		{"too old", 1000 - 100, PacketInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewSequenceValidator(DefaultSequenceConfig())
			feed(v, 998, 999, 1000)
			require.Equal(t, PacketInvalid, v.Validate(40000, 0))

			assert.Equal(t, tt.want, v.Validate(tt.next, 0))
			assert.Equal(t, StateProbation, v.State())
		})
	}
}

func TestSequenceValidator_LostNeverNegative(t *testing.T) {
	v := NewSequenceValidator(DefaultSequenceConfig())
	feed(v, 5, 6, 7, 7, 7, 6)

	assert.Greater(t, v.Received(), v.Expected())
	assert.Equal(t, uint32(0), v.Lost())
}

func TestSequenceValidator_IntervalCounts(t *testing.T) {
	v := NewSequenceValidator(DefaultSequenceConfig())
	feed(v, 0, 1, 2, 5)

	expected, lost := v.IntervalCounts()
	assert.Equal(t, uint32(5), expected)
	assert.Equal(t, uint32(2), lost)

	expected, lost = v.IntervalCounts()
	assert.Equal(t, uint32(0), expected)
	assert.Equal(t, uint32(0), lost)
}

func TestSequenceState_String(t *testing.T) {
	assert.Equal(t, "Init", StateInit.String())
	assert.Equal(t, "Probation", StateProbation.String())
	assert.Equal(t, "Valid", StateValid.String())
	assert.Equal(t, "LateOrDuplicate", PacketLateOrDuplicate.String())
	assert.True(t, PacketLateOrDuplicate.Delivered())
	assert.False(t, PacketInvalid.Delivered())
}
