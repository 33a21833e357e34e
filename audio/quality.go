package audio

import (
	"errors"
	"fmt"
	"time"
)

// ByteOrder is the sample byte order of 16-bit PCM.
type ByteOrder int

const (
	// LittleEndian stores the low byte first
	LittleEndian ByteOrder = iota
	// BigEndian stores the high byte first
	BigEndian
)

// String returns the string representation of ByteOrder.
func (b ByteOrder) String() string {
	switch b {
	case LittleEndian:
		return "LittleEndian"
	case BigEndian:
		return "BigEndian"
	default:
		return fmt.Sprintf("Unknown(%d)", int(b))
	}
}

// Sentinel errors for audio quality validation.
var (
	// ErrInvalidSampleRate indicates a non-positive or unsupported sample rate.
	ErrInvalidSampleRate = errors.New("invalid sample rate")

	// ErrInvalidBits indicates a sample width other than 8 or 16 bits.
	ErrInvalidBits = errors.New("sample width must be 8 or 16 bits")

	// ErrInvalidChannels indicates a channel count other than 1 or 2.
	ErrInvalidChannels = errors.New("channel count must be 1 or 2")
)

// Quality describes a PCM stream format.
type Quality struct {
	SampleRate int
	Bits       int
	Channels   int
	ByteOrder  ByteOrder
}

// DefaultQuality is CD quality stereo, the format sinks start in.
var DefaultQuality = Quality{SampleRate: 44100, Bits: 16, Channels: 2, ByteOrder: LittleEndian}

// Validate checks that the format is one the audio path can carry.
func (q Quality) Validate() error {
	if q.SampleRate < 1000 || q.SampleRate > 192000 {
		return fmt.Errorf("%w: %d", ErrInvalidSampleRate, q.SampleRate)
	}
	if q.Bits != 8 && q.Bits != 16 {
		return fmt.Errorf("%w: %d", ErrInvalidBits, q.Bits)
	}
	if q.Channels != 1 && q.Channels != 2 {
		return fmt.Errorf("%w: %d", ErrInvalidChannels, q.Channels)
	}
	return nil
}

// FrameSize returns the bytes per sample frame (all channels).
func (q Quality) FrameSize() int {
	return q.Bits / 8 * q.Channels
}

// BytesPerSecond returns the data rate of the format.
func (q Quality) BytesPerSecond() int {
	return q.SampleRate * q.FrameSize()
}

// BytesFor returns the number of bytes that play for d, aligned down to a
// whole frame.
func (q Quality) BytesFor(d time.Duration) int {
	frame := q.FrameSize()
	if frame == 0 {
		return 0
	}
	n := int(int64(q.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n / frame * frame
}

// DurationOf returns the play time of n bytes.
func (q Quality) DurationOf(n int) time.Duration {
	bps := q.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns a compact description such as "44100Hz/16bit/2ch".
func (q Quality) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", q.SampleRate, q.Bits, q.Channels)
}
