package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Resampler converts interleaved 16-bit samples between sample rates by
// linear interpolation. It keeps the fractional read position and the last
// frame between calls so consecutive chunks join without clicks.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	last       []int16
	position   float64
}

// NewResampler creates a resampler for interleaved samples.
//
// Parameters:
//   - inputRate: Sample rate of the data passed to Resample
//   - outputRate: Sample rate of the returned data
//   - channels: Interleaved channel count (1 or 2)
//
// Returns:
//   - *Resampler: New resampler instance
//   - error: ErrInvalidSampleRate or ErrInvalidChannels
func NewResampler(inputRate, outputRate, channels int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("%w: input=%d, output=%d", ErrInvalidSampleRate, inputRate, outputRate)
	}
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannels, channels)
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		last:       make([]int16, channels),
	}, nil
}

// Resample converts input and returns the samples at the output rate.
// Input not aligned to the channel count is truncated to whole frames.
func (r *Resampler) Resample(input []int16) []int16 {
	frames := len(input) / r.channels
	if frames == 0 {
		return nil
	}
	input = input[:frames*r.channels]

	if r.inputRate == r.outputRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}

	ratio := float64(r.inputRate) / float64(r.outputRate)
	out := make([]int16, 0, int(float64(frames)/ratio+1)*r.channels)

	// position is relative to the start of input; -1 is the saved frame.
	for r.position < float64(frames-1) {
		index := int(r.position)
		if r.position < 0 {
			index = -1
		}
		frac := r.position - float64(index)
		for ch := 0; ch < r.channels; ch++ {
			s1 := r.sampleAt(input, index, ch)
			s2 := r.sampleAt(input, index+1, ch)
			out = append(out, int16(float64(s1)*(1-frac)+float64(s2)*frac))
		}
		r.position += ratio
	}

	r.position -= float64(frames)
	copy(r.last, input[len(input)-r.channels:])
	return out
}

func (r *Resampler) sampleAt(input []int16, index, ch int) int16 {
	if index < 0 {
		return r.last[ch]
	}
	return input[index*r.channels+ch]
}

// OutputSize estimates the number of samples Resample returns for n input
// samples.
func (r *Resampler) OutputSize(n int) int {
	if r.inputRate == r.outputRate {
		return n
	}
	frames := n / r.channels
	return int(float64(frames)*float64(r.outputRate)/float64(r.inputRate)+0.5) * r.channels
}

// Reset forgets the carried position and frame, for a stream discontinuity.
func (r *Resampler) Reset() {
	r.position = 0
	clear(r.last)
}

// Converter converts PCM bytes between two qualities: sample width, byte
// order, channel count and sample rate.
type Converter struct {
	from      Quality
	to        Quality
	resampler *Resampler
}

// NewConverter creates a converter from one validated quality to another.
func NewConverter(from, to Quality) (*Converter, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("source quality: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("target quality: %w", err)
	}
	c := &Converter{from: from, to: to}
	if from.SampleRate != to.SampleRate {
		r, err := NewResampler(from.SampleRate, to.SampleRate, to.Channels)
		if err != nil {
			return nil, err
		}
		c.resampler = r
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewConverter",
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("Created PCM converter")

	return c, nil
}

// Passthrough reports whether Convert returns its input unchanged.
func (c *Converter) Passthrough() bool {
	return c.from == c.to
}

// From returns the source quality.
func (c *Converter) From() Quality { return c.from }

// To returns the target quality.
func (c *Converter) To() Quality { return c.to }

// Convert converts a chunk of PCM in the source quality. A trailing partial
// frame is dropped.
func (c *Converter) Convert(data []byte) []byte {
	if c.Passthrough() {
		return data
	}
	samples := toSamples(data, c.from)
	samples = remix(samples, c.from.Channels, c.to.Channels)
	if c.resampler != nil {
		samples = c.resampler.Resample(samples)
	}
	return fromSamples(samples, c.to)
}

// Reset clears resampling state after a discontinuity.
func (c *Converter) Reset() {
	if c.resampler != nil {
		c.resampler.Reset()
	}
}

func byteOrder(o ByteOrder) binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// toSamples widens data to 16-bit samples, dropping a partial frame.
func toSamples(data []byte, q Quality) []int16 {
	frame := q.FrameSize()
	data = data[:len(data)/frame*frame]

	if q.Bits == 8 {
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = int16(int(b)-128) << 8
		}
		return out
	}
	order := byteOrder(q.ByteOrder)
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(order.Uint16(data[i*2:]))
	}
	return out
}

func fromSamples(samples []int16, q Quality) []byte {
	if q.Bits == 8 {
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = byte(int(s>>8) + 128)
		}
		return out
	}
	order := byteOrder(q.ByteOrder)
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		order.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// remix converts between mono and stereo. Stereo to mono averages the pair.
func remix(samples []int16, from, to int) []int16 {
	switch {
	case from == to:
		return samples
	case from == 1 && to == 2:
		out := make([]int16, len(samples)*2)
		for i, s := range samples {
			out[2*i] = s
			out[2*i+1] = s
		}
		return out
	default:
		out := make([]int16, len(samples)/2)
		for i := range out {
			out[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
		}
		return out
	}
}

// ConvertingSink adapts data of any quality to a device with a fixed
// quality. Quality reports the input format; SetQuality only rebuilds the
// converter and never touches the device format.
type ConvertingSink struct {
	mu        sync.Mutex
	device    Sink
	converter *Converter
}

// NewConvertingSink wraps device, initially passing data through.
func NewConvertingSink(device Sink) (*ConvertingSink, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	q := device.Quality()
	c, err := NewConverter(q, q)
	if err != nil {
		return nil, err
	}
	return &ConvertingSink{device: device, converter: c}, nil
}

// Write converts data to the device format and forwards it.
func (s *ConvertingSink) Write(data []byte) bool {
	s.mu.Lock()
	out := s.converter.Convert(data)
	s.mu.Unlock()
	if len(out) == 0 {
		return true
	}
	return s.device.Write(out)
}

// Sync drops resampler state and syncs the device.
func (s *ConvertingSink) Sync() {
	s.mu.Lock()
	s.converter.Reset()
	s.mu.Unlock()
	s.device.Sync()
}

// Ready reports whether the device takes data.
func (s *ConvertingSink) Ready() bool { return s.device.Ready() }

// CurrentCapacity returns the device capacity scaled to input bytes.
func (s *ConvertingSink) CurrentCapacity() int {
	s.mu.Lock()
	from, to := s.converter.From(), s.converter.To()
	s.mu.Unlock()

	capacity := s.device.CurrentCapacity()
	if from == to || to.BytesPerSecond() == 0 {
		return capacity
	}
	return from.BytesFor(to.DurationOf(capacity))
}

// Quality returns the input format.
func (s *ConvertingSink) Quality() Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.converter.From()
}

// SetQuality changes the input format. The device format is untouched.
func (s *ConvertingSink) SetQuality(q Quality) error {
	c, err := NewConverter(q, s.device.Quality())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.converter = c
	s.mu.Unlock()
	return nil
}
