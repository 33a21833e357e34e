package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/sirupsen/logrus"
)

// PCMHeaderSize is the size of the header preceding PCM samples.
const PCMHeaderSize = 16

// PCM header flags.
const (
	// PCMFlagRestart marks the first packet after a media start or seek
	PCMFlagRestart uint8 = 1 << iota
	// PCMFlagEOF marks the end of the media
	PCMFlagEOF
)

// PCMHeader precedes the big-endian samples of a PCM payload:
//
//	0      1        2    3         4           8              12
//	+------+--------+----+---------+-----------+--------------+---------------+
//	|flags |channels|bits|reserved |sample rate|position (ms) |duration (ms)  |
//	+------+--------+----+---------+-----------+--------------+---------------+
type PCMHeader struct {
	Flags       uint8
	Channels    uint8
	Bits        uint8
	SampleRate  uint32
	Position    time.Duration
	MaxPosition time.Duration
}

// MarshalTo writes the header into the first PCMHeaderSize bytes of b.
func (h PCMHeader) MarshalTo(b []byte) error {
	if len(b) < PCMHeaderSize {
		return ErrShortPayload
	}
	b[0] = h.Flags
	b[1] = h.Channels
	b[2] = h.Bits
	b[3] = 0
	binary.BigEndian.PutUint32(b[4:], h.SampleRate)
	binary.BigEndian.PutUint32(b[8:], uint32(h.Position.Milliseconds()))
	binary.BigEndian.PutUint32(b[12:], uint32(h.MaxPosition.Milliseconds()))
	return nil
}

// Unmarshal parses the header from b.
func (h *PCMHeader) Unmarshal(b []byte) error {
	if len(b) < PCMHeaderSize {
		return ErrShortPayload
	}
	h.Flags = b[0]
	h.Channels = b[1]
	h.Bits = b[2]
	h.SampleRate = binary.BigEndian.Uint32(b[4:])
	h.Position = time.Duration(binary.BigEndian.Uint32(b[8:])) * time.Millisecond
	h.MaxPosition = time.Duration(binary.BigEndian.Uint32(b[12:])) * time.Millisecond
	return nil
}

// Quality returns the sample format the header announces. Samples on the
// wire are big-endian.
func (h PCMHeader) Quality() audio.Quality {
	return audio.Quality{
		SampleRate: int(h.SampleRate),
		Bits:       int(h.Bits),
		Channels:   int(h.Channels),
		ByteOrder:  audio.BigEndian,
	}
}

// PCMDecoder writes PCM payloads to a sink and tracks the media position
// carried in the payload header.
type PCMDecoder struct {
	decoderState
}

// NewPCMDecoder creates an inactive PCM decoder writing to sink.
func NewPCMDecoder(sink audio.Sink) (*PCMDecoder, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	d := &PCMDecoder{}
	d.sink = sink
	d.code = NoMedia
	return d, nil
}

// Encoding returns EncodingPCM.
func (d *PCMDecoder) Encoding() Encoding { return EncodingPCM }

// CheckNextPacket accepts single layer PCM packets and sets the clock rate
// from the payload header.
func (d *PCMDecoder) CheckNextPacket(pkt *rtp.Packet) bool {
	if pkt.PayloadType != PayloadTypePCM || len(pkt.Payload) < PCMHeaderSize {
		return false
	}
	pkt.Layer = 0
	pkt.Layers = 1
	pkt.ClockRate = binary.BigEndian.Uint32(pkt.Payload[4:])
	return true
}

// HandleNextPacket writes the samples of pkt to the sink.
func (d *PCMDecoder) HandleNextPacket(pkt *rtp.Packet) {
	var h PCMHeader
	if err := h.Unmarshal(pkt.Payload); err != nil {
		d.countError()
		return
	}

	q := h.Quality()
	if err := q.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PCMDecoder.HandleNextPacket",
			"seq":      pkt.SequenceNumber,
			"error":    err.Error(),
		}).Warn("Dropping PCM packet with invalid format")
		d.mu.Lock()
		d.code = BadMedia
		d.errors++
		d.mu.Unlock()
		return
	}

	samples := pkt.Payload[PCMHeaderSize:]
	samples = samples[:len(samples)/q.FrameSize()*q.FrameSize()]

	d.mu.Lock()
	d.packets++
	d.position = h.Position + q.DurationOf(len(samples))
	d.maxPosition = h.MaxPosition
	switch {
	case h.Flags&PCMFlagEOF != 0:
		d.code = EOF
	case d.code == NoMedia || d.code == EOF || d.code == BadMedia:
		d.code = NoError
	}
	active := d.active
	d.mu.Unlock()

	if !active {
		return
	}
	d.writeSink(q, samples)
}

func (d *PCMDecoder) countError() {
	d.mu.Lock()
	d.errors++
	d.mu.Unlock()
}

// Reset clears the stream state and syncs the sink.
func (d *PCMDecoder) Reset() {
	d.decoderState.Reset()
	d.sink.Sync()
}

// maxMillis is the largest position the 32-bit millisecond fields carry.
const maxMillis = time.Duration(1<<32-1) * time.Millisecond

// clampPosition keeps p within the wire range.
func clampPosition(p time.Duration) time.Duration {
	return min(max(p, 0), maxMillis)
}

// String describes the header for logs.
func (h PCMHeader) String() string {
	return fmt.Sprintf("flags=%#x %dHz/%dbit/%dch pos=%s/%s",
		h.Flags, h.SampleRate, h.Bits, h.Channels, h.Position, h.MaxPosition)
}
