package codec

import (
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// opusClockRate is the RTP clock rate of Opus regardless of bandwidth.
const opusClockRate = 48000

// maxOpusFrame is the largest decoded frame: 60ms of 48kHz stereo 16-bit.
const maxOpusFrame = 48 * 60 * 2 * 2

// OpusDecoder decodes Opus payloads with github.com/pion/opus, which only
// implements SILK frames. The media position advances by the decoded play
// time since Opus carries no position header.
type OpusDecoder struct {
	decoderState
	decoder opus.Decoder
	out     []byte
}

// NewOpusDecoder creates an inactive Opus decoder writing to sink.
func NewOpusDecoder(sink audio.Sink) (*OpusDecoder, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	d := &OpusDecoder{
		decoder: opus.NewDecoder(),
		out:     make([]byte, maxOpusFrame),
	}
	d.sink = sink
	d.code = NoMedia
	return d, nil
}

// Encoding returns EncodingOpus.
func (d *OpusDecoder) Encoding() Encoding { return EncodingOpus }

// CheckNextPacket accepts Opus packets.
func (d *OpusDecoder) CheckNextPacket(pkt *rtp.Packet) bool {
	if pkt.PayloadType != PayloadTypeOpus || len(pkt.Payload) == 0 {
		return false
	}
	pkt.Layer = 0
	pkt.Layers = 1
	pkt.ClockRate = opusClockRate
	return true
}

// HandleNextPacket decodes one Opus frame and writes 16-bit little-endian
// PCM to the sink.
func (d *OpusDecoder) HandleNextPacket(pkt *rtp.Packet) {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()

	duration := opusFrameDuration(pkt.Payload[0])
	bandwidth, stereo, err := d.decoder.Decode(pkt.Payload, d.out)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OpusDecoder.HandleNextPacket",
			"seq":      pkt.SequenceNumber,
			"size":     len(pkt.Payload),
			"error":    err.Error(),
		}).Debug("Opus decode failed")
		d.mu.Lock()
		d.errors++
		d.mu.Unlock()
		return
	}

	q := audio.Quality{SampleRate: bandwidth.SampleRate(), Bits: 16, Channels: 1}
	if stereo {
		q.Channels = 2
	}
	n := min(q.BytesFor(duration), len(d.out))

	d.mu.Lock()
	d.packets++
	d.position += duration
	if d.code == NoMedia {
		d.code = NoError
	}
	d.mu.Unlock()

	if active {
		d.writeSink(q, d.out[:n])
	}
}

// Reset clears the stream state, restarts the decoder and syncs the sink.
func (d *OpusDecoder) Reset() {
	d.decoderState.Reset()
	d.decoder = opus.NewDecoder()
	d.sink.Sync()
}

// opusFrameDuration returns the frame duration encoded in a TOC byte
// (RFC 6716 section 3.1).
func opusFrameDuration(toc byte) time.Duration {
	config := toc >> 3
	switch {
	case config < 12:
		return []time.Duration{10, 20, 40, 60}[config%4] * time.Millisecond
	case config < 16:
		return []time.Duration{10, 20}[config%2] * time.Millisecond
	default:
		return []time.Duration{2500, 5000, 10000, 20000}[config%4] * time.Microsecond
	}
}
