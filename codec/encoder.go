package codec

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/sirupsen/logrus"
)

// DefaultFrameRate sends 20ms frames.
const DefaultFrameRate = 50

// PCMEncoder packetizes a MediaSource as PCM payloads. It implements
// rtp.FrameEncoder.
type PCMEncoder struct {
	mu        sync.Mutex
	source    MediaSource
	converter *audio.Converter
	quality   audio.Quality
	frameRate int

	frame      []byte
	offset     int
	framePos   time.Duration
	flags      uint8
	marker     bool
	eofSent    bool
	changed    bool
	maxPacket  int
	readErrors uint64
}

// NewPCMEncoder creates an encoder sending src in quality q at frameRate
// frames per second. A zero frameRate uses DefaultFrameRate.
func NewPCMEncoder(src MediaSource, q audio.Quality, frameRate int) (*PCMEncoder, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	e := &PCMEncoder{
		source:    src,
		frameRate: frameRate,
		flags:     PCMFlagRestart,
		marker:    true,
		changed:   true,
		maxPacket: rtp.MaxPacketSize,
	}
	if err := e.setQuality(q); err != nil {
		return nil, err
	}
	return e, nil
}

// setQuality rebuilds the converter. The caller holds e.mu or owns e.
func (e *PCMEncoder) setQuality(q audio.Quality) error {
	q.ByteOrder = audio.BigEndian
	c, err := audio.NewConverter(e.source.Quality(), q)
	if err != nil {
		return err
	}
	e.converter = c
	e.quality = q
	return nil
}

// SetQuality switches the output format from the next frame on.
func (e *PCMEncoder) SetQuality(q audio.Quality) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.setQuality(q); err != nil {
		return err
	}
	e.changed = true
	return nil
}

// Quality returns the output format.
func (e *PCMEncoder) Quality() audio.Quality {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality
}

// Seek moves the source and flags the next packet as a restart.
func (e *PCMEncoder) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.source.Seek(pos); err != nil {
		return err
	}
	e.frame = nil
	e.flags = PCMFlagRestart
	e.marker = true
	e.eofSent = false
	e.converter.Reset()
	return nil
}

// Position returns the source position.
func (e *PCMEncoder) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source.Position()
}

// Finished reports whether the EOF packet has been produced.
func (e *PCMEncoder) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eofSent
}

// QoSDescription describes the single layer stream: payload rate plus
// per-packet header overhead.
func (e *PCMEncoder) QoSDescription(headerSize, maxPacketSize, offset int) rtp.QoSDescription {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := max(maxPacketSize-headerSize-PCMHeaderSize-offset, 1)
	perFrame := e.quality.BytesFor(time.Second / time.Duration(e.frameRate))
	packets := max(1, (perFrame+payload-1)/payload)
	bandwidth := e.quality.BytesPerSecond() + e.frameRate*packets*(headerSize+PCMHeaderSize)

	return rtp.QoSDescription{Layers: []rtp.LayerQoS{{
		Bandwidth:     bandwidth,
		BufferDelay:   time.Second / time.Duration(e.frameRate),
		MaxPacketSize: maxPacketSize,
	}}}
}

// UpdateQuality adopts the packet size limit of the description.
func (e *PCMEncoder) UpdateQuality(desc rtp.QoSDescription) {
	if len(desc.Layers) == 0 || desc.Layers[0].MaxPacketSize <= 0 {
		return
	}
	e.mu.Lock()
	e.maxPacket = desc.Layers[0].MaxPacketSize
	e.mu.Unlock()
}

// CheckInterval reports the frame period and reservation once after
// creation and after every quality change.
func (e *PCMEncoder) CheckInterval() (time.Duration, []rtp.Reservation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.changed {
		return 0, nil, false
	}
	e.changed = false
	reservation := rtp.Reservation{Layer: 0, Bandwidth: e.quality.BytesPerSecond()}
	return time.Second / time.Duration(e.frameRate), []rtp.Reservation{reservation}, true
}

// PrepareNextFrame reads one frame period of audio. At the end of the
// media it prepares a single empty packet flagged EOF, then returns false.
func (e *PCMEncoder) PrepareNextFrame(headerSize, maxPacketSize int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eofSent {
		return false
	}
	e.maxPacket = min(e.maxPacket, maxPacketSize)

	srcQ := e.source.Quality()
	raw := make([]byte, srcQ.BytesFor(time.Second/time.Duration(e.frameRate)))
	e.framePos = e.source.Position()
	n, err := e.source.Read(raw)
	if err != nil && !errors.Is(err, io.EOF) {
		e.readErrors++
		logrus.WithFields(logrus.Fields{
			"function": "PCMEncoder.PrepareNextFrame",
			"error":    err.Error(),
		}).Warn("Media read failed")
		return false
	}

	e.frame = e.converter.Convert(raw[:n])
	e.offset = 0
	if n == 0 {
		e.flags |= PCMFlagEOF
		e.eofSent = true
		logrus.WithFields(logrus.Fields{
			"function": "PCMEncoder.PrepareNextFrame",
			"title":    e.source.Info().Title,
		}).Info("End of media reached")
	}
	return true
}

// NextPacket writes the next PCM payload of the prepared frame into
// pkt.Buffer and returns its size, or 0 when the frame is done.
func (e *PCMEncoder) NextPacket(pkt *rtp.EncoderPacket) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frame == nil {
		return 0
	}
	if e.offset >= len(e.frame) && e.flags&PCMFlagEOF == 0 {
		e.frame = nil
		return 0
	}

	room := min(len(pkt.Buffer), e.maxPacket-rtp.HeaderSize) - PCMHeaderSize
	frameSize := e.quality.FrameSize()
	chunk := min(len(e.frame)-e.offset, room/frameSize*frameSize)
	if chunk <= 0 && e.flags&PCMFlagEOF == 0 {
		e.frame = nil
		return 0
	}
	chunk = max(chunk, 0)

	h := PCMHeader{
		Flags:       e.flags,
		Channels:    uint8(e.quality.Channels),
		Bits:        uint8(e.quality.Bits),
		SampleRate:  uint32(e.quality.SampleRate),
		Position:    clampPosition(e.framePos + e.quality.DurationOf(e.offset)),
		MaxPosition: clampPosition(e.source.Duration()),
	}
	if err := h.MarshalTo(pkt.Buffer); err != nil {
		e.frame = nil
		return 0
	}
	copy(pkt.Buffer[PCMHeaderSize:], e.frame[e.offset:e.offset+chunk])

	pkt.Layer = 0
	pkt.PayloadType = PayloadTypePCM
	pkt.Marker = e.marker

	e.offset += chunk
	e.marker = false
	if e.flags&PCMFlagEOF != 0 {
		// The EOF packet is always the last one.
		e.frame = nil
	}
	e.flags &^= PCMFlagRestart
	return PCMHeaderSize + chunk
}

// FrameRate returns the frames sent per second.
func (e *PCMEncoder) FrameRate() int {
	return e.frameRate
}

// ClockRate returns the output sampling rate, the RTP clock of PCM.
func (e *PCMEncoder) ClockRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality.SampleRate
}

// Close closes the media source.
func (e *PCMEncoder) Close() error {
	return e.source.Close()
}
