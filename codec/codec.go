package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/sirupsen/logrus"
)

// Encoding identifies a payload format.
type Encoding uint8

const (
	// EncodingPCM is uncompressed PCM with a position header
	EncodingPCM Encoding = iota
	// EncodingOpus is Opus, decode only
	EncodingOpus
)

// Dynamic RTP payload types of the encodings.
const (
	PayloadTypePCM  uint8 = 96
	PayloadTypeOpus uint8 = 111
)

// String returns the string representation of Encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM:
		return "pcm"
	case EncodingOpus:
		return "opus"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// PayloadType returns the RTP payload type the encoding is sent with.
func (e Encoding) PayloadType() uint8 {
	if e == EncodingOpus {
		return PayloadTypeOpus
	}
	return PayloadTypePCM
}

// ParseEncoding maps a name such as "pcm" or "opus" to an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(name) {
	case "pcm", "l16":
		return EncodingPCM, nil
	case "opus":
		return EncodingOpus, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}
}

// MediaInfo carries the descriptive tags of the playing media.
type MediaInfo struct {
	Title   string
	Artist  string
	Comment string
}

// Decoder is a payload decoder driven by the RTP receive loop.
type Decoder interface {
	rtp.PacketDecoder

	Encoding() Encoding
	Position() time.Duration
	MaxPosition() time.Duration
	MediaInfo() MediaInfo
	SetMediaInfo(info MediaInfo)
	ErrorCode() ErrorCode

	// Activate makes the decoder write to its sink; inactive decoders
	// accept packets but discard them.
	Activate()
	Deactivate()
	// Reset clears position, error code and stream state. Callers hold
	// the receiver's swap lock.
	Reset()
}

// decoderState is the bookkeeping every decoder shares.
type decoderState struct {
	mu          sync.Mutex
	sink        audio.Sink
	active      bool
	position    time.Duration
	maxPosition time.Duration
	info        MediaInfo
	code        ErrorCode
	packets     uint64
	dropped     uint64
	errors      uint64
}

func (d *decoderState) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *decoderState) MaxPosition() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPosition
}

func (d *decoderState) MediaInfo() MediaInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *decoderState) SetMediaInfo(info MediaInfo) {
	d.mu.Lock()
	d.info = info
	d.mu.Unlock()
}

func (d *decoderState) ErrorCode() ErrorCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.code
}

func (d *decoderState) setCode(code ErrorCode) {
	d.mu.Lock()
	d.code = code
	d.mu.Unlock()
}

func (d *decoderState) Activate() {
	d.mu.Lock()
	d.active = true
	d.mu.Unlock()
}

func (d *decoderState) Deactivate() {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
}

func (d *decoderState) isActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *decoderState) Reset() {
	d.mu.Lock()
	d.position = 0
	d.maxPosition = 0
	d.code = NoMedia
	d.mu.Unlock()
}

// DecoderStats counts the packets a decoder handled.
type DecoderStats struct {
	Packets uint64
	Dropped uint64
	Errors  uint64
}

// Stats returns the packet counters.
func (d *decoderState) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DecoderStats{Packets: d.packets, Dropped: d.dropped, Errors: d.errors}
}

// writeSink writes PCM to the sink, switching its quality first when needed.
func (d *decoderState) writeSink(q audio.Quality, pcm []byte) bool {
	if d.sink.Quality() != q {
		if err := d.sink.SetQuality(q); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Decoder.writeSink",
				"quality":  q.String(),
				"error":    err.Error(),
			}).Error("Sink rejected stream quality")
			d.mu.Lock()
			d.code = DeviceError
			d.errors++
			d.mu.Unlock()
			return false
		}
	}
	if len(pcm) == 0 {
		return true
	}
	if !d.sink.Write(pcm) {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return false
	}
	return true
}

// Repository owns one decoder per encoding.
type Repository struct {
	mu       sync.RWMutex
	decoders map[Encoding]Decoder
}

// NewRepository creates a repository with the PCM and Opus decoders
// writing to sink.
func NewRepository(sink audio.Sink) (*Repository, error) {
	pcm, err := NewPCMDecoder(sink)
	if err != nil {
		return nil, err
	}
	opus, err := NewOpusDecoder(sink)
	if err != nil {
		return nil, err
	}
	r := &Repository{decoders: make(map[Encoding]Decoder)}
	r.Register(pcm)
	r.Register(opus)
	return r, nil
}

// Register adds or replaces the decoder for its encoding.
func (r *Repository) Register(d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[d.Encoding()] = d
}

// Get returns the decoder for enc.
func (r *Repository) Get(enc Encoding) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[enc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
	return d, nil
}

// Encodings lists the registered encodings in ascending order.
func (r *Repository) Encodings() []Encoding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Encoding, 0, len(r.decoders))
	for enc := range r.decoders {
		out = append(out, enc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResetAll resets and deactivates every decoder.
func (r *Repository) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.decoders {
		d.Deactivate()
		d.Reset()
	}
}
