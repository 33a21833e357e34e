package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
)

// ErrQualityLocked indicates a format change after a WAV file started.
var ErrQualityLocked = errors.New("quality cannot change after data was written")

// ErrSinkClosed indicates a write to a closed sink.
var ErrSinkClosed = errors.New("sink is closed")

// WAVSink records PCM into a RIFF/WAVE file.
//
// The encoder is created on the first Write, so SetQuality may be called
// freely until then. Close finalizes the header sizes.
type WAVSink struct {
	mu      sync.Mutex
	w       io.WriteSeeker
	closer  io.Closer
	quality Quality
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	written uint64
	closed  bool
}

// NewWAVSink writes WAV data to w in quality q.
func NewWAVSink(w io.WriteSeeker, q Quality) (*WAVSink, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &WAVSink{w: w, quality: q}, nil
}

// CreateWAVSink creates path and returns a sink that owns the file.
func CreateWAVSink(path string, q Quality) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	s, err := NewWAVSink(f, q)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// Write decodes data in the sink quality and appends it to the file.
// A trailing partial sample is ignored.
func (s *WAVSink) Write(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.enc == nil {
		s.enc = wav.NewEncoder(s.w, s.quality.SampleRate, s.quality.Bits, s.quality.Channels, 1)
		s.buf = &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: s.quality.Channels, SampleRate: s.quality.SampleRate},
			SourceBitDepth: s.quality.Bits,
		}
	}

	s.buf.Data = decodeSamples(s.buf.Data[:0], data, s.quality)
	if len(s.buf.Data) == 0 {
		return true
	}
	if err := s.enc.Write(s.buf); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WAVSink.Write",
			"size":     len(data),
			"error":    err.Error(),
		}).Error("Failed to write WAV samples")
		return false
	}
	s.written += uint64(len(data))
	return true
}

// decodeSamples appends the integer samples of data to dst. 8-bit samples
// stay unsigned as WAV stores them.
func decodeSamples(dst []int, data []byte, q Quality) []int {
	if q.Bits == 8 {
		for _, b := range data {
			dst = append(dst, int(b))
		}
		return dst
	}
	var order binary.ByteOrder = binary.LittleEndian
	if q.ByteOrder == BigEndian {
		order = binary.BigEndian
	}
	for i := 0; i+1 < len(data); i += 2 {
		dst = append(dst, int(int16(order.Uint16(data[i:]))))
	}
	return dst
}

// Sync is a no-op; a file has no queued playback to discard.
func (s *WAVSink) Sync() {}

// Ready reports whether the sink is still open.
func (s *WAVSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// CurrentCapacity is unbounded for a file.
func (s *WAVSink) CurrentCapacity() int { return 1 << 20 }

func (s *WAVSink) Quality() Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// SetQuality changes the format before the first Write.
func (s *WAVSink) SetQuality(q Quality) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc != nil && q != s.quality {
		return ErrQualityLocked
	}
	s.quality = q
	return nil
}

// Written returns the number of PCM bytes stored.
func (s *WAVSink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close finalizes the WAV header and closes an owned file.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.closed = true

	var errs []error
	if s.enc == nil {
		// Nothing was written; still emit a valid empty file.
		s.enc = wav.NewEncoder(s.w, s.quality.SampleRate, s.quality.Bits, s.quality.Channels, 1)
	}
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("finalize wav: %w", err))
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "WAVSink.Close",
		"written":  s.written,
		"quality":  s.quality.String(),
	}).Info("WAV recording finalized")

	return errors.Join(errs...)
}
