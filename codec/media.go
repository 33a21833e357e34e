package codec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/opd-ai/rtpaudio/audio"
	"github.com/sirupsen/logrus"
)

// MediaSource produces little-endian PCM for an encoder.
type MediaSource interface {
	Quality() audio.Quality
	// Read fills p with whole frames and returns io.EOF at the end.
	Read(p []byte) (int, error)
	Seek(pos time.Duration) error
	Position() time.Duration
	Duration() time.Duration
	Info() MediaInfo
	Close() error
}

// OpenMedia opens a media file by extension (.wav or .mp3).
func OpenMedia(path string) (MediaSource, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return OpenWAV(path)
	case ".mp3":
		return OpenMP3(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, filepath.Base(path))
	}
}

// titleOf derives a media title from a file name.
func titleOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PCMSource serves PCM held in memory.
type PCMSource struct {
	mu      sync.Mutex
	data    []byte
	quality audio.Quality
	info    MediaInfo
	offset  int
}

// NewPCMSource wraps little-endian PCM data of quality q.
func NewPCMSource(data []byte, q audio.Quality, info MediaInfo) (*PCMSource, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q.ByteOrder = audio.LittleEndian
	frame := q.FrameSize()
	return &PCMSource{data: data[:len(data)/frame*frame], quality: q, info: info}, nil
}

func (s *PCMSource) Quality() audio.Quality { return s.quality }

func (s *PCMSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offset >= len(s.data) {
		return 0, io.EOF
	}
	frame := s.quality.FrameSize()
	n := copy(p[:len(p)/frame*frame], s.data[s.offset:])
	s.offset += n
	return n, nil
}

// Seek moves to pos, clamped to the media bounds.
func (s *PCMSource) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = min(s.quality.BytesFor(max(pos, 0)), len(s.data))
	return nil
}

func (s *PCMSource) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality.DurationOf(s.offset)
}

func (s *PCMSource) Duration() time.Duration {
	return s.quality.DurationOf(len(s.data))
}

func (s *PCMSource) Info() MediaInfo { return s.info }

func (s *PCMSource) Close() error { return nil }

// OpenWAV decodes a WAV file into memory.
func OpenWAV(path string) (*PCMSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	src, err := DecodeWAV(f, MediaInfo{Title: titleOf(path)})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return src, nil
}

// DecodeWAV reads a complete WAV stream using github.com/go-audio/wav.
func DecodeWAV(r io.ReadSeeker, info MediaInfo) (*PCMSource, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrInvalidMedia
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}

	q := audio.Quality{
		SampleRate: int(d.SampleRate),
		Bits:       int(d.BitDepth),
		Channels:   int(d.NumChans),
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}

	data := make([]byte, 0, len(buf.Data)*q.Bits/8)
	for _, v := range buf.Data {
		if q.Bits == 8 {
			data = append(data, byte(v))
			continue
		}
		data = append(data, byte(v), byte(v>>8))
	}

	logrus.WithFields(logrus.Fields{
		"function": "DecodeWAV",
		"title":    info.Title,
		"quality":  q.String(),
		"bytes":    len(data),
	}).Debug("Decoded WAV media")

	return NewPCMSource(data, q, info)
}

// MP3Source streams an MP3 file through github.com/hajimehoshi/go-mp3,
// which always yields 16-bit little-endian stereo.
type MP3Source struct {
	mu      sync.Mutex
	file    *os.File
	decoder *mp3.Decoder
	quality audio.Quality
	info    MediaInfo
	offset  int64
}

// OpenMP3 opens an MP3 file for streaming.
func OpenMP3(path string) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}
	d, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	return &MP3Source{
		file:    f,
		decoder: d,
		quality: audio.Quality{SampleRate: d.SampleRate(), Bits: 16, Channels: 2},
		info:    MediaInfo{Title: titleOf(path)},
	}, nil
}

func (s *MP3Source) Quality() audio.Quality { return s.quality }

func (s *MP3Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = p[:len(p)/4*4]
	n, err := io.ReadFull(s.decoder, p)
	s.offset += int64(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
		if n == 0 {
			err = io.EOF
		}
	}
	return n, err
}

func (s *MP3Source) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := min(int64(s.quality.BytesFor(max(pos, 0))), s.decoder.Length())
	off, err := s.decoder.Seek(target, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek mp3: %w", err)
	}
	s.offset = off
	return nil
}

func (s *MP3Source) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality.DurationOf(int(s.offset))
}

func (s *MP3Source) Duration() time.Duration {
	return s.quality.DurationOf(int(s.decoder.Length()))
}

func (s *MP3Source) Info() MediaInfo { return s.info }

func (s *MP3Source) Close() error {
	return s.file.Close()
}
