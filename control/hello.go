// Package control implements the client status message a player sends to
// the server inside an RTCP APP packet named "HELO".
//
// The server treats every HELO as the complete desired state of the
// client: which media to play, from which position, in which encoding and
// quality, and on which port the RTP stream is expected.
package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AppName is the RTCP APP name carrying a HelloPacket.
const AppName = "HELO"

// Version is the HelloPacket layout version.
const Version = 1

const (
	// MaxMediaName is the longest media name a HelloPacket carries.
	MaxMediaName = 255

	mediaNameField = MaxMediaName + 1

	// HelloSize is the serialized size, a multiple of four as RTCP requires.
	HelloSize = 20 + mediaNameField
)

// Flags modify how the server treats a HelloPacket.
type Flags uint8

const (
	// FlagPause suspends the stream without closing the session
	FlagPause Flags = 1 << iota
	// FlagRestart makes the server seek to Position
	FlagRestart
	// FlagRepeat restarts the media at its end
	FlagRepeat
)

// String lists the set flags, e.g. "pause|restart".
func (f Flags) String() string {
	var names []string
	if f&FlagPause != 0 {
		names = append(names, "pause")
	}
	if f&FlagRestart != 0 {
		names = append(names, "restart")
	}
	if f&FlagRepeat != 0 {
		names = append(names, "repeat")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Sentinel errors for HelloPacket serialization.
var (
	// ErrNilHello indicates a nil packet passed to SerializeHello.
	ErrNilHello = errors.New("hello packet is nil")

	// ErrHelloTooShort indicates fewer than HelloSize bytes.
	ErrHelloTooShort = errors.New("hello packet too short")

	// ErrUnsupportedVersion indicates a layout version this side cannot read.
	ErrUnsupportedVersion = errors.New("unsupported hello packet version")

	// ErrMediaNameTooLong indicates a media name over MaxMediaName bytes.
	ErrMediaNameTooLong = errors.New("media name too long")
)

// HelloPacket is the client status sent to the server.
//
// Wire format (big-endian):
//
//	[VERSION(1)][FLAGS(1)][ENCODING(1)][BITS(1)][CHANNELS(1)][RESERVED(1)][DATA_PORT(2)]
//	[SAMPLE_RATE(4)][SEQUENCE(4)][POSITION_MS(4)][MEDIA_NAME(256, NUL padded)]
//
// Total size: 276 bytes
type HelloPacket struct {
	Flags      Flags
	Encoding   uint8         // codec.Encoding of the requested stream
	Bits       uint8         // Sample width
	Channels   uint8         // Channel count
	DataPort   uint16        // Client port the RTP stream goes to
	SampleRate uint32        // Sample rate in Hz
	Sequence   uint32        // Incremented on every packet the client sends
	Position   time.Duration // Restart position, meaningful with FlagRestart
	MediaName  string        // Media to play, relative to the server catalog
}

// SerializeHello converts a HelloPacket to bytes for an APP packet.
func SerializeHello(h *HelloPacket) ([]byte, error) {
	if h == nil {
		return nil, ErrNilHello
	}
	if len(h.MediaName) > MaxMediaName {
		return nil, fmt.Errorf("%w: %d bytes", ErrMediaNameTooLong, len(h.MediaName))
	}

	data := make([]byte, HelloSize)
	data[0] = Version
	data[1] = byte(h.Flags)
	data[2] = h.Encoding
	data[3] = h.Bits
	data[4] = h.Channels
	binary.BigEndian.PutUint16(data[6:8], h.DataPort)
	binary.BigEndian.PutUint32(data[8:12], h.SampleRate)
	binary.BigEndian.PutUint32(data[12:16], h.Sequence)
	binary.BigEndian.PutUint32(data[16:20], uint32(max(h.Position, 0).Milliseconds()))
	copy(data[20:], h.MediaName)

	logrus.WithFields(logrus.Fields{
		"function": "SerializeHello",
		"sequence": h.Sequence,
		"flags":    h.Flags.String(),
		"media":    h.MediaName,
	}).Debug("Serialized hello packet")

	return data, nil
}

// DeserializeHello converts APP data to a HelloPacket. Trailing padding
// is ignored.
func DeserializeHello(data []byte) (*HelloPacket, error) {
	if len(data) < HelloSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHelloTooShort, len(data))
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	name := data[20:HelloSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return &HelloPacket{
		Flags:      Flags(data[1]),
		Encoding:   data[2],
		Bits:       data[3],
		Channels:   data[4],
		DataPort:   binary.BigEndian.Uint16(data[6:8]),
		SampleRate: binary.BigEndian.Uint32(data[8:12]),
		Sequence:   binary.BigEndian.Uint32(data[12:16]),
		Position:   time.Duration(binary.BigEndian.Uint32(data[16:20])) * time.Millisecond,
		MediaName:  string(name),
	}, nil
}

// Paused reports whether FlagPause is set.
func (h *HelloPacket) Paused() bool { return h.Flags&FlagPause != 0 }

// Restart reports whether FlagRestart is set.
func (h *HelloPacket) Restart() bool { return h.Flags&FlagRestart != 0 }

// Repeat reports whether FlagRepeat is set.
func (h *HelloPacket) Repeat() bool { return h.Flags&FlagRepeat != 0 }
