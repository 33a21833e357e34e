package codec

import (
	"errors"
	"fmt"
)

// ErrorCode is the sticky status a decoder reports to the client.
type ErrorCode int

const (
	// NoError means the decoder is healthy
	NoError ErrorCode = iota
	// NoMedia means no stream has been received yet
	NoMedia
	// EOF means the sender reached the end of the media
	EOF
	// BadMedia means the stream carried data the decoder cannot use
	BadMedia
	// ReadError means a media read failed on the sending side
	ReadError
	// OutOfMemory means a buffer could not be allocated
	OutOfMemory
	// UnrecoverableError and everything above stops the client
	UnrecoverableError
	// DeviceError means the output device refused the format
	DeviceError
)

var errorCodeNames = map[ErrorCode]string{
	NoError:            "NoError",
	NoMedia:            "NoMedia",
	EOF:                "EOF",
	BadMedia:           "BadMedia",
	ReadError:          "ReadError",
	OutOfMemory:        "OutOfMemory",
	UnrecoverableError: "UnrecoverableError",
	DeviceError:        "DeviceError",
}

// String returns the string representation of ErrorCode.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(c))
}

// IsFatal reports whether the client must stop on this code.
func (c ErrorCode) IsFatal() bool {
	return c >= UnrecoverableError
}

// Sentinel errors for codec operations.
var (
	// ErrShortPayload indicates a payload smaller than its header.
	ErrShortPayload = errors.New("payload shorter than header")

	// ErrUnsupportedEncoding indicates an encoding without an implementation.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")

	// ErrUnsupportedMedia indicates a media file type that cannot be opened.
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// ErrInvalidMedia indicates a media file whose content cannot be decoded.
	ErrInvalidMedia = errors.New("invalid media file")

	// ErrNilSource indicates an encoder without a media source.
	ErrNilSource = errors.New("media source cannot be nil")

	// ErrNilSink indicates a decoder without an output sink.
	ErrNilSink = errors.New("sink cannot be nil")
)
