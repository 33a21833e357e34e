package rtpaudio

import "errors"

// Sentinel errors for client and server operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidAddress indicates a server address that does not resolve.
	ErrInvalidAddress = errors.New("invalid server address")

	// ErrNotPlaying indicates an operation that needs an active session.
	ErrNotPlaying = errors.New("client is not playing")

	// ErrEmptyMediaName indicates a play or change request without media.
	ErrEmptyMediaName = errors.New("media name cannot be empty")

	// ErrNilSink indicates a client created without an audio sink.
	ErrNilSink = errors.New("audio sink cannot be nil")

	// ErrServerRunning indicates Serve called on a running server.
	ErrServerRunning = errors.New("server is already running")

	// ErrMediaOutsideCatalog indicates a media name escaping the media directory.
	ErrMediaOutsideCatalog = errors.New("media name outside catalog")
)
