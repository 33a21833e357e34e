package rtp

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Sentinel errors for rtp package operations.
// These errors enable reliable error classification using errors.Is().

// Packet parsing errors.
var (
	// ErrPacketTooShort indicates a datagram shorter than a fixed header.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrBadVersion indicates an RTP or RTCP version field other than 2.
	ErrBadVersion = errors.New("unsupported RTP version")

	// ErrNotSenderReport indicates an RTCP packet that is not a sender report.
	ErrNotSenderReport = errors.New("not a sender report")

	// ErrInvalidAppName indicates an APP packet name that is not four bytes.
	ErrInvalidAppName = errors.New("APP name must be exactly 4 bytes")

	// ErrInvalidAppPacket indicates a malformed APP packet.
	ErrInvalidAppPacket = errors.New("invalid APP packet")

	// ErrTruncatedCompound indicates an RTCP packet length past the datagram end.
	ErrTruncatedCompound = errors.New("truncated RTCP compound packet")
)

// Task lifecycle errors.
var (
	// ErrAlreadyRunning indicates Start was called on a running task.
	ErrAlreadyRunning = errors.New("task is already running")

	// ErrNotRunning indicates an operation that requires a running task.
	ErrNotRunning = errors.New("task is not running")

	// ErrNilConn indicates a missing packet connection.
	ErrNilConn = errors.New("connection cannot be nil")

	// ErrNilDecoder indicates a missing decoder.
	ErrNilDecoder = errors.New("decoder cannot be nil")

	// ErrNilEncoder indicates a missing encoder.
	ErrNilEncoder = errors.New("encoder cannot be nil")

	// ErrNilAddr indicates a missing remote address.
	ErrNilAddr = errors.New("remote address cannot be nil")
)

// IsTransient reports whether err is a socket condition that should be
// retried on the next scheduled cycle without logging.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// ErrorLatch logs the first non-transient error reported by a task and
// suppresses the ones that follow, so a failing socket does not flood the
// log once per packet.
type ErrorLatch struct {
	mu       sync.Mutex
	function string
	latched  bool
	first    error
	count    uint64
}

// NewErrorLatch creates a latch whose log entries carry the given function name.
func NewErrorLatch(function string) *ErrorLatch {
	return &ErrorLatch{function: function}
}

// Report records err. Transient errors are ignored and reported as false.
// The first non-transient error is logged; every non-transient error
// returns true so the caller can decide whether to give up.
func (l *ErrorLatch) Report(err error, fields logrus.Fields) bool {
	if err == nil || IsTransient(err) {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.latched {
		return true
	}
	l.latched = true
	l.first = err

	entry := logrus.WithFields(logrus.Fields{
		"function": l.function,
		"error":    err.Error(),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Error("Transmission error, further errors suppressed")

	return true
}

// Count returns the number of non-transient errors seen.
func (l *ErrorLatch) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// First returns the first latched error, or nil.
func (l *ErrorLatch) First() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

// Reset clears the latch so the next error is logged again.
func (l *ErrorLatch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latched = false
	l.first = nil
	l.count = 0
}
