package rtp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Transport is the socket pair a session runs over: a data socket carrying
// RTP (and the peer's sender reports) and a control socket carrying RTCP.
// In multiplexed mode both roles share one socket.
//
// The Transport owns its sockets; tasks borrow them and must be stopped
// before Close.
type Transport struct {
	data        net.PacketConn
	control     net.PacketConn
	multiplexed bool

	closeOnce sync.Once
	closeErr  error
}

// ListenTransport opens the sockets of a transport on host with ephemeral ports.
//
// Parameters:
//   - host: local IP or hostname to bind, empty for all interfaces
//   - multiplexed: share one socket between RTP and RTCP
//
// Returns:
//   - *Transport: the opened transport
//   - error: any socket error; no socket stays open on failure
func ListenTransport(host string, multiplexed bool) (*Transport, error) {
	data, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("open data socket: %w", err)
	}
	if multiplexed {
		return NewTransport(data, nil), nil
	}

	control, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("open control socket: %w", err)
	}

	t := NewTransport(data, control)

	logrus.WithFields(logrus.Fields{
		"function":     "ListenTransport",
		"data_addr":    data.LocalAddr().String(),
		"control_addr": control.LocalAddr().String(),
	}).Debug("Transport sockets opened")

	return t, nil
}

// NewTransport wraps existing sockets. A nil control socket makes the
// transport multiplexed over data.
func NewTransport(data, control net.PacketConn) *Transport {
	t := &Transport{data: data, control: control}
	if control == nil {
		t.control = data
		t.multiplexed = true
	}
	return t
}

// DataConn returns the socket RTP arrives on.
func (t *Transport) DataConn() net.PacketConn {
	return t.data
}

// ControlConn returns the socket RTCP is sent from.
func (t *Transport) ControlConn() net.PacketConn {
	return t.control
}

// Multiplexed reports whether RTP and RTCP share one socket.
func (t *Transport) Multiplexed() bool {
	return t.multiplexed
}

// DataPort returns the local UDP port of the data socket, or 0 if unknown.
func (t *Transport) DataPort() int {
	if addr, ok := t.data.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close closes the sockets. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		var errs []error
		if err := t.data.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data socket: %w", err))
		}
		if !t.multiplexed {
			if err := t.control.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close control socket: %w", err))
			}
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}
