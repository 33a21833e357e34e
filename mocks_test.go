package rtpaudio

import (
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/codec"
	"github.com/opd-ai/rtpaudio/control"
	"github.com/opd-ai/rtpaudio/rtp"
	pionrtp "github.com/pion/rtp"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

// MockTimeProvider is a deterministic time provider for testing.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

// NewMockTimeProvider creates a provider fixed at a known instant.
func NewMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
}

// Now returns the mock time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// Since returns the mock duration since t.
func (m *MockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the mock time forward by the given duration.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

var voiceQuality = audio.Quality{SampleRate: 8000, Bits: 16, Channels: 1}

// writeTone writes d of a 16-bit mono square wave as a WAV file.
func writeTone(t *testing.T, dir, name string, d time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	sink, err := audio.CreateWAVSink(path, voiceQuality)
	require.NoError(t, err)

	data := make([]byte, voiceQuality.BytesFor(d))
	for i := 0; i+1 < len(data); i += 2 {
		if (i/2)%40 < 20 {
			data[i], data[i+1] = 0x00, 0x40
		} else {
			data[i], data[i+1] = 0x00, 0xc0
		}
	}
	require.True(t, sink.Write(data))
	require.NoError(t, sink.Close())
	return path
}

// refusingSink rejects every format change.
type refusingSink struct {
	*audio.NullSink
}

func (s *refusingSink) SetQuality(audio.Quality) error {
	return errors.New("format not supported by device")
}

// fakeServer is a control socket that records what a client sends.
type fakeServer struct {
	t    *testing.T
	conn net.PacketConn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeServer{t: t, conn: conn}
}

func (f *fakeServer) Addr() string {
	return f.conn.LocalAddr().String()
}

// next returns the packets of the next RTCP compound.
func (f *fakeServer) next() ([]rtcp.Packet, net.Addr) {
	f.t.Helper()
	buf := make([]byte, rtp.MaxPacketSize)
	require.NoError(f.t, f.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, addr, err := f.conn.ReadFrom(buf)
	require.NoError(f.t, err)
	packets, err := rtp.ParseCompound(buf[:n])
	require.NoError(f.t, err)
	return packets, addr
}

// nextHello skips compounds until one carries a HELO.
func (f *fakeServer) nextHello() (*control.HelloPacket, []rtcp.Packet) {
	f.t.Helper()
	for {
		packets, _ := f.next()
		for _, p := range packets {
			if app, ok := p.(*rtp.AppPacket); ok && app.Name == control.AppName {
				hello, err := control.DeserializeHello(app.Data)
				require.NoError(f.t, err)
				return hello, packets
			}
		}
	}
}

// nextBye skips compounds until one carries a BYE.
func (f *fakeServer) nextBye() *rtcp.Goodbye {
	f.t.Helper()
	for {
		packets, _ := f.next()
		for _, p := range packets {
			if bye, ok := p.(*rtcp.Goodbye); ok {
				return bye
			}
		}
	}
}

// sendPCM sends one PCM packet to the client data port.
func (f *fakeServer) sendPCM(port int, seq uint16, h codec.PCMHeader, samples []byte) {
	f.t.Helper()
	payload := make([]byte, codec.PCMHeaderSize+len(samples))
	require.NoError(f.t, h.MarshalTo(payload))
	copy(payload[codec.PCMHeaderSize:], samples)

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    codec.PayloadTypePCM,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x5eed,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(f.t, err)
	_, err = f.conn.WriteTo(raw, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(f.t, err)
}
