package rtpaudio

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, clock TimeProvider) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	o := NewServerOptions()
	o.ListenAddr = "127.0.0.1:0"
	o.MediaDir = dir
	o.TimeProvider = clock
	s := NewServer(o)
	require.NoError(t, s.Listen())
	t.Cleanup(func() {
		for _, info := range s.Sessions() {
			s.closeSession(info.Client, "test done")
		}
		s.conn.Close()
	})
	return s, dir
}

func voiceHello(media string, seq uint32) *control.HelloPacket {
	return &control.HelloPacket{
		Flags:      control.FlagRestart,
		Bits:       16,
		Channels:   1,
		DataPort:   40000,
		SampleRate: 8000,
		Sequence:   seq,
		MediaName:  media,
	}
}

var clientAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000}

func TestServerMediaPath(t *testing.T) {
	s := NewServer(&ServerOptions{MediaDir: "/srv/music"})

	tests := []struct {
		name    string
		media   string
		want    string
		wantErr error
	}{
		{"plain", "song.wav", filepath.Join("/srv/music", "song.wav"), nil},
		{"nested", "jazz/take five.mp3", filepath.Join("/srv/music", "jazz", "take five.mp3"), nil},
		{"empty", "", "", ErrEmptyMediaName},
		{"parent", "../etc/passwd", "", ErrMediaOutsideCatalog},
		{"absolute", "/etc/passwd", "", ErrMediaOutsideCatalog},
		{"sneaky", "jazz/../../secret.wav", "", ErrMediaOutsideCatalog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.mediaPath(tt.media)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerCatalog(t *testing.T) {
	s, dir := newTestServer(t, DefaultTimeProvider{})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	writeTone(t, dir, "b.wav", 20*time.Millisecond)
	writeTone(t, dir, "sub/a.WAV", 20*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.mp3"), []byte("x"), 0o644))

	names, err := s.Catalog()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.wav", "c.mp3", "sub/a.WAV"}, names)
}

func TestServerHandleHello(t *testing.T) {
	s, dir := newTestServer(t, DefaultTimeProvider{})
	writeTone(t, dir, "tone.wav", time.Second)
	writeTone(t, dir, "other.wav", time.Second)

	err := s.handleHello(clientAddr, voiceHello("missing.wav", 0))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := voiceHello("tone.wav", 0)
	bad.Bits = 12
	assert.ErrorIs(t, s.handleHello(clientAddr, bad), audio.ErrInvalidBits)

	noPort := voiceHello("tone.wav", 0)
	noPort.DataPort = 0
	assert.ErrorIs(t, s.handleHello(clientAddr, noPort), ErrInvalidAddress)

	require.NoError(t, s.handleHello(clientAddr, voiceHello("tone.wav", 1)))
	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, clientAddr.String(), sessions[0].Client)
	assert.Equal(t, "127.0.0.1:40000", sessions[0].Destination)
	assert.Equal(t, "tone.wav", sessions[0].Media)
	assert.False(t, sessions[0].Paused)
	firstSSRC := s.sessions[clientAddr.String()].sender.SSRC()

	pause := voiceHello("tone.wav", 2)
	pause.Flags = control.FlagPause | control.FlagRestart
	pause.Position = 500 * time.Millisecond
	pause.SampleRate = 16000
	require.NoError(t, s.handleHello(clientAddr, pause))
	sessions = s.Sessions()
	assert.True(t, sessions[0].Paused)
	assert.Equal(t, 16000, sessions[0].Quality.SampleRate)
	assert.InDelta(t, float64(500*time.Millisecond), float64(sessions[0].Position), float64(20*time.Millisecond))
	assert.Equal(t, firstSSRC, s.sessions[clientAddr.String()].sender.SSRC(), "same session")

	stale := voiceHello("other.wav", 1)
	require.NoError(t, s.handleHello(clientAddr, stale))
	assert.Equal(t, "tone.wav", s.Sessions()[0].Media)

	require.NoError(t, s.handleHello(clientAddr, voiceHello("other.wav", 3)))
	sessions = s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "other.wav", sessions[0].Media)

	s.closeSession(clientAddr.String(), "test")
	assert.Empty(t, s.Sessions())
}

func TestServerSweepExpiresSilentSessions(t *testing.T) {
	clock := NewMockTimeProvider()
	s, dir := newTestServer(t, clock)
	writeTone(t, dir, "tone.wav", time.Second)

	require.NoError(t, s.handleHello(clientAddr, voiceHello("tone.wav", 0)))
	clock.Advance(20 * time.Second)
	s.touch(clientAddr.String())
	clock.Advance(20 * time.Second)
	s.sweep()
	assert.Len(t, s.Sessions(), 1)

	clock.Advance(11 * time.Second)
	s.sweep()
	assert.Empty(t, s.Sessions())
}

func TestServerRepeatsFinishedMedia(t *testing.T) {
	s, dir := newTestServer(t, DefaultTimeProvider{})
	writeTone(t, dir, "short.wav", 40*time.Millisecond)

	hello := voiceHello("short.wav", 0)
	hello.Flags |= control.FlagRepeat
	require.NoError(t, s.handleHello(clientAddr, hello))

	sess := s.sessions[clientAddr.String()]
	require.Eventually(t, sess.encoder.Finished, 3*time.Second, 10*time.Millisecond)
	sess.sender.Pause(true)

	s.sweep()
	assert.False(t, sess.encoder.Finished())
	assert.Equal(t, time.Duration(0), sess.encoder.Position())
}

func TestServerAndClientLoopback(t *testing.T) {
	dir := t.TempDir()
	writeTone(t, dir, "jazz/tone.wav", 2*time.Second)

	so := NewServerOptions()
	so.ListenAddr = "127.0.0.1:0"
	so.MediaDir = dir
	server := NewServer(so)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	sink := audio.NewNullSink()
	client := newTestClient(t, sink, DefaultTimeProvider{})
	require.True(t, client.Play(server.Addr().String(), "jazz/tone.wav"))

	require.Eventually(t, func() bool {
		return sink.Written() >= uint64(voiceQuality.BytesFor(200*time.Millisecond))
	}, 5*time.Second, 10*time.Millisecond)

	sessions := server.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "jazz/tone.wav", sessions[0].Media)
	assert.Equal(t, "alice@test.local", sessions[0].CNAME)

	stats := client.Statistics()
	assert.Equal(t, 2*time.Second, stats.MaxPosition)
	assert.Equal(t, voiceQuality.SampleRate, sink.Quality().SampleRate)
	assert.NotEmpty(t, stats.Sources)
	assert.Greater(t, stats.Receiver.SenderReports, uint64(0))

	client.Stop()
	require.Eventually(t, func() bool {
		return len(server.Sessions()) == 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Nil(t, server.Addr())
}
