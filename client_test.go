package rtpaudio

import (
	"testing"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/codec"
	"github.com/opd-ai/rtpaudio/control"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(clock TimeProvider) *Options {
	o := NewOptions()
	o.LocalHost = "127.0.0.1"
	o.User = "alice"
	o.Host = "test.local"
	o.Quality = voiceQuality
	o.TimeProvider = clock
	return o
}

func newTestClient(t *testing.T, sink audio.Sink, clock TimeProvider) *Client {
	t.Helper()
	c, err := NewClient(sink, testOptions(clock))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, nil)
	assert.ErrorIs(t, err, ErrNilSink)

	o := NewOptions()
	o.Quality.Bits = 12
	_, err = NewClient(audio.NewNullSink(), o)
	assert.ErrorIs(t, err, audio.ErrInvalidBits)

	o = NewOptions()
	o.Encoding = codec.Encoding(9)
	_, err = NewClient(audio.NewNullSink(), o)
	assert.ErrorIs(t, err, codec.ErrUnsupportedEncoding)

	c, err := NewClient(audio.NewNullSink(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, codec.EncodingPCM, c.Encoding())
}

func TestPlayInvalidAddress(t *testing.T) {
	tests := []struct {
		name   string
		server string
		media  string
	}{
		{"empty address", "", "song.wav"},
		{"port out of range", "127.0.0.1:99999", "song.wav"},
		{"unspecified host", "0.0.0.0:5004", "song.wav"},
		{"malformed host", "[::1", "song.wav"},
		{"empty media", "127.0.0.1:5004", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, audio.NewNullSink(), DefaultTimeProvider{})

			assert.False(t, c.Play(tt.server, tt.media))
			assert.Equal(t, StateStopped, c.State())
			assert.Nil(t, c.transport)
			assert.Nil(t, c.receiver)
			assert.Nil(t, c.reporter)
			assert.Zero(t, c.Position())
		})
	}
}

func TestClientResolveDefaultPort(t *testing.T) {
	c := newTestClient(t, audio.NewNullSink(), DefaultTimeProvider{})

	addr, err := c.resolve("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, DefaultServerPort, addr.Port)

	addr, err = c.resolve("::1")
	require.NoError(t, err)
	assert.Equal(t, DefaultServerPort, addr.Port)
}

func TestClientPlaySendsHello(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, audio.NewNullSink(), DefaultTimeProvider{})

	require.True(t, c.Play(server.Addr(), "jazz/so what.wav"))
	assert.Equal(t, StatePlaying, c.State())

	hello, packets := server.nextHello()
	assert.Equal(t, "jazz/so what.wav", hello.MediaName)
	assert.True(t, hello.Restart())
	assert.False(t, hello.Paused())
	assert.Equal(t, uint16(c.transport.DataPort()), hello.DataPort)
	assert.Equal(t, uint32(8000), hello.SampleRate)
	assert.Equal(t, uint8(16), hello.Bits)
	assert.Equal(t, uint8(1), hello.Channels)
	assert.Equal(t, uint8(codec.EncodingPCM), hello.Encoding)
	assert.Zero(t, hello.Sequence)

	var cname string
	for _, p := range packets {
		if sd, ok := p.(*rtcp.SourceDescription); ok {
			for _, item := range sd.Chunks[0].Items {
				if item.Type == rtcp.SDESCNAME {
					cname = item.Text
				}
			}
		}
	}
	assert.Equal(t, "alice@test.local", cname)

	require.NoError(t, c.Pause())
	hello, _ = server.nextHello()
	assert.True(t, hello.Paused())
	assert.Equal(t, uint32(1), hello.Sequence)
	assert.ErrorIs(t, c.Pause(), ErrNotPlaying)

	require.NoError(t, c.Resume())
	hello, _ = server.nextHello()
	assert.False(t, hello.Paused())
	assert.False(t, hello.Restart())

	require.NoError(t, c.SetSamplingRate(22050))
	hello, _ = server.nextHello()
	assert.Equal(t, uint32(22050), hello.SampleRate)

	require.NoError(t, c.Change("jazz/blue in green.wav"))
	hello, _ = server.nextHello()
	assert.Equal(t, "jazz/blue in green.wav", hello.MediaName)
	assert.True(t, hello.Restart())
	assert.Zero(t, hello.Position)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	bye := server.nextBye()
	assert.Equal(t, "stop", bye.Reason)
}

func TestClientStoppedOperations(t *testing.T) {
	c := newTestClient(t, audio.NewNullSink(), DefaultTimeProvider{})

	assert.ErrorIs(t, c.Pause(), ErrNotPlaying)
	assert.ErrorIs(t, c.Resume(), ErrNotPlaying)
	assert.ErrorIs(t, c.Change("song.wav"), ErrNotPlaying)
	assert.ErrorIs(t, c.Change(""), ErrEmptyMediaName)
	assert.ErrorIs(t, c.Seek(time.Second), ErrNotPlaying)
	assert.Equal(t, codec.NoError, c.Poll())

	assert.ErrorIs(t, c.SetBits(24), audio.ErrInvalidBits)
	assert.ErrorIs(t, c.SetChannels(0), audio.ErrInvalidChannels)
	require.NoError(t, c.SetBits(8))
	require.NoError(t, c.SetChannels(2))
	assert.Equal(t, audio.Quality{SampleRate: 8000, Bits: 8, Channels: 2}, c.Quality())

	require.NoError(t, c.SetEncoding(codec.EncodingOpus))
	assert.Equal(t, codec.EncodingOpus, c.Encoding())
	assert.ErrorIs(t, c.SetEncoding(codec.Encoding(7)), codec.ErrUnsupportedEncoding)

	stats := c.Statistics()
	assert.Equal(t, StateStopped, stats.State)
	assert.Empty(t, stats.Sources)
	c.Stop()
}

func TestClientSetEncodingSwapsDecoder(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, audio.NewNullSink(), DefaultTimeProvider{})
	require.True(t, c.Play(server.Addr(), "song.wav"))
	server.nextHello()

	require.NoError(t, c.SetEncoding(codec.EncodingOpus))
	assert.Equal(t, codec.EncodingOpus, c.decoder.Encoding())

	hello, _ := server.nextHello()
	assert.Equal(t, uint8(codec.EncodingOpus), hello.Encoding)

	pcm, err := c.repo.Get(codec.EncodingPCM)
	require.NoError(t, err)
	assert.Equal(t, codec.NoMedia, pcm.ErrorCode())
}

func TestClientPositionThrottle(t *testing.T) {
	clock := NewMockTimeProvider()
	server := newFakeServer(t)
	c := newTestClient(t, audio.NewNullSink(), clock)
	require.True(t, c.Play(server.Addr(), "song.wav"))

	require.NoError(t, c.Seek(90*time.Second))
	hello, _ := server.nextHello()
	for hello.Sequence == 0 {
		hello, _ = server.nextHello()
	}
	assert.True(t, hello.Restart())
	assert.Equal(t, 90*time.Second, hello.Position)

	assert.Equal(t, 90*time.Second, c.Position())
	clock.Advance(4 * time.Second)
	assert.Equal(t, 90*time.Second, c.Position())

	clock.Advance(time.Second)
	assert.Zero(t, c.Position(), "decoder has not seen the new position yet")
}

func TestClientStreamAndEOFRepeat(t *testing.T) {
	clock := NewMockTimeProvider()
	server := newFakeServer(t)
	sink := audio.NewNullSink()

	o := testOptions(clock)
	o.AutoRepeat = true
	o.RepeatDelay = 2 * time.Second
	c, err := NewClient(sink, o)
	require.NoError(t, err)
	defer c.Stop()

	require.True(t, c.Play(server.Addr(), "song.wav"))
	server.nextHello()
	port := c.transport.DataPort()

	h := codec.PCMHeader{Channels: 1, Bits: 16, SampleRate: 8000, MaxPosition: time.Second}
	server.sendPCM(port, 100, h, make([]byte, 320))
	h.Position = 20 * time.Millisecond
	h.Flags = codec.PCMFlagEOF
	server.sendPCM(port, 101, h, nil)

	require.Eventually(t, func() bool {
		return c.Statistics().ErrorCode == codec.EOF
	}, 3*time.Second, 10*time.Millisecond)

	stats := c.Statistics()
	assert.Equal(t, uint64(320), sink.Written())
	assert.Equal(t, time.Second, stats.MaxPosition)
	require.Len(t, stats.Sources, 1)
	assert.Equal(t, uint32(0x5eed), stats.Sources[0].SSRC)
	assert.Equal(t, uint64(2), stats.Receiver.Delivered)

	assert.Equal(t, codec.EOF, c.Poll())
	clock.Advance(time.Second)
	assert.Equal(t, codec.EOF, c.Poll())

	clock.Advance(time.Second)
	assert.Equal(t, codec.EOF, c.Poll())
	hello, _ := server.nextHello()
	assert.True(t, hello.Restart())
	assert.Zero(t, hello.Position)
	assert.Equal(t, uint32(1), hello.Sequence)

	assert.Equal(t, codec.NoMedia, c.Statistics().ErrorCode)
}

func TestClientStopsOnFatalDecoderError(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, &refusingSink{NullSink: audio.NewNullSink()}, DefaultTimeProvider{})
	require.True(t, c.Play(server.Addr(), "song.wav"))
	server.nextHello()

	h := codec.PCMHeader{Channels: 1, Bits: 16, SampleRate: 8000}
	server.sendPCM(c.transport.DataPort(), 1, h, make([]byte, 160))

	require.Eventually(t, func() bool {
		return c.Statistics().ErrorCode == codec.DeviceError
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, codec.DeviceError, c.Poll())
	assert.Equal(t, StateStopped, c.State())
	assert.Nil(t, c.transport)
	server.nextBye()
}

func TestClientRepeatsUnansweredHello(t *testing.T) {
	clock := NewMockTimeProvider()
	server := newFakeServer(t)
	c := newTestClient(t, audio.NewNullSink(), clock)
	require.True(t, c.Play(server.Addr(), "song.wav"))
	server.nextHello()

	assert.Equal(t, codec.NoMedia, c.Poll())
	clock.Advance(helloRetry)
	assert.Equal(t, codec.NoMedia, c.Poll())

	hello, _ := server.nextHello()
	assert.Equal(t, uint32(1), hello.Sequence)
	assert.Equal(t, control.FlagRestart, hello.Flags)
}
