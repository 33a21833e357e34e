package codec

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var voiceQuality = audio.Quality{SampleRate: 8000, Bits: 16, Channels: 1}

// rampSource returns n bytes of little-endian PCM whose samples count up.
func rampSource(t *testing.T, n int) *PCMSource {
	t.Helper()
	data := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		data[i] = byte(i / 2)
		data[i+1] = byte(i / 2 >> 8)
	}
	src, err := NewPCMSource(data, voiceQuality, MediaInfo{Title: "ramp"})
	require.NoError(t, err)
	return src
}

type encodedPacket struct {
	header  PCMHeader
	samples []byte
	marker  bool
}

// drainFrame collects the packets of one prepared frame.
func drainFrame(t *testing.T, e *PCMEncoder) []encodedPacket {
	t.Helper()
	var out []encodedPacket
	buf := make([]byte, rtp.MaxPacketSize-rtp.HeaderSize)
	for {
		pkt := rtp.EncoderPacket{Buffer: buf}
		n := e.NextPacket(&pkt)
		if n == 0 {
			return out
		}
		require.Equal(t, PayloadTypePCM, pkt.PayloadType)
		var h PCMHeader
		require.NoError(t, h.Unmarshal(buf[:n]))
		out = append(out, encodedPacket{
			header:  h,
			samples: append([]byte(nil), buf[PCMHeaderSize:n]...),
			marker:  pkt.Marker,
		})
	}
}

func TestNewPCMEncoder(t *testing.T) {
	_, err := NewPCMEncoder(nil, voiceQuality, 0)
	assert.ErrorIs(t, err, ErrNilSource)

	_, err = NewPCMEncoder(rampSource(t, 4), audio.Quality{SampleRate: 8000, Bits: 24, Channels: 1}, 0)
	assert.ErrorIs(t, err, audio.ErrInvalidBits)

	e, err := NewPCMEncoder(rampSource(t, 4), voiceQuality, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultFrameRate, e.FrameRate())
	assert.Equal(t, 8000, e.ClockRate())
	assert.Equal(t, audio.BigEndian, e.Quality().ByteOrder)
}

func TestPCMEncoderFramesAndEOF(t *testing.T) {
	// 700 bytes: two full 20ms frames of 320 bytes and a 60 byte tail.
	e, err := NewPCMEncoder(rampSource(t, 700), voiceQuality, 50)
	require.NoError(t, err)

	var packets []encodedPacket
	for e.PrepareNextFrame(rtp.HeaderSize, rtp.MaxPacketSize) {
		packets = append(packets, drainFrame(t, e)...)
	}
	require.Len(t, packets, 4)

	sizes := []int{320, 320, 60, 0}
	// Positions travel in whole milliseconds; the tail ends at 43.75ms.
	positions := []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond, 43 * time.Millisecond}
	for i, p := range packets {
		assert.Len(t, p.samples, sizes[i], "packet %d", i)
		assert.Equal(t, positions[i], p.header.Position, "packet %d", i)
		assert.Equal(t, uint32(8000), p.header.SampleRate)
	}

	assert.Equal(t, PCMFlagRestart, packets[0].header.Flags)
	assert.True(t, packets[0].marker)
	assert.Zero(t, packets[1].header.Flags)
	assert.False(t, packets[1].marker)
	assert.Equal(t, PCMFlagEOF, packets[3].header.Flags)
	assert.True(t, e.Finished())

	// Samples go out big-endian: sample 1 is 0x0001.
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, packets[0].samples[:4])
}

func TestPCMEncoderSplitsFrames(t *testing.T) {
	e, err := NewPCMEncoder(rampSource(t, 320), voiceQuality, 50)
	require.NoError(t, err)
	e.UpdateQuality(rtp.QoSDescription{Layers: []rtp.LayerQoS{{MaxPacketSize: rtp.HeaderSize + PCMHeaderSize + 101}}})

	require.True(t, e.PrepareNextFrame(rtp.HeaderSize, rtp.MaxPacketSize))
	packets := drainFrame(t, e)
	require.Len(t, packets, 4)

	total := 0
	for i, p := range packets {
		assert.Equal(t, 0, len(p.samples)%2, "packet %d splits a sample", i)
		total += len(p.samples)
	}
	assert.Equal(t, 320, total)
	assert.Equal(t, 12*time.Millisecond, packets[2].header.Position)
}

func TestPCMEncoderQoS(t *testing.T) {
	e, err := NewPCMEncoder(rampSource(t, 4), voiceQuality, 50)
	require.NoError(t, err)

	desc := e.QoSDescription(rtp.HeaderSize, rtp.MaxPacketSize, 0)
	require.Len(t, desc.Layers, 1)
	assert.Equal(t, 16000+50*(rtp.HeaderSize+PCMHeaderSize), desc.Layers[0].Bandwidth)
	assert.Equal(t, 20*time.Millisecond, desc.Layers[0].BufferDelay)

	interval, reservations, ok := e.CheckInterval()
	assert.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, interval)
	require.Len(t, reservations, 1)
	assert.Equal(t, 16000, reservations[0].Bandwidth)

	_, _, ok = e.CheckInterval()
	assert.False(t, ok)

	require.NoError(t, e.SetQuality(audio.Quality{SampleRate: 16000, Bits: 16, Channels: 2}))
	_, reservations, ok = e.CheckInterval()
	assert.True(t, ok)
	assert.Equal(t, 64000, reservations[0].Bandwidth)
}

func TestPCMEncoderSeek(t *testing.T) {
	e, err := NewPCMEncoder(rampSource(t, 16000), voiceQuality, 50)
	require.NoError(t, err)

	require.True(t, e.PrepareNextFrame(rtp.HeaderSize, rtp.MaxPacketSize))
	drainFrame(t, e)

	require.NoError(t, e.Seek(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, e.Position())

	require.True(t, e.PrepareNextFrame(rtp.HeaderSize, rtp.MaxPacketSize))
	packets := drainFrame(t, e)
	require.NotEmpty(t, packets)
	assert.Equal(t, PCMFlagRestart, packets[0].header.Flags)
	assert.True(t, packets[0].marker)
	assert.Equal(t, 250*time.Millisecond, packets[0].header.Position)
	assert.Equal(t, 500*time.Millisecond, packets[0].header.MaxPosition)
}

func TestPCMStreamOverLoopback(t *testing.T) {
	recvConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer recvConn.Close()
	sendConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sendConn.Close()

	sink := audio.NewNullSink()
	decoder, err := NewPCMDecoder(sink)
	require.NoError(t, err)
	decoder.Activate()

	receiver, err := rtp.NewReceiver(recvConn, decoder, rtp.DefaultReceiverConfig())
	require.NoError(t, err)
	require.NoError(t, receiver.Start())
	defer receiver.Stop()

	encoder, err := NewPCMEncoder(rampSource(t, 16000), voiceQuality, 50)
	require.NoError(t, err)
	sender, err := rtp.NewSender(sendConn, recvConn.LocalAddr(), encoder, rtp.DefaultSenderConfig())
	require.NoError(t, err)
	require.NoError(t, sender.Start())
	defer sender.Stop()

	assert.Eventually(t, func() bool {
		return sink.Written() >= 1280
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, voiceQuality.SampleRate, sink.Quality().SampleRate)
	assert.Greater(t, decoder.Position(), time.Duration(0))
	assert.Equal(t, time.Second/2, decoder.MaxPosition())
	assert.Greater(t, receiver.Stats().SenderReports, uint64(0))
}
