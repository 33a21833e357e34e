package rtpaudio

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/codec"
	"github.com/opd-ai/rtpaudio/control"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// helloRetry is how long the client waits for the first media packet
// before it repeats its HELO.
const helloRetry = time.Second

// State is the playback state of a Client.
type State int

const (
	// StateStopped means no session exists
	StateStopped State = iota
	// StatePlaying means a session is open and streaming
	StatePlaying
	// StatePaused means a session is open and the server holds the stream
	StatePaused
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Statistics is a snapshot of the client session for display.
type Statistics struct {
	State       State
	Server      string
	Media       string
	Encoding    codec.Encoding
	Quality     audio.Quality
	Position    time.Duration
	MaxPosition time.Duration
	MediaInfo   codec.MediaInfo
	ErrorCode   codec.ErrorCode

	Sources  []rtp.SourceSnapshot
	Receiver rtp.ReceiverStats
	RTCP     rtp.RTCPSenderStats
	Decoder  codec.DecoderStats

	// Playout is set when the sink is a playout buffer.
	Playout    audio.PlayoutStats
	HasPlayout bool

	Metrics StreamMetrics
}

type decoderStats interface {
	Stats() codec.DecoderStats
}

type playoutStats interface {
	Stats() audio.PlayoutStats
}

// Client plays media from a server. It owns the session sockets, the
// receive loop, the report task and one decoder per encoding; sessions
// are created by Play and destroyed by Stop.
type Client struct {
	options *Options
	sink    audio.Sink
	repo    *codec.Repository
	monitor *QualityMonitor
	clock   TimeProvider

	mu        sync.Mutex
	state     State
	server    *net.UDPAddr
	media     string
	encoding  codec.Encoding
	quality   audio.Quality
	sequence  uint32
	position  time.Duration // Restart position of the last change
	changedAt time.Time
	eofAt     time.Time
	lastHello time.Time

	transport *rtp.Transport
	receiver  *rtp.Receiver
	reporter  *rtp.RTCPSender
	decoder   codec.Decoder
}

// NewClient creates a stopped client writing decoded audio to sink.
//
// Parameters:
//   - sink: output, usually an audio.PlayoutBuffer in front of a device
//   - options: client configuration, nil for NewOptions()
//
// Returns:
//   - *Client: the client
//   - error: ErrNilSink or an invalid default quality
func NewClient(sink audio.Sink, options *Options) (*Client, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if options == nil {
		options = NewOptions()
	}
	if options.TimeProvider == nil {
		options.TimeProvider = DefaultTimeProvider{}
	}
	if err := options.Quality.Validate(); err != nil {
		return nil, fmt.Errorf("client quality: %w", err)
	}

	repo, err := codec.NewRepository(sink)
	if err != nil {
		return nil, fmt.Errorf("create decoders: %w", err)
	}
	if _, err := repo.Get(options.Encoding); err != nil {
		return nil, err
	}

	monitor := NewQualityMonitor(options.Thresholds)
	monitor.SetTimeProvider(options.TimeProvider)

	return &Client{
		options:  options,
		sink:     sink,
		repo:     repo,
		monitor:  monitor,
		clock:    options.TimeProvider,
		encoding: options.Encoding,
		quality:  options.Quality,
	}, nil
}

// Monitor returns the quality monitor fed by Statistics.
func (c *Client) Monitor() *QualityMonitor {
	return c.monitor
}

// State returns the playback state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// resolve turns "host" or "host:port" into a usable UDP address.
func (c *Client) resolve(server string) (*net.UDPAddr, error) {
	if server == "" {
		return nil, ErrInvalidAddress
	}
	hostPort := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		hostPort = net.JoinHostPort(server, strconv.Itoa(c.options.ServerPort))
	}
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if addr.IP == nil || addr.IP.IsUnspecified() || addr.Port == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return addr, nil
}

// Play opens a session to server and requests media from its start. A
// running session is stopped first. On failure Play returns false and the
// client stays stopped with nothing left open.
func (c *Client) Play(server, media string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := logrus.WithFields(logrus.Fields{
		"function": "Client.Play",
		"server":   server,
		"media":    media,
	})

	c.stopLocked()

	if media == "" {
		logger.WithError(ErrEmptyMediaName).Warn("Play rejected")
		return false
	}
	addr, err := c.resolve(server)
	if err != nil {
		logger.WithError(err).Warn("Play rejected")
		return false
	}

	if err := c.openSession(addr); err != nil {
		logger.WithError(err).Error("Failed to open session")
		return false
	}

	c.state = StatePlaying
	c.server = addr
	c.media = media
	c.position = 0
	c.changedAt = c.clock.Now()
	c.eofAt = time.Time{}
	c.monitor.Reset()

	if err := c.sendHelloLocked(control.FlagRestart); err != nil {
		logger.WithError(err).Error("Failed to send HELO")
		c.stopLocked()
		return false
	}

	logger.WithFields(logrus.Fields{
		"data_port": c.transport.DataPort(),
		"encoding":  c.encoding.String(),
		"quality":   c.quality.String(),
	}).Info("Playback started")
	return true
}

// openSession creates and starts the transport and both tasks. Nothing
// stays open when it fails.
func (c *Client) openSession(server *net.UDPAddr) (err error) {
	decoder, err := c.repo.Get(c.encoding)
	if err != nil {
		return err
	}

	transport, err := rtp.ListenTransport(c.options.LocalHost, c.options.Multiplexed)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			transport.Close()
		}
	}()

	rcfg := c.options.Receiver
	rcfg.TimeProvider = c.clock
	receiver, err := rtp.NewReceiver(transport.DataConn(), decoder, rcfg)
	if err != nil {
		return err
	}

	scfg := c.options.RTCP
	scfg.TimeProvider = c.clock
	reporter, err := rtp.NewRTCPSender(transport.ControlConn(), server, receiver, scfg)
	if err != nil {
		return err
	}
	reporter.SetSDES(rtcp.SDESCNAME, c.options.CNAME())
	reporter.SetSDES(rtcp.SDESTool, "rtpaudio")

	c.repo.ResetAll()
	decoder.Activate()

	if err = receiver.Start(); err != nil {
		return err
	}
	if err = reporter.Start(); err != nil {
		receiver.Stop()
		return err
	}

	c.transport = transport
	c.receiver = receiver
	c.reporter = reporter
	c.decoder = decoder
	return nil
}

// Stop sends BYE, stops both tasks, closes the sockets, resets the
// decoders and flushes the sink. Stopping a stopped client does nothing.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Client) stopLocked() {
	if c.state == StateStopped {
		return
	}

	if err := c.reporter.SendBye("stop"); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Stop",
			"error":    err.Error(),
		}).Debug("BYE not sent")
	}
	c.reporter.Stop()
	c.receiver.Stop()
	if err := c.transport.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Stop",
			"error":    err.Error(),
		}).Warn("Closing session sockets failed")
	}

	c.repo.ResetAll()
	c.sink.Sync()

	logrus.WithFields(logrus.Fields{
		"function": "Client.Stop",
		"media":    c.media,
	}).Info("Playback stopped")

	c.state = StateStopped
	c.transport = nil
	c.receiver = nil
	c.reporter = nil
	c.decoder = nil
	c.server = nil
}

// Pause asks the server to hold the stream.
func (c *Client) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return ErrNotPlaying
	}
	c.state = StatePaused
	return c.sendHelloLocked(0)
}

// Resume continues a paused stream. Audio buffered before the pause is
// discarded.
func (c *Client) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return ErrNotPlaying
	}
	c.sink.Sync()
	c.state = StatePlaying
	return c.sendHelloLocked(0)
}

// Change switches to other media on the open session.
func (c *Client) Change(media string) error {
	if media == "" {
		return ErrEmptyMediaName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return ErrNotPlaying
	}
	c.media = media
	return c.restartLocked(0)
}

// Seek restarts the current media at pos.
func (c *Client) Seek(pos time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return ErrNotPlaying
	}
	return c.restartLocked(max(pos, 0))
}

// restartLocked resets the decoder and requests the media from pos.
func (c *Client) restartLocked(pos time.Duration) error {
	c.position = pos
	c.changedAt = c.clock.Now()
	c.eofAt = time.Time{}

	c.receiver.Synchronize()
	c.decoder.Reset()
	c.receiver.Unsynchronize()

	return c.sendHelloLocked(control.FlagRestart)
}

// SetEncoding selects the payload encoding. On an open session the
// decoder is swapped while packet delivery is held.
func (c *Client) SetEncoding(enc codec.Encoding) error {
	decoder, err := c.repo.Get(enc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.encoding = enc
	if c.state == StateStopped || decoder == c.decoder {
		return nil
	}

	c.receiver.Synchronize()
	c.decoder.Deactivate()
	c.decoder.Reset()
	c.receiver.ReplaceDecoder(decoder)
	decoder.Reset()
	decoder.Activate()
	c.receiver.Unsynchronize()
	c.decoder = decoder

	logrus.WithFields(logrus.Fields{
		"function": "Client.SetEncoding",
		"encoding": enc.String(),
	}).Info("Decoder switched")

	return c.sendHelloLocked(0)
}

// SetSamplingRate changes the requested sample rate.
func (c *Client) SetSamplingRate(rate int) error {
	return c.updateQuality(func(q *audio.Quality) { q.SampleRate = rate })
}

// SetBits changes the requested sample width.
func (c *Client) SetBits(bits int) error {
	return c.updateQuality(func(q *audio.Quality) { q.Bits = bits })
}

// SetChannels changes the requested channel count.
func (c *Client) SetChannels(channels int) error {
	return c.updateQuality(func(q *audio.Quality) { q.Channels = channels })
}

func (c *Client) updateQuality(fn func(q *audio.Quality)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.quality
	fn(&q)
	if err := q.Validate(); err != nil {
		return err
	}
	c.quality = q
	if c.state == StateStopped {
		return nil
	}
	return c.sendHelloLocked(0)
}

// Quality returns the requested quality.
func (c *Client) Quality() audio.Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Encoding returns the requested encoding.
func (c *Client) Encoding() codec.Encoding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoding
}

// Position returns the playback position. Within RestartDelay of a change
// the requested restart position is returned instead of the decoder's,
// since packets of the old position may still be in flight.
func (c *Client) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *Client) positionLocked() time.Duration {
	if c.state == StateStopped {
		return 0
	}
	if c.clock.Since(c.changedAt) < c.options.RestartDelay {
		return c.position
	}
	return c.decoder.Position()
}

// sendHelloLocked sends the complete client status in an APP packet.
func (c *Client) sendHelloLocked(flags control.Flags) error {
	if c.state == StatePaused {
		flags |= control.FlagPause
	}
	if c.options.ServerRepeat {
		flags |= control.FlagRepeat
	}

	hello := &control.HelloPacket{
		Flags:      flags,
		Encoding:   uint8(c.encoding),
		Bits:       uint8(c.quality.Bits),
		Channels:   uint8(c.quality.Channels),
		DataPort:   uint16(c.transport.DataPort()),
		SampleRate: uint32(c.quality.SampleRate),
		Sequence:   c.sequence,
		Position:   c.position,
		MediaName:  c.media,
	}
	data, err := control.SerializeHello(hello)
	if err != nil {
		return err
	}
	c.sequence++
	c.lastHello = c.clock.Now()

	return c.reporter.SendApp(control.AppName, data)
}

// Statistics returns a snapshot of the session and feeds the quality
// monitor. The monitor callback runs without the client lock held.
func (c *Client) Statistics() Statistics {
	stats, active := c.snapshot()
	if active {
		stats.Metrics = c.monitor.Monitor(stats.Sources)
	}
	return stats
}

func (c *Client) snapshot() (Statistics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Statistics{
		State:    c.state,
		Media:    c.media,
		Encoding: c.encoding,
		Quality:  c.quality,
	}
	if ps, ok := c.sink.(playoutStats); ok {
		stats.Playout = ps.Stats()
		stats.HasPlayout = true
	}
	if c.state == StateStopped {
		return stats, false
	}

	stats.Server = c.server.String()
	stats.Position = c.positionLocked()
	stats.MaxPosition = c.decoder.MaxPosition()
	stats.MediaInfo = c.decoder.MediaInfo()
	stats.ErrorCode = c.decoder.ErrorCode()
	stats.Sources = c.receiver.Sources()
	stats.Receiver = c.receiver.Stats()
	stats.RTCP = c.reporter.Stats()
	if ds, ok := c.decoder.(decoderStats); ok {
		stats.Decoder = ds.Stats()
	}
	return stats, true
}

// Poll checks the decoder and the receive loop and applies the error
// policy: EOF restarts the media after RepeatDelay when AutoRepeat is set,
// fatal codes and a dead receive loop stop the client, and a session
// that has not seen media yet repeats its HELO. It returns the code seen.
func (c *Client) Poll() codec.ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return codec.NoError
	}

	if err := c.receiver.Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Poll",
			"error":    err.Error(),
		}).Error("Receive loop terminated")
		c.stopLocked()
		return codec.UnrecoverableError
	}

	code := c.decoder.ErrorCode()
	switch {
	case code.IsFatal():
		logrus.WithFields(logrus.Fields{
			"function": "Client.Poll",
			"code":     code.String(),
		}).Error("Decoder reported a fatal error")
		c.stopLocked()

	case code == codec.EOF:
		c.handleEOFLocked()

	case code == codec.NoMedia && c.state == StatePlaying:
		if c.clock.Since(c.lastHello) >= helloRetry {
			flags := control.Flags(0)
			if c.clock.Since(c.changedAt) < c.options.RestartDelay {
				flags = control.FlagRestart
			}
			if err := c.sendHelloLocked(flags); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Client.Poll",
					"error":    err.Error(),
				}).Warn("HELO retry failed")
			}
		}
	}
	return code
}

func (c *Client) handleEOFLocked() {
	now := c.clock.Now()
	if c.eofAt.IsZero() {
		c.eofAt = now
		logrus.WithFields(logrus.Fields{
			"function": "Client.Poll",
			"media":    c.media,
		}).Info("End of media")
	}
	if !c.options.AutoRepeat || c.options.ServerRepeat || c.state != StatePlaying {
		return
	}
	if now.Sub(c.eofAt) < c.options.RepeatDelay {
		return
	}
	if err := c.restartLocked(0); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Poll",
			"error":    err.Error(),
		}).Warn("Repeat request failed")
	}
}

// Run polls until ctx is done, then stops the client.
func (c *Client) Run(ctx context.Context) error {
	interval := c.options.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-ticker.C:
			c.Poll()
		}
	}
}
