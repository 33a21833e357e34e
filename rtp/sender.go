package rtp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/pool/pbytes"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// LayerQoS describes the resources one layer of an encoding needs.
type LayerQoS struct {
	Bandwidth     int // Bytes per second including RTP headers
	BufferDelay   time.Duration
	MaxPacketSize int
}

// QoSDescription describes a layered encoding, one entry per layer.
type QoSDescription struct {
	Layers []LayerQoS
}

// Reservation is a per-layer network resource reservation.
type Reservation struct {
	Layer     int
	Bandwidth int
	Label     uint32
}

// EncoderPacket is filled by FrameEncoder.NextPacket. Buffer is the payload
// area following the RTP header.
type EncoderPacket struct {
	Buffer      []byte
	Layer       int
	PayloadType uint8
	Marker      bool
}

// FrameEncoder is the encoder side the send task pulls packets from.
type FrameEncoder interface {
	QoSDescription(headerSize, maxPacketSize, offset int) QoSDescription
	UpdateQuality(desc QoSDescription)
	// CheckInterval returns a new send period and reservation list when the
	// encoder wants them changed.
	CheckInterval() (time.Duration, []Reservation, bool)
	PrepareNextFrame(headerSize, maxPacketSize int) bool
	// NextPacket writes the next payload into pkt.Buffer and returns its
	// size; 0 ends the frame.
	NextPacket(pkt *EncoderPacket) int
	FrameRate() int
	// ClockRate is the RTP timestamp clock in Hz.
	ClockRate() int
}

// Reserver renews network reservations for the layers of a stream.
type Reserver interface {
	Renew(reservations []Reservation) error
}

// LogReserver is a Reserver that only logs. It is the default.
type LogReserver struct{}

// Renew logs the reservations.
func (LogReserver) Renew(reservations []Reservation) error {
	for _, r := range reservations {
		logrus.WithFields(logrus.Fields{
			"function":  "LogReserver.Renew",
			"layer":     r.Layer,
			"bandwidth": r.Bandwidth,
			"label":     r.Label,
		}).Debug("Renewing reservation")
	}
	return nil
}

// maxConsecutiveSendErrors is the number of failed sends in a row after
// which the send task gives up.
const maxConsecutiveSendErrors = 50

// SenderConfig configures a Sender.
type SenderConfig struct {
	SSRC          uint32 // Base SSRC; layer i uses SSRC+i. 0 picks a random one
	MaxPacketSize int
	ShapeTraffic  bool
	Reserver      Reserver
	TimeProvider  TimeProvider
}

// DefaultSenderConfig returns the default sender configuration.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxPacketSize: MaxPacketSize,
		ShapeTraffic:  true,
	}
}

// SenderStats counts what the send task did.
type SenderStats struct {
	Packets   uint64
	Octets    uint64
	Frames    uint64
	Reports   uint64
	Shaped    uint64
	Errors    uint64
	Sequences [MaxQualityLayers]uint16
}

// Sender runs the periodic RTP send task of one stream.
type Sender struct {
	conn    net.PacketConn
	remote  net.Addr
	encoder FrameEncoder
	config  SenderConfig
	latch   *ErrorLatch

	mu           sync.Mutex
	seq          [MaxQualityLayers]uint16
	limiters     [MaxQualityLayers]*rate.Limiter
	reservations []Reservation
	stats        SenderStats
	start        time.Time
	paused       bool
	running      bool
	stop         chan struct{}
	done         chan struct{}
	err          error
	failures     int
}

// NewSender creates a send task writing to remote through conn.
func NewSender(conn net.PacketConn, remote net.Addr, encoder FrameEncoder, config SenderConfig) (*Sender, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	if remote == nil {
		return nil, ErrNilAddr
	}
	if encoder == nil {
		return nil, ErrNilEncoder
	}

	if config.MaxPacketSize <= HeaderSize || config.MaxPacketSize > MaxPacketSize {
		config.MaxPacketSize = MaxPacketSize
	}
	if config.Reserver == nil {
		config.Reserver = LogReserver{}
	}
	if config.TimeProvider == nil {
		config.TimeProvider = defaultTimeProvider
	}
	if config.SSRC == 0 {
		ssrc, err := RandomSSRC()
		if err != nil {
			return nil, err
		}
		config.SSRC = ssrc
	}

	s := &Sender{
		conn:    conn,
		remote:  remote,
		encoder: encoder,
		config:  config,
		latch:   NewErrorLatch("Sender.send"),
	}
	for i := range s.seq {
		s.seq[i] = uint16(config.SSRC >> (i * 2))
	}
	s.applyQoS(encoder.QoSDescription(HeaderSize, config.MaxPacketSize, 0))

	return s, nil
}

// SSRC returns the base SSRC of the stream.
func (s *Sender) SSRC() uint32 {
	return s.config.SSRC
}

// Remote returns the destination address.
func (s *Sender) Remote() net.Addr {
	return s.remote
}

// UpdateQuality hands a new description to the encoder and resizes the
// per-layer traffic shapers.
func (s *Sender) UpdateQuality(desc QoSDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoder.UpdateQuality(desc)
	s.applyQoS(desc)
}

// applyQoS rebuilds the limiters. The caller holds s.mu or owns s.
func (s *Sender) applyQoS(desc QoSDescription) {
	fps := max(1, s.encoder.FrameRate())
	for i := range s.limiters {
		s.limiters[i] = nil
		if !s.config.ShapeTraffic || i >= len(desc.Layers) || desc.Layers[i].Bandwidth <= 0 {
			continue
		}
		bw := desc.Layers[i].Bandwidth
		burst := max(2*bw/fps, s.config.MaxPacketSize)
		s.limiters[i] = rate.NewLimiter(rate.Limit(bw), burst)
	}
}

// Start launches the send task.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.err = nil
	s.failures = 0
	s.start = s.config.TimeProvider.Now()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function":   "Sender.Start",
		"ssrc":       s.config.SSRC,
		"remote":     s.remote.String(),
		"frame_rate": s.encoder.FrameRate(),
	}).Info("Starting RTP send task")

	go s.run(s.stop, s.done)
	return nil
}

// Stop ends the send task and waits for it.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "Sender.Stop",
		"ssrc":     s.config.SSRC,
	}).Info("RTP send task stopped")
}

// Pause suspends or resumes packet generation. Sender reports continue.
func (s *Sender) Pause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Done returns a channel closed when the task exits, or nil before Start.
func (s *Sender) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that stopped the task, if any.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns a snapshot of the send counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Sequences = s.seq
	return st
}

// frameInterval is the send period derived from the encoder frame rate.
func (s *Sender) frameInterval() time.Duration {
	return time.Second / time.Duration(max(1, s.encoder.FrameRate()))
}

func (s *Sender) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.frameInterval())
	defer ticker.Stop()

	for cycle := 0; ; cycle++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if interval, reservations, ok := s.encoder.CheckInterval(); ok {
			if interval > 0 {
				ticker.Reset(interval)
			}
			s.mu.Lock()
			s.reservations = reservations
			s.mu.Unlock()
			cycle = 0
		}

		if err := s.cycle(cycle); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sender.run",
				"ssrc":     s.config.SSRC,
				"error":    err.Error(),
			}).Error("RTP send task terminated")

			s.mu.Lock()
			s.err = err
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

// cycle runs one period: reservation renewal, sender report, one frame.
func (s *Sender) cycle(n int) error {
	if n%max(1, s.encoder.FrameRate()) == 0 {
		s.mu.Lock()
		reservations := s.reservations
		s.mu.Unlock()
		if err := s.config.Reserver.Renew(reservations); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sender.cycle",
				"error":    err.Error(),
			}).Warn("Reservation renewal failed")
		}
	}

	if err := s.sendReport(); err != nil {
		return err
	}

	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return nil
	}

	return s.sendFrame()
}

// timestamp returns the media timestamp for the current instant.
func (s *Sender) timestamp() uint32 {
	return MediaTimestamp(s.config.TimeProvider.Since(s.start), s.encoder.ClockRate())
}

func (s *Sender) sendReport() error {
	s.mu.Lock()
	sr := &rtcp.SenderReport{
		SSRC:        s.config.SSRC,
		NTPTime:     NTPTime(s.config.TimeProvider.Now()),
		RTPTime:     s.timestamp(),
		PacketCount: uint32(s.stats.Packets),
		OctetCount:  uint32(s.stats.Octets),
	}
	s.mu.Unlock()

	raw, err := sr.Marshal()
	if err != nil {
		return err
	}
	if err := s.write(raw); err != nil {
		if errors.Is(err, errSendSkipped) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.stats.Reports++
	s.mu.Unlock()
	return nil
}

func (s *Sender) sendFrame() error {
	if !s.encoder.PrepareNextFrame(HeaderSize, s.config.MaxPacketSize) {
		return nil
	}

	buf := pbytes.GetLen(s.config.MaxPacketSize)
	defer pbytes.Put(buf)

	ts := s.timestamp()
	for {
		ep := EncoderPacket{Buffer: buf[HeaderSize:]}
		n := s.encoder.NextPacket(&ep)
		if n <= 0 {
			break
		}
		if n > len(ep.Buffer) || ep.Layer < 0 || ep.Layer >= MaxQualityLayers {
			logrus.WithFields(logrus.Fields{
				"function": "Sender.sendFrame",
				"layer":    ep.Layer,
				"size":     n,
			}).Warn("Encoder produced an invalid packet")
			continue
		}

		size := HeaderSize + n
		s.mu.Lock()
		limiter := s.limiters[ep.Layer]
		seq := s.seq[ep.Layer]
		s.mu.Unlock()

		if limiter != nil && !limiter.AllowN(s.config.TimeProvider.Now(), size) {
			s.mu.Lock()
			s.stats.Shaped++
			s.mu.Unlock()
			continue
		}

		header := rtp.Header{
			Version:        2,
			Marker:         ep.Marker,
			PayloadType:    ep.PayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.config.SSRC + uint32(ep.Layer),
		}
		if _, err := header.MarshalTo(buf[:HeaderSize]); err != nil {
			return err
		}

		if err := s.write(buf[:size]); err != nil {
			if errors.Is(err, errSendSkipped) {
				break
			}
			return err
		}

		s.mu.Lock()
		s.seq[ep.Layer]++
		s.stats.Packets++
		s.stats.Octets += uint64(n)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.stats.Frames++
	s.mu.Unlock()
	return nil
}

// errSendSkipped marks a send that failed but does not stop the task.
var errSendSkipped = errors.New("send skipped")

// write sends raw to the remote. Transient and isolated failures return
// errSendSkipped; a closed socket or a persistent failure returns the error.
func (s *Sender) write(raw []byte) error {
	_, err := s.conn.WriteTo(raw, s.remote)
	if err == nil {
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		return nil
	}
	if IsTransient(err) {
		return errSendSkipped
	}

	s.mu.Lock()
	s.stats.Errors++
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.latch.Report(err, logrus.Fields{"remote": s.remote.String()})
	if errors.Is(err, net.ErrClosed) || failures >= maxConsecutiveSendErrors {
		return err
	}
	return errSendSkipped
}
