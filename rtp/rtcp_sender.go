package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// RTCPSenderConfig configures an RTCPSender.
type RTCPSenderConfig struct {
	SSRC          uint32  // Local SSRC; 0 picks a random one
	RTCPBandwidth float64 // Bytes per second shared by all RTCP traffic
	Members       int     // Minimum session size assumed for the interval
	WeSent        bool    // Whether this side also sends RTP
	Random        func() float64
	TimeProvider  TimeProvider
}

// DefaultRTCPSenderConfig returns 5% of a 64 kbit/s session as RTCP
// bandwidth and a two party session.
func DefaultRTCPSenderConfig() RTCPSenderConfig {
	return RTCPSenderConfig{
		RTCPBandwidth: 64000 / 8 * 0.05,
		Members:       2,
	}
}

// RTCPSenderStats counts what the report task sent.
type RTCPSenderStats struct {
	Reports      uint64
	Apps         uint64
	Byes         uint64
	Bytes        uint64
	Errors       uint64
	AverageSize  float64
	LastInterval time.Duration
	LastSent     time.Time
}

// RTCPSender periodically sends receiver reports and SDES items for the
// layers of a ReportSource, and sends APP and BYE packets on request.
//
// The report period is recomputed after every report from the session size
// and the running average compound packet size.
type RTCPSender struct {
	conn   net.PacketConn
	remote net.Addr
	source ReportSource
	config RTCPSenderConfig
	ssrc   uint32
	latch  *ErrorLatch

	// sendMu serializes writes from the timer goroutine and API callers.
	sendMu sync.Mutex

	mu      sync.Mutex
	sdes    map[rtcp.SDESType]string
	reports []rtcp.ReceptionReport // blocks of the last periodic report
	initial bool
	stats   RTCPSenderStats
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// RandomSSRC returns a random SSRC.
func RandomSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate SSRC: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// NewRTCPSender creates a report task sending from conn to remote.
//
// Parameters:
//   - conn: control socket
//   - remote: peer control address
//   - source: provider of reception report blocks, usually the Receiver
//   - config: sender configuration
//
// Returns:
//   - *RTCPSender: stopped report task
//   - error: on nil arguments or SSRC generation failure
func NewRTCPSender(conn net.PacketConn, remote net.Addr, source ReportSource, config RTCPSenderConfig) (*RTCPSender, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	if remote == nil {
		return nil, ErrNilAddr
	}

	def := DefaultRTCPSenderConfig()
	if config.RTCPBandwidth <= 0 {
		config.RTCPBandwidth = def.RTCPBandwidth
	}
	if config.Members <= 0 {
		config.Members = def.Members
	}
	if config.TimeProvider == nil {
		config.TimeProvider = defaultTimeProvider
	}

	ssrc := config.SSRC
	if ssrc == 0 {
		var err error
		if ssrc, err = RandomSSRC(); err != nil {
			return nil, err
		}
	}

	s := &RTCPSender{
		conn:    conn,
		remote:  remote,
		source:  source,
		config:  config,
		ssrc:    ssrc,
		latch:   NewErrorLatch("RTCPSender.send"),
		sdes:    make(map[rtcp.SDESType]string),
		initial: true,
	}
	s.stats.AverageSize = RTCPInitialAverageSize

	logrus.WithFields(logrus.Fields{
		"function": "NewRTCPSender",
		"ssrc":     ssrc,
		"remote":   remote.String(),
	}).Debug("RTCP sender created")

	return s, nil
}

// SSRC returns the local SSRC reports are sent with.
func (s *RTCPSender) SSRC() uint32 {
	return s.ssrc
}

// SetSDES sets the SDES item of the given type, replacing any previous value.
func (s *RTCPSender) SetSDES(itemType rtcp.SDESType, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdes[itemType] = value
}

// SDES returns the value of an SDES item.
func (s *RTCPSender) SDES(itemType rtcp.SDESType) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sdes[itemType]
	return v, ok
}

// Start launches the report task.
func (s *RTCPSender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function": "RTCPSender.Start",
		"ssrc":     s.ssrc,
	}).Info("Starting RTCP report task")

	go s.run(s.stop, s.done)
	return nil
}

// Stop ends the report task and waits for it.
func (s *RTCPSender) Stop() {
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
		"function": "RTCPSender.Stop",
		"ssrc":     s.ssrc,
	}).Info("RTCP report task stopped")
}

func (s *RTCPSender) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.NextInterval())
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			s.SendReport()
			timer.Reset(s.NextInterval())
		}
	}
}

// NextInterval computes the delay until the next report and clears the
// initial flag.
func (s *RTCPSender) NextInterval() time.Duration {
	senders := 0
	if s.source != nil {
		senders = s.source.ActiveSenders()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members := max(s.config.Members, senders+1)
	if s.config.WeSent {
		senders++
	}
	params := IntervalParams{
		RTCPBandwidth:   s.config.RTCPBandwidth,
		AverageRTCPSize: s.stats.AverageSize,
		Members:         members,
		Senders:         senders,
		WeSent:          s.config.WeSent,
		Initial:         s.initial,
	}
	s.initial = false

	interval := ComputeTransmissionInterval(params, s.config.Random)
	s.stats.LastInterval = interval
	return interval
}

// SendReport sends one RR + SDES compound packet.
func (s *RTCPSender) SendReport() {
	if err := s.send(s.receiverReport(true), s.sourceDescription()); err != nil {
		return
	}
	s.mu.Lock()
	s.stats.Reports++
	s.mu.Unlock()
}

// SendApp sends an RR + SDES + APP compound packet immediately.
func (s *RTCPSender) SendApp(name string, data []byte) error {
	app := &AppPacket{SSRC: s.ssrc, Name: name, Data: data}
	if len(name) != 4 {
		return ErrInvalidAppName
	}
	if err := s.send(s.receiverReport(false), s.sourceDescription(), app); err != nil {
		return fmt.Errorf("send APP %q: %w", name, err)
	}

	s.mu.Lock()
	s.stats.Apps++
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RTCPSender.SendApp",
		"name":     name,
		"size":     len(data),
	}).Debug("APP packet sent")
	return nil
}

// SendBye sends an RR + BYE compound packet immediately.
func (s *RTCPSender) SendBye(reason string) error {
	bye := &rtcp.Goodbye{Sources: []uint32{s.ssrc}, Reason: reason}
	if err := s.send(s.receiverReport(false), bye); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}

	s.mu.Lock()
	s.stats.Byes++
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RTCPSender.SendBye",
		"ssrc":     s.ssrc,
		"reason":   reason,
	}).Info("BYE sent")
	return nil
}

// receiverReport builds the RR of a compound. Only periodic reports take
// fresh blocks, since building one closes the fraction-lost interval; APP
// and BYE compounds repeat the blocks of the last periodic report.
func (s *RTCPSender) receiverReport(fresh bool) rtcp.Packet {
	rr := &rtcp.ReceiverReport{SSRC: s.ssrc}
	if !fresh {
		s.mu.Lock()
		rr.Reports = append([]rtcp.ReceptionReport(nil), s.reports...)
		s.mu.Unlock()
		return rr
	}

	if s.source != nil {
		rr.Reports = s.source.ReceptionReports()
	}
	if len(rr.Reports) > MaxQualityLayers {
		rr.Reports = rr.Reports[:MaxQualityLayers]
	}
	s.mu.Lock()
	s.reports = append(s.reports[:0], rr.Reports...)
	s.mu.Unlock()
	return rr
}

// sourceDescription returns the SDES chunk of the local source, or nil
// when no item is set.
func (s *RTCPSender) sourceDescription() rtcp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sdes) == 0 {
		return nil
	}
	types := make([]rtcp.SDESType, 0, len(s.sdes))
	for t := range s.sdes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	items := make([]rtcp.SourceDescriptionItem, 0, len(types))
	for _, t := range types {
		items = append(items, rtcp.SourceDescriptionItem{Type: t, Text: s.sdes[t]})
	}
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{Source: s.ssrc, Items: items}},
	}
}

// send marshals and writes a compound packet. Transient errors are dropped
// silently; others are reported once through the latch.
func (s *RTCPSender) send(packets ...rtcp.Packet) error {
	compound := make([]rtcp.Packet, 0, len(packets))
	for _, p := range packets {
		if p != nil {
			compound = append(compound, p)
		}
	}

	raw, err := MarshalCompound(compound...)
	if err != nil {
		s.latch.Report(err, logrus.Fields{"stage": "marshal"})
		return err
	}

	s.sendMu.Lock()
	_, err = s.conn.WriteTo(raw, s.remote)
	s.sendMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.Errors++
		s.latch.Report(err, logrus.Fields{"remote": s.remote.String()})
		return err
	}
	s.stats.Bytes += uint64(len(raw))
	s.stats.AverageSize = UpdateAverageRTCPSize(s.stats.AverageSize, len(raw))
	s.stats.LastSent = s.config.TimeProvider.Now()
	return nil
}

// Stats returns a snapshot of the send counters.
func (s *RTCPSender) Stats() RTCPSenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
