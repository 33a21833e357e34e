package rtp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/pool/pbytes"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// PacketDecoder is the part of a decoder the receive loop talks to.
type PacketDecoder interface {
	// CheckNextPacket reports whether the packet belongs to the decoder and
	// sets its Layer and Layers. RTCP sender reports must be rejected.
	CheckNextPacket(pkt *Packet) bool

	// HandleNextPacket consumes an accepted packet. The payload is only
	// valid during the call.
	HandleNextPacket(pkt *Packet)
}

// ReportSource supplies the report blocks of an RTCP receiver report.
type ReportSource interface {
	ReceptionReports() []rtcp.ReceptionReport
	ActiveSenders() int
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Sequence     SequenceConfig
	ReadTimeout  time.Duration // Poll period for the stop flag
	BufferSize   int           // Largest datagram accepted
	Capture      *Capture      // Optional pcap dump of every datagram
	TimeProvider TimeProvider
}

// DefaultReceiverConfig returns the default receiver configuration.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Sequence:    DefaultSequenceConfig(),
		ReadTimeout: 100 * time.Millisecond,
		BufferSize:  MaxPacketSize,
	}
}

// FlowInfo describes the peer flow the last delivered packet came from.
type FlowInfo struct {
	Addr        net.Addr
	SSRC        uint32
	PayloadType uint8
	LastSeen    time.Time
}

// ReceiverStats counts what the receive loop did with each datagram.
type ReceiverStats struct {
	Datagrams     uint64
	Delivered     uint64
	Invalid       uint64
	Malformed     uint64
	Rejected      uint64
	BadLayer      uint64
	SenderReports uint64
	Bytes         uint64
	Flow          FlowInfo
}

// Receiver runs the receive loop of one RTP session socket. It routes
// accepted packets to the decoder and keeps a SourceState per layer.
type Receiver struct {
	conn   net.PacketConn
	config ReceiverConfig

	// swapMu is held while a packet is checked and delivered.
	swapMu  sync.Mutex
	decoder PacketDecoder

	layers [MaxQualityLayers]*LayerState

	statsMu sync.Mutex
	stats   ReceiverStats

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	err     error
}

// NewReceiver creates a receiver reading conn and feeding decoder.
//
// Parameters:
//   - conn: socket RTP and the peer's sender reports arrive on
//   - decoder: initial decoder
//   - config: receiver configuration
//
// Returns:
//   - *Receiver: stopped receiver, call Start to run it
//   - error: ErrNilConn or ErrNilDecoder
func NewReceiver(conn net.PacketConn, decoder PacketDecoder, config ReceiverConfig) (*Receiver, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	if decoder == nil {
		return nil, ErrNilDecoder
	}

	def := DefaultReceiverConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.TimeProvider == nil {
		config.TimeProvider = defaultTimeProvider
	}

	r := &Receiver{
		conn:    conn,
		config:  config,
		decoder: decoder,
	}
	for i := range r.layers {
		r.layers[i] = NewLayerState(i, config.Sequence)
		r.layers[i].With(func(s *SourceState) {
			s.SetTimeProvider(config.TimeProvider)
		})
	}
	return r, nil
}

// Start launches the receive loop.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	r.err = nil
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function":   "Receiver.Start",
		"local_addr": r.conn.LocalAddr().String(),
	}).Info("Starting RTP receiver")

	go r.run(r.stop, r.done)
	return nil
}

// Stop signals the loop, interrupts the pending read and waits for the
// loop to exit. The socket is left open.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	_ = r.conn.SetReadDeadline(time.Now())
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.Stop",
	}).Info("RTP receiver stopped")
}

// Done returns a channel closed when the loop exits, or nil before Start.
func (r *Receiver) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the socket error that terminated the loop, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Running reports whether the loop is active.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Receiver) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := pbytes.GetLen(r.config.BufferSize)
	defer pbytes.Put(buf)

	for {
		select {
		case <-stop:
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if IsTransient(err) {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			r.fail(err)
			return
		}

		r.handleDatagram(buf[:n], addr, r.config.TimeProvider.Now())
	}
}

// fail records a terminal socket error.
func (r *Receiver) fail(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Receiver.run",
		"error":    err.Error(),
	}).Error("RTP receive loop terminated by socket error")

	r.mu.Lock()
	r.err = err
	r.running = false
	r.mu.Unlock()
}

func (r *Receiver) handleDatagram(raw []byte, addr net.Addr, arrival time.Time) {
	r.statsMu.Lock()
	r.stats.Datagrams++
	r.statsMu.Unlock()

	if c := r.config.Capture; c != nil {
		if err := c.Record(raw, addr, r.conn.LocalAddr(), arrival); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.handleDatagram",
				"error":    err.Error(),
			}).Debug("Capture write failed")
		}
	}

	pkt, err := ParsePacket(raw)
	if err != nil {
		if errors.Is(err, ErrPacketTooShort) && IsRTCP(raw) {
			r.handleSenderReport(raw)
			return
		}
		r.count(func(s *ReceiverStats) { s.Malformed++ })
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"size":     len(raw),
			"error":    err.Error(),
		}).Debug("Dropping malformed packet")
		return
	}
	pkt.Received = arrival
	pkt.Source = addr

	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	if !r.decoder.CheckNextPacket(pkt) {
		r.handleSenderReport(raw)
		return
	}

	if pkt.Layers <= 0 {
		pkt.Layers = 1
	}
	if pkt.Layer < 0 || pkt.Layer >= pkt.Layers || pkt.Layers > MaxQualityLayers {
		r.count(func(s *ReceiverStats) { s.BadLayer++ })
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"layer":    pkt.Layer,
			"layers":   pkt.Layers,
		}).Debug("Dropping packet with invalid layer")
		return
	}

	ls := r.layers[pkt.Layer]
	var result Validity
	ls.With(func(s *SourceState) {
		s.SetSSRC(pkt.SSRC)
		s.SetClockRate(pkt.ClockRate)
		result = s.ValidateAt(pkt.SequenceNumber, pkt.Timestamp, arrival)
	})

	if result == PacketInvalid {
		r.count(func(s *ReceiverStats) { s.Invalid++ })
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"layer":    pkt.Layer,
			"seq":      pkt.SequenceNumber,
			"ssrc":     pkt.SSRC,
		}).Debug("Dropping packet rejected by sequence validation")
		return
	}

	r.decoder.HandleNextPacket(pkt)

	ls.With(func(s *SourceState) { s.Record(len(pkt.Payload)) })
	ls.Activate()

	r.count(func(s *ReceiverStats) {
		s.Delivered++
		s.Bytes += uint64(len(pkt.Payload))
		s.Flow = FlowInfo{
			Addr:        addr,
			SSRC:        pkt.SSRC,
			PayloadType: pkt.PayloadType,
			LastSeen:    arrival,
		}
	})
}

// handleSenderReport records the LSR of every layer whose SSRC matches the
// report sender. Anything that is not a sender report is counted and dropped.
func (r *Receiver) handleSenderReport(raw []byte) {
	sr, err := ParseSenderReport(raw)
	if err != nil {
		r.count(func(s *ReceiverStats) { s.Rejected++ })
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleSenderReport",
			"size":     len(raw),
			"error":    err.Error(),
		}).Debug("Dropping packet not accepted by decoder")
		return
	}

	lsr := NTPMiddle(sr.NTPTime)
	matched := 0
	for _, ls := range r.layers {
		if !ls.Active() {
			continue
		}
		ls.With(func(s *SourceState) {
			if s.SSRC() == sr.SSRC {
				s.SetLSR(lsr)
				matched++
			}
		})
	}

	r.count(func(s *ReceiverStats) { s.SenderReports++ })
	logrus.WithFields(logrus.Fields{
		"function": "Receiver.handleSenderReport",
		"ssrc":     sr.SSRC,
		"packets":  sr.PacketCount,
		"octets":   sr.OctetCount,
		"matched":  matched,
	}).Debug("Sender report received")
}

func (r *Receiver) count(fn func(s *ReceiverStats)) {
	r.statsMu.Lock()
	fn(&r.stats)
	r.statsMu.Unlock()
}

// Synchronize blocks packet delivery until Unsynchronize. Use it around
// decoder swaps and resets.
func (r *Receiver) Synchronize() {
	r.swapMu.Lock()
}

// Unsynchronize resumes packet delivery.
func (r *Receiver) Unsynchronize() {
	r.swapMu.Unlock()
}

// ReplaceDecoder swaps the decoder. The caller must hold Synchronize.
func (r *Receiver) ReplaceDecoder(decoder PacketDecoder) {
	if decoder != nil {
		r.decoder = decoder
	}
}

// SetDecoder swaps the decoder under the swap lock.
func (r *Receiver) SetDecoder(decoder PacketDecoder) {
	r.Synchronize()
	defer r.Unsynchronize()
	r.ReplaceDecoder(decoder)
}

// Layer returns the state slot of layer i, or nil when out of range.
func (r *Receiver) Layer(i int) *LayerState {
	if i < 0 || i >= MaxQualityLayers {
		return nil
	}
	return r.layers[i]
}

// Sources returns snapshots of every active layer.
func (r *Receiver) Sources() []SourceSnapshot {
	var out []SourceSnapshot
	for _, ls := range r.layers {
		if ls.Active() {
			out = append(out, ls.Snapshot())
		}
	}
	return out
}

// ReceptionReports builds one report block per active layer and starts a
// new loss interval on each.
func (r *Receiver) ReceptionReports() []rtcp.ReceptionReport {
	var reports []rtcp.ReceptionReport
	for _, ls := range r.layers {
		if !ls.Active() {
			continue
		}
		ls.With(func(s *SourceState) {
			reports = append(reports, s.ReceptionReport())
		})
	}
	return reports
}

// ActiveSenders returns the number of distinct SSRCs seen on active layers.
func (r *Receiver) ActiveSenders() int {
	seen := make(map[uint32]struct{}, MaxQualityLayers)
	for _, ls := range r.layers {
		if !ls.Active() {
			continue
		}
		ls.With(func(s *SourceState) { seen[s.SSRC()] = struct{}{} })
	}
	return len(seen)
}

// ResetSources clears every layer slot.
func (r *Receiver) ResetSources() {
	for _, ls := range r.layers {
		ls.Reset()
	}
}

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() ReceiverStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// LocalAddr returns the address the receiver reads from.
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}
