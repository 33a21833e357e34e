package rtpaudio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/pool/pbytes"
	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/codec"
	"github.com/opd-ai/rtpaudio/control"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// housekeepingInterval is the period of session expiry and repeat checks.
const housekeepingInterval = 250 * time.Millisecond

// SessionInfo describes one client session of a Server.
type SessionInfo struct {
	Client      string
	Destination string
	CNAME       string
	Media       string
	Quality     audio.Quality
	Position    time.Duration
	Paused      bool
	Repeat      bool
	Sent        rtp.SenderStats
	LastSeen    time.Time
}

type session struct {
	key      string
	dest     *net.UDPAddr
	media    string
	cname    string
	sequence uint32
	paused   bool
	repeat   bool
	lastSeen time.Time

	encoder *codec.PCMEncoder
	sender  *rtp.Sender
}

func (s *session) close() {
	s.sender.Stop()
	if err := s.encoder.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "session.close",
			"media":    s.media,
			"error":    err.Error(),
		}).Warn("Closing media failed")
	}
}

// Server streams catalog media to clients. Clients drive it exclusively
// through RTCP: a HELO APP packet opens or updates their session, BYE or
// silence for SessionTimeout closes it.
type Server struct {
	options *ServerOptions
	clock   TimeProvider

	mu       sync.Mutex
	conn     net.PacketConn
	running  bool
	sessions map[string]*session
}

// NewServer creates a server. A nil options uses NewServerOptions().
func NewServer(options *ServerOptions) *Server {
	if options == nil {
		options = NewServerOptions()
	}
	if options.TimeProvider == nil {
		options.TimeProvider = DefaultTimeProvider{}
	}
	return &Server{
		options:  options,
		clock:    options.TimeProvider,
		sessions: make(map[string]*session),
	}
}

// Listen opens the control socket. Serve calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", s.options.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.options.ListenAddr, err)
	}
	s.conn = conn

	logrus.WithFields(logrus.Fields{
		"function":  "Server.Listen",
		"addr":      conn.LocalAddr().String(),
		"media_dir": s.options.MediaDir,
	}).Info("Server listening")
	return nil
}

// Addr returns the control socket address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve handles control packets until ctx is done or the socket fails.
// All sessions are closed and the socket released before it returns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	conn := s.conn
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(ctx, conn)
	})
	g.Go(func() error {
		return s.housekeeping(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.SetReadDeadline(time.Now())
	})

	err := g.Wait()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.running = false
	s.conn = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"sessions": len(sessions),
	}).Info("Server stopped")
	return err
}

func (s *Server) readLoop(ctx context.Context, conn net.PacketConn) error {
	buf := pbytes.GetLen(rtp.MaxPacketSize)
	defer pbytes.Put(buf)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if rtp.IsTransient(err) {
				continue
			}
			return fmt.Errorf("read control socket: %w", err)
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Server) handleDatagram(raw []byte, addr net.Addr) {
	if !rtp.IsRTCP(raw) {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleDatagram",
			"from":     addr.String(),
			"size":     len(raw),
		}).Debug("Ignoring non-RTCP datagram")
		return
	}

	packets, err := rtp.ParseCompound(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleDatagram",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Malformed RTCP compound")
	}

	s.touch(addr.String())

	// HELO first so a new session sees the SDES of its own compound.
	for _, pkt := range packets {
		if app, ok := pkt.(*rtp.AppPacket); ok {
			s.handleApp(addr, app)
		}
	}
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			s.logReceiverReport(addr, p)
		case *rtcp.SourceDescription:
			s.handleSourceDescription(addr, p)
		case *rtcp.Goodbye:
			s.closeSession(addr.String(), "bye: "+p.Reason)
		}
	}
}

func (s *Server) touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.lastSeen = s.clock.Now()
	}
}

func (s *Server) handleApp(addr net.Addr, app *rtp.AppPacket) {
	if app.Name != control.AppName {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleApp",
			"name":     app.Name,
		}).Debug("Ignoring unknown APP packet")
		return
	}
	hello, err := control.DeserializeHello(app.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleApp",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Warn("Invalid HELO")
		return
	}
	if err := s.handleHello(addr, hello); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleHello",
			"from":     addr.String(),
			"media":    hello.MediaName,
			"error":    err.Error(),
		}).Warn("HELO rejected")
	}
}

func (s *Server) logReceiverReport(addr net.Addr, rr *rtcp.ReceiverReport) {
	for _, r := range rr.Reports {
		logrus.WithFields(logrus.Fields{
			"function":      "Server.handleReceiverReport",
			"from":          addr.String(),
			"ssrc":          r.SSRC,
			"fraction_lost": float64(r.FractionLost) / 256,
			"total_lost":    r.TotalLost,
			"jitter":        r.Jitter,
			"last_sequence": r.LastSequenceNumber,
			"dlsr":          rtp.Q16ToDuration(r.Delay),
		}).Debug("Receiver report")
	}
}

func (s *Server) handleSourceDescription(addr net.Addr, sd *rtcp.SourceDescription) {
	for _, chunk := range sd.Chunks {
		for _, item := range chunk.Items {
			if item.Type != rtcp.SDESCNAME {
				continue
			}
			s.mu.Lock()
			if sess, ok := s.sessions[addr.String()]; ok {
				sess.cname = item.Text
			}
			s.mu.Unlock()
		}
	}
}

// handleHello applies the complete client status of a HELO.
func (s *Server) handleHello(addr net.Addr, h *control.HelloPacket) error {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	if h.DataPort == 0 {
		return fmt.Errorf("%w: data port 0", ErrInvalidAddress)
	}
	dest := &net.UDPAddr{IP: udp.IP, Port: int(h.DataPort), Zone: udp.Zone}

	q := audio.Quality{
		SampleRate: int(h.SampleRate),
		Bits:       int(h.Bits),
		Channels:   int(h.Channels),
		ByteOrder:  audio.BigEndian,
	}
	if err := q.Validate(); err != nil {
		return err
	}
	if enc := codec.Encoding(h.Encoding); enc != codec.EncodingPCM {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleHello",
			"encoding": enc.String(),
		}).Warn("Encoding cannot be produced, sending PCM")
	}

	key := addr.String()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[key]
	if sess != nil && int32(h.Sequence-sess.sequence) < 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleHello",
			"sequence": h.Sequence,
			"current":  sess.sequence,
		}).Debug("Stale HELO ignored")
		return nil
	}

	if sess == nil || sess.media != h.MediaName || sess.dest.String() != dest.String() {
		next, err := s.openSession(key, dest, h, q)
		if err != nil {
			return err
		}
		if sess != nil {
			next.cname = sess.cname
			sess.close()
		}
		s.sessions[key] = next
		return nil
	}

	sess.paused = h.Paused()
	sess.sender.Pause(sess.paused)
	if sess.encoder.Quality() != q {
		if err := sess.encoder.SetQuality(q); err != nil {
			return err
		}
		sess.sender.UpdateQuality(sess.encoder.QoSDescription(rtp.HeaderSize, rtp.MaxPacketSize, 0))
	}
	if h.Restart() {
		if err := sess.encoder.Seek(h.Position); err != nil {
			return err
		}
	}
	sess.sequence = h.Sequence
	sess.repeat = h.Repeat()
	sess.lastSeen = s.clock.Now()

	logrus.WithFields(logrus.Fields{
		"function": "Server.handleHello",
		"client":   key,
		"flags":    h.Flags.String(),
		"quality":  q.String(),
	}).Debug("Session updated")
	return nil
}

// openSession opens the media of h and starts its send task. The caller
// holds s.mu.
func (s *Server) openSession(key string, dest *net.UDPAddr, h *control.HelloPacket, q audio.Quality) (*session, error) {
	path, err := s.mediaPath(h.MediaName)
	if err != nil {
		return nil, err
	}
	src, err := codec.OpenMedia(path)
	if err != nil {
		return nil, err
	}
	encoder, err := codec.NewPCMEncoder(src, q, s.options.FrameRate)
	if err != nil {
		src.Close()
		return nil, err
	}
	if h.Restart() && h.Position > 0 {
		if err := encoder.Seek(h.Position); err != nil {
			encoder.Close()
			return nil, err
		}
	}

	cfg := s.options.Sender
	cfg.TimeProvider = s.clock
	sender, err := rtp.NewSender(s.conn, dest, encoder, cfg)
	if err != nil {
		encoder.Close()
		return nil, err
	}
	sender.Pause(h.Paused())
	if err := sender.Start(); err != nil {
		encoder.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Server.openSession",
		"client":   key,
		"dest":     dest.String(),
		"media":    h.MediaName,
		"quality":  q.String(),
		"position": h.Position,
	}).Info("Session opened")

	return &session{
		key:      key,
		dest:     dest,
		media:    h.MediaName,
		sequence: h.Sequence,
		paused:   h.Paused(),
		repeat:   h.Repeat(),
		lastSeen: s.clock.Now(),
		encoder:  encoder,
		sender:   sender,
	}, nil
}

// mediaPath maps a media name to a file inside the catalog.
func (s *Server) mediaPath(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyMediaName
	}
	name = filepath.FromSlash(name)
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrMediaOutsideCatalog, name)
	}
	return filepath.Join(s.options.MediaDir, name), nil
}

func (s *Server) closeSession(key, reason string) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.close()
	logrus.WithFields(logrus.Fields{
		"function": "Server.closeSession",
		"client":   key,
		"media":    sess.media,
		"reason":   reason,
	}).Info("Session closed")
}

// housekeeping expires silent sessions, restarts repeating media and
// drops sessions whose send task died.
func (s *Server) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	type expiry struct{ key, reason string }
	var expired []expiry

	s.mu.Lock()
	for key, sess := range s.sessions {
		switch {
		case s.options.SessionTimeout > 0 && s.clock.Since(sess.lastSeen) > s.options.SessionTimeout:
			expired = append(expired, expiry{key, "timeout"})
		case sess.sender.Err() != nil:
			expired = append(expired, expiry{key, "send failed: " + sess.sender.Err().Error()})
		case sess.repeat && sess.encoder.Finished():
			if err := sess.encoder.Seek(0); err != nil {
				expired = append(expired, expiry{key, "repeat failed: " + err.Error()})
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Server.sweep",
				"client":   key,
				"media":    sess.media,
			}).Info("Repeating media")
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		s.closeSession(e.key, e.reason)
	}
}

// Sessions returns the open sessions ordered by client address.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			Client:      sess.key,
			Destination: sess.dest.String(),
			CNAME:       sess.cname,
			Media:       sess.media,
			Quality:     sess.encoder.Quality(),
			Position:    sess.encoder.Position(),
			Paused:      sess.paused,
			Repeat:      sess.repeat,
			Sent:        sess.sender.Stats(),
			LastSeen:    sess.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

// Catalog lists the playable media below the media directory as names a
// client can request.
func (s *Server) Catalog() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.options.MediaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".wav", ".mp3":
		default:
			return nil
		}
		rel, err := filepath.Rel(s.options.MediaDir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("scan catalog: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
