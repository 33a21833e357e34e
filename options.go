package rtpaudio

import (
	"os"
	"os/user"
	"time"

	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/codec"
	"github.com/opd-ai/rtpaudio/rtp"
)

// DefaultServerPort is the control port a server listens on.
const DefaultServerPort = 5004

// Options contains client configuration.
type Options struct {
	// Transport
	LocalHost   string // Address the session sockets bind to, empty for all
	Multiplexed bool   // Run RTP and RTCP over one socket
	ServerPort  int    // Used when the server address carries no port

	// Identity, sent as SDES CNAME user@host
	User string
	Host string

	// Desired stream
	Encoding codec.Encoding
	Quality  audio.Quality

	// Playback policy
	RestartDelay time.Duration // Restart positions are held this long after a change
	AutoRepeat   bool          // Restart the media after RepeatDelay at its end
	RepeatDelay  time.Duration
	ServerRepeat bool // Ask the server to loop the media itself
	PollInterval time.Duration

	Receiver     rtp.ReceiverConfig
	RTCP         rtp.RTCPSenderConfig
	Thresholds   *QualityThresholds
	TimeProvider TimeProvider
}

// NewOptions creates Options with default values.
func NewOptions() *Options {
	return &Options{
		LocalHost:    "",
		Multiplexed:  false,
		ServerPort:   DefaultServerPort,
		User:         currentUser(),
		Host:         hostname(),
		Encoding:     codec.EncodingPCM,
		Quality:      audio.DefaultQuality,
		RestartDelay: 5 * time.Second,
		AutoRepeat:   false,
		RepeatDelay:  2 * time.Second,
		PollInterval: 250 * time.Millisecond,
		Receiver:     rtp.DefaultReceiverConfig(),
		RTCP:         rtp.DefaultRTCPSenderConfig(),
		Thresholds:   DefaultQualityThresholds(),
		TimeProvider: DefaultTimeProvider{},
	}
}

// CNAME returns the canonical name sent in SDES.
func (o *Options) CNAME() string {
	return o.User + "@" + o.Host
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "anonymous"
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// ServerOptions contains server configuration.
type ServerOptions struct {
	ListenAddr     string // Control socket address
	MediaDir       string // Catalog root; HELO media names are relative to it
	FrameRate      int    // Frames per second of every stream
	SessionTimeout time.Duration
	Sender         rtp.SenderConfig
	TimeProvider   TimeProvider
}

// NewServerOptions creates ServerOptions with default values.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		ListenAddr:     ":5004",
		MediaDir:       ".",
		FrameRate:      codec.DefaultFrameRate,
		SessionTimeout: 30 * time.Second,
		Sender:         rtp.DefaultSenderConfig(),
		TimeProvider:   DefaultTimeProvider{},
	}
}
