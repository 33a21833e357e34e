// Package main provides a command-line client that plays one media file
// from an rtpaudio server into a WAV file or a discarding sink.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/rtpaudio"
	"github.com/opd-ai/rtpaudio/audio"
	"github.com/opd-ai/rtpaudio/codec"
	"github.com/opd-ai/rtpaudio/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	server       string
	media        string
	encoding     string
	sampleRate   int
	bits         int
	channels     int
	localHost    string
	multiplexed  bool
	autoRepeat   bool
	serverRepeat bool
	output       string
	capture      string
	latency      time.Duration
	statsEvery   time.Duration
	logLevel     string
	help         bool
}

func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	// Stream
	flag.StringVar(&config.server, "server", "127.0.0.1", "Server address, host[:port]")
	flag.StringVar(&config.media, "media", "", "Media name relative to the server catalog")
	flag.StringVar(&config.encoding, "encoding", "pcm", "Stream encoding (pcm, opus)")
	flag.IntVar(&config.sampleRate, "rate", audio.DefaultQuality.SampleRate, "Sampling rate in Hz")
	flag.IntVar(&config.bits, "bits", audio.DefaultQuality.Bits, "Bits per sample (8, 16)")
	flag.IntVar(&config.channels, "channels", audio.DefaultQuality.Channels, "Channel count")

	// Transport
	flag.StringVar(&config.localHost, "local", "", "Local address to bind the session sockets to")
	flag.BoolVar(&config.multiplexed, "multiplexed", false, "Carry RTP and RTCP on one socket")

	// Playback
	flag.BoolVar(&config.autoRepeat, "repeat", false, "Restart the media when it ends")
	flag.BoolVar(&config.serverRepeat, "server-repeat", false, "Ask the server to loop the media")
	flag.StringVar(&config.output, "output", "", "WAV file to record into (default: discard)")
	flag.StringVar(&config.capture, "capture", "", "pcap file receiving every datagram")
	flag.DurationVar(&config.latency, "latency", audio.DefaultPlayoutConfig().TargetLatency, "Playout jitter buffer target")

	// Logging
	flag.DurationVar(&config.statsEvery, "stats", 5*time.Second, "Statistics log period, 0 disables")
	flag.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

func printUsage() {
	fmt.Println("rtpaudio client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s -media NAME [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Record a song at CD quality\n")
	fmt.Printf("  %s -server radio.example:5004 -media jazz/so-what.wav -rate 44100 -channels 2 -output out.wav\n", os.Args[0])
}

func validateCLIConfig(config *CLIConfig) (codec.Encoding, audio.Quality, error) {
	if config.media == "" {
		return 0, audio.Quality{}, errors.New("media name cannot be empty")
	}
	if config.server == "" {
		return 0, audio.Quality{}, errors.New("server address cannot be empty")
	}
	enc, err := codec.ParseEncoding(config.encoding)
	if err != nil {
		return 0, audio.Quality{}, err
	}
	q := audio.Quality{SampleRate: config.sampleRate, Bits: config.bits, Channels: config.channels}
	if err := q.Validate(); err != nil {
		return 0, audio.Quality{}, err
	}
	if config.latency <= 0 {
		return 0, audio.Quality{}, errors.New("latency must be positive")
	}
	return enc, q, nil
}

func configureLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// errFinished ends the process once the media played to its end.
var errFinished = errors.New("media finished")

// app holds everything the client process owns.
type app struct {
	config  *CLIConfig
	client  *rtpaudio.Client
	playout *audio.PlayoutBuffer
	wav     *audio.WAVSink
	capture *rtp.Capture
}

func newApp(config *CLIConfig, enc codec.Encoding, q audio.Quality) (*app, error) {
	a := &app{config: config}

	var device audio.Sink = audio.NewNullSink()
	if config.output != "" {
		wav, err := audio.CreateWAVSink(config.output, q)
		if err != nil {
			return nil, err
		}
		a.wav = wav
		device = wav
	}

	converting, err := audio.NewConvertingSink(device)
	if err != nil {
		a.close()
		return nil, err
	}
	pc := audio.DefaultPlayoutConfig()
	pc.TargetLatency = config.latency
	a.playout, err = audio.NewPlayoutBuffer(converting, pc)
	if err != nil {
		a.close()
		return nil, err
	}

	options := rtpaudio.NewOptions()
	options.LocalHost = config.localHost
	options.Multiplexed = config.multiplexed
	options.Encoding = enc
	options.Quality = q
	options.AutoRepeat = config.autoRepeat
	options.ServerRepeat = config.serverRepeat
	if config.capture != "" {
		a.capture, err = rtp.CreateCapture(config.capture)
		if err != nil {
			a.close()
			return nil, err
		}
		options.Receiver.Capture = a.capture
	}

	a.client, err = rtpaudio.NewClient(a.playout, options)
	if err != nil {
		a.close()
		return nil, err
	}
	a.client.Monitor().SetQualityCallback(func(m rtpaudio.StreamMetrics) {
		logrus.WithFields(logrus.Fields{
			"function": "main.qualityCallback",
			"quality":  m.Quality.String(),
			"loss":     m.PacketLoss,
			"jitter":   m.Jitter,
		}).Info("Stream quality changed")
	})
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	a.playout.Start()
	if !a.client.Play(a.config.server, a.config.media) {
		return fmt.Errorf("cannot play %q from %s", a.config.media, a.config.server)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.client.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.watch(ctx)
	})
	if err := g.Wait(); !errors.Is(err, errFinished) {
		return err
	}
	return nil
}

// watch logs statistics and ends the session when the client stops on
// its own or the media is over and nobody repeats it.
func (a *app) watch(ctx context.Context) error {
	period := a.config.statsEvery
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		stats := a.client.Statistics()
		if stats.State == rtpaudio.StateStopped {
			return fmt.Errorf("playback stopped: %s", stats.ErrorCode)
		}
		if stats.ErrorCode == codec.EOF && !a.config.autoRepeat && !a.config.serverRepeat {
			return errFinished
		}
		if a.config.statsEvery <= 0 {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "main.watch",
			"media":    stats.Media,
			"state":    stats.State.String(),
			"position": stats.Position.Truncate(time.Millisecond).String(),
			"length":   stats.MaxPosition.String(),
			"status":   stats.ErrorCode.String(),
			"quality":  stats.Metrics.Quality.String(),
			"received": stats.Receiver.Delivered,
			"buffered": stats.Playout.Available,
		}).Info("Playback statistics")
	}
}

func (a *app) close() {
	if a.client != nil {
		a.client.Stop()
	}
	if a.playout != nil {
		a.playout.Stop()
	}
	if a.wav != nil {
		if err := a.wav.Close(); err != nil {
			logrus.WithError(err).Error("Closing output failed")
		}
	}
	if a.capture != nil {
		if err := a.capture.Close(); err != nil {
			logrus.WithError(err).Error("Closing capture failed")
		}
	}
}

func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()
}

func main() {
	config := parseCLIFlags()
	if config.help {
		printUsage()
		os.Exit(0)
	}

	enc, q, err := validateCLIConfig(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n\n", err)
		printUsage()
		os.Exit(1)
	}
	if err := configureLogging(config.logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	a, err := newApp(config, enc, q)
	if err != nil {
		logrus.WithError(err).Error("Startup failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandling(cancel)

	err = a.run(ctx)
	cancel()
	a.close()
	if err != nil {
		logrus.WithError(err).Error("Client failed")
		os.Exit(1)
	}
}
