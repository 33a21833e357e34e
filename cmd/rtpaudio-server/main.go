// Package main runs an rtpaudio server that streams the WAV and MP3 files
// of a directory to the clients that ask for them.
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
	"github.com/opd-ai/rtpaudio/codec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	listen         string
	mediaDir       string
	frameRate      int
	sessionTimeout time.Duration
	shapeTraffic   bool
	statsEvery     time.Duration
	logLevel       string
	help           bool
}

func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.listen, "listen", fmt.Sprintf(":%d", rtpaudio.DefaultServerPort), "Control socket address")
	flag.StringVar(&config.mediaDir, "media-dir", ".", "Directory holding the media catalog")
	flag.IntVar(&config.frameRate, "frame-rate", codec.DefaultFrameRate, "RTP frames per second")
	flag.DurationVar(&config.sessionTimeout, "session-timeout", 30*time.Second, "Drop clients silent for this long")
	flag.BoolVar(&config.shapeTraffic, "shape", true, "Pace packets to each layer's reserved bandwidth")

	flag.DurationVar(&config.statsEvery, "stats", 30*time.Second, "Session log period, 0 disables")
	flag.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

func printUsage() {
	fmt.Println("rtpaudio server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Serve ~/Music on the default port\n")
	fmt.Printf("  %s -media-dir ~/Music\n", os.Args[0])
}

func validateCLIConfig(config *CLIConfig) error {
	if config.listen == "" {
		return errors.New("listen address cannot be empty")
	}
	info, err := os.Stat(config.mediaDir)
	if err != nil {
		return fmt.Errorf("media directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media directory: %s is not a directory", config.mediaDir)
	}
	if config.frameRate <= 0 || config.frameRate > 1000 {
		return errors.New("frame rate must be between 1 and 1000")
	}
	if config.sessionTimeout <= 0 {
		return errors.New("session timeout must be positive")
	}
	return nil
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

// app holds the server process state.
type app struct {
	config *CLIConfig
	server *rtpaudio.Server
}

func newApp(config *CLIConfig) *app {
	options := rtpaudio.NewServerOptions()
	options.ListenAddr = config.listen
	options.MediaDir = config.mediaDir
	options.FrameRate = config.frameRate
	options.SessionTimeout = config.sessionTimeout
	options.Sender.ShapeTraffic = config.shapeTraffic
	return &app{config: config, server: rtpaudio.NewServer(options)}
}

func (a *app) run(ctx context.Context) error {
	if err := a.server.Listen(); err != nil {
		return err
	}

	catalog, err := a.server.Catalog()
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "main.run",
		"dir":      a.config.mediaDir,
		"media":    len(catalog),
	}).Info("Catalog loaded")
	for _, name := range catalog {
		logrus.WithField("media", name).Debug("Catalog entry")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Serve(ctx)
	})
	if a.config.statsEvery > 0 {
		g.Go(func() error {
			return a.logSessions(ctx)
		})
	}
	return g.Wait()
}

func (a *app) logSessions(ctx context.Context) error {
	ticker := time.NewTicker(a.config.statsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, s := range a.server.Sessions() {
			logrus.WithFields(logrus.Fields{
				"function": "main.logSessions",
				"client":   s.Client,
				"cname":    s.CNAME,
				"media":    s.Media,
				"quality":  s.Quality.String(),
				"position": s.Position.Truncate(time.Millisecond).String(),
				"paused":   s.Paused,
				"packets":  s.Sent.Packets,
			}).Info("Session")
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

	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n\n", err)
		printUsage()
		os.Exit(1)
	}
	if err := configureLogging(config.logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandling(cancel)

	err := newApp(config).run(ctx)
	cancel()
	if err != nil {
		logrus.WithError(err).Error("Server failed")
		os.Exit(1)
	}
}
