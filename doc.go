// Package rtpaudio streams audio over RTP with RTCP feedback and control.
//
// A Server plays files from a media directory to any number of clients.
// A Client opens a session, receives the stream, decodes it and writes the
// audio to an audio.Sink, typically an audio.PlayoutBuffer that absorbs
// network jitter in front of the output device.
//
// # Getting Started
//
// Serve a directory of WAV and MP3 files:
//
//	options := rtpaudio.NewServerOptions()
//	options.MediaDir = "/srv/music"
//
//	server := rtpaudio.NewServer(options)
//	if err := server.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Play one of them into a WAV file:
//
//	sink, err := audio.CreateWAVSink("out.wav", audio.DefaultQuality)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sink.Close()
//
//	client, err := rtpaudio.NewClient(sink, rtpaudio.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !client.Play("streamer.example.com", "jazz/take-five.wav") {
//	    log.Fatal("play failed")
//	}
//	client.Run(ctx)
//
// # Control Protocol
//
// The client never talks to the server outside RTCP. Its receiver reports
// keep the session alive, an APP packet named "HELO" (package control)
// carries the complete desired state of the client, and BYE ends the
// session. The server answers with an RTP stream and sender reports to the
// data port named in the HELO.
//
// # Statistics
//
// Client.Statistics reports per-layer reception state (loss, jitter,
// sequence state), decoder and playout counters, and a QualityLevel graded
// by a QualityMonitor.
//
// # Sub-packages
//
//   - rtp: receive loop, send task, RTCP report task, sequence validation
//   - codec: PCM and Opus decoders, PCM encoder, WAV and MP3 sources
//   - audio: sinks, playout buffer, format conversion
//   - control: the HELO status message
package rtpaudio
