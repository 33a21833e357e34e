// Package audio holds the client side playback path: the sink contract the
// decoders write PCM into, a jitter compensating playout buffer in front of
// the output device, and PCM format conversion.
//
// A typical chain is decoder -> PlayoutBuffer -> ConvertingSink -> device:
//
//	device := audio.NewNullSink()
//	conv, _ := audio.NewConvertingSink(device)
//	playout, _ := audio.NewPlayoutBuffer(conv, audio.DefaultPlayoutConfig())
//	playout.Start()
//	defer playout.Stop()
//
// The playout buffer waits until its latency target is queued, keeps the
// device about one target ahead of real time, and drops every fourth frame
// when the network delivers faster than the device plays.
//
// WAVSink records the stream to a file using github.com/go-audio/wav.
package audio
