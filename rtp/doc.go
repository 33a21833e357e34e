// Package rtp provides the real-time media transport used by rtpaudio.
//
// This package handles RTP packet framing and validation, RTCP session
// state tracking and reporting, and the background tasks that move audio
// between a sender and a receiver. It uses the pion/rtp and pion/rtcp
// libraries for standards-compliant header and report encoding.
//
// # Architecture Overview
//
// The transport layer consists of several key components:
//
//   - SequenceValidator: RFC 1889 Appendix A.1 probation/resync state machine
//   - SourceState: per-layer reception statistics (loss, jitter, LSR/DLSR)
//   - Receiver: receive loop that validates RTP packets and feeds a decoder
//   - RTCPSender: self-rearming report task sending RR, SDES, APP and BYE
//   - Sender: periodic task that packetizes encoder output and emits SRs
//   - Transport: the data/control socket pair shared by the tasks
//
// # Receiving
//
// A Receiver is bound to a single packet connection and a decoder:
//
//	receiver, err := rtp.NewReceiver(transport.DataConn(), decoder, rtp.DefaultReceiverConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	receiver.Start()
//	defer receiver.Stop()
//
// The decoder decides whether a packet belongs to it and which quality
// layer it carries. Each layer has its own SourceState, read by the
// RTCPSender through the ReportSource interface when composing reports.
//
// # Reporting
//
// The RTCPSender computes its next transmission interval after every
// report using the RFC 1889 section 6.2 algorithm, so the report period
// adapts to the session size and the configured RTCP bandwidth:
//
//	reporter, err := rtp.NewRTCPSender(transport.ControlConn(), serverAddr, receiver, rtp.DefaultRTCPSenderConfig())
//	reporter.SetSDES(rtcp.SDESCNAME, "user@host")
//	reporter.Start()
//
// # Concurrency
//
// Every task runs on its own goroutine and is stopped cooperatively.
// SourceState itself does not lock; each layer is wrapped in a LayerState
// whose mutex is shared by the Receiver (writer) and the RTCPSender (reader).
package rtp
