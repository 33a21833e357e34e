package rtp

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// captureSnapLen is the snapshot length written to the pcap file header.
const captureSnapLen = 65536

// Capture writes datagrams to a pcap stream as raw IP/UDP packets so a
// session can be inspected with standard tools.
type Capture struct {
	mu      sync.Mutex
	writer  *pcapgo.Writer
	closer  io.Closer
	packets uint64
}

// NewCapture writes a pcap file header to w and returns a capture on it.
func NewCapture(w io.Writer) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	c := &Capture{writer: pw}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

// CreateCapture creates the file at path and starts a capture in it.
func CreateCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	c, err := NewCapture(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Record appends one UDP datagram exchanged between src and dst.
func (c *Capture) Record(payload []byte, src, dst net.Addr, ts time.Time) error {
	frame, err := encapsulate(payload, src, dst)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := c.writer.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("write pcap record: %w", err)
	}
	c.packets++
	return nil
}

// Packets returns the number of records written.
func (c *Capture) Packets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// Close closes the underlying writer when it is closable.
func (c *Capture) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// encapsulate builds an IPv4 or IPv6 UDP frame around payload.
func encapsulate(payload []byte, src, dst net.Addr) ([]byte, error) {
	srcIP, srcPort := udpEndpoint(src)
	dstIP, dstPort := udpEndpoint(dst)

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}

	var network gopacket.SerializableLayer
	if src4, dst4 := srcIP.To4(), dstIP.To4(); src4 != nil && dst4 != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src4,
			DstIP:    dst4,
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, fmt.Errorf("set checksum layer: %w", err)
		}
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      srcIP.To16(),
			DstIP:      dstIP.To16(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, fmt.Errorf("set checksum layer: %w", err)
		}
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize capture frame: %w", err)
	}
	return buf.Bytes(), nil
}

// udpEndpoint extracts IP and port, defaulting to the unspecified address.
func udpEndpoint(addr net.Addr) (net.IP, int) {
	if u, ok := addr.(*net.UDPAddr); ok && u.IP != nil {
		return u.IP, u.Port
	}
	return net.IPv4zero, 0
}
