package capture

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

	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

const recorderSnapLen = 65536

// Recorder writes observed datagrams to a pcap file as Ethernet/IPv4/UDP
// broadcast frames, so that a session can be replayed with PcapSource.
type Recorder struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
}

// CreateRecorder creates (or truncates) a pcap file at path.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture %s: %w", path, err)
	}
	r, err := NewRecorder(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewRecorder writes a pcap file header to w.
func NewRecorder(w io.Writer) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(recorderSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &Recorder{w: pw}, nil
}

// Record appends one datagram. The original link-layer addresses are not
// known; frames carry a zero source MAC and the broadcast destination.
func (r *Recorder) Record(d Datagram) error {
	frame, err := EncodeFrame(d.Source, d.Payload)
	if err != nil {
		return err
	}

	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

// Close closes the underlying file, if any.
func (r *Recorder) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// EncodeFrame wraps a DHCP payload from src in Ethernet, IPv4 and UDP headers
// addressed to the client port broadcast. A nil src is written as 0.0.0.0:0.
func EncodeFrame(src *net.UDPAddr, payload []byte) ([]byte, error) {
	srcIP := net.IPv4zero.To4()
	srcPort := 0
	if src != nil {
		if ip4 := src.IP.To4(); ip4 != nil {
			srcIP = ip4
		}
		srcPort = src.Port
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    net.IPv4bcast.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dhcpv4.ClientPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("preparing UDP checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	return buf.Bytes(), nil
}
