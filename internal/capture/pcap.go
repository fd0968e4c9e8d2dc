package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// pcapngMagic is the section header block type that opens a pcapng file.
var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapSource replays UDP datagrams destined to the DHCP client port from a
// pcap or pcapng capture.
type PcapSource struct {
	r       packetReader
	closer  io.Closer
	name    string
	logger  *slog.Logger
	skipped int
}

// OpenPcap opens a capture file for replay.
func OpenPcap(path string, logger *slog.Logger) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening capture %s: %w", path, err)
	}
	s, err := NewPcapSource(f, path, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewPcapSource reads a capture from r. The format (pcap or pcapng) is
// detected from the leading magic number.
func NewPcapSource(r io.Reader, name string, logger *slog.Logger) (*PcapSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("reading capture header of %s: %w", name, err)
	}

	var pr packetReader
	if bytes.Equal(magic, pcapngMagic) {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing capture %s: %w", name, err)
	}

	logger.Info("replaying capture",
		"file", name,
		"link_type", pr.LinkType().String())
	return &PcapSource{r: pr, name: name, logger: logger}, nil
}

// Next returns the next UDP datagram sent to port 68, or io.EOF at the end
// of the capture.
func (s *PcapSource) Next(ctx context.Context) (Datagram, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}

		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Datagram{}, io.EOF
			}
			return Datagram{}, fmt.Errorf("reading capture %s: %w", s.name, err)
		}

		d, ok := s.extract(data)
		if !ok {
			s.skipped++
			continue
		}
		d.Timestamp = ci.Timestamp
		return d, nil
	}
}

// extract pulls an IPv4/UDP datagram for the client port out of a frame.
func (s *PcapSource) extract(data []byte) (Datagram, bool) {
	packet := gopacket.NewPacket(data, s.r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return Datagram{}, false
	}
	ip := ipLayer.(*layers.IPv4)

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return Datagram{}, false
	}
	udp := udpLayer.(*layers.UDP)
	if udp.DstPort != dhcpv4.ClientPort {
		return Datagram{}, false
	}

	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)

	return Datagram{
		Payload: payload,
		Source: &net.UDPAddr{
			IP:   append(net.IP(nil), ip.SrcIP.To4()...),
			Port: int(udp.SrcPort),
		},
	}, true
}

// Skipped returns how many frames were not DHCP client-port datagrams.
func (s *PcapSource) Skipped() int {
	return s.skipped
}

// Close closes the underlying file, if any.
func (s *PcapSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
