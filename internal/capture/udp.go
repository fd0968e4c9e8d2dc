package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/dhcp"
)

// pollInterval bounds how long a read blocks before the context is checked.
const pollInterval = 500 * time.Millisecond

// UDPSource receives datagrams on the DHCP client port.
type UDPSource struct {
	conn   *ipv4.PacketConn
	raw    net.PacketConn
	iface  *net.Interface // nil accepts every interface
	names  map[int]string // ifindex → name
	logger *slog.Logger
}

// ListenUDP binds addr (normally 0.0.0.0:68). When iface is non-empty only
// datagrams received on that interface are delivered.
func ListenUDP(addr, iface string, logger *slog.Logger) (*UDPSource, error) {
	var ifi *net.Interface
	if iface != "" {
		var err error
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("looking up interface %s: %w", iface, err)
		}
	}

	raw, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &UDPSource{
		conn:   ipv4.NewPacketConn(raw),
		raw:    raw,
		iface:  ifi,
		names:  make(map[int]string),
		logger: logger,
	}

	// Interface and destination control messages are not available on every
	// platform; without them the interface restriction cannot be applied.
	if err := s.conn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		if ifi != nil {
			raw.Close()
			return nil, fmt.Errorf("enabling control messages for interface filter: %w", err)
		}
		logger.Warn("control messages unavailable, interface names will be empty", "error", err)
	}

	logger.Info("listening for DHCP replies",
		"address", raw.LocalAddr().String(),
		"interface", iface)
	return s, nil
}

// LocalAddr returns the bound address.
func (s *UDPSource) LocalAddr() net.Addr {
	return s.raw.LocalAddr()
}

// Next returns the next datagram. The caller must Release it.
func (s *UDPSource) Next(ctx context.Context) (Datagram, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return Datagram{}, fmt.Errorf("setting read deadline: %w", err)
		}

		buf := dhcp.GetBuffer()
		n, cm, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			dhcp.PutBuffer(buf)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return Datagram{}, err
			}
			return Datagram{}, fmt.Errorf("reading UDP packet: %w", err)
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			dhcp.PutBuffer(buf)
			continue
		}

		var ifName string
		if cm != nil {
			if s.iface != nil && cm.IfIndex != s.iface.Index {
				dhcp.PutBuffer(buf)
				continue
			}
			ifName = s.interfaceName(cm.IfIndex)
		}

		return Datagram{
			Payload:   buf[:n],
			Source:    udpSrc,
			Interface: ifName,
			Timestamp: time.Now(),
			pooled:    buf,
		}, nil
	}
}

// interfaceName resolves and caches interface names by index.
func (s *UDPSource) interfaceName(index int) string {
	if index == 0 {
		return ""
	}
	if name, ok := s.names[index]; ok {
		return name
	}
	var name string
	if ifi, err := net.InterfaceByIndex(index); err == nil {
		name = ifi.Name
	}
	s.names[index] = name
	return name
}

// Close closes the socket.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}
