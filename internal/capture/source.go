// Package capture delivers DHCP reply datagrams to the monitor, either from a
// live UDP socket on the client port or from a capture file.
package capture

import (
	"context"
	"net"
	"time"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/dhcp"
)

// Datagram is one UDP payload addressed to the DHCP client port.
type Datagram struct {
	Payload   []byte
	Source    *net.UDPAddr
	Interface string // receiving interface, when known
	Timestamp time.Time

	pooled []byte // backing buffer owned by the dhcp buffer pool
}

// Release returns the datagram's buffer to the pool. The payload must not be
// used afterwards.
func (d *Datagram) Release() {
	if d.pooled != nil {
		dhcp.PutBuffer(d.pooled)
		d.pooled = nil
		d.Payload = nil
	}
}

// Source produces datagrams one at a time. Next blocks until a datagram is
// available, the context is cancelled, or the source is exhausted (io.EOF).
type Source interface {
	Next(ctx context.Context) (Datagram, error)
	Close() error
}
