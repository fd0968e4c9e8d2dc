// Package dhcp decodes observed DHCPv4 replies: the fixed BOOTP header, the
// option catalog, and the TLV option stream.
package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// Header is the decoded fixed portion of a DHCPv4 packet (RFC 2131 §2).
type Header struct {
	Op     dhcpv4.OpCode       // Message op code: 1=BOOTREQUEST, 2=BOOTREPLY
	HType  dhcpv4.HardwareType // Hardware address type (1=Ethernet)
	HLen   byte                // Hardware address length (6 for Ethernet)
	Hops   byte                // Relay hops
	XID    uint32              // Transaction ID
	Secs   uint16              // Seconds elapsed
	Flags  uint16              // Flags (bit 0 = broadcast)
	CIAddr net.IP              // Client IP address
	YIAddr net.IP              // 'Your' (client) IP address
	SIAddr net.IP              // Next server IP address
	GIAddr net.IP              // Relay agent IP address
	CHAddr [16]byte            // Client hardware address region
	SName  [64]byte            // Server host name
	File   [128]byte           // Boot file name
	Cookie uint32              // Magic cookie
}

// Decoded is the outcome of a successful header decode.
type Decoded struct {
	Header *Header
	// Options is the unconsumed option stream following the fixed header.
	Options []byte
	// Filtered is set for well-formed packets that are not Ethernet boot
	// replies straight from a server. They are not anomalies.
	Filtered     bool
	FilterReason string
}

// packetPool reuses receive buffers to reduce allocations in the hot path.
var packetPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, dhcpv4.MaxPacketSize)
	},
}

// GetBuffer returns a buffer from the pool.
func GetBuffer() []byte {
	return packetPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b []byte) {
	b = b[:cap(b)]
	clear(b)
	packetPool.Put(b)
}

// DecodePacket decodes the fixed header of a raw DHCPv4 packet.
// RFC 2131 §2 packet format.
func DecodePacket(data []byte) (*Decoded, error) {
	if len(data) < dhcpv4.HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (minimum %d)", ErrBufferTooShort, len(data), dhcpv4.HeaderSize)
	}

	h := &Header{
		Op:    dhcpv4.OpCode(data[0]),
		HType: dhcpv4.HardwareType(data[1]),
		HLen:  data[2],
		Hops:  data[3],
	}
	var errs [11]error
	h.XID, errs[0] = dhcpv4.Uint32At(data, dhcpv4.OffsetXID)
	h.Secs, errs[1] = dhcpv4.Uint16At(data, dhcpv4.OffsetSecs)
	h.Flags, errs[2] = dhcpv4.Uint16At(data, dhcpv4.OffsetFlags)
	h.CIAddr, errs[3] = dhcpv4.IPAt(data, dhcpv4.OffsetCIAddr)
	h.YIAddr, errs[4] = dhcpv4.IPAt(data, dhcpv4.OffsetYIAddr)
	h.SIAddr, errs[5] = dhcpv4.IPAt(data, dhcpv4.OffsetSIAddr)
	h.GIAddr, errs[6] = dhcpv4.IPAt(data, dhcpv4.OffsetGIAddr)
	h.Cookie, errs[7] = dhcpv4.Uint32At(data, dhcpv4.OffsetMagicCookie)
	errs[8] = copyField(h.CHAddr[:], data, dhcpv4.OffsetCHAddr)
	errs[9] = copyField(h.SName[:], data, dhcpv4.OffsetSName)
	errs[10] = copyField(h.File[:], data, dhcpv4.OffsetFile)
	if err := errors.Join(errs[:]...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBufferTooShort, err)
	}

	// Validate magic cookie (RFC 2131 §3)
	if h.Cookie != dhcpv4.MagicCookieValue {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrMagicCookieMismatch, h.Cookie)
	}

	d := &Decoded{
		Header:  h,
		Options: data[dhcpv4.HeaderSize:],
	}
	if reason := h.filterReason(); reason != "" {
		d.Filtered = true
		d.FilterReason = reason
	}
	return d, nil
}

// copyField fills dst from the len(dst) bytes of data at off.
func copyField(dst, data []byte, off int) error {
	s, err := dhcpv4.Slice(data, off, len(dst))
	if err != nil {
		return err
	}
	copy(dst, s)
	return nil
}

// filterReason explains why a header is not a direct Ethernet boot reply.
func (h *Header) filterReason() string {
	switch {
	case h.Op != dhcpv4.OpCodeBootReply:
		return fmt.Sprintf("op %d is not BOOTREPLY", h.Op)
	case h.HType != dhcpv4.HardwareTypeEthernet:
		return fmt.Sprintf("htype %d is not Ethernet", h.HType)
	case h.HLen != dhcpv4.EthernetAddrLen:
		return fmt.Sprintf("hlen %d is not %d", h.HLen, dhcpv4.EthernetAddrLen)
	case h.Hops != 0:
		return fmt.Sprintf("relayed reply with %d hops", h.Hops)
	}
	return ""
}

// HardwareAddr returns the significant HLen bytes of CHAddr.
func (h *Header) HardwareAddr() net.HardwareAddr {
	n := int(h.HLen)
	if n > len(h.CHAddr) {
		n = len(h.CHAddr)
	}
	mac := make(net.HardwareAddr, n)
	copy(mac, h.CHAddr[:n])
	return mac
}

// ServerName returns the sname field up to its NUL padding.
func (h *Header) ServerName() string {
	return dhcpv4.TrimNUL(h.SName[:])
}

// BootFileName returns the file field up to its NUL padding.
func (h *Header) BootFileName() string {
	return dhcpv4.TrimNUL(h.File[:])
}

// IsBroadcast returns true if the broadcast flag is set.
func (h *Header) IsBroadcast() bool {
	return h.Flags&0x8000 != 0
}

// Encode serializes the header followed by an already encoded option stream.
// The result is padded to the RFC 2131 minimum packet size.
func (h *Header) Encode(options []byte) []byte {
	totalLen := dhcpv4.HeaderSize + len(options)
	if totalLen < dhcpv4.MinPacketSize {
		totalLen = dhcpv4.MinPacketSize
	}

	buf := make([]byte, totalLen)
	buf[0] = byte(h.Op)
	buf[1] = byte(h.HType)
	buf[2] = h.HLen
	buf[3] = h.Hops
	binary.BigEndian.PutUint32(buf[dhcpv4.OffsetXID:], h.XID)
	binary.BigEndian.PutUint16(buf[dhcpv4.OffsetSecs:], h.Secs)
	binary.BigEndian.PutUint16(buf[dhcpv4.OffsetFlags:], h.Flags)
	copy(buf[dhcpv4.OffsetCIAddr:], dhcpv4.IPToBytes(h.CIAddr))
	copy(buf[dhcpv4.OffsetYIAddr:], dhcpv4.IPToBytes(h.YIAddr))
	copy(buf[dhcpv4.OffsetSIAddr:], dhcpv4.IPToBytes(h.SIAddr))
	copy(buf[dhcpv4.OffsetGIAddr:], dhcpv4.IPToBytes(h.GIAddr))
	copy(buf[dhcpv4.OffsetCHAddr:], h.CHAddr[:])
	copy(buf[dhcpv4.OffsetSName:], h.SName[:])
	copy(buf[dhcpv4.OffsetFile:], h.File[:])

	cookie := h.Cookie
	if cookie == 0 {
		cookie = dhcpv4.MagicCookieValue
	}
	binary.BigEndian.PutUint32(buf[dhcpv4.OffsetMagicCookie:], cookie)

	copy(buf[dhcpv4.HeaderSize:], options)
	return buf
}
