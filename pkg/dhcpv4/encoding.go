package dhcpv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrOutOfRange is returned when a read would go past the end of a buffer.
var ErrOutOfRange = errors.New("read out of range")

// IPToBytes converts a net.IP to a 4-byte slice.
func IPToBytes(ip net.IP) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return []byte{0, 0, 0, 0}
	}
	return []byte(ip4)
}

// BytesToIP converts a 4-byte slice to net.IP.
func BytesToIP(b []byte) net.IP {
	if len(b) != 4 {
		return nil
	}
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// IPListToBytes converts a slice of net.IP to bytes (N*4).
func IPListToBytes(ips []net.IP) []byte {
	buf := make([]byte, 0, len(ips)*4)
	for _, ip := range ips {
		buf = append(buf, IPToBytes(ip)...)
	}
	return buf
}

// BytesToIPList converts bytes to a slice of net.IP (N*4).
func BytesToIPList(b []byte) ([]net.IP, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid IP list length %d: must be multiple of 4", len(b))
	}
	ips := make([]net.IP, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		ips = append(ips, BytesToIP(b[i:i+4]))
	}
	return ips, nil
}

// Uint16ToBytes converts a uint16 to 2 bytes (big-endian).
func Uint16ToBytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// Uint32ToBytes converts a uint32 to 4 bytes (big-endian).
func Uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// BytesToUint decodes a 1, 2 or 4 byte big-endian unsigned integer.
func BytesToUint(b []byte) (uint32, error) {
	switch len(b) {
	case 1:
		return uint32(b[0]), nil
	case 2:
		return uint32(binary.BigEndian.Uint16(b)), nil
	case 4:
		return binary.BigEndian.Uint32(b), nil
	default:
		return 0, fmt.Errorf("invalid unsigned integer width %d: expected 1, 2 or 4", len(b))
	}
}

// UintToBytes encodes v big-endian in width bytes (1, 2 or 4).
func UintToBytes(v uint32, width int) ([]byte, error) {
	switch width {
	case 1:
		if v > 0xff {
			return nil, fmt.Errorf("value %d does not fit in 1 byte", v)
		}
		return []byte{byte(v)}, nil
	case 2:
		if v > 0xffff {
			return nil, fmt.Errorf("value %d does not fit in 2 bytes", v)
		}
		return Uint16ToBytes(uint16(v)), nil
	case 4:
		return Uint32ToBytes(v), nil
	default:
		return nil, fmt.Errorf("invalid unsigned integer width %d: expected 1, 2 or 4", width)
	}
}

// Slice returns b[off:off+n] or ErrOutOfRange if that range is not inside b.
func Slice(b []byte, off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off > len(b) || n > len(b)-off {
		return nil, fmt.Errorf("%w: %d bytes at offset %d of %d", ErrOutOfRange, n, off, len(b))
	}
	return b[off : off+n], nil
}

// Uint16At reads a big-endian uint16 at off.
func Uint16At(b []byte, off int) (uint16, error) {
	s, err := Slice(b, off, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s), nil
}

// Uint32At reads a big-endian uint32 at off.
func Uint32At(b []byte, off int) (uint32, error) {
	s, err := Slice(b, off, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s), nil
}

// IPAt copies the IPv4 address stored at off.
func IPAt(b []byte, off int) (net.IP, error) {
	s, err := Slice(b, off, 4)
	if err != nil {
		return nil, err
	}
	return BytesToIP(s), nil
}

// IsZeroIP reports whether ip is nil or 0.0.0.0.
func IsZeroIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero)
}

// TrimNUL returns the bytes of a NUL-padded field up to the first NUL.
func TrimNUL(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// FormatMAC formats bytes as a MAC address string.
func FormatMAC(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, ":")
}
