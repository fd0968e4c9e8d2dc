package dhcp

import (
	"encoding/hex"
	"net"
	"strconv"
	"strings"
)

// Value is the interpreted payload of a decoded option. The set of
// implementations is closed: Address, AddressList, Uint, Bytes and Unknown.
type Value interface {
	String() string
	isValue()
}

// Address is a single IPv4 address.
type Address struct {
	IP net.IP
}

// AddressList is a sequence of IPv4 addresses.
type AddressList struct {
	IPs []net.IP
}

// Uint is a big-endian unsigned integer of Width bytes.
type Uint struct {
	Width int
	Value uint32
}

// Bytes is an opaque payload of a catalogued option.
type Bytes struct {
	Data []byte
}

// Unknown is the payload of an option code missing from the catalog.
type Unknown struct {
	Data []byte
}

func (Address) isValue()     {}
func (AddressList) isValue() {}
func (Uint) isValue()        {}
func (Bytes) isValue()       {}
func (Unknown) isValue()     {}

func (v Address) String() string { return v.IP.String() }

func (v AddressList) String() string {
	parts := make([]string, len(v.IPs))
	for i, ip := range v.IPs {
		parts[i] = ip.String()
	}
	return strings.Join(parts, ",")
}

func (v Uint) String() string { return strconv.FormatUint(uint64(v.Value), 10) }

func (v Bytes) String() string { return hex.EncodeToString(v.Data) }

func (v Unknown) String() string { return hex.EncodeToString(v.Data) }
