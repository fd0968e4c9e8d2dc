package dhcp

import (
	"errors"
	"fmt"
	"iter"
	"net"

	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// Option is a single decoded DHCP option.
type Option struct {
	Code  dhcpv4.OptionCode
	Raw   []byte
	Value Value // nil when the option failed to decode
}

// Name returns the catalog name of the option.
func (o Option) Name() string {
	return LookupOption(o.Code).Name
}

// ParseOptions returns a lazy iterator over the TLV option stream that
// follows the fixed header. RFC 2132: options are TLV encoded, except Pad
// and End which are a single code byte.
//
// The iterator is finite and may be ranged over any number of times. A
// malformed option yields an ErrMalformedLength error and iteration moves on;
// a truncated option yields ErrTruncatedOption and iteration stops.
func ParseOptions(data []byte) iter.Seq2[Option, error] {
	return func(yield func(Option, error) bool) {
		i := 0
		for i < len(data) {
			off := i
			code := dhcpv4.OptionCode(data[i])
			i++

			// Pad option (RFC 2132 §3.1)
			if code == dhcpv4.OptionPad {
				continue
			}

			// End option (RFC 2132 §3.2); anything after it is ignored
			if code == dhcpv4.OptionEnd {
				return
			}

			if i >= len(data) {
				yield(Option{Code: code}, &OptionError{
					Code:   code,
					Offset: off,
					Err:    fmt.Errorf("%w: no length byte", ErrTruncatedOption),
				})
				return
			}
			length := int(data[i])
			i++

			payload, err := dhcpv4.Slice(data, i, length)
			if err != nil {
				yield(Option{Code: code}, &OptionError{
					Code:   code,
					Offset: off,
					Err:    fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedOption, length, len(data)-i),
				})
				return
			}
			i += length

			opt, err := decodeOption(code, payload)
			if err != nil {
				err = &OptionError{Code: code, Offset: off, Err: err}
			}
			if !yield(opt, err) {
				return
			}
		}
	}
}

// decodeOption interprets one option payload according to its catalog entry.
func decodeOption(code dhcpv4.OptionCode, payload []byte) (Option, error) {
	d := LookupOption(code)
	raw := make([]byte, len(payload))
	copy(raw, payload)
	opt := Option{Code: code, Raw: raw}

	if err := d.Length.Check(len(raw)); err != nil {
		return opt, err
	}

	if !d.Known {
		opt.Value = Unknown{Data: raw}
		return opt, nil
	}

	switch d.Type {
	case TypeIP:
		opt.Value = Address{IP: dhcpv4.BytesToIP(raw)}
	case TypeIPList:
		ips, err := dhcpv4.BytesToIPList(raw)
		if err != nil {
			return opt, fmt.Errorf("%w: %v", ErrMalformedLength, err)
		}
		// A router list with a single entry is the one router.
		if code == dhcpv4.OptionRouter && len(ips) == 1 {
			opt.Value = Address{IP: ips[0]}
		} else {
			opt.Value = AddressList{IPs: ips}
		}
	case TypeUint:
		v, err := dhcpv4.BytesToUint(raw)
		if err != nil {
			return opt, fmt.Errorf("%w: %v", ErrMalformedLength, err)
		}
		opt.Value = Uint{Width: len(raw), Value: v}
	default:
		opt.Value = Bytes{Data: raw}
	}
	return opt, nil
}

// OptionSet is the fully decoded option list of one packet, in wire order.
type OptionSet []Option

// Get returns the first option with the given code.
func (s OptionSet) Get(code dhcpv4.OptionCode) (Option, bool) {
	for _, o := range s {
		if o.Code == code {
			return o, true
		}
	}
	return Option{}, false
}

// ServerIdentifier returns the address carried in option 54.
func (s OptionSet) ServerIdentifier() net.IP {
	if o, ok := s.Get(dhcpv4.OptionServerIdentifier); ok {
		if a, ok := o.Value.(Address); ok {
			return a.IP
		}
	}
	return nil
}

// MessageType returns the DHCP message type from option 53, or 0.
func (s OptionSet) MessageType() dhcpv4.MessageType {
	if o, ok := s.Get(dhcpv4.OptionDHCPMessageType); ok {
		if u, ok := o.Value.(Uint); ok {
			return dhcpv4.MessageType(u.Value)
		}
	}
	return 0
}

// CollectOptions drains an option iterator. A truncated stream discards
// everything decoded so far and returns a nil set. Malformed options are
// left out of the set and reported joined in the returned error.
func CollectOptions(seq iter.Seq2[Option, error]) (OptionSet, error) {
	var (
		set     OptionSet
		dropped []error
	)
	for opt, err := range seq {
		if err != nil {
			if errors.Is(err, ErrTruncatedOption) {
				return nil, errors.Join(append(dropped, err)...)
			}
			dropped = append(dropped, err)
			continue
		}
		set = append(set, opt)
	}
	return set, errors.Join(dropped...)
}

// NewOption builds an option from a value, encoding its raw payload.
func NewOption(code dhcpv4.OptionCode, v Value) (Option, error) {
	var raw []byte
	switch val := v.(type) {
	case Address:
		raw = dhcpv4.IPToBytes(val.IP)
	case AddressList:
		raw = dhcpv4.IPListToBytes(val.IPs)
	case Uint:
		b, err := dhcpv4.UintToBytes(val.Value, val.Width)
		if err != nil {
			return Option{}, fmt.Errorf("option %d: %w", code, err)
		}
		raw = b
	case Bytes:
		raw = val.Data
	case Unknown:
		raw = val.Data
	default:
		return Option{}, fmt.Errorf("option %d: unsupported value %T", code, v)
	}
	return Option{Code: code, Raw: raw, Value: v}, nil
}

// EncodeOptions serializes options to bytes with end marker.
func EncodeOptions(opts []Option) ([]byte, error) {
	size := 1
	for _, o := range opts {
		size += 2 + len(o.Raw)
	}

	buf := make([]byte, 0, size)
	for _, o := range opts {
		if o.Code == dhcpv4.OptionPad || o.Code == dhcpv4.OptionEnd {
			continue
		}
		if len(o.Raw) > 255 {
			return nil, fmt.Errorf("option %d: payload of %d bytes exceeds 255", o.Code, len(o.Raw))
		}
		buf = append(buf, byte(o.Code), byte(len(o.Raw)))
		buf = append(buf, o.Raw...)
	}

	// End option
	buf = append(buf, byte(dhcpv4.OptionEnd))
	return buf, nil
}
