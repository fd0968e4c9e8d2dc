package dhcp

import (
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"

	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// textOptions carry NVT ASCII strings.
var textOptions = map[dhcpv4.OptionCode]bool{
	dhcpv4.OptionHostname:       true,
	dhcpv4.OptionMeritDumpFile:  true,
	dhcpv4.OptionDomainName:     true,
	dhcpv4.OptionRootPath:       true,
	dhcpv4.OptionExtensionsPath: true,
	dhcpv4.OptionNISDomain:      true,
	dhcpv4.OptionNetBIOSScope:   true,
	dhcpv4.OptionMessage:        true,
	dhcpv4.OptionVendorClassID:  true,
	dhcpv4.OptionNISPlusDomain:  true,
	dhcpv4.OptionTFTPServerName: true,
	dhcpv4.OptionBootfileName:   true,
	dhcpv4.OptionNDSTreeName:    true,
	dhcpv4.OptionNDSContext:     true,
	dhcpv4.OptionTimeZonePOSIX:  true,
	dhcpv4.OptionTimeZoneDB:     true,
}

// FormatValue renders an option value for humans. It is used for debug
// logging only and never changes how an option is classified.
func FormatValue(o Option) string {
	switch v := o.Value.(type) {
	case nil:
		return hex.EncodeToString(o.Raw)
	case Uint:
		if o.Code == dhcpv4.OptionDHCPMessageType {
			return dhcpv4.MessageType(v.Value).String()
		}
		return v.String()
	case Bytes:
		switch {
		case textOptions[o.Code] && utf8.Valid(v.Data):
			return strconv.Quote(strings.TrimRight(string(v.Data), "\x00"))
		case o.Code == dhcpv4.OptionDomainSearch:
			if names, ok := domainSearchList(v.Data); ok {
				return strings.Join(names, ",")
			}
		case o.Code == dhcpv4.OptionParameterRequestList:
			codes := make([]string, len(v.Data))
			for i, c := range v.Data {
				codes[i] = strconv.Itoa(int(c))
			}
			return strings.Join(codes, ",")
		}
		return v.String()
	default:
		return v.String()
	}
}

// domainSearchList decodes the RFC 3397 domain search option, a sequence of
// RFC 1035 names that may use compression pointers into the option itself.
func domainSearchList(b []byte) ([]string, bool) {
	var names []string
	for off := 0; off < len(b); {
		name, next, err := dns.UnpackDomainName(b, off)
		if err != nil || next <= off {
			return nil, false
		}
		names = append(names, name)
		off = next
	}
	return names, len(names) > 0
}
