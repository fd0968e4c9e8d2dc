package dhcp

import (
	"fmt"

	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// LengthKind enumerates how an option constrains its payload length.
type LengthKind uint8

const (
	LengthNoPayload LengthKind = iota // Pad and End: no length byte, no value
	LengthFixed                       // exactly N bytes
	LengthMultiple                    // one or more elements of N bytes
	LengthVariable                    // at least N bytes
)

// LengthSpec is the payload length rule of an option.
type LengthSpec struct {
	Kind LengthKind
	N    int
}

// NoPayload is the length rule of Pad and End.
func NoPayload() LengthSpec { return LengthSpec{Kind: LengthNoPayload} }

// Fixed requires exactly n payload bytes.
func Fixed(n int) LengthSpec { return LengthSpec{Kind: LengthFixed, N: n} }

// Multiple requires a non-zero multiple of elem payload bytes.
func Multiple(elem int) LengthSpec { return LengthSpec{Kind: LengthMultiple, N: elem} }

// Variable requires at least min payload bytes.
func Variable(min int) LengthSpec { return LengthSpec{Kind: LengthVariable, N: min} }

// Check reports whether a payload of n bytes satisfies the rule.
func (s LengthSpec) Check(n int) error {
	switch s.Kind {
	case LengthNoPayload:
		if n != 0 {
			return fmt.Errorf("%w: %d bytes for an option without payload", ErrMalformedLength, n)
		}
	case LengthFixed:
		if n != s.N {
			return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedLength, n, s.N)
		}
	case LengthMultiple:
		if n == 0 || n%s.N != 0 {
			return fmt.Errorf("%w: got %d bytes, want a multiple of %d", ErrMalformedLength, n, s.N)
		}
	case LengthVariable:
		if n < s.N {
			return fmt.Errorf("%w: got %d bytes, want at least %d", ErrMalformedLength, n, s.N)
		}
	}
	return nil
}

func (s LengthSpec) String() string {
	switch s.Kind {
	case LengthNoPayload:
		return "none"
	case LengthFixed:
		return fmt.Sprintf("%d", s.N)
	case LengthMultiple:
		return fmt.Sprintf("%d*n", s.N)
	default:
		return fmt.Sprintf("%d+", s.N)
	}
}

// OptionType selects how an option payload is interpreted.
type OptionType int

const (
	TypeIP     OptionType = iota // Single IPv4 address (4 bytes)
	TypeIPList                   // IPv4 addresses (N*4 bytes), pairs included
	TypeUint                     // 1, 2 or 4 bytes big-endian
	TypeBytes                    // Opaque payload
)

// OptionDef defines a DHCP option's metadata for the catalog.
type OptionDef struct {
	Code   dhcpv4.OptionCode
	Name   string
	Length LengthSpec
	Type   OptionType
	Known  bool // false for the synthetic definition of unlisted codes
}

func def(code dhcpv4.OptionCode, name string, length LengthSpec, typ OptionType) OptionDef {
	return OptionDef{Code: code, Name: name, Length: length, Type: typ, Known: true}
}

// optionCatalog maps option codes to their definitions. Built once; never
// mutated.
var optionCatalog = func() map[dhcpv4.OptionCode]OptionDef {
	defs := []OptionDef{
		def(dhcpv4.OptionPad, "Pad", NoPayload(), TypeBytes),
		def(dhcpv4.OptionEnd, "End", NoPayload(), TypeBytes),

		// RFC 2132 §3
		def(dhcpv4.OptionSubnetMask, "Subnet Mask", Fixed(4), TypeIP),
		def(dhcpv4.OptionTimeOffset, "Time Offset", Fixed(4), TypeUint),
		def(dhcpv4.OptionRouter, "Router", Multiple(4), TypeIPList),
		def(dhcpv4.OptionTimeServer, "Time Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionNameServer, "Name Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionDomainNameServer, "Domain Name Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionLogServer, "Log Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionCookieServer, "Cookie Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionLPRServer, "LPR Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionImpressServer, "Impress Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionResourceLocationServer, "Resource Location Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionHostname, "Host Name", Variable(1), TypeBytes),
		def(dhcpv4.OptionBootFileSize, "Boot File Size", Fixed(2), TypeUint),
		def(dhcpv4.OptionMeritDumpFile, "Merit Dump File", Variable(1), TypeBytes),
		def(dhcpv4.OptionDomainName, "Domain Name", Variable(1), TypeBytes),
		def(dhcpv4.OptionSwapServer, "Swap Server", Fixed(4), TypeIP),
		def(dhcpv4.OptionRootPath, "Root Path", Variable(1), TypeBytes),
		def(dhcpv4.OptionExtensionsPath, "Extensions Path", Variable(1), TypeBytes),

		// RFC 2132 §4, IP layer parameters per host
		def(dhcpv4.OptionIPForwarding, "IP Forwarding", Fixed(1), TypeUint),
		def(dhcpv4.OptionNonLocalSourceRouting, "Non-Local Source Routing", Fixed(1), TypeUint),
		def(dhcpv4.OptionPolicyFilter, "Policy Filter", Multiple(8), TypeIPList),
		def(dhcpv4.OptionMaxDatagramReassembly, "Max Datagram Reassembly Size", Fixed(2), TypeUint),
		def(dhcpv4.OptionDefaultIPTTL, "Default IP TTL", Fixed(1), TypeUint),
		def(dhcpv4.OptionPathMTUAgingTimeout, "Path MTU Aging Timeout", Fixed(4), TypeUint),
		def(dhcpv4.OptionPathMTUPlateauTable, "Path MTU Plateau Table", Multiple(2), TypeBytes),

		// RFC 2132 §5, IP layer parameters per interface
		def(dhcpv4.OptionInterfaceMTU, "Interface MTU", Fixed(2), TypeUint),
		def(dhcpv4.OptionAllSubnetsLocal, "All Subnets Local", Fixed(1), TypeUint),
		def(dhcpv4.OptionBroadcastAddress, "Broadcast Address", Fixed(4), TypeIP),
		def(dhcpv4.OptionPerformMaskDiscovery, "Perform Mask Discovery", Fixed(1), TypeUint),
		def(dhcpv4.OptionMaskSupplier, "Mask Supplier", Fixed(1), TypeUint),
		def(dhcpv4.OptionPerformRouterDiscovery, "Perform Router Discovery", Fixed(1), TypeUint),
		def(dhcpv4.OptionRouterSolicitAddr, "Router Solicitation Address", Fixed(4), TypeIP),
		def(dhcpv4.OptionStaticRoute, "Static Route", Multiple(8), TypeIPList),

		// RFC 2132 §6, link layer parameters per interface
		def(dhcpv4.OptionTrailerEncapsulation, "Trailer Encapsulation", Fixed(1), TypeUint),
		def(dhcpv4.OptionARPCacheTimeout, "ARP Cache Timeout", Fixed(4), TypeUint),
		def(dhcpv4.OptionEthernetEncapsulation, "Ethernet Encapsulation", Fixed(1), TypeUint),

		// RFC 2132 §7, TCP parameters
		def(dhcpv4.OptionTCPDefaultTTL, "TCP Default TTL", Fixed(1), TypeUint),
		def(dhcpv4.OptionTCPKeepaliveInterval, "TCP Keepalive Interval", Fixed(4), TypeUint),
		def(dhcpv4.OptionTCPKeepaliveGarbage, "TCP Keepalive Garbage", Fixed(1), TypeUint),

		// RFC 2132 §8, application and service parameters
		def(dhcpv4.OptionNISDomain, "NIS Domain", Multiple(1), TypeBytes),
		def(dhcpv4.OptionNISServers, "NIS Servers", Multiple(4), TypeIPList),
		def(dhcpv4.OptionNTPServers, "NTP Servers", Multiple(4), TypeIPList),
		def(dhcpv4.OptionVendorSpecific, "Vendor Specific", Multiple(1), TypeBytes),
		def(dhcpv4.OptionNetBIOSNameServer, "NetBIOS Name Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionNetBIOSDatagramDist, "NetBIOS Datagram Distribution", Multiple(4), TypeIPList),
		def(dhcpv4.OptionNetBIOSNodeType, "NetBIOS Node Type", Fixed(1), TypeUint),
		def(dhcpv4.OptionNetBIOSScope, "NetBIOS Scope", Variable(1), TypeBytes),
		def(dhcpv4.OptionXWindowFontServer, "X Window Font Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionXWindowDisplayManager, "X Window Display Manager", Multiple(4), TypeIPList),
		def(dhcpv4.OptionNISPlusDomain, "NIS+ Domain", Variable(1), TypeBytes),
		def(dhcpv4.OptionNISPlusServers, "NIS+ Servers", Multiple(4), TypeIPList),
		def(dhcpv4.OptionMobileIPHomeAgent, "Mobile IP Home Agent", Multiple(4), TypeIPList),
		def(dhcpv4.OptionSMTPServer, "SMTP Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionPOP3Server, "POP3 Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionNNTPServer, "NNTP Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionWWWServer, "Default WWW Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionFingerServer, "Default Finger Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionIRCServer, "Default IRC Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionStreetTalkServer, "StreetTalk Server", Multiple(4), TypeIPList),
		def(dhcpv4.OptionSTDAServer, "StreetTalk Directory Assistance Server", Multiple(4), TypeIPList),

		// RFC 2132 §9, DHCP extensions
		def(dhcpv4.OptionRequestedIP, "Requested IP", Fixed(4), TypeIP),
		def(dhcpv4.OptionIPLeaseTime, "IP Lease Time", Fixed(4), TypeUint),
		def(dhcpv4.OptionOverload, "Overload", Fixed(1), TypeUint),
		def(dhcpv4.OptionDHCPMessageType, "DHCP Message Type", Fixed(1), TypeUint),
		def(dhcpv4.OptionServerIdentifier, "Server Identifier", Fixed(4), TypeIP),
		def(dhcpv4.OptionParameterRequestList, "Parameter Request List", Variable(1), TypeBytes),
		def(dhcpv4.OptionMessage, "Message", Variable(1), TypeBytes),
		def(dhcpv4.OptionMaxDHCPMessageSize, "Max DHCP Message Size", Fixed(2), TypeUint),
		def(dhcpv4.OptionRenewalTime, "Renewal Time (T1)", Fixed(4), TypeUint),
		def(dhcpv4.OptionRebindingTime, "Rebinding Time (T2)", Fixed(4), TypeUint),
		def(dhcpv4.OptionVendorClassID, "Vendor Class Identifier", Variable(1), TypeBytes),
		def(dhcpv4.OptionClientIdentifier, "Client Identifier", Variable(2), TypeBytes),
		def(dhcpv4.OptionTFTPServerName, "TFTP Server Name", Variable(1), TypeBytes),
		def(dhcpv4.OptionBootfileName, "Bootfile Name", Variable(1), TypeBytes),

		// Documented elsewhere
		def(dhcpv4.OptionUserClass, "User Class", Variable(1), TypeBytes),
		def(dhcpv4.OptionClientFQDN, "Client FQDN", Variable(3), TypeBytes),
		def(dhcpv4.OptionRelayAgentInfo, "Relay Agent Information", Variable(2), TypeBytes),
		def(dhcpv4.OptionNDSServers, "NDS Servers", Multiple(4), TypeIPList),
		def(dhcpv4.OptionNDSTreeName, "NDS Tree Name", Variable(0), TypeBytes),
		def(dhcpv4.OptionNDSContext, "NDS Context", Variable(0), TypeBytes),
		def(dhcpv4.OptionTimeZonePOSIX, "Time Zone, POSIX Style", Variable(0), TypeBytes),
		def(dhcpv4.OptionTimeZoneDB, "Time Zone, tz Database Style", Variable(0), TypeBytes),
		def(dhcpv4.OptionSubnetSelection, "Subnet Selection", Fixed(4), TypeIP),
		def(dhcpv4.OptionDomainSearch, "Domain Search", Variable(0), TypeBytes),
		def(dhcpv4.OptionClasslessStaticRoute, "Classless Static Route", Variable(0), TypeBytes),
		def(dhcpv4.OptionVIVendorClass, "Vendor-Identifying Vendor Class", Variable(0), TypeBytes),
		def(dhcpv4.OptionVIVendorSpecific, "Vendor-Identifying Vendor Specific", Variable(0), TypeBytes),
		def(dhcpv4.OptionTFTPServerAddress, "TFTP Server Address", Multiple(4), TypeIPList),
	}

	m := make(map[dhcpv4.OptionCode]OptionDef, len(defs))
	for _, d := range defs {
		m[d.Code] = d
	}
	return m
}()

// LookupOption returns the definition for an option code. Codes missing
// from the catalog get a synthetic "Unknown" definition whose length always
// comes from the wire.
func LookupOption(code dhcpv4.OptionCode) OptionDef {
	if d, ok := optionCatalog[code]; ok {
		return d
	}
	return OptionDef{
		Code:   code,
		Name:   fmt.Sprintf("Unknown(%d)", code),
		Length: Variable(0),
		Type:   TypeBytes,
	}
}
