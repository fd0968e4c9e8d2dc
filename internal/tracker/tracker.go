package tracker

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/dhcp"
	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// ErrWrongSourcePort is returned for replies not sent from the DHCP server port.
var ErrWrongSourcePort = errors.New("reply not sent from server port")

// Event reports a host classified for the first time.
type Event struct {
	Address      net.IP
	Role         Role
	Evidence     Evidence
	HardwareAddr net.HardwareAddr
}

// Tracker applies the classification rules to observed replies.
type Tracker struct {
	registry *Registry
	filter   net.IP // optional address of interest
	logger   *slog.Logger
	now      func() time.Time

	// mu serializes Process so that one packet's events are contiguous and
	// each new address yields exactly one event.
	mu sync.Mutex
}

// NewTracker creates a tracker with an empty registry. A nil filter
// disables filtering.
func NewTracker(filter net.IP, logger *slog.Logger) *Tracker {
	if filter != nil {
		filter = filter.To4()
	}
	return &Tracker{
		registry: NewRegistry(),
		filter:   filter,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry returns the tracker's registry.
func (t *Tracker) Registry() *Registry {
	return t.registry
}

// Filter returns the configured address of interest, or nil.
func (t *Tracker) Filter() net.IP {
	return t.filter
}

// Process classifies the hosts evidenced by one decoded reply and returns
// the first-seen events in the order they were recorded.
//
// A reply from the wrong source port is discarded with ErrWrongSourcePort.
// Option errors are returned alongside the events: a truncated option stream
// discards every option of the packet, while malformed options are skipped
// individually. The sender classification stands in both cases.
func (t *Tracker) Process(src net.IP, wrongSourcePort bool, h *dhcp.Header, options iter.Seq2[dhcp.Option, error]) ([]Event, error) {
	if wrongSourcePort {
		return nil, fmt.Errorf("%w: sender %s", ErrWrongSourcePort, src)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var evts []Event

	// Only DHCP servers reply from port 67.
	if e, ok := t.record(src, RoleServer, EvidenceSourcePort, nil); ok {
		evts = append(evts, e)
	}

	if t.filter != nil && !src.Equal(t.filter) {
		t.logger.Debug("sender does not match filter, skipping options",
			"src", src.String(),
			"filter", t.filter.String())
		return evts, nil
	}

	set, optErr := dhcp.CollectOptions(options)

	if sid := set.ServerIdentifier(); sid != nil {
		if e, ok := t.record(sid, RoleServer, EvidenceServerIdentifier, nil); ok {
			evts = append(evts, e)
		}
	}

	if set.MessageType() == dhcpv4.MessageTypeAck && !dhcpv4.IsZeroIP(h.YIAddr) {
		if e, ok := t.record(h.YIAddr, RoleClient, EvidenceAck, h.HardwareAddr()); ok {
			evts = append(evts, e)
		}
	}

	return evts, optErr
}

// record inserts a host if absent and returns its discovery event.
func (t *Tracker) record(ip net.IP, role Role, ev Evidence, mac net.HardwareAddr) (Event, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return Event{}, false
	}
	added := t.registry.insert(HostRecord{
		Address:      ip4,
		Role:         role,
		Evidence:     ev,
		HardwareAddr: mac,
		FirstSeen:    t.now(),
	})
	if !added {
		return Event{}, false
	}
	return Event{Address: ip4, Role: role, Evidence: ev, HardwareAddr: mac}, true
}
