// Package rogue flags discovered DHCP servers that are not on the operator's
// list of authorized servers and raises alerts via the event bus.
package rogue

import (
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
)

// ServerEntry represents an unauthorized DHCP server.
type ServerEntry struct {
	ServerIP     string    `json:"server_ip"`
	Evidence     string    `json:"evidence"`
	ReportedBy   string    `json:"reported_by,omitempty"` // sender of the revealing packet
	Interface    string    `json:"interface,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	Acknowledged bool      `json:"acknowledged"`
}

// Detector checks discovered servers against the authorized list.
type Detector struct {
	bus        *events.Bus // optional
	logger     *slog.Logger
	mu         sync.RWMutex
	authorized map[string]bool
	known      map[string]*ServerEntry // serverIP → entry
}

// NewDetector creates a detector that trusts the given servers. bus may be nil.
func NewDetector(authorized []net.IP, bus *events.Bus, logger *slog.Logger) *Detector {
	d := &Detector{
		bus:        bus,
		logger:     logger,
		authorized: make(map[string]bool, len(authorized)),
		known:      make(map[string]*ServerEntry),
	}
	for _, ip := range authorized {
		d.authorized[ip.String()] = true
	}
	return d
}

// Report is called once for every newly discovered server. It returns true
// when the server is not authorized.
func (d *Detector) Report(server net.IP, evidence string, reportedBy net.IP, iface string, ts time.Time) bool {
	sip := server.String()

	d.mu.Lock()
	if d.authorized[sip] {
		d.mu.Unlock()
		return false
	}
	if _, exists := d.known[sip]; exists {
		d.mu.Unlock()
		return true
	}

	entry := &ServerEntry{
		ServerIP:  sip,
		Evidence:  evidence,
		Interface: iface,
		FirstSeen: ts,
	}
	if reportedBy != nil {
		entry.ReportedBy = reportedBy.String()
	}
	d.known[sip] = entry
	d.mu.Unlock()

	metrics.RogueServers.Inc()
	d.logger.Error("unauthorized DHCP server detected",
		"server_ip", sip,
		"evidence", evidence,
		"reported_by", entry.ReportedBy,
		"interface", iface)

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:      events.EventRogueServer,
			Timestamp: ts,
			Host: &events.HostData{
				IP:        server,
				Role:      "server",
				Evidence:  evidence,
				Source:    reportedBy,
				Interface: iface,
			},
			Reason: "not an authorized server",
		})
	}
	return true
}

// Acknowledge marks an unauthorized server as known to the operator.
func (d *Detector) Acknowledge(serverIP string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.known[serverIP]
	if !ok {
		return fmt.Errorf("rogue server %s not found", serverIP)
	}
	entry.Acknowledged = true
	return nil
}

// Authorize adds a server to the authorized list and forgets any alert
// raised for it.
func (d *Detector) Authorize(ip net.IP) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authorized[ip.String()] = true
	delete(d.known, ip.String())
}

// All returns the unauthorized servers seen so far, oldest first.
func (d *Detector) All() []ServerEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]ServerEntry, 0, len(d.known))
	for _, e := range d.known {
		result = append(result, *e)
	}
	slices.SortFunc(result, func(a, b ServerEntry) int {
		return a.FirstSeen.Compare(b.FirstSeen)
	})
	return result
}

// IsRogue reports whether ip was flagged as unauthorized. A nil detector
// flags nothing.
func (d *Detector) IsRogue(ip net.IP) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.known[ip.String()]
	return ok
}

// Count returns the number of unauthorized servers seen.
func (d *Detector) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.known)
}

// ActiveCount returns the number of unacknowledged unauthorized servers.
func (d *Detector) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, e := range d.known {
		if !e.Acknowledged {
			count++
		}
	}
	return count
}
