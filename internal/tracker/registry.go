// Package tracker classifies hosts seen in DHCP replies as servers or clients
// and keeps the first-seen registry.
package tracker

import (
	"net"
	"sync"
	"time"
)

// Role is the classification of a host. It never changes once assigned.
type Role int

const (
	RoleServer Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Evidence names the rule that classified a host.
type Evidence string

const (
	EvidenceSourcePort       Evidence = "source-port"       // sent a reply from port 67
	EvidenceServerIdentifier Evidence = "server-identifier" // named in option 54
	EvidenceAck              Evidence = "ack"               // yiaddr of a DHCPACK
)

// HostRecord is a classified host.
type HostRecord struct {
	Address      net.IP
	Role         Role
	Evidence     Evidence
	HardwareAddr net.HardwareAddr // clients only
	FirstSeen    time.Time
}

// Registry maps IPv4 addresses to host records. It only grows: records are
// never updated or removed.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*HostRecord // ip.String() → record
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*HostRecord)}
}

// insert adds rec unless its address is already known. It reports whether
// the record was added.
func (r *Registry) insert(rec HostRecord) bool {
	key := rec.Address.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hosts[key]; exists {
		return false
	}
	r.hosts[key] = &rec
	r.order = append(r.order, key)
	return true
}

// Lookup returns the record for ip.
func (r *Registry) Lookup(ip net.IP) (HostRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.hosts[ip.String()]
	if !ok {
		return HostRecord{}, false
	}
	return *rec, true
}

// Len returns the number of classified hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// All returns every record in first-seen order.
func (r *Registry) All() []HostRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]HostRecord, 0, len(r.order))
	for _, key := range r.order {
		result = append(result, *r.hosts[key])
	}
	return result
}

// Count returns the number of hosts with the given role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.hosts {
		if rec.Role == role {
			n++
		}
	}
	return n
}
