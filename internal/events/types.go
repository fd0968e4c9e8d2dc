// Package events provides the event bus and hook dispatcher for athena-dhcplisten.
package events

import (
	"net"
	"strconv"
	"time"
)

// EventType represents a listener event.
type EventType string

const (
	EventHostDiscovered EventType = "host.discovered"
	EventPacketAnomaly  EventType = "packet.anomaly"
	EventRogueServer    EventType = "server.rogue"
)

// Event is the core event payload passed through the event bus.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Host      *HostData    `json:"host,omitempty"`
	Anomaly   *AnomalyData `json:"anomaly,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// HostData carries a first-seen classification.
type HostData struct {
	IP        net.IP           `json:"ip"`
	Role      string           `json:"role"`
	Evidence  string           `json:"evidence"`
	MAC       net.HardwareAddr `json:"mac,omitempty"`
	Vendor    string           `json:"vendor,omitempty"` // NIC vendor of MAC, when known
	Source    net.IP           `json:"source,omitempty"` // sender of the packet that classified the host
	Interface string           `json:"interface,omitempty"`
}

// AnomalyData describes a dropped or partially decoded packet.
type AnomalyData struct {
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	Interface string `json:"interface,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ToEnvVars converts an event to environment variables for script hooks.
func (e *Event) ToEnvVars() map[string]string {
	env := map[string]string{
		"ATHENA_EVENT":     string(e.Type),
		"ATHENA_TIMESTAMP": strconv.FormatInt(e.Timestamp.Unix(), 10),
	}

	if e.Host != nil {
		h := e.Host
		if h.IP != nil {
			env["ATHENA_IP"] = h.IP.String()
		}
		env["ATHENA_ROLE"] = h.Role
		env["ATHENA_EVIDENCE"] = h.Evidence
		if h.MAC != nil {
			env["ATHENA_MAC"] = h.MAC.String()
		}
		if h.Vendor != "" {
			env["ATHENA_VENDOR"] = h.Vendor
		}
		if h.Source != nil {
			env["ATHENA_SOURCE"] = h.Source.String()
		}
		if h.Interface != "" {
			env["ATHENA_INTERFACE"] = h.Interface
		}
	}

	if e.Anomaly != nil {
		a := e.Anomaly
		env["ATHENA_ANOMALY"] = a.Kind
		env["ATHENA_SOURCE"] = a.Source
		if a.Interface != "" {
			env["ATHENA_INTERFACE"] = a.Interface
		}
		if a.Detail != "" {
			env["ATHENA_DETAIL"] = a.Detail
		}
	}

	if e.Reason != "" {
		env["ATHENA_REASON"] = e.Reason
	}

	return env
}

// Role returns the host role carried by the event, or "".
func (e *Event) Role() string {
	if e.Host != nil {
		return e.Host.Role
	}
	return ""
}
