// Package metrics defines all Prometheus metrics for athena-dhcplisten.
// All metrics use the "athena_dhcplisten_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "athena_dhcplisten"

// Packet outcomes for PacketsReceived.
const (
	OutcomeAccepted = "accepted"
	OutcomeFiltered = "filtered"
	OutcomeAnomaly  = "anomaly"
)

// --- Packet Metrics ---

var (
	// PacketsReceived counts observed datagrams by processing outcome.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Total DHCP datagrams observed, by outcome (accepted, filtered, anomaly).",
	}, []string{"outcome"})

	// Anomalies counts dropped packets by anomaly kind.
	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_total",
		Help:      "Total packet anomalies, by kind.",
	}, []string{"kind"})

	// OptionErrors counts options that failed to decode.
	OptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "option_errors_total",
		Help:      "Total option decode errors, by kind (truncated, malformed_length).",
	}, []string{"kind"})

	// PacketProcessingDuration tracks per-datagram handling latency.
	PacketProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "packet_processing_duration_seconds",
		Help:      "DHCP datagram processing duration in seconds.",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})
)

// --- Host Registry Metrics ---

var (
	// HostsDiscovered counts first sightings by role.
	HostsDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hosts_discovered_total",
		Help:      "Total hosts classified for the first time, by role.",
	}, []string{"role"})

	// RegistryHosts is the number of addresses in the registry.
	RegistryHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_hosts",
		Help:      "Number of classified hosts in the registry.",
	})
)

// --- Event Bus Metrics ---

var (
	// EventsPublished counts events published to the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus, by type.",
	}, []string{"type"})

	// RogueServers counts discovered servers missing from the authorized list.
	RogueServers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rogue_servers_total",
		Help:      "Total unauthorized DHCP servers discovered.",
	})

	// AnomalyReportsSuppressed counts anomalies counted but not logged or
	// published because the report limiter was exhausted.
	AnomalyReportsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomaly_reports_suppressed_total",
		Help:      "Total packet anomalies not reported due to rate limiting.",
	})

	// EventBufferDrops counts events dropped due to full buffer.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped because the event buffer was full.",
	})

	// HookExecutions counts hook executions by type and result.
	HookExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_executions_total",
		Help:      "Total hook executions, by type (script, webhook) and result.",
	}, []string{"type", "result"})

	// HookDuration tracks hook execution latency.
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hook_execution_duration_seconds",
		Help:      "Hook execution duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
	}, []string{"type"})
)

// --- Sink Metrics ---

var (
	// JournalRecords counts discovery records appended to the journal.
	JournalRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "journal_records_total",
		Help:      "Total discovery records written to the journal.",
	})

	// ForwarderWrites counts formatted event writes per output.
	ForwarderWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarder_writes_total",
		Help:      "Total event writes by the syslog forwarder, by output (syslog, file) and result.",
	}, []string{"output", "result"})
)

// --- Listener Info ---

var (
	// ListenerInfo is a constant gauge with build metadata.
	ListenerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "listener_info",
		Help:      "Listener build and version info.",
	}, []string{"version"})

	// StartTime tracks listener start time as a unix timestamp.
	StartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Listener start time as Unix timestamp.",
	})
)
