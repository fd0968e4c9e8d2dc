// Package monitor runs the receive loop: each datagram from a capture source
// is decoded, classified by the tracker, and its discoveries and anomalies
// are published on the event bus.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/capture"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/dhcp"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/macvendor"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/rogue"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/tracker"
	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// Anomaly kinds, used as metric labels and in packet.anomaly events.
const (
	AnomalyBufferTooShort  = "buffer_too_short"
	AnomalyMagicCookie     = "magic_cookie_mismatch"
	AnomalyWrongSourcePort = "wrong_source_port"
	AnomalyTruncatedOption = "truncated_option"
	AnomalyUndecodable     = "undecodable"
)

// DiscoveryFunc receives every first-seen host, in discovery order.
type DiscoveryFunc func(evt tracker.Event, d capture.Datagram)

// Stats summarizes the datagrams handled so far.
type Stats struct {
	Packets   uint64
	Accepted  uint64
	Filtered  uint64
	Anomalies uint64

	// Suppressed counts anomalies not logged or published.
	Suppressed uint64
}

// Monitor ties a capture source to the tracker and the event bus.
type Monitor struct {
	source   capture.Source
	tracker  *tracker.Tracker
	bus      *events.Bus // optional
	recorder *capture.Recorder
	vendors  *macvendor.DB
	limiter  *ReportLimiter
	rogue    *rogue.Detector
	onFound  DiscoveryFunc
	logger   *slog.Logger

	packets   atomic.Uint64
	accepted  atomic.Uint64
	filtered  atomic.Uint64
	anomalies atomic.Uint64
}

// New creates a monitor. bus may be nil.
func New(source capture.Source, tr *tracker.Tracker, bus *events.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:  source,
		tracker: tr,
		bus:     bus,
		logger:  logger,
	}
}

// OnDiscovery registers a callback for first-seen hosts.
func (m *Monitor) OnDiscovery(fn DiscoveryFunc) {
	m.onFound = fn
}

// SetRecorder copies every received datagram to r before it is handled.
func (m *Monitor) SetRecorder(r *capture.Recorder) {
	m.recorder = r
}

// SetVendorDB labels client discoveries with the vendor of their MAC.
func (m *Monitor) SetVendorDB(db *macvendor.DB) {
	m.vendors = db
}

// SetReportLimiter throttles anomaly logs and events. Without a limiter
// every anomaly is reported.
func (m *Monitor) SetReportLimiter(l *ReportLimiter) {
	m.limiter = l
}

// SetRogueDetector checks every discovered server against d.
func (m *Monitor) SetRogueDetector(d *rogue.Detector) {
	m.rogue = d
}

// Stats returns packet counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Packets:    m.packets.Load(),
		Accepted:   m.accepted.Load(),
		Filtered:   m.filtered.Load(),
		Anomalies:  m.anomalies.Load(),
		Suppressed: m.limiter.Suppressed(),
	}
}

// Run handles datagrams until ctx is cancelled or the source is exhausted.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		d, err := m.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				m.logger.Info("capture source exhausted")
				return nil
			case ctx.Err() != nil:
				return nil
			}
			return err
		}

		m.HandleDatagram(d)
		d.Release()
	}
}

// HandleDatagram processes one datagram and returns the hosts it revealed.
// The error reports why the packet, or part of its options, was discarded;
// it is informational and has already been logged and counted.
func (m *Monitor) HandleDatagram(d capture.Datagram) ([]tracker.Event, error) {
	start := time.Now()
	defer func() {
		metrics.PacketProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	m.packets.Add(1)

	if m.recorder != nil {
		if err := m.recorder.Record(d); err != nil {
			m.logger.Warn("recording datagram", "error", err)
		}
	}

	var srcIP net.IP
	srcPort := 0
	if d.Source != nil {
		srcIP = d.Source.IP.To4()
		srcPort = d.Source.Port
	}

	// The source port is judged before the payload, so a malformed packet
	// from a non-server port is still a wrong_source_port anomaly.
	if srcPort != dhcpv4.ServerPort {
		err := fmt.Errorf("%w: sender %s port %d", tracker.ErrWrongSourcePort, srcIP, srcPort)
		metrics.PacketsReceived.WithLabelValues(metrics.OutcomeAnomaly).Inc()
		m.anomaly(d, AnomalyWrongSourcePort, err)
		return nil, err
	}

	decoded, err := dhcp.DecodePacket(d.Payload)
	if err != nil {
		metrics.PacketsReceived.WithLabelValues(metrics.OutcomeAnomaly).Inc()
		m.anomaly(d, decodeKind(err), err)
		return nil, err
	}

	if decoded.Filtered {
		m.filtered.Add(1)
		metrics.PacketsReceived.WithLabelValues(metrics.OutcomeFiltered).Inc()
		m.logger.Debug("ignoring packet",
			"reason", decoded.FilterReason,
			"src", addrString(d.Source))
		return nil, nil
	}

	options := dhcp.ParseOptions(decoded.Options)
	evts, err := m.tracker.Process(srcIP, false, decoded.Header, options)

	m.accepted.Add(1)
	metrics.PacketsReceived.WithLabelValues(metrics.OutcomeAccepted).Inc()

	if err != nil {
		m.optionErrors(d, err)
	}
	if m.logger.Enabled(context.Background(), slog.LevelDebug) {
		m.dumpOptions(decoded, options)
	}

	for _, e := range evts {
		m.discovered(e, d, srcIP)
	}
	return evts, err
}

// discovered reports one first-seen host.
func (m *Monitor) discovered(e tracker.Event, d capture.Datagram, src net.IP) {
	metrics.HostsDiscovered.WithLabelValues(e.Role.String()).Inc()
	metrics.RegistryHosts.Set(float64(m.tracker.Registry().Len()))

	attrs := []any{
		"ip", e.Address.String(),
		"role", e.Role.String(),
		"evidence", string(e.Evidence),
	}
	var vendor string
	if e.HardwareAddr != nil {
		attrs = append(attrs, "mac", e.HardwareAddr.String())
		if vendor = m.vendors.Lookup(e.HardwareAddr); vendor != "" {
			attrs = append(attrs, "vendor", vendor)
		}
	}
	if d.Interface != "" {
		attrs = append(attrs, "interface", d.Interface)
	}
	m.logger.Info("host discovered", attrs...)

	if m.onFound != nil {
		m.onFound(e, d)
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventHostDiscovered,
			Timestamp: eventTime(d),
			Host: &events.HostData{
				IP:        e.Address,
				Role:      e.Role.String(),
				Evidence:  string(e.Evidence),
				MAC:       e.HardwareAddr,
				Vendor:    vendor,
				Source:    src,
				Interface: d.Interface,
			},
		})
	}

	if m.rogue != nil && e.Role == tracker.RoleServer {
		m.rogue.Report(e.Address, string(e.Evidence), src, d.Interface, eventTime(d))
	}
}

// anomaly reports a packet discarded as a whole or in part.
func (m *Monitor) anomaly(d capture.Datagram, kind string, err error) {
	m.anomalies.Add(1)
	metrics.Anomalies.WithLabelValues(kind).Inc()

	var host string
	if d.Source != nil {
		host = d.Source.IP.String()
	}
	if !m.limiter.Allow(host) {
		metrics.AnomalyReportsSuppressed.Inc()
		return
	}

	m.logger.Warn("packet anomaly",
		"kind", kind,
		"error", err,
		"src", addrString(d.Source),
		"size", len(d.Payload))

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventPacketAnomaly,
			Timestamp: eventTime(d),
			Anomaly: &events.AnomalyData{
				Kind:      kind,
				Source:    addrString(d.Source),
				Interface: d.Interface,
				Detail:    err.Error(),
			},
		})
	}
}

// optionErrors accounts for the option failures of an accepted packet. A
// truncated stream is an anomaly; a malformed option only costs that option.
func (m *Monitor) optionErrors(d capture.Datagram, err error) {
	for _, e := range splitErrors(err) {
		switch {
		case errors.Is(e, dhcp.ErrTruncatedOption):
			metrics.OptionErrors.WithLabelValues("truncated").Inc()
			m.anomaly(d, AnomalyTruncatedOption, e)
		case errors.Is(e, dhcp.ErrMalformedLength):
			metrics.OptionErrors.WithLabelValues("malformed_length").Inc()
			m.logger.Debug("skipping malformed option",
				"error", e,
				"src", addrString(d.Source))
		default:
			m.logger.Debug("option error", "error", e, "src", addrString(d.Source))
		}
	}
}

func (m *Monitor) dumpOptions(decoded *dhcp.Decoded, options iter.Seq2[dhcp.Option, error]) {
	h := decoded.Header
	m.logger.Debug("reply header",
		"xid", h.XID,
		"yiaddr", h.YIAddr.String(),
		"siaddr", h.SIAddr.String(),
		"giaddr", h.GIAddr.String(),
		"chaddr", dhcpv4.FormatMAC(h.HardwareAddr()),
		"sname", h.ServerName(),
		"file", h.BootFileName(),
		"broadcast", h.IsBroadcast())
	for opt, err := range options {
		if err != nil {
			continue
		}
		m.logger.Debug("option",
			"code", uint8(opt.Code),
			"name", opt.Name(),
			"value", dhcp.FormatValue(opt))
	}
}

// decodeKind maps a decode error to its anomaly kind.
func decodeKind(err error) string {
	switch {
	case errors.Is(err, dhcp.ErrBufferTooShort):
		return AnomalyBufferTooShort
	case errors.Is(err, dhcp.ErrMagicCookieMismatch):
		return AnomalyMagicCookie
	default:
		return AnomalyUndecodable
	}
}

func splitErrors(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func eventTime(d capture.Datagram) time.Time {
	if d.Timestamp.IsZero() {
		return time.Now()
	}
	return d.Timestamp
}
