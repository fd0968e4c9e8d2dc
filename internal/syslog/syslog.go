// Package syslog forwards listener events to a remote syslog collector and to
// a local file, formatted as RFC 5424 key=value text, CEF, or JSON.
package syslog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/config"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
)

// Facility values (RFC 5424)
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// Severity values (RFC 5424)
const (
	SeverityEmergency = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

// Format constants
const (
	FormatRFC5424 = "rfc5424"
	FormatCEF     = "cef"
	FormatJSON    = "json"
)

const (
	cefVendor  = "athena-dhcplisten"
	cefProduct = "DHCP Listener"
	cefVersion = "1.0"
)

// Forwarder subscribes to the event bus and forwards events to configured outputs.
type Forwarder struct {
	cfg    config.SyslogConfig
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	wg     sync.WaitGroup

	// Syslog output
	syslogMu   sync.Mutex
	syslogConn net.Conn

	// File output
	fileMu     sync.Mutex
	fileHandle *os.File
	fileSize   int64
	hostname   string
}

// NewForwarder creates a new event forwarder.
func NewForwarder(cfg config.SyslogConfig, bus *events.Bus, logger *slog.Logger) *Forwarder {
	if cfg.Tag == "" {
		cfg.Tag = config.DefaultSyslogTag
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Facility == 0 {
		cfg.Facility = FacilityLocal0
	}
	if cfg.Format == "" {
		cfg.Format = FormatRFC5424
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}

	return &Forwarder{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		hostname: hostname,
	}
}

// Start opens all enabled outputs, subscribes to the event bus and begins
// forwarding in the background.
func (f *Forwarder) Start() error {
	started := 0

	if f.cfg.Address != "" {
		conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 5*time.Second)
		if err != nil {
			return fmt.Errorf("connecting to syslog %s://%s: %w", f.cfg.Protocol, f.cfg.Address, err)
		}
		f.syslogMu.Lock()
		f.syslogConn = conn
		f.syslogMu.Unlock()
		f.logger.Info("syslog output started", "address", f.cfg.Address, "protocol", f.cfg.Protocol)
		started++
	}

	if f.cfg.FilePath != "" {
		dir := filepath.Dir(f.cfg.FilePath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating log directory %s: %w", dir, err)
		}
		fh, err := os.OpenFile(f.cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			f.closeOutputs()
			return fmt.Errorf("opening log file %s: %w", f.cfg.FilePath, err)
		}
		info, _ := fh.Stat()
		f.fileMu.Lock()
		f.fileHandle = fh
		if info != nil {
			f.fileSize = info.Size()
		}
		f.fileMu.Unlock()
		f.logger.Info("file output started", "path", f.cfg.FilePath)
		started++
	}

	if started == 0 {
		return fmt.Errorf("no outputs configured (set syslog address or file path)")
	}

	f.ch = f.bus.Subscribe(500)
	f.wg.Add(1)
	go f.loop()

	f.logger.Info("event forwarder started", "format", f.cfg.Format, "outputs", started)
	return nil
}

// Stop detaches from the bus, forwards the events already received, and
// closes all outputs. Stop the bus first so nothing is left in flight.
func (f *Forwarder) Stop() {
	if f.ch != nil {
		f.bus.Unsubscribe(f.ch)
	}
	f.wg.Wait()
	f.closeOutputs()
	f.logger.Info("event forwarder stopped")
}

func (f *Forwarder) closeOutputs() {
	f.syslogMu.Lock()
	if f.syslogConn != nil {
		f.syslogConn.Close()
		f.syslogConn = nil
	}
	f.syslogMu.Unlock()

	f.fileMu.Lock()
	if f.fileHandle != nil {
		f.fileHandle.Close()
		f.fileHandle = nil
	}
	f.fileMu.Unlock()
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	for evt := range f.ch {
		f.forward(evt)
	}
}

func (f *Forwarder) forward(evt events.Event) {
	formatted := f.formatEvent(evt)
	f.sendSyslog(evt, formatted)
	f.writeFile(formatted)
}

// formatEvent returns the formatted event string based on the configured format.
func (f *Forwarder) formatEvent(evt events.Event) string {
	switch f.cfg.Format {
	case FormatCEF:
		return FormatCEFMessage(evt)
	case FormatJSON:
		return FormatJSONMessage(evt)
	default:
		return formatKV(evt)
	}
}

// --- Syslog output ---

// syslogLine wraps a message in an RFC 5424 header.
func (f *Forwarder) syslogLine(evt events.Event, msg string) string {
	priority := f.cfg.Facility*8 + eventSeverity(evt)
	ts := evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	return fmt.Sprintf("<%d>1 %s %s %s - - - %s\n", priority, ts, f.hostname, f.cfg.Tag, msg)
}

func (f *Forwarder) sendSyslog(evt events.Event, msg string) {
	f.syslogMu.Lock()
	defer f.syslogMu.Unlock()

	if f.syslogConn == nil {
		return
	}

	line := []byte(f.syslogLine(evt, msg))
	if _, err := f.syslogConn.Write(line); err != nil {
		f.logger.Debug("syslog write failed, reconnecting", "error", err)
		f.syslogConn.Close()
		conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 3*time.Second)
		if err != nil {
			f.logger.Warn("syslog reconnect failed", "error", err)
			f.syslogConn = nil
			metrics.ForwarderWrites.WithLabelValues("syslog", "error").Inc()
			return
		}
		f.syslogConn = conn
		if _, err := f.syslogConn.Write(line); err != nil {
			metrics.ForwarderWrites.WithLabelValues("syslog", "error").Inc()
			return
		}
	}
	metrics.ForwarderWrites.WithLabelValues("syslog", "ok").Inc()
}

// --- File output with rotation ---

func (f *Forwarder) writeFile(msg string) {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()

	if f.fileHandle == nil {
		return
	}

	n, err := f.fileHandle.WriteString(msg + "\n")
	if err != nil {
		f.logger.Debug("file write failed", "error", err)
		metrics.ForwarderWrites.WithLabelValues("file", "error").Inc()
		return
	}
	f.fileSize += int64(n)
	metrics.ForwarderWrites.WithLabelValues("file", "ok").Inc()

	maxBytes := int64(f.cfg.FileMaxSizeMB) * 1024 * 1024
	if maxBytes > 0 && f.fileSize >= maxBytes {
		f.rotateFile()
	}
}

// rotateFile compresses the current file to .1.gz, shifting older backups.
func (f *Forwarder) rotateFile() {
	f.fileHandle.Close()

	backups := f.cfg.FileMaxBackups
	if backups < 1 {
		backups = 1
	}
	for i := backups; i >= 1; i-- {
		dst := fmt.Sprintf("%s.%d.gz", f.cfg.FilePath, i)
		if i == 1 {
			if err := compressFile(f.cfg.FilePath, dst); err != nil {
				f.logger.Warn("compressing rotated log file", "error", err)
			}
			continue
		}
		os.Rename(fmt.Sprintf("%s.%d.gz", f.cfg.FilePath, i-1), dst)
	}
	os.Remove(fmt.Sprintf("%s.%d.gz", f.cfg.FilePath, backups+1))

	fh, err := os.OpenFile(f.cfg.FilePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		f.logger.Warn("failed to reopen log file after rotation", "error", err)
		f.fileHandle = nil
		return
	}
	f.fileHandle = fh
	f.fileSize = 0
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return err
	}
	return gz.Close()
}

// --- Formatters ---

// FormatMessage formats an event into a key=value string.
func FormatMessage(evt events.Event) string {
	return formatKV(evt)
}

func formatKV(evt events.Event) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("event=%s", evt.Type))

	if h := evt.Host; h != nil {
		if h.IP != nil {
			parts = append(parts, fmt.Sprintf("ip=%s", h.IP))
		}
		parts = append(parts, fmt.Sprintf("role=%s", h.Role))
		parts = append(parts, fmt.Sprintf("evidence=%s", h.Evidence))
		if h.MAC != nil {
			parts = append(parts, fmt.Sprintf("mac=%s", h.MAC))
		}
		if h.Vendor != "" {
			parts = append(parts, fmt.Sprintf("vendor=%q", h.Vendor))
		}
		if h.Source != nil {
			parts = append(parts, fmt.Sprintf("src=%s", h.Source))
		}
		if h.Interface != "" {
			parts = append(parts, fmt.Sprintf("interface=%s", h.Interface))
		}
	}

	if a := evt.Anomaly; a != nil {
		parts = append(parts, fmt.Sprintf("anomaly=%s", a.Kind))
		if a.Source != "" {
			parts = append(parts, fmt.Sprintf("src=%s", a.Source))
		}
		if a.Interface != "" {
			parts = append(parts, fmt.Sprintf("interface=%s", a.Interface))
		}
		if a.Detail != "" {
			parts = append(parts, fmt.Sprintf("detail=%q", a.Detail))
		}
	}

	if evt.Reason != "" {
		parts = append(parts, fmt.Sprintf("reason=%s", evt.Reason))
	}

	return strings.Join(parts, " ")
}

// FormatCEFMessage produces ArcSight Common Event Format messages.
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func FormatCEFMessage(evt events.Event) string {
	var ext []string
	ext = append(ext, fmt.Sprintf("rt=%d", evt.Timestamp.UnixMilli()))

	if h := evt.Host; h != nil {
		if h.IP != nil {
			ext = append(ext, fmt.Sprintf("dst=%s", h.IP))
		}
		if h.MAC != nil {
			ext = append(ext, fmt.Sprintf("dmac=%s", h.MAC))
		}
		if h.Source != nil {
			ext = append(ext, fmt.Sprintf("src=%s", h.Source))
		}
		ext = append(ext, fmt.Sprintf("cs1=%s cs1Label=Role", cefEscape(h.Role)))
		ext = append(ext, fmt.Sprintf("cs2=%s cs2Label=Evidence", cefEscape(h.Evidence)))
		if h.Interface != "" {
			ext = append(ext, fmt.Sprintf("deviceInboundInterface=%s", cefEscape(h.Interface)))
		}
	}

	if a := evt.Anomaly; a != nil {
		if host, _, err := net.SplitHostPort(a.Source); err == nil {
			ext = append(ext, fmt.Sprintf("src=%s", host))
		}
		ext = append(ext, fmt.Sprintf("cs1=%s cs1Label=AnomalyKind", cefEscape(a.Kind)))
		if a.Interface != "" {
			ext = append(ext, fmt.Sprintf("deviceInboundInterface=%s", cefEscape(a.Interface)))
		}
		if a.Detail != "" {
			ext = append(ext, fmt.Sprintf("msg=%s", cefEscape(a.Detail)))
		}
	}

	if evt.Reason != "" {
		ext = append(ext, fmt.Sprintf("reason=%s", cefEscape(evt.Reason)))
	}

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		cefEscape(cefVendor),
		cefEscape(cefProduct),
		cefEscape(cefVersion),
		cefSignatureID(evt),
		cefEscape(cefEventName(evt)),
		cefSeverity(evt),
		strings.Join(ext, " "),
	)
}

// FormatJSONMessage renders the event as a single JSON object.
func FormatJSONMessage(evt events.Event) string {
	data, _ := json.Marshal(evt)
	return string(data)
}

// --- CEF helpers ---

func cefEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `|`, `\|`)
	s = strings.ReplaceAll(s, `=`, `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func cefSignatureID(evt events.Event) string {
	switch evt.Type {
	case events.EventHostDiscovered:
		if evt.Role() == "server" {
			return "100"
		}
		return "101"
	case events.EventRogueServer:
		return "400"
	case events.EventPacketAnomaly:
		return "500"
	default:
		return "999"
	}
}

func cefEventName(evt events.Event) string {
	switch evt.Type {
	case events.EventHostDiscovered:
		if evt.Role() == "server" {
			return "DHCP Server Discovered"
		}
		return "DHCP Client Discovered"
	case events.EventRogueServer:
		return "Rogue DHCP Server Detected"
	case events.EventPacketAnomaly:
		return "Malformed DHCP Reply"
	default:
		return string(evt.Type)
	}
}

// cefSeverity maps events to CEF severity (0-10 scale).
func cefSeverity(evt events.Event) int {
	switch {
	case evt.Type == events.EventRogueServer:
		return 7
	case evt.Type == events.EventPacketAnomaly:
		return 5
	case evt.Role() == "server":
		return 3
	default:
		return 1
	}
}

func eventSeverity(evt events.Event) int {
	switch {
	case evt.Type == events.EventRogueServer:
		return SeverityAlert
	case evt.Type == events.EventPacketAnomaly:
		return SeverityWarning
	case evt.Role() == "server":
		return SeverityNotice
	default:
		return SeverityInfo
	}
}
