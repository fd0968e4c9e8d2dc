// Package config handles TOML configuration parsing and validation for athena-dhcplisten.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for athena-dhcplisten.
type Config struct {
	Listener ListenerConfig `toml:"listener"`
	Events   EventsConfig   `toml:"events"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Journal  JournalConfig  `toml:"journal"`
	Syslog   SyslogConfig   `toml:"syslog"`
	Hooks    HooksConfig    `toml:"hooks"`
}

// ListenerConfig holds capture and classification settings.
type ListenerConfig struct {
	Interface    string `toml:"interface"`
	BindAddress  string `toml:"bind_address"`
	ServerFilter string `toml:"server_filter"`
	// Servers expected on the segment; any other discovered server raises
	// a server.rogue event. Empty disables the check.
	AuthorizedServers []string `toml:"authorized_servers"`
	PcapFile          string   `toml:"pcap_file"`
	RecordFile        string   `toml:"record_file"`
	MACVendorDB       string   `toml:"mac_vendor_db"` // JSON or Wireshark manuf file
	LogLevel          string   `toml:"log_level"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `toml:"buffer_size"`

	// Anomaly reports per second, in total and per sender.
	AnomalyReportLimit          int `toml:"anomaly_report_limit"`
	AnomalyReportLimitPerSource int `toml:"anomaly_report_limit_per_source"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// JournalConfig holds the discovery journal settings. An empty path disables
// the journal.
type JournalConfig struct {
	Path string `toml:"path"`
}

// SyslogConfig holds event forwarding settings.
type SyslogConfig struct {
	Address  string `toml:"address"`
	Protocol string `toml:"protocol"`
	Format   string `toml:"format"`
	Tag      string `toml:"tag"`
	Facility int    `toml:"facility"`
	FilePath string `toml:"file_path"`

	FileMaxSizeMB  int `toml:"file_max_size_mb"`
	FileMaxBackups int `toml:"file_max_backups"`
}

// Enabled reports whether any forwarder output is configured.
func (s SyslogConfig) Enabled() bool {
	return s.Address != "" || s.FilePath != ""
}

// HooksConfig holds event hook settings.
type HooksConfig struct {
	ScriptConcurrency int           `toml:"script_concurrency"`
	ScriptTimeout     string        `toml:"script_timeout"`
	WebhookTimeout    string        `toml:"webhook_timeout"`
	Scripts           []ScriptHook  `toml:"script"`
	Webhooks          []WebhookHook `toml:"webhook"`
}

// ScriptHook defines a script hook.
type ScriptHook struct {
	Name    string   `toml:"name"`
	Events  []string `toml:"events"`
	Roles   []string `toml:"roles"`
	Command string   `toml:"command"`
	Timeout string   `toml:"timeout"`
}

// WebhookHook defines a webhook hook.
type WebhookHook struct {
	Name         string            `toml:"name"`
	Events       []string          `toml:"events"`
	Roles        []string          `toml:"roles"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	Headers      map[string]string `toml:"headers"`
	Retries      int               `toml:"retries"`
	RetryBackoff string            `toml:"retry_backoff"`
	Secret       string            `toml:"secret"`
	Template     string            `toml:"template"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a runnable configuration without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate re-checks the configuration, e.g. after command-line overrides.
func (cfg *Config) Validate() error {
	return validate(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Listener.BindAddress == "" {
		cfg.Listener.BindAddress = DefaultBindAddress
	}
	if cfg.Listener.LogLevel == "" {
		cfg.Listener.LogLevel = DefaultLogLevel
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = DefaultEventBufferSize
	}
	if cfg.Events.AnomalyReportLimit == 0 {
		cfg.Events.AnomalyReportLimit = DefaultAnomalyReportLimit
	}
	if cfg.Events.AnomalyReportLimitPerSource == 0 {
		cfg.Events.AnomalyReportLimitPerSource = DefaultAnomalyReportLimitPerSource
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}

	// Syslog defaults
	if cfg.Syslog.Protocol == "" {
		cfg.Syslog.Protocol = DefaultSyslogProtocol
	}
	if cfg.Syslog.Format == "" {
		cfg.Syslog.Format = DefaultSyslogFormat
	}
	if cfg.Syslog.Tag == "" {
		cfg.Syslog.Tag = DefaultSyslogTag
	}
	if cfg.Syslog.Facility == 0 {
		cfg.Syslog.Facility = DefaultSyslogFacility
	}
	if cfg.Syslog.FileMaxSizeMB == 0 {
		cfg.Syslog.FileMaxSizeMB = DefaultSyslogFileMaxSizeMB
	}
	if cfg.Syslog.FileMaxBackups == 0 {
		cfg.Syslog.FileMaxBackups = DefaultSyslogFileMaxBackups
	}

	// Hooks defaults
	if cfg.Hooks.ScriptConcurrency == 0 {
		cfg.Hooks.ScriptConcurrency = DefaultScriptConcurrency
	}
	if cfg.Hooks.ScriptTimeout == "" {
		cfg.Hooks.ScriptTimeout = DefaultScriptTimeout.String()
	}
	if cfg.Hooks.WebhookTimeout == "" {
		cfg.Hooks.WebhookTimeout = DefaultWebhookTimeout.String()
	}
	for i := range cfg.Hooks.Webhooks {
		if cfg.Hooks.Webhooks[i].Method == "" {
			cfg.Hooks.Webhooks[i].Method = "POST"
		}
		if cfg.Hooks.Webhooks[i].Retries == 0 {
			cfg.Hooks.Webhooks[i].Retries = DefaultWebhookRetries
		}
		if cfg.Hooks.Webhooks[i].RetryBackoff == "" {
			cfg.Hooks.Webhooks[i].RetryBackoff = DefaultWebhookRetryBackoff.String()
		}
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	// Server filter must be an IPv4 address
	if cfg.Listener.ServerFilter != "" {
		if ip := net.ParseIP(cfg.Listener.ServerFilter); ip == nil || ip.To4() == nil {
			return fmt.Errorf("listener.server_filter %q is not a valid IPv4 address", cfg.Listener.ServerFilter)
		}
	}
	for i, s := range cfg.Listener.AuthorizedServers {
		if ip := net.ParseIP(s); ip == nil || ip.To4() == nil {
			return fmt.Errorf("listener.authorized_servers[%d] %q is not a valid IPv4 address", i, s)
		}
	}
	if _, err := net.ResolveUDPAddr("udp4", cfg.Listener.BindAddress); err != nil {
		return fmt.Errorf("listener.bind_address %q: %w", cfg.Listener.BindAddress, err)
	}

	if cfg.Events.BufferSize < 0 {
		return fmt.Errorf("events.buffer_size must not be negative, got %d", cfg.Events.BufferSize)
	}
	if cfg.Events.AnomalyReportLimit < 0 || cfg.Events.AnomalyReportLimitPerSource < 0 {
		return fmt.Errorf("events.anomaly_report_limit values must not be negative")
	}

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen %q: %w", cfg.Metrics.Listen, err)
		}
	}

	// Validate syslog
	switch cfg.Syslog.Protocol {
	case "udp", "tcp":
	default:
		return fmt.Errorf("syslog.protocol must be \"udp\" or \"tcp\", got %q", cfg.Syslog.Protocol)
	}
	switch cfg.Syslog.Format {
	case "rfc5424", "json", "cef":
	default:
		return fmt.Errorf("syslog.format must be \"rfc5424\", \"json\" or \"cef\", got %q", cfg.Syslog.Format)
	}
	if cfg.Syslog.Facility < 0 || cfg.Syslog.Facility > 23 {
		return fmt.Errorf("syslog.facility must be between 0 and 23, got %d", cfg.Syslog.Facility)
	}

	// Validate hooks
	if _, err := time.ParseDuration(cfg.Hooks.ScriptTimeout); err != nil {
		return fmt.Errorf("hooks.script_timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Hooks.WebhookTimeout); err != nil {
		return fmt.Errorf("hooks.webhook_timeout: %w", err)
	}
	for i, s := range cfg.Hooks.Scripts {
		if s.Name == "" {
			return fmt.Errorf("hooks.script[%d]: name is required", i)
		}
		if s.Command == "" {
			return fmt.Errorf("hooks.script[%d]: command is required", i)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("hooks.script[%d].timeout: %w", i, err)
			}
		}
		if err := validateRoles(s.Roles); err != nil {
			return fmt.Errorf("hooks.script[%d]: %w", i, err)
		}
	}
	for i, w := range cfg.Hooks.Webhooks {
		if w.Name == "" {
			return fmt.Errorf("hooks.webhook[%d]: name is required", i)
		}
		if w.URL == "" {
			return fmt.Errorf("hooks.webhook[%d]: url is required", i)
		}
		if _, err := time.ParseDuration(w.RetryBackoff); err != nil {
			return fmt.Errorf("hooks.webhook[%d].retry_backoff: %w", i, err)
		}
		switch w.Template {
		case "", "slack", "teams":
		default:
			return fmt.Errorf("hooks.webhook[%d].template must be \"slack\", \"teams\" or empty, got %q", i, w.Template)
		}
		if err := validateRoles(w.Roles); err != nil {
			return fmt.Errorf("hooks.webhook[%d]: %w", i, err)
		}
	}

	return nil
}

func validateRoles(roles []string) error {
	for _, r := range roles {
		if r != "server" && r != "client" {
			return fmt.Errorf("role must be \"server\" or \"client\", got %q", r)
		}
	}
	return nil
}

// ParseDuration is a helper for parsing Go-style duration strings.
// Validated fields never fail here; an empty string yields zero.
func ParseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}

// AuthorizedServerIPs returns the parsed authorized server list.
func (cfg *Config) AuthorizedServerIPs() []net.IP {
	ips := make([]net.IP, 0, len(cfg.Listener.AuthorizedServers))
	for _, s := range cfg.Listener.AuthorizedServers {
		if ip := net.ParseIP(s).To4(); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// FilterIP returns the configured server filter, or nil.
func (cfg *Config) FilterIP() net.IP {
	if cfg.Listener.ServerFilter == "" {
		return nil
	}
	return net.ParseIP(cfg.Listener.ServerFilter).To4()
}
