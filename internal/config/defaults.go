package config

import "time"

// Default configuration values.
const (
	DefaultBindAddress     = "0.0.0.0:68"
	DefaultLogLevel        = "info"
	DefaultEventBufferSize = 1000

	DefaultAnomalyReportLimit          = 100
	DefaultAnomalyReportLimitPerSource = 10

	DefaultMetricsListen        = "127.0.0.1:9167"
	DefaultSyslogProtocol       = "udp"
	DefaultSyslogFormat         = "rfc5424"
	DefaultSyslogTag            = "athena-dhcplisten"
	DefaultSyslogFacility       = 16 // local0
	DefaultSyslogFileMaxSizeMB  = 100
	DefaultSyslogFileMaxBackups = 5
	DefaultScriptConcurrency    = 4
	DefaultScriptTimeout        = 30 * time.Second
	DefaultWebhookTimeout       = 10 * time.Second
	DefaultWebhookRetries       = 3
	DefaultWebhookRetryBackoff  = 2 * time.Second
)
