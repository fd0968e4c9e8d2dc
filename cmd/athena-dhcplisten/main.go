// Command athena-dhcplisten is a passive DHCPv4 listener that discovers servers and
// clients from the replies it overhears.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/capture"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/config"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/journal"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/logging"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/macvendor"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/monitor"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/rogue"
	syslogfwd "github.com/athena-dhcpd/athena-dhcplisten/internal/syslog"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/tracker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/etc/athena-dhcplisten/config.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file (optional)")
	pcapFile := flag.String("pcap", "", "replay a pcap/pcapng capture instead of listening")
	recordFile := flag.String("record", "", "write received datagrams to a pcap file")
	logLevel := flag.String("log-level", "", "log level (trace, debug, info, warn, error)")
	exportJournal := flag.String("export-journal", "", "write the discovery journal as CSV to this file (- for stdout) and exit")
	writeConfig := flag.String("write-config", "", "write the effective configuration to this file and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [server-address]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	// Command-line overrides
	if flag.NArg() > 0 {
		cfg.Listener.ServerFilter = flag.Arg(0)
	}
	if *pcapFile != "" {
		cfg.Listener.PcapFile = *pcapFile
	}
	if *recordFile != "" {
		cfg.Listener.RecordFile = *recordFile
	}
	if *logLevel != "" {
		cfg.Listener.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.Write(*writeConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := logging.Setup(cfg.Listener.LogLevel, os.Stderr)

	if *exportJournal != "" {
		if err := runExport(cfg.Journal.Path, *exportJournal, logger); err != nil {
			logger.Error("journal export failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("listener failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file at the default path is
// not an error; the built-in defaults are used instead.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("athena-dhcplisten starting",
		"version", version,
		"interface", cfg.Listener.Interface,
		"server_filter", cfg.Listener.ServerFilter,
		"pcap_file", cfg.Listener.PcapFile)

	metrics.ListenerInfo.WithLabelValues(version).Set(1)
	metrics.StartTime.SetToCurrentTime()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Capture source
	var source capture.Source
	if cfg.Listener.PcapFile != "" {
		src, err := capture.OpenPcap(cfg.Listener.PcapFile, logger)
		if err != nil {
			return err
		}
		source = src
	} else {
		src, err := capture.ListenUDP(cfg.Listener.BindAddress, cfg.Listener.Interface, logger)
		if err != nil {
			return err
		}
		source = src
	}
	defer source.Close()

	// Event bus and its subscribers. At shutdown the bus is drained first,
	// then each subscriber finishes what it received, newest first.
	bus := events.NewBus(cfg.Events.BufferSize, logger)
	go bus.Start()
	var subscribers []func()
	defer func() {
		bus.Stop()
		for i := len(subscribers) - 1; i >= 0; i-- {
			subscribers[i]()
		}
	}()

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, bus, logger)
		if err != nil {
			return err
		}
		j.Subscribe()
		go j.Start()
		subscribers = append(subscribers, func() {
			j.Stop()
			j.Close()
		})
		logger.Info("discovery journal opened", "path", cfg.Journal.Path, "records", j.Count())
	}

	if cfg.Syslog.Enabled() {
		fwd := syslogfwd.NewForwarder(cfg.Syslog, bus, logger)
		if err := fwd.Start(); err != nil {
			return err
		}
		subscribers = append(subscribers, fwd.Stop)
	}

	if dispatcher := newDispatcher(cfg, bus, logger); dispatcher != nil {
		dispatcher.Subscribe()
		go dispatcher.Start()
		subscribers = append(subscribers, dispatcher.Stop)
	}

	if cfg.Metrics.Enabled {
		srv := startMetrics(cfg.Metrics.Listen, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	tr := tracker.NewTracker(cfg.FilterIP(), logger)
	mon := monitor.New(source, tr, bus, logger)
	mon.SetReportLimiter(monitor.NewReportLimiter(
		cfg.Events.AnomalyReportLimit, cfg.Events.AnomalyReportLimitPerSource))

	var rogues *rogue.Detector
	if len(cfg.Listener.AuthorizedServers) > 0 {
		rogues = rogue.NewDetector(cfg.AuthorizedServerIPs(), bus, logger)
		mon.SetRogueDetector(rogues)
	}

	if cfg.Listener.MACVendorDB != "" {
		db, err := macvendor.LoadFile(cfg.Listener.MACVendorDB)
		if err != nil {
			return err
		}
		mon.SetVendorDB(db)
		logger.Info("MAC vendor database loaded", "path", cfg.Listener.MACVendorDB, "prefixes", db.Count())
	}

	if cfg.Listener.RecordFile != "" {
		rec, err := capture.CreateRecorder(cfg.Listener.RecordFile)
		if err != nil {
			return err
		}
		defer rec.Close()
		mon.SetRecorder(rec)
		logger.Info("recording datagrams", "path", cfg.Listener.RecordFile)
	}

	err := mon.Run(ctx)

	stats := mon.Stats()
	logger.Info("athena-dhcplisten stopped",
		"packets", stats.Packets,
		"accepted", stats.Accepted,
		"filtered", stats.Filtered,
		"anomalies", stats.Anomalies,
		"anomaly_reports_suppressed", stats.Suppressed,
		"hosts", tr.Registry().Len(),
		"event_drops", bus.Drops())
	printSummary(os.Stdout, tr.Registry(), rogues)

	return err
}

// newDispatcher builds the hook dispatcher, or returns nil without hooks.
func newDispatcher(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *events.Dispatcher {
	h := cfg.Hooks
	if len(h.Scripts) == 0 && len(h.Webhooks) == 0 {
		return nil
	}

	d := events.NewDispatcher(bus, logger, h.ScriptConcurrency, config.ParseDuration(h.WebhookTimeout))
	for _, s := range h.Scripts {
		timeout := config.ParseDuration(s.Timeout)
		if timeout == 0 {
			timeout = config.ParseDuration(h.ScriptTimeout)
		}
		d.AddScript(events.ScriptConfig{
			Name:    s.Name,
			Events:  s.Events,
			Roles:   s.Roles,
			Command: s.Command,
			Timeout: timeout,
		})
	}
	for _, w := range h.Webhooks {
		d.AddWebhook(events.WebhookConfig{
			Name:         w.Name,
			Events:       w.Events,
			Roles:        w.Roles,
			URL:          w.URL,
			Method:       w.Method,
			Headers:      w.Headers,
			Retries:      w.Retries,
			RetryBackoff: config.ParseDuration(w.RetryBackoff),
			Secret:       w.Secret,
			Template:     w.Template,
		})
	}
	return d
}

func startMetrics(addr string, logger *slog.Logger) *nethttp.Server {
	mux := nethttp.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// printSummary writes the discovered hosts in first-seen order.
func printSummary(w io.Writer, reg *tracker.Registry, rogues *rogue.Detector) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tADDRESS\tEVIDENCE\tMAC\tFIRST SEEN")
	for _, h := range reg.All() {
		mac := "-"
		if h.HardwareAddr != nil {
			mac = h.HardwareAddr.String()
		}
		role := h.Role.String()
		if h.Role == tracker.RoleServer && rogues.IsRogue(h.Address) {
			role += " (rogue)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			role, h.Address, h.Evidence, mac, h.FirstSeen.Format(time.RFC3339))
	}
	tw.Flush()
}

// runExport dumps the journal to a CSV file.
func runExport(journalPath, out string, logger *slog.Logger) error {
	if journalPath == "" {
		return errors.New("journal.path is not configured")
	}
	j, err := journal.Open(journalPath, nil, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	records, err := j.All()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}
	if err := journal.WriteCSV(w, records); err != nil {
		return err
	}
	logger.Info("journal exported", "records", len(records), "output", out)
	return nil
}
