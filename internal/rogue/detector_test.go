package rogue

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func TestDetectRogueServer(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	ch := bus.Subscribe(100)

	d := NewDetector([]net.IP{net.ParseIP("10.0.0.1")}, bus, testLogger())
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Authorized server is ignored
	if d.Report(net.ParseIP("10.0.0.1"), "source-port", net.ParseIP("10.0.0.1"), "eth0", ts) {
		t.Error("authorized server reported as rogue")
	}
	if d.Count() != 0 {
		t.Errorf("authorized server should be ignored, got count %d", d.Count())
	}

	if !d.Report(net.ParseIP("10.0.0.254"), "server-identifier", net.ParseIP("10.0.0.1"), "eth0", ts) {
		t.Error("unauthorized server not reported")
	}
	if d.Count() != 1 {
		t.Errorf("expected 1 rogue server, got %d", d.Count())
	}
	if !d.IsRogue(net.ParseIP("10.0.0.254")) || d.IsRogue(net.ParseIP("10.0.0.1")) {
		t.Error("IsRogue mismatch")
	}
	var none *Detector
	if none.IsRogue(net.ParseIP("10.0.0.254")) {
		t.Error("nil detector flagged a server")
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventRogueServer {
			t.Errorf("expected %s, got %s", events.EventRogueServer, evt.Type)
		}
		if evt.Host == nil || !evt.Host.IP.Equal(net.ParseIP("10.0.0.254")) {
			t.Errorf("event host = %+v", evt.Host)
		}
		if evt.Host.Evidence != "server-identifier" || !evt.Host.Source.Equal(net.ParseIP("10.0.0.1")) {
			t.Errorf("event evidence/source = %s/%s", evt.Host.Evidence, evt.Host.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for rogue event")
	}
}

func TestRepeatedReportRaisesOneAlert(t *testing.T) {
	d := NewDetector(nil, nil, testLogger())
	ts := time.Now()

	for i := 0; i < 3; i++ {
		if !d.Report(net.ParseIP("10.0.0.254"), "source-port", nil, "", ts) {
			t.Fatalf("report %d not flagged", i)
		}
	}
	if d.Count() != 1 {
		t.Errorf("expected 1 entry, got %d", d.Count())
	}
}

func TestAcknowledge(t *testing.T) {
	d := NewDetector(nil, nil, testLogger())
	d.Report(net.ParseIP("10.0.0.254"), "source-port", nil, "", time.Now())

	if d.ActiveCount() != 1 {
		t.Errorf("expected 1 active, got %d", d.ActiveCount())
	}
	if err := d.Acknowledge("10.0.0.254"); err != nil {
		t.Fatal(err)
	}
	if d.ActiveCount() != 0 {
		t.Errorf("expected 0 active after ack, got %d", d.ActiveCount())
	}
	if d.Count() != 1 {
		t.Errorf("acknowledged entry should be kept, got %d", d.Count())
	}
	if err := d.Acknowledge("192.0.2.1"); err == nil {
		t.Error("expected error for unknown server")
	}
}

func TestAuthorize(t *testing.T) {
	d := NewDetector(nil, nil, testLogger())
	d.Report(net.ParseIP("10.0.0.254"), "source-port", nil, "", time.Now())

	d.Authorize(net.ParseIP("10.0.0.254"))
	if d.Count() != 0 {
		t.Errorf("authorized server should be forgotten, got %d", d.Count())
	}
	if d.Report(net.ParseIP("10.0.0.254"), "source-port", nil, "", time.Now()) {
		t.Error("authorized server reported as rogue")
	}
}

func TestAllOrdered(t *testing.T) {
	d := NewDetector(nil, nil, testLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.Report(net.ParseIP("10.0.0.3"), "server-identifier", nil, "", base.Add(2*time.Minute))
	d.Report(net.ParseIP("10.0.0.2"), "source-port", nil, "", base)

	all := d.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].ServerIP != "10.0.0.2" || all[1].ServerIP != "10.0.0.3" {
		t.Errorf("order = %s, %s", all[0].ServerIP, all[1].ServerIP)
	}
}
