package journal

import (
	"bytes"
	"encoding/csv"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func hostEvent(ts time.Time, ip net.IP, role, evidence string, mac net.HardwareAddr) events.Event {
	return events.Event{
		Type:      events.EventHostDiscovered,
		Timestamp: ts,
		Host: &events.HostData{
			IP:        ip,
			Role:      role,
			Evidence:  evidence,
			MAC:       mac,
			Source:    net.IPv4(10, 0, 0, 1),
			Interface: "eth0",
		},
	}
}

func TestJournalAppendAndQuery(t *testing.T) {
	j, err := New(testDB(t), nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	evts := []events.Event{
		hostEvent(now.Add(-2*time.Hour), net.IPv4(10, 0, 0, 1), "server", "source-port", nil),
		hostEvent(now.Add(-1*time.Hour), net.IPv4(10, 0, 0, 100), "client", "ack", mac),
		{
			Type:      events.EventPacketAnomaly,
			Timestamp: now.Add(-30 * time.Minute),
			Anomaly:   &events.AnomalyData{Kind: "magic_cookie_mismatch", Source: "10.0.0.9:67", Detail: "magic cookie mismatch: got 0x00000000"},
		},
		hostEvent(now, net.IPv4(10, 0, 0, 2), "server", "server-identifier", nil),
	}
	for _, e := range evts {
		rec, ok := recordFromEvent(e)
		if !ok {
			t.Fatalf("event %s not journalled", e.Type)
		}
		if err := j.append(rec); err != nil {
			t.Fatal(err)
		}
	}

	if j.Count() != 4 {
		t.Errorf("expected 4 records, got %d", j.Count())
	}

	all, err := j.Query(QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("query all: expected 4, got %d", len(all))
	}
	if all[0].IP != "10.0.0.2" || all[0].ID != 4 {
		t.Errorf("newest record first, got %+v", all[0])
	}

	byIP, err := j.Query(QueryParams{IP: "10.0.0.100"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byIP) != 1 || byIP[0].MAC != mac.String() || byIP[0].Role != "client" {
		t.Errorf("query by IP: %+v", byIP)
	}

	byRole, err := j.Query(QueryParams{Role: "server"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRole) != 2 {
		t.Errorf("query by role server: expected 2, got %d", len(byRole))
	}

	byEvent, err := j.Query(QueryParams{Event: string(events.EventPacketAnomaly)})
	if err != nil {
		t.Fatal(err)
	}
	if len(byEvent) != 1 || byEvent[0].Anomaly != "magic_cookie_mismatch" || byEvent[0].Source != "10.0.0.9:67" {
		t.Errorf("query by event: %+v", byEvent)
	}

	byRange, err := j.Query(QueryParams{
		From: now.Add(-90 * time.Minute),
		To:   now.Add(-15 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRange) != 2 {
		t.Errorf("query by time range: expected 2, got %d", len(byRange))
	}

	limited, err := j.Query(QueryParams{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1: got %d", len(limited))
	}

	ordered, err := j.All()
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range ordered {
		if r.ID != uint64(i+1) {
			t.Errorf("All()[%d].ID = %d", i, r.ID)
		}
	}

	if missing, _ := j.Query(QueryParams{IP: "192.0.2.1"}); len(missing) != 0 {
		t.Errorf("unknown IP returned %d records", len(missing))
	}
}

func TestJournalIgnoresIncompleteEvents(t *testing.T) {
	if _, ok := recordFromEvent(events.Event{Type: events.EventHostDiscovered}); ok {
		t.Error("host event without host data should be ignored")
	}
	if _, ok := recordFromEvent(events.Event{Type: "other"}); ok {
		t.Error("unknown event type should be ignored")
	}
}

func TestJournalFromBus(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, bus, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	before := testutil.ToFloat64(metrics.JournalRecords)

	j.Subscribe()
	go j.Start()

	bus.Publish(hostEvent(time.Now(), net.IPv4(10, 0, 0, 1), "server", "source-port", nil))
	bus.Publish(hostEvent(time.Now(), net.IPv4(10, 0, 0, 50), "client", "ack", nil))

	deadline := time.Now().Add(2 * time.Second)
	for j.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	j.Stop()

	if j.Count() != 2 {
		t.Fatalf("expected 2 journalled records, got %d", j.Count())
	}
	if got := testutil.ToFloat64(metrics.JournalRecords) - before; got != 2 {
		t.Errorf("journal_records_total delta = %v, want 2", got)
	}
}

func TestWriteCSV(t *testing.T) {
	records := []Record{
		{ID: 1, Timestamp: "2026-01-02T03:04:05Z", Event: "host.discovered", IP: "10.0.0.1", Role: "server", Evidence: "source-port", Source: "10.0.0.1", Interface: "eth0"},
		{ID: 2, Timestamp: "2026-01-02T03:04:06Z", Event: "packet.anomaly", Source: "10.0.0.9:67", Anomaly: "buffer_too_short", Detail: "buffer too short: 12 bytes, minimum 240"},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if len(rows[0]) != len(CSVHeaders) || rows[0][0] != "id" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][3] != "10.0.0.1" || rows[1][4] != "server" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][10] != "buffer_too_short" || rows[2][11] != "buffer too short: 12 bytes, minimum 240" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestJournalStopAfterBusKeepsBufferedEvents(t *testing.T) {
	bus := events.NewBus(500, testLogger())
	go bus.Start()

	j, err := New(testDB(t), bus, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.Subscribe()
	go j.Start()

	for i := 0; i < 150; i++ {
		bus.Publish(hostEvent(time.Now(), net.IPv4(10, 1, byte(i/250), byte(i%250+1)), "client", "ack", nil))
	}
	bus.Stop()
	j.Stop()

	if j.Count() != 150 {
		t.Errorf("journalled %d records, want 150", j.Count())
	}
}

func TestJournalStopWithoutStart(t *testing.T) {
	bus := events.NewBus(10, testLogger())
	go bus.Start()

	j, err := New(testDB(t), bus, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.Subscribe()
	bus.Publish(hostEvent(time.Now(), net.IPv4(10, 0, 0, 1), "server", "source-port", nil))
	bus.Stop()
	j.Stop()

	if j.Count() != 1 {
		t.Errorf("journalled %d records, want 1", j.Count())
	}
}
