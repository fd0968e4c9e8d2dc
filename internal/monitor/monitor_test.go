package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/capture"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/dhcp"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/events"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/macvendor"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/rogue"
	"github.com/athena-dhcpd/athena-dhcplisten/internal/tracker"
	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

var (
	serverIP = net.IPv4(192, 168, 1, 1)
	clientIP = net.IPv4(192, 168, 1, 50)
	otherSID = net.IPv4(192, 168, 1, 2)
	clientHW = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildAck returns a DHCPACK for clientIP carrying a server identifier.
func buildAck(t *testing.T, yiaddr, sid net.IP) []byte {
	t.Helper()
	h := &dhcp.Header{
		Op:     dhcpv4.OpCodeBootReply,
		HType:  dhcpv4.HardwareTypeEthernet,
		HLen:   6,
		XID:    0x1234,
		YIAddr: yiaddr,
	}
	copy(h.CHAddr[:], clientHW)

	mt, err := dhcp.NewOption(dhcpv4.OptionDHCPMessageType, dhcp.Uint{Width: 1, Value: uint32(dhcpv4.MessageTypeAck)})
	if err != nil {
		t.Fatal(err)
	}
	opts := []dhcp.Option{mt}
	if sid != nil {
		o, err := dhcp.NewOption(dhcpv4.OptionServerIdentifier, dhcp.Address{IP: sid})
		if err != nil {
			t.Fatal(err)
		}
		opts = append(opts, o)
	}
	raw, err := dhcp.EncodeOptions(opts)
	if err != nil {
		t.Fatal(err)
	}
	return h.Encode(raw)
}

func datagram(payload []byte, port int) capture.Datagram {
	return capture.Datagram{
		Payload:   payload,
		Source:    &net.UDPAddr{IP: serverIP, Port: port},
		Interface: "eth0",
		Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

// collect starts the bus and returns a function that waits for n events.
func collect(t *testing.T, bus *events.Bus) func(n int) []events.Event {
	t.Helper()
	ch := bus.Subscribe(100)
	go bus.Start()
	t.Cleanup(bus.Stop)

	return func(n int) []events.Event {
		t.Helper()
		var got []events.Event
		timeout := time.After(2 * time.Second)
		for len(got) < n {
			select {
			case evt := <-ch:
				got = append(got, evt)
			case <-timeout:
				t.Fatalf("received %d events, want %d", len(got), n)
			}
		}
		return got
	}
}

func TestHandleDatagramAck(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	wait := collect(t, bus)

	tr := tracker.NewTracker(nil, testLogger())
	m := New(nil, tr, bus, testLogger())

	var found []tracker.Event
	m.OnDiscovery(func(e tracker.Event, _ capture.Datagram) {
		found = append(found, e)
	})

	before := testutil.ToFloat64(metrics.HostsDiscovered.WithLabelValues("client"))

	evts, err := m.HandleDatagram(datagram(buildAck(t, clientIP, otherSID), dhcpv4.ServerPort))
	if err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}

	wantAddrs := []net.IP{serverIP, otherSID, clientIP}
	if len(evts) != len(wantAddrs) {
		t.Fatalf("got %d events, want %d", len(evts), len(wantAddrs))
	}
	for i, want := range wantAddrs {
		if !evts[i].Address.Equal(want) {
			t.Errorf("event %d address = %s, want %s", i, evts[i].Address, want)
		}
	}
	if len(found) != 3 {
		t.Errorf("callback saw %d events, want 3", len(found))
	}

	published := wait(3)
	last := published[2]
	if last.Type != events.EventHostDiscovered || last.Host == nil {
		t.Fatalf("unexpected event %+v", last)
	}
	if last.Host.Role != "client" || last.Host.Evidence != "ack" {
		t.Errorf("host = %+v", last.Host)
	}
	if last.Host.MAC.String() != clientHW.String() || last.Host.Interface != "eth0" {
		t.Errorf("host mac/interface = %s/%s", last.Host.MAC, last.Host.Interface)
	}
	if !last.Host.Source.Equal(serverIP) {
		t.Errorf("host source = %s, want %s", last.Host.Source, serverIP)
	}
	if !last.Timestamp.Equal(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", last.Timestamp)
	}

	if got := testutil.ToFloat64(metrics.HostsDiscovered.WithLabelValues("client")) - before; got != 1 {
		t.Errorf("client discoveries delta = %v, want 1", got)
	}

	// Seen before: no new events.
	evts, err = m.HandleDatagram(datagram(buildAck(t, clientIP, otherSID), dhcpv4.ServerPort))
	if err != nil || len(evts) != 0 {
		t.Errorf("repeat: events=%d err=%v", len(evts), err)
	}
	if s := m.Stats(); s.Packets != 2 || s.Accepted != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestHandleDatagramAnomalies(t *testing.T) {
	valid := buildAck(t, clientIP, nil)

	badCookie := bytes.Clone(valid)
	copy(badCookie[dhcpv4.OffsetMagicCookie:], []byte{1, 2, 3, 4})

	truncated := bytes.Clone(valid[:dhcpv4.HeaderSize])
	truncated = append(truncated, byte(dhcpv4.OptionServerIdentifier), 4, 10, 0)

	request := bytes.Clone(valid)
	request[0] = byte(dhcpv4.OpCodeBootRequest)

	tests := []struct {
		name       string
		payload    []byte
		port       int
		kind       string
		wantEvents int
		wantErr    error
	}{
		{"short buffer", valid[:100], dhcpv4.ServerPort, AnomalyBufferTooShort, 0, dhcp.ErrBufferTooShort},
		{"bad cookie", badCookie, dhcpv4.ServerPort, AnomalyMagicCookie, 0, dhcp.ErrMagicCookieMismatch},
		{"wrong port", valid, 1067, AnomalyWrongSourcePort, 0, tracker.ErrWrongSourcePort},
		{"truncated option", truncated, dhcpv4.ServerPort, AnomalyTruncatedOption, 1, dhcp.ErrTruncatedOption},
		{"short buffer from wrong port", valid[:100], 1067, AnomalyWrongSourcePort, 0, tracker.ErrWrongSourcePort},
		{"bad cookie from wrong port", badCookie, 1067, AnomalyWrongSourcePort, 0, tracker.ErrWrongSourcePort},
		{"request from client port", request, dhcpv4.ClientPort, AnomalyWrongSourcePort, 0, tracker.ErrWrongSourcePort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.NewBus(100, testLogger())
			wait := collect(t, bus)

			tr := tracker.NewTracker(nil, testLogger())
			m := New(nil, tr, bus, testLogger())

			before := testutil.ToFloat64(metrics.Anomalies.WithLabelValues(tt.kind))

			evts, err := m.HandleDatagram(datagram(tt.payload, tt.port))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if len(evts) != tt.wantEvents {
				t.Errorf("got %d discovery events, want %d", len(evts), tt.wantEvents)
			}
			if tr.Registry().Len() != tt.wantEvents {
				t.Errorf("registry size = %d, want %d", tr.Registry().Len(), tt.wantEvents)
			}

			published := wait(1 + tt.wantEvents)
			if published[0].Type != events.EventPacketAnomaly || published[0].Anomaly.Kind != tt.kind {
				t.Errorf("first event = %+v", published[0])
			}
			if published[0].Anomaly.Source != "192.168.1.1:"+strconv.Itoa(tt.port) {
				t.Errorf("anomaly source = %q", published[0].Anomaly.Source)
			}

			if got := testutil.ToFloat64(metrics.Anomalies.WithLabelValues(tt.kind)) - before; got != 1 {
				t.Errorf("anomaly metric delta = %v, want 1", got)
			}
			if m.Stats().Anomalies != 1 {
				t.Errorf("stats = %+v", m.Stats())
			}
		})
	}
}

func TestHandleDatagramFiltered(t *testing.T) {
	h := &dhcp.Header{Op: dhcpv4.OpCodeBootRequest, HType: dhcpv4.HardwareTypeEthernet, HLen: 6}
	payload := h.Encode([]byte{byte(dhcpv4.OptionEnd)})

	tr := tracker.NewTracker(nil, testLogger())
	m := New(nil, tr, nil, testLogger())

	beforeAnomaly := testutil.ToFloat64(metrics.PacketsReceived.WithLabelValues(metrics.OutcomeAnomaly))

	evts, err := m.HandleDatagram(datagram(payload, dhcpv4.ServerPort))
	if err != nil || len(evts) != 0 {
		t.Fatalf("filtered packet: events=%d err=%v", len(evts), err)
	}
	if tr.Registry().Len() != 0 {
		t.Error("filtered packet must not touch the registry")
	}
	if s := m.Stats(); s.Filtered != 1 || s.Anomalies != 0 {
		t.Errorf("stats = %+v", s)
	}
	if got := testutil.ToFloat64(metrics.PacketsReceived.WithLabelValues(metrics.OutcomeAnomaly)); got != beforeAnomaly {
		t.Error("filtered packet counted as anomaly")
	}
}

func TestHandleDatagramMalformedOption(t *testing.T) {
	valid := buildAck(t, clientIP, nil)
	// Message type, a 3-byte server identifier, then End.
	opts := []byte{
		byte(dhcpv4.OptionDHCPMessageType), 1, byte(dhcpv4.MessageTypeAck),
		byte(dhcpv4.OptionServerIdentifier), 3, 10, 0, 0,
		byte(dhcpv4.OptionEnd),
	}
	payload := append(bytes.Clone(valid[:dhcpv4.HeaderSize]), opts...)

	tr := tracker.NewTracker(nil, testLogger())
	m := New(nil, tr, nil, testLogger())

	before := testutil.ToFloat64(metrics.OptionErrors.WithLabelValues("malformed_length"))

	evts, err := m.HandleDatagram(datagram(payload, dhcpv4.ServerPort))
	if !errors.Is(err, dhcp.ErrMalformedLength) {
		t.Fatalf("error = %v, want malformed length", err)
	}
	if len(evts) != 2 {
		t.Fatalf("got %d events, want sender and client", len(evts))
	}
	if m.Stats().Anomalies != 0 {
		t.Error("malformed option is not a packet anomaly")
	}
	if got := testutil.ToFloat64(metrics.OptionErrors.WithLabelValues("malformed_length")) - before; got != 1 {
		t.Errorf("malformed_length delta = %v, want 1", got)
	}
}

func TestHandleDatagramWithoutSource(t *testing.T) {
	tr := tracker.NewTracker(nil, testLogger())
	m := New(nil, tr, nil, testLogger())

	d := datagram(buildAck(t, clientIP, nil), dhcpv4.ServerPort)
	d.Source = nil
	if _, err := m.HandleDatagram(d); !errors.Is(err, tracker.ErrWrongSourcePort) {
		t.Fatalf("error = %v, want ErrWrongSourcePort", err)
	}
	if tr.Registry().Len() != 0 {
		t.Errorf("registry size = %d, want 0", tr.Registry().Len())
	}
	if st := m.Stats(); st.Anomalies != 1 || st.Accepted != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandleDatagramDebugDump(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := New(nil, tracker.NewTracker(nil, logger), nil, logger)
	if _, err := m.HandleDatagram(datagram(buildAck(t, clientIP, otherSID), dhcpv4.ServerPort)); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{`"chaddr":"00:11:22:33:44:55"`, `"name":"Server Identifier"`, `"value":"192.168.1.2"`, `"msg":"host discovered"`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("log output missing %s", want)
		}
	}
}

type sliceSource struct {
	items []capture.Datagram
}

func (s *sliceSource) Next(ctx context.Context) (capture.Datagram, error) {
	if err := ctx.Err(); err != nil {
		return capture.Datagram{}, err
	}
	if len(s.items) == 0 {
		return capture.Datagram{}, io.EOF
	}
	d := s.items[0]
	s.items = s.items[1:]
	return d, nil
}

func (s *sliceSource) Close() error { return nil }

func TestRunUntilExhausted(t *testing.T) {
	src := &sliceSource{items: []capture.Datagram{
		datagram(buildAck(t, clientIP, nil), dhcpv4.ServerPort),
		datagram([]byte{1, 2, 3}, dhcpv4.ServerPort),
		datagram(buildAck(t, net.IPv4(192, 168, 1, 51), nil), dhcpv4.ServerPort),
	}}

	var rec bytes.Buffer
	recorder, err := capture.NewRecorder(&rec)
	if err != nil {
		t.Fatal(err)
	}

	tr := tracker.NewTracker(nil, testLogger())
	m := New(src, tr, nil, testLogger())
	m.SetRecorder(recorder)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tr.Registry().Len() != 3 {
		t.Errorf("registry size = %d, want 3", tr.Registry().Len())
	}
	if s := m.Stats(); s.Packets != 3 || s.Accepted != 2 || s.Anomalies != 1 {
		t.Errorf("stats = %+v", s)
	}

	// The recording replays to the same registry.
	replay, err := capture.NewPcapSource(&rec, "recording", testLogger())
	if err != nil {
		t.Fatalf("NewPcapSource: %v", err)
	}
	tr2 := tracker.NewTracker(nil, testLogger())
	if err := New(replay, tr2, nil, testLogger()).Run(context.Background()); err != nil {
		t.Fatalf("replay Run: %v", err)
	}
	if tr2.Registry().Len() != 3 {
		t.Errorf("replayed registry size = %d, want 3", tr2.Registry().Len())
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(&sliceSource{}, tracker.NewTracker(nil, testLogger()), nil, testLogger())
	if err := m.Run(ctx); err != nil {
		t.Errorf("Run on cancelled context = %v, want nil", err)
	}
}

func TestHandleDatagramVendor(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	wait := collect(t, bus)

	db := &macvendor.DB{}
	if err := db.Load(strings.NewReader("00:11:22\tAcme\tAcme Networks\n")); err != nil {
		t.Fatal(err)
	}

	m := New(nil, tracker.NewTracker(nil, testLogger()), bus, testLogger())
	m.SetVendorDB(db)

	if _, err := m.HandleDatagram(datagram(buildAck(t, clientIP, nil), dhcpv4.ServerPort)); err != nil {
		t.Fatal(err)
	}

	published := wait(2)
	if published[0].Host.Vendor != "" {
		t.Errorf("server should carry no vendor, got %q", published[0].Host.Vendor)
	}
	if published[1].Host.Vendor != "Acme Networks" {
		t.Errorf("client vendor = %q, want %q", published[1].Host.Vendor, "Acme Networks")
	}
	if env := published[1].ToEnvVars(); env["ATHENA_VENDOR"] != "Acme Networks" {
		t.Errorf("ATHENA_VENDOR = %q", env["ATHENA_VENDOR"])
	}
}

func TestAnomalyReportsLimited(t *testing.T) {
	limiter := NewReportLimiter(100, 2)
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	limiter.lastRefill = fixed

	m := New(nil, tracker.NewTracker(nil, testLogger()), nil, testLogger())
	m.SetReportLimiter(limiter)

	before := testutil.ToFloat64(metrics.AnomalyReportsSuppressed)
	short := buildAck(t, clientIP, nil)[:100]
	for range 3 {
		m.HandleDatagram(datagram(short, dhcpv4.ServerPort))
	}

	s := m.Stats()
	if s.Anomalies != 3 {
		t.Errorf("anomalies = %d, want 3", s.Anomalies)
	}
	if s.Suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", s.Suppressed)
	}
	if got := testutil.ToFloat64(metrics.AnomalyReportsSuppressed) - before; got != 1 {
		t.Errorf("suppressed metric delta = %v, want 1", got)
	}
}

func TestHandleDatagramRogueServer(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	wait := collect(t, bus)

	m := New(nil, tracker.NewTracker(nil, testLogger()), bus, testLogger())
	rogues := rogue.NewDetector([]net.IP{serverIP}, bus, testLogger())
	m.SetRogueDetector(rogues)

	if _, err := m.HandleDatagram(datagram(buildAck(t, clientIP, otherSID), dhcpv4.ServerPort)); err != nil {
		t.Fatal(err)
	}

	// server, rogue alert for the identifier, identifier, client
	var rogueEvents []events.Event
	for _, evt := range wait(4) {
		if evt.Type == events.EventRogueServer {
			rogueEvents = append(rogueEvents, evt)
		}
	}
	if len(rogueEvents) != 1 {
		t.Fatalf("got %d rogue events, want 1", len(rogueEvents))
	}
	if !rogueEvents[0].Host.IP.Equal(otherSID) {
		t.Errorf("rogue server = %s, want %s", rogueEvents[0].Host.IP, otherSID)
	}
	if rogues.IsRogue(serverIP) || !rogues.IsRogue(otherSID) {
		t.Errorf("rogue list = %+v", rogues.All())
	}
}
