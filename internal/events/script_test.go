package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestScriptRunnerEnvAndStdin(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	dir := t.TempDir()
	envFile := filepath.Join(dir, "env")
	stdinFile := filepath.Join(dir, "stdin")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewScriptRunner(1, logger)

	cfg := ScriptConfig{
		Name:    "capture",
		Command: "env > " + envFile + "; cat > " + stdinFile,
		Timeout: 5 * time.Second,
	}
	evt := Event{
		Type:      EventHostDiscovered,
		Timestamp: time.Unix(1700000000, 0),
		Host: &HostData{
			IP:       net.IPv4(10, 0, 0, 1),
			Role:     "server",
			Evidence: "source-port",
		},
	}

	r.Run(cfg, evt)
	r.Wait()

	env, err := os.ReadFile(envFile)
	if err != nil {
		t.Fatalf("reading env: %v", err)
	}
	for _, want := range []string{
		"ATHENA_EVENT=host.discovered",
		"ATHENA_IP=10.0.0.1",
		"ATHENA_ROLE=server",
		"ATHENA_HOOK_NAME=capture",
	} {
		if !strings.Contains(string(env), want) {
			t.Errorf("script environment missing %q", want)
		}
	}

	stdin, err := os.ReadFile(stdinFile)
	if err != nil {
		t.Fatalf("reading stdin: %v", err)
	}
	var got Event
	if err := json.Unmarshal(stdin, &got); err != nil {
		t.Fatalf("stdin is not an event: %v", err)
	}
	if got.Type != EventHostDiscovered || got.Host == nil || !got.Host.IP.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("stdin event = %+v", got)
	}
}

func TestEventToEnvVars(t *testing.T) {
	evt := Event{
		Type:      EventPacketAnomaly,
		Timestamp: time.Unix(42, 0),
		Anomaly: &AnomalyData{
			Kind:      "bad_magic_cookie",
			Source:    "10.0.0.9:67",
			Interface: "eth0",
		},
	}

	env := evt.ToEnvVars()
	want := map[string]string{
		"ATHENA_EVENT":     "packet.anomaly",
		"ATHENA_TIMESTAMP": "42",
		"ATHENA_ANOMALY":   "bad_magic_cookie",
		"ATHENA_SOURCE":    "10.0.0.9:67",
		"ATHENA_INTERFACE": "eth0",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
	if _, ok := env["ATHENA_ROLE"]; ok {
		t.Error("anomaly event should not carry a role")
	}
}
