package events

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcplisten/internal/metrics"
)

// WebhookSender sends events to webhook endpoints with retry and HMAC signing.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// WebhookConfig describes a single webhook binding.
type WebhookConfig struct {
	Name         string
	Events       []string
	Roles        []string // Optional host role filter
	URL          string
	Method       string
	Headers      map[string]string
	Retries      int
	RetryBackoff time.Duration
	Secret       string // HMAC secret for signing
	Template     string // "slack", "teams", or empty for raw JSON
}

// NewWebhookSender creates a new webhook sender with a shared HTTP client pool.
func NewWebhookSender(timeout time.Duration, logger *slog.Logger) *WebhookSender {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Send sends an event to a webhook endpoint. Non-blocking; runs in a goroutine.
func (w *WebhookSender) Send(cfg WebhookConfig, evt Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sendWithRetry(cfg, evt)
	}()
}

// sendWithRetry attempts to deliver the webhook with exponential backoff.
func (w *WebhookSender) sendWithRetry(cfg WebhookConfig, evt Event) {
	body, err := buildPayload(cfg.Template, evt)
	if err != nil {
		w.logger.Error("failed to marshal webhook payload",
			"hook_name", cfg.Name,
			"error", err)
		return
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	retries := max(cfg.Retries, 1)
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = time.Second
	}

	start := time.Now()

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff * time.Duration(1<<uint(attempt-1)))
		}

		err = w.doRequest(cfg, method, string(evt.Type), body)
		if err == nil {
			metrics.HookExecutions.WithLabelValues("webhook", "success").Inc()
			metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
			w.logger.Debug("webhook delivered",
				"hook_name", cfg.Name,
				"url", cfg.URL,
				"event", string(evt.Type),
				"attempt", attempt+1)
			return
		}

		w.logger.Warn("webhook delivery failed",
			"hook_name", cfg.Name,
			"url", cfg.URL,
			"attempt", attempt+1,
			"max_retries", retries,
			"error", err)
	}

	metrics.HookExecutions.WithLabelValues("webhook", "error").Inc()
	metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())

	w.logger.Error("webhook delivery failed after all retries",
		"hook_name", cfg.Name,
		"url", cfg.URL,
		"retries", retries,
		"error", err)
}

// doRequest performs a single HTTP request.
func (w *WebhookSender) doRequest(cfg WebhookConfig, method, eventType string, body []byte) error {
	req, err := http.NewRequest(method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Athena-Event", eventType)
	req.Header.Set("User-Agent", "athena-dhcplisten/1.0")

	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	if cfg.Secret != "" {
		req.Header.Set("X-Athena-Signature", "sha256="+computeHMAC(body, cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
}

// computeHMAC computes HMAC-SHA256 of the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Wait blocks until all pending webhooks complete.
func (w *WebhookSender) Wait() {
	w.wg.Wait()
}

func buildPayload(template string, evt Event) ([]byte, error) {
	switch template {
	case "slack":
		return buildSlackPayload(evt)
	case "teams":
		return buildTeamsPayload(evt)
	default:
		return json.Marshal(evt)
	}
}

// summaryLines renders the event as label/value pairs shared by the chat
// templates.
func summaryLines(evt Event) [][2]string {
	var lines [][2]string
	if h := evt.Host; h != nil {
		lines = append(lines, [2]string{"IP", h.IP.String()}, [2]string{"Role", h.Role}, [2]string{"Evidence", h.Evidence})
		if h.MAC != nil {
			lines = append(lines, [2]string{"MAC", h.MAC.String()})
		}
		if h.Interface != "" {
			lines = append(lines, [2]string{"Interface", h.Interface})
		}
	}
	if a := evt.Anomaly; a != nil {
		lines = append(lines, [2]string{"Anomaly", a.Kind}, [2]string{"Source", a.Source})
		if a.Detail != "" {
			lines = append(lines, [2]string{"Detail", a.Detail})
		}
	}
	if evt.Reason != "" {
		lines = append(lines, [2]string{"Reason", evt.Reason})
	}
	return lines
}

// buildSlackPayload creates a Slack-formatted webhook payload.
func buildSlackPayload(evt Event) ([]byte, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*", evt.Type)
	for _, l := range summaryLines(evt) {
		fmt.Fprintf(&sb, "\n%s: `%s`", l[0], l[1])
	}
	return json.Marshal(map[string]string{"text": sb.String()})
}

// buildTeamsPayload creates a Microsoft Teams-formatted webhook payload.
func buildTeamsPayload(evt Event) ([]byte, error) {
	title := string(evt.Type)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Event: **%s** at %s", evt.Type, evt.Timestamp.Format(time.RFC3339))
	for _, l := range summaryLines(evt) {
		fmt.Fprintf(&sb, "<br>%s: %s", l[0], l[1])
	}

	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    title,
		"themeColor": "0076D7",
		"title":      "athena-dhcplisten: " + title,
		"text":       sb.String(),
	}
	return json.Marshal(payload)
}
