package events

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Dispatcher routes events from the bus to script hooks and webhooks.
// It subscribes to the event bus and dispatches matching events to the
// appropriate hook runners. Hook failures NEVER propagate to packet processing.
type Dispatcher struct {
	bus         *Bus
	scripts     *ScriptRunner
	webhooks    *WebhookSender
	logger      *slog.Logger
	scriptCfgs  []ScriptConfig
	webhookCfgs []WebhookConfig
	ch          chan Event
	finished    chan struct{}
	running     atomic.Bool
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(bus *Bus, logger *slog.Logger, scriptConcurrency int, webhookTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		scripts:  NewScriptRunner(scriptConcurrency, logger),
		webhooks: NewWebhookSender(webhookTimeout, logger),
		logger:   logger,
		finished: make(chan struct{}),
	}
}

// AddScript registers a script hook.
func (d *Dispatcher) AddScript(cfg ScriptConfig) {
	d.scriptCfgs = append(d.scriptCfgs, cfg)
}

// AddWebhook registers a webhook hook.
func (d *Dispatcher) AddWebhook(cfg WebhookConfig) {
	d.webhookCfgs = append(d.webhookCfgs, cfg)
}

// HookCount returns the number of registered hooks.
func (d *Dispatcher) HookCount() int {
	return len(d.scriptCfgs) + len(d.webhookCfgs)
}

// Subscribe attaches the dispatcher to the bus. It must be called before the
// first event is published for that event to reach the hooks.
func (d *Dispatcher) Subscribe() {
	if d.ch == nil {
		d.ch = d.bus.Subscribe(1000)
	}
}

// Start dispatches events until Stop. Call Subscribe first, then Start in a
// goroutine.
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer close(d.finished)
	d.Subscribe()

	d.logger.Info("event dispatcher started",
		"script_hooks", len(d.scriptCfgs),
		"webhook_hooks", len(d.webhookCfgs))

	for evt := range d.ch {
		d.dispatch(evt)
	}
}

// Stop detaches from the bus, dispatches the events already received, and
// waits for pending hooks. Stop the bus first so nothing is left in flight.
func (d *Dispatcher) Stop() {
	if d.ch != nil {
		d.bus.Unsubscribe(d.ch)
	}
	if d.running.CompareAndSwap(false, true) {
		// Start never ran
		if d.ch != nil {
			for evt := range d.ch {
				d.dispatch(evt)
			}
		}
		close(d.finished)
	}
	<-d.finished

	d.scripts.Wait()
	d.webhooks.Wait()
	d.logger.Info("event dispatcher stopped")
}

// dispatch routes a single event to matching hooks.
func (d *Dispatcher) dispatch(evt Event) {
	evtType := string(evt.Type)

	for _, cfg := range d.scriptCfgs {
		if matchesEvent(cfg.Events, evtType) && matchesRole(cfg.Roles, evt) {
			d.scripts.Run(cfg, evt)
		}
	}

	for _, cfg := range d.webhookCfgs {
		if matchesEvent(cfg.Events, evtType) && matchesRole(cfg.Roles, evt) {
			d.webhooks.Send(cfg, evt)
		}
	}
}

// matchesEvent checks if the event type matches any of the configured patterns.
// Supports exact match and wildcard patterns (e.g., "host.*", "*").
func matchesEvent(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true // No filter = match all
	}
	for _, p := range patterns {
		if p == "*" || p == eventType {
			return true
		}
		// Wildcard suffix: "host.*" matches "host.discovered"
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			return true
		}
	}
	return false
}

// matchesRole checks the hook's role filter. Events without a host, such as
// anomalies, always pass.
func matchesRole(roles []string, evt Event) bool {
	if len(roles) == 0 {
		return true
	}
	role := evt.Role()
	if role == "" {
		return true
	}
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
