// Package triggers connects external event sources to the rule engine.
//
// Manager subscribes to one MQTT topic per trigger name in use and queues
// incoming messages. The scheduler drains the queue through
// ProcessTriggers, which fans each message out via the engine.
package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// ErrQueueFull is returned to the MQTT layer when an event had to be dropped.
var ErrQueueFull = errors.New("triggers: event queue full")

const (
	defaultQueueSize = 1024
	defaultQoS       = 1
)

// Subscriber is the MQTT surface the manager needs; *mqtt.Client satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Config tunes the manager.
type Config struct {
	// Topic prefix; a trigger named X listens on {Prefix}/X.
	Prefix    string
	QoS       byte
	QueueSize int
}

// Event is one received trigger message waiting to be processed.
type Event struct {
	Trigger string
	Topic   string
	Vars    map[string]any
}

// Subscription reports a trigger topic and how many rules use it.
type Subscription struct {
	Trigger string `json:"trigger"`
	Topic   string `json:"topic"`
	Rules   int    `json:"rules"`
}

// Manager implements automation.TriggerManager over MQTT.
//
// Topics are reference counted: the subscription is made when the first rule
// registers a trigger name and dropped when the last one unregisters it.
type Manager struct {
	client Subscriber
	cfg    Config
	logger automation.Logger

	mu     sync.Mutex
	byRule map[string][]string // rule ID -> trigger names
	refs   map[string]int      // trigger name -> rule count

	queue chan Event
}

// NewManager creates a trigger manager.
func NewManager(client Subscriber, cfg Config, logger automation.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = mqtt.TopicPrefixTrigger
	}
	if cfg.QoS > 2 {
		cfg.QoS = defaultQoS
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Manager{
		client: client,
		cfg:    cfg,
		logger: logger,
		byRule: make(map[string][]string),
		refs:   make(map[string]int),
		queue:  make(chan Event, cfg.QueueSize),
	}
}

// RegisterTriggers replaces the trigger set of a rule. Only the difference
// from the previous set is applied: names the rule keeps stay subscribed,
// new names are subscribed before dropped ones are released. Names that
// fail to subscribe are left out of the rule's set and reported in the error.
func (m *Manager) RegisterTriggers(_ context.Context, ruleID string, triggers []automation.Trigger) error {
	want := uniqueNames(triggers)

	m.mu.Lock()
	defer m.mu.Unlock()

	had := make(map[string]bool, len(m.byRule[ruleID]))
	for _, name := range m.byRule[ruleID] {
		had[name] = true
	}

	var (
		kept []string
		errs []error
	)
	for _, name := range want {
		if had[name] {
			delete(had, name)
			kept = append(kept, name)
			continue
		}
		if m.refs[name] == 0 {
			topic := mqtt.TriggerUnder(m.cfg.Prefix, name)
			if err := m.client.Subscribe(topic, m.cfg.QoS, m.handle); err != nil {
				errs = append(errs, fmt.Errorf("subscribing trigger %q: %w", name, err))
				continue
			}
			m.logger.Debug("trigger subscribed", "trigger", name, "topic", topic)
		}
		m.refs[name]++
		kept = append(kept, name)
	}

	// Whatever is left in had was dropped by the new set.
	dropped := make([]string, 0, len(had))
	for _, name := range m.byRule[ruleID] {
		if had[name] {
			dropped = append(dropped, name)
		}
	}
	if len(kept) > 0 {
		m.byRule[ruleID] = kept
	} else {
		delete(m.byRule, ruleID)
	}
	errs = append(errs, m.releaseLocked(dropped))
	return errors.Join(errs...)
}

// UnregisterTriggers drops every trigger of a rule.
func (m *Manager) UnregisterTriggers(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := m.byRule[ruleID]
	delete(m.byRule, ruleID)
	return m.releaseLocked(names)
}

// releaseLocked drops one reference per name, unsubscribing names nobody
// uses any more.
func (m *Manager) releaseLocked(names []string) error {
	var errs []error
	for _, name := range names {
		m.refs[name]--
		if m.refs[name] > 0 {
			continue
		}
		delete(m.refs, name)
		topic := mqtt.TriggerUnder(m.cfg.Prefix, name)
		if err := m.client.Unsubscribe(topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing trigger %q: %w", name, err))
			continue
		}
		m.logger.Debug("trigger unsubscribed", "trigger", name)
	}
	return errors.Join(errs...)
}

// ProcessTriggers drains the events queued so far into sink. Failures are
// logged per event; only context cancellation stops the drain early.
func (m *Manager) ProcessTriggers(ctx context.Context, sink automation.TriggerSink) error {
	for n := len(m.queue); n > 0; n-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev Event
		select {
		case ev = <-m.queue:
		default:
			return nil
		}

		if _, err := sink.TriggerAutomation(ctx, ev.Trigger, ev.Vars, "mqtt:"+ev.Topic); err != nil {
			m.logger.Warn("trigger processing failed", "trigger", ev.Trigger, "error", err)
		}
	}
	return nil
}

// Enqueue queues an event without going through MQTT.
func (m *Manager) Enqueue(ev Event) error {
	select {
	case m.queue <- ev:
		return nil
	default:
		m.logger.Warn("trigger queue full, event dropped", "trigger", ev.Trigger)
		return ErrQueueFull
	}
}

// Pending returns the number of queued events.
func (m *Manager) Pending() int {
	return len(m.queue)
}

// Subscriptions lists the active trigger topics sorted by trigger name.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Subscription, 0, len(m.refs))
	for name, n := range m.refs {
		out = append(out, Subscription{
			Trigger: name,
			Topic:   mqtt.TriggerUnder(m.cfg.Prefix, name),
			Rules:   n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out
}

// Close unsubscribes every trigger topic.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name := range m.refs {
		if err := m.client.Unsubscribe(mqtt.TriggerUnder(m.cfg.Prefix, name)); err != nil {
			errs = append(errs, err)
		}
	}
	m.refs = make(map[string]int)
	m.byRule = make(map[string][]string)
	return errors.Join(errs...)
}

// handle is the MQTT message callback.
func (m *Manager) handle(topic string, payload []byte) error {
	name, ok := mqtt.TriggerName(m.cfg.Prefix, topic)
	if !ok {
		return fmt.Errorf("unexpected trigger topic %q", topic)
	}
	return m.Enqueue(Event{Trigger: name, Topic: topic, Vars: decodePayload(payload)})
}

// decodePayload turns a message body into trigger variables. A JSON object
// is used as-is; any other JSON value lands under "value"; non-JSON text
// lands under "payload".
func decodePayload(payload []byte) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return map[string]any{"payload": string(payload)}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"value": v}
}

func uniqueNames(triggers []automation.Trigger) []string {
	seen := make(map[string]bool, len(triggers))
	names := make([]string, 0, len(triggers))
	for _, t := range triggers {
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		names = append(names, t.Name)
	}
	return names
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
