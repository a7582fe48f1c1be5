package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

// Logger is the logging surface the client needs. *logging.Logger and
// *slog.Logger satisfy it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// MessageHandler receives one message. Paho calls handlers from its own
// goroutines, so they must not block. A returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

// conn is the part of the paho client this package drives; pahomqtt.Client
// satisfies it.
type conn interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is the broker connection shared by the trigger manager, the
// mqtt_publish action and execution event publishing.
//
// Subscriptions are remembered and replayed after every reconnect, so trigger
// topics survive broker restarts. Liveness is announced on a retained status
// topic, with a Last Will covering crashes.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	conn conn
	cfg  config.MQTTConfig

	connected atomic.Bool

	mu           sync.RWMutex
	subs         map[string]subscription
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

func newClient(cfg config.MQTTConfig) *Client {
	return &Client{cfg: cfg, subs: make(map[string]subscription)}
}

// Connect dials the broker and waits up to the connect timeout for the
// first session. Auto-reconnect handles every later outage.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if l := c.getLogger(); l != nil {
			l.Info("MQTT reconnecting")
		}
	})

	pc := pahomqtt.NewClient(opts)
	c.conn = pc

	token := pc.Connect()
	if !token.WaitTimeout(connectTimeout) {
		pc.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect callback runs asynchronously; mark the session live now
	// so callers can publish straight away.
	c.connected.Store(true)
	return c, nil
}

// handleConnect runs on the initial connect and on every reconnect.
func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()
	c.publishStatus(statusOnline, "")

	c.mu.RLock()
	cb := c.onConnect
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	cb := c.onDisconnect
	n := len(c.subs)
	c.mu.RUnlock()

	if l := c.getLogger(); l != nil {
		l.Warn("MQTT connection lost", "error", err, "subscriptions", n)
	}
	if cb != nil {
		cb(err)
	}
}

// restoreSubscriptions replays every remembered subscription. A topic that
// fails to come back means its rules stop firing, so failures are logged.
func (c *Client) restoreSubscriptions() {
	c.mu.RLock()
	snapshot := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		snapshot[topic] = s
	}
	c.mu.RUnlock()

	for topic, s := range snapshot {
		token := c.conn.Subscribe(topic, s.qos, c.wrapHandler(s.handler))
		go func(topic string, token pahomqtt.Token) {
			if err := await(token, ErrSubscribeFailed); err != nil {
				if l := c.getLogger(); l != nil {
					l.Error("MQTT subscription restore failed", "topic", topic, "error", err)
				}
			}
		}(topic, token)
	}
}

// Close announces a graceful shutdown and disconnects.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.IsConnected() {
		// Best effort: the broker keeps the retained offline status.
		_ = await(c.conn.Publish(
			Topics{}.ServiceStatus(ServiceName), byte(c.cfg.QoS), true,
			newStatus(statusOffline, c.cfg.Broker.ClientID, "graceful_shutdown").encode(),
		), ErrPublishFailed)
	}
	c.conn.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether a session is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && c.conn.IsConnected()
}

// SetOnConnect registers a callback for the initial connect and every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect registers a callback for lost connections. Close does not
// invoke it.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger enables logging of handler failures and reconnect events.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho, recovering panics so one bad
// message cannot take down the paho router goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if l := c.getLogger(); l != nil {
					l.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if l := c.getLogger(); l != nil {
				l.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
