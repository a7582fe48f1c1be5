package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

const (
	connectTimeout    = 10 * time.Second
	operationTimeout  = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	maxQoS            = 2
)

// brokerURL picks ssl:// when TLS is on.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions maps config onto paho options: clean sessions,
// auto-reconnect with capped backoff and the crash-time Last Will.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		// Trigger handlers only enqueue, so they may run concurrently.
		SetOrderMatters(false).
		SetWill(
			Topics{}.ServiceStatus(ServiceName),
			newStatus(statusOffline, cfg.Broker.ClientID, "unexpected_disconnect").encode(),
			1, true,
		)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// serviceStatus is the retained body on graylogic/system/automation/status.
type serviceStatus struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	ClientID      string `json:"client_id"`
	Reason        string `json:"reason,omitempty"`
	Subscriptions *int   `json:"subscriptions,omitempty"`
	Timestamp     string `json:"timestamp"`
}

func newStatus(state, clientID, reason string) serviceStatus {
	return serviceStatus{
		Status:    state,
		Service:   ServiceName,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (s serviceStatus) encode() string {
	b, err := json.Marshal(s)
	if err != nil {
		return `{"status":"` + s.Status + `"}`
	}
	return string(b)
}

// publishStatus announces state with the current subscription count.
// Fire and forget: it runs inside paho's connect callback.
func (c *Client) publishStatus(state, reason string) {
	s := newStatus(state, c.cfg.Broker.ClientID, reason)
	n := len(c.Subscriptions())
	s.Subscriptions = &n
	c.conn.Publish(Topics{}.ServiceStatus(ServiceName), byte(c.cfg.QoS), true, s.encode())
}
