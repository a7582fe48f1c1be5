package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Publisher is the MQTT surface the publish action needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTPublish publishes a message to a broker topic.
//
// Parameters:
//   - topic (string, required): templated with {key} placeholders
//   - payload (string or object): strings are templated; objects are
//     rendered recursively and JSON-encoded
//   - qos (int 0-2, default 1)
//   - retained (bool)
type MQTTPublish struct {
	client Publisher
}

// NewMQTTPublish creates the mqtt_publish handler.
func NewMQTTPublish(client Publisher) *MQTTPublish {
	return &MQTTPublish{client: client}
}

type mqttMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// Execute publishes the rendered message.
func (h *MQTTPublish) Execute(ctx context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	msg, err := buildMQTTMessage(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}
	if h.client == nil {
		return automation.ActionOutput{}, fmt.Errorf("mqtt client not configured")
	}
	if err := ctx.Err(); err != nil {
		return automation.ActionOutput{}, err
	}

	if err := h.client.Publish(msg.topic, msg.payload, msg.qos, msg.retained); err != nil {
		return automation.ActionOutput{}, fmt.Errorf("publishing to %s: %w", msg.topic, err)
	}
	return automation.ActionOutput{
		Message: "published to " + msg.topic,
		Output: map[string]any{
			"topic": msg.topic,
			"bytes": len(msg.payload),
		},
	}, nil
}

// Test renders the message without publishing it.
func (h *MQTTPublish) Test(_ context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	msg, err := buildMQTTMessage(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}
	return automation.ActionOutput{
		Message: "would publish to " + msg.topic,
		Output: map[string]any{
			"topic":    msg.topic,
			"payload":  string(msg.payload),
			"qos":      int(msg.qos),
			"retained": msg.retained,
		},
	}, nil
}

func buildMQTTMessage(action automation.Action, vars map[string]any) (mqttMessage, error) {
	topic, err := requiredString(action, "topic")
	if err != nil {
		return mqttMessage{}, err
	}
	topic = Render(topic, vars)
	if strings.ContainsAny(topic, "+#") {
		return mqttMessage{}, fmt.Errorf("%w: topic %q must not contain wildcards", ErrInvalidParameter, topic)
	}

	qos, err := optionalInt(action, "qos", 1, 0, 2)
	if err != nil {
		return mqttMessage{}, err
	}
	retained, err := optionalBool(action, "retained")
	if err != nil {
		return mqttMessage{}, err
	}

	var payload []byte
	switch p := action.Parameters["payload"].(type) {
	case nil:
	case string:
		payload = []byte(Render(p, vars))
	default:
		payload, err = json.Marshal(renderValue(p, vars))
		if err != nil {
			return mqttMessage{}, fmt.Errorf("%w: payload: %v", ErrInvalidParameter, err)
		}
	}

	return mqttMessage{topic: topic, payload: payload, qos: byte(qos), retained: retained}, nil
}
