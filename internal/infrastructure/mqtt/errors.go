package mqtt

import "errors"

// Broker errors surfaced to the trigger manager, the mqtt_publish action
// and execution event publishing, wrapped around the paho error if any.
var (
	ErrNotConnected     = errors.New("mqtt: broker link down")
	ErrConnectionFailed = errors.New("mqtt: cannot reach broker")

	ErrPublishFailed     = errors.New("mqtt: broker rejected publish")
	ErrSubscribeFailed   = errors.New("mqtt: broker rejected subscription")
	ErrUnsubscribeFailed = errors.New("mqtt: broker rejected unsubscribe")

	// Argument errors, returned before anything reaches the broker.
	ErrInvalidQoS   = errors.New("mqtt: qos outside 0..2")
	ErrInvalidTopic = errors.New("mqtt: empty topic, or wildcard in a publish topic")
)
