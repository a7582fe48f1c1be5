// Package actions implements the built-in action handlers.
//
// Every handler has a side-effect-free Test variant used by dry runs: it
// validates parameters and renders templates, then reports what Execute
// would have done.
package actions

import (
	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Built-in action types.
const (
	TypeMQTTPublish = "mqtt_publish"
	TypeWebhook     = "webhook"
	TypeNotify      = "notify"
	TypeLog         = "log"
	TypeDelay       = "delay"
)

// Registrar accepts handlers; *automation.HandlerRegistry satisfies it.
type Registrar interface {
	Register(actionType string, h automation.ActionHandler)
}

// Deps holds what the built-in handlers talk to. Nil collaborators leave
// their handler registered but failing at execution time with a clear message.
type Deps struct {
	MQTT   Publisher
	Hub    Broadcaster
	HTTP   HTTPDoer
	Logger automation.Logger
}

// RegisterDefaults registers every built-in handler.
func RegisterDefaults(r Registrar, deps Deps) {
	r.Register(TypeMQTTPublish, NewMQTTPublish(deps.MQTT))
	r.Register(TypeWebhook, NewWebhook(deps.HTTP, deps.Logger))
	r.Register(TypeNotify, NewNotify(deps.Hub))
	r.Register(TypeLog, NewLog(deps.Logger))
	r.Register(TypeDelay, Delay{})
}
