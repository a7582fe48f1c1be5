package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// ChannelNotifications is the hub channel notify actions broadcast on.
const ChannelNotifications = "notifications"

// Broadcaster is the WebSocket hub surface the notify action needs.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Notification is the payload delivered to hub subscribers.
type Notification struct {
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

var notifyLevels = map[string]bool{"info": true, "warning": true, "error": true}

// Notify pushes a notification to connected WebSocket clients.
//
// Parameters: message (required), title, level (info|warning|error).
// Title and message are templated.
type Notify struct {
	hub Broadcaster
}

// NewNotify creates the notify handler.
func NewNotify(hub Broadcaster) *Notify {
	return &Notify{hub: hub}
}

// Execute broadcasts the notification.
func (h *Notify) Execute(_ context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	n, err := buildNotification(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}
	if h.hub == nil {
		return automation.ActionOutput{}, fmt.Errorf("notification hub not configured")
	}
	h.hub.Broadcast(ChannelNotifications, n)
	return automation.ActionOutput{
		Message: "notification sent",
		Output:  map[string]any{"level": n.Level},
	}, nil
}

// Test renders the notification without sending it.
func (h *Notify) Test(_ context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	n, err := buildNotification(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}
	return automation.ActionOutput{
		Message: "would notify: " + n.Message,
		Output: map[string]any{
			"title":   n.Title,
			"message": n.Message,
			"level":   n.Level,
		},
	}, nil
}

func buildNotification(action automation.Action, vars map[string]any) (Notification, error) {
	msg, err := requiredString(action, "message")
	if err != nil {
		return Notification{}, err
	}
	title, err := optionalString(action, "title", "")
	if err != nil {
		return Notification{}, err
	}
	level, err := optionalString(action, "level", "info")
	if err != nil {
		return Notification{}, err
	}
	if !notifyLevels[level] {
		return Notification{}, fmt.Errorf("%w: level must be info, warning or error", ErrInvalidParameter)
	}
	return Notification{
		Title:     Render(title, vars),
		Message:   Render(msg, vars),
		Level:     level,
		Timestamp: time.Now().UTC(),
	}, nil
}
