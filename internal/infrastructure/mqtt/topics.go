package mqtt

import "fmt"

// Topic prefixes for the automation service.
//
// Trigger topics are inbound: anything publishing to
// graylogic/automation/trigger/{name} fires every rule subscribed to {name}.
// Event topics are outbound and describe execution lifecycle.
const (
	// TopicPrefixAutomation is the base for all automation topics.
	TopicPrefixAutomation = "graylogic/automation"

	// TopicPrefixTrigger is the base for inbound trigger topics.
	TopicPrefixTrigger = TopicPrefixAutomation + "/trigger"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for automation MQTT topics.
//
//	topics := mqtt.Topics{}
//	topic := topics.Trigger("motion.hallway")
//	// Returns: "graylogic/automation/trigger/motion.hallway"
type Topics struct{}

// =============================================================================
// Trigger Topics
// =============================================================================

// Trigger returns the inbound topic for a named trigger under the default prefix.
//
// Example: graylogic/automation/trigger/motion.hallway
func (Topics) Trigger(name string) string {
	return TriggerUnder(TopicPrefixTrigger, name)
}

// TriggerUnder returns the topic for a named trigger under a custom prefix.
func TriggerUnder(prefix, name string) string {
	return fmt.Sprintf("%s/%s", prefix, name)
}

// TriggerName extracts the trigger name from a topic built by TriggerUnder.
// Returns false when the topic is not directly under prefix.
func TriggerName(prefix, topic string) (string, bool) {
	p := prefix + "/"
	if len(topic) <= len(p) || topic[:len(p)] != p {
		return "", false
	}
	return topic[len(p):], true
}

// =============================================================================
// Execution Event Topics
// =============================================================================

// AutomationFired returns the topic announcing a rule execution started.
//
// Example: graylogic/automation/rule-123/fired
func (Topics) AutomationFired(ruleID string) string {
	return fmt.Sprintf("%s/%s/fired", TopicPrefixAutomation, ruleID)
}

// AutomationCompleted returns the topic announcing a rule execution finished,
// successfully or not.
//
// Example: graylogic/automation/rule-123/completed
func (Topics) AutomationCompleted(ruleID string) string {
	return fmt.Sprintf("%s/%s/completed", TopicPrefixAutomation, ruleID)
}

// AutomationCancelled returns the topic announcing a cancelled execution.
//
// Example: graylogic/automation/rule-123/cancelled
func (Topics) AutomationCancelled(ruleID string) string {
	return fmt.Sprintf("%s/%s/cancelled", TopicPrefixAutomation, ruleID)
}

// =============================================================================
// System Topics
// =============================================================================

// ServiceName identifies this service under the system prefix.
const ServiceName = "automation"

// ServiceStatus returns the retained online/offline topic for a service.
// Used for the Last Will and Testament.
//
// Example: graylogic/system/automation/status
func (Topics) ServiceStatus(service string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixSystem, service)
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// AllAutomationEvents returns a wildcard for all execution events.
//
// Pattern: graylogic/automation/+/+
func (Topics) AllAutomationEvents() string {
	return TopicPrefixAutomation + "/+/+"
}

// AllTriggers returns a wildcard for every inbound trigger topic.
//
// Pattern: graylogic/automation/trigger/+
func (Topics) AllTriggers() string {
	return TopicPrefixTrigger + "/+"
}
