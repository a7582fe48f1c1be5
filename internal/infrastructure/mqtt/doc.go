// Package mqtt wraps the paho client for the automation service.
//
// MQTT is both an input and an output of the rule engine. Anything on the
// bus can fire a named trigger by publishing to
// graylogic/automation/trigger/{name}; the engine announces execution
// lifecycle on graylogic/automation/{rule}/fired|completed|cancelled.
//
//	publishers -> trigger topics -> rule engine -> event topics -> subscribers
//
// The client remembers its subscriptions and replays them after every
// reconnect. Liveness is published retained on
// graylogic/system/automation/status, with a Last Will for crashes.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllTriggers(), 1, func(topic string, payload []byte) error {
//	    name, _ := mqtt.TriggerName(mqtt.TopicPrefixTrigger, topic)
//	    return enqueue(name, payload)
//	})
package mqtt
