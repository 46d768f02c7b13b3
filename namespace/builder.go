// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all sinks (MQTT, Valkey, Kafka).
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTStateTopic returns the topic for controller snapshots: {ns}[/{sel}]/{controller}/state
func (b *Builder) MQTTStateTopic(controller string) string {
	return b.mqttBase() + "/" + controller + "/state"
}

// MQTTStatusTopic returns the topic for connection status: {ns}[/{sel}]/{controller}/status
func (b *Builder) MQTTStatusTopic(controller string) string {
	return b.mqttBase() + "/" + controller + "/status"
}

// MQTTControlTopic returns the topic for activate/idle requests: {ns}[/{sel}]/{controller}/control
func (b *Builder) MQTTControlTopic(controller string) string {
	return b.mqttBase() + "/" + controller + "/control"
}

// MQTTControlWildcard matches the control topic of every controller: {ns}[/{sel}]/+/control
func (b *Builder) MQTTControlWildcard() string {
	return b.mqttBase() + "/+/control"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyStateKey returns the key for the latest snapshot: {ns}[:{sel}]:{controller}:state
func (b *Builder) ValkeyStateKey(controller string) string {
	return b.valkeyBase() + ":" + controller + ":state"
}

// ValkeyStatusKey returns the key for connection status: {ns}[:{sel}]:{controller}:status
func (b *Builder) ValkeyStatusKey(controller string) string {
	return b.valkeyBase() + ":" + controller + ":status"
}

// ValkeyChangesChannel returns the channel for one controller's snapshots: {ns}[:{sel}]:{controller}:changes
func (b *Builder) ValkeyChangesChannel(controller string) string {
	return b.valkeyBase() + ":" + controller + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all snapshots: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyControlQueue returns the list key for activate/idle requests: {ns}[:{sel}]:control
func (b *Builder) ValkeyControlQueue() string {
	return b.valkeyBase() + ":control"
}

// ValkeyControlResponseChannel returns the channel for control responses: {ns}[:{sel}]:control:responses
func (b *Builder) ValkeyControlResponseChannel() string {
	return b.valkeyBase() + ":control:responses"
}

// ValkeyFactory returns the factory identifier for JSON messages: {ns}[:{sel}]
func (b *Builder) ValkeyFactory() string {
	return b.valkeyBase()
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for status) ---

// KafkaStateTopic returns the topic for snapshots: {ns}[-{sel}]
// The controller name is used as the message key for partitioning.
func (b *Builder) KafkaStateTopic() string {
	return b.kafkaBase()
}

// KafkaStatusTopic returns the topic for connection status: {ns}[-{sel}].status
func (b *Builder) KafkaStatusTopic() string {
	return b.kafkaBase() + ".status"
}

// KafkaControlTopic returns the topic for activate/idle requests: {ns}[-{sel}].control
func (b *Builder) KafkaControlTopic() string {
	return b.kafkaBase() + ".control"
}

// KafkaControlResponseTopic returns the topic for control responses: {ns}[-{sel}].control.responses
func (b *Builder) KafkaControlResponseTopic() string {
	return b.kafkaBase() + ".control.responses"
}

// KafkaConsumerGroup returns the default consumer group for the control topic.
func (b *Builder) KafkaConsumerGroup() string {
	return "rcmon-" + b.kafkaBase()
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
