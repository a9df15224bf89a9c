// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// Topic denotes the subsystem an event originated from.
type Topic string

const (
	TopicService   Topic = "Service"
	TopicConfig    Topic = "Config"
	TopicNamespace Topic = "Namespace"

	TopicAll Topic = "*"
)

// Event type strings per topic.
const (
	TypeServiceChanged = "ServiceChanged"
	TypeServiceRemoved = "ServiceRemoved"

	TypeConfigChanged = "ConfigChanged"
	TypeConfigRemoved = "ConfigRemoved"

	TypeNamespaceUpserted = "NamespaceUpserted"
	TypeNamespaceDeleted  = "NamespaceDeleted"
)

// Event is a single state change published to the broker. Key is the
// service or config ID the change applies to.
type Event struct {
	Topic   Topic
	Type    string
	Key     string
	Index   uint64
	Payload interface{}
}

// Events is a set of events that committed at one index.
type Events struct {
	Index  uint64
	Events []Event
}

// ServiceEventPayload carries the post-mutation service state.
type ServiceEventPayload struct {
	Service *ServiceKey

	// Revision of the service after the mutation.
	Revision uint64
}

// ConfigEventPayload carries the post-mutation config state. Entry is nil
// when the change was a removal; Gray is set when the key has a live gray
// shadow at this revision.
type ConfigEventPayload struct {
	Key   ConfigKey
	Entry *ConfigEntry
	Gray  *ConfigGray
}
