// This file defines the PubSub interface used to fan room and presence events
// out to the other nodes of a deployment.
package realtime

import (
	"errors"
	"strings"
)

// PubSub is a topic based message bus shared by every node.
type PubSub interface {
	// Subscribe registers a handler for topics matching pattern. A pattern
	// ending in ".*" matches every topic with that prefix.
	Subscribe(pattern string, handler func(topic string, data []byte)) error
	Unsubscribe(pattern string) error
	Publish(topic string, data []byte) error
	Close() error
}

// ErrPubSubClosed is returned by a bus after Close.
var ErrPubSubClosed = errors.New("pubsub: closed")

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	prefix, wildcard := strings.CutSuffix(pattern, ".*")
	return wildcard && prefix != "" && strings.HasPrefix(topic, prefix)
}

const topicPrefix = "pondchat:"

// relayPattern matches every topic the hub publishes.
const relayPattern = topicPrefix + ".*"

func formatRoomTopic(room string) string {
	return topicPrefix + "room:" + room
}

func formatSystemTopic(event string) string {
	return topicPrefix + "system:" + event
}

// relayEnvelope is what a node publishes for the others to deliver locally.
type relayEnvelope struct {
	NodeID string `json:"nodeId"`
	Room   string `json:"room,omitempty"`
	Event  *Event `json:"event"`
}
