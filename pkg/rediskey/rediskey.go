package rediskey

import "fmt"

// Order channel keys (global convention across services)
const (
	OrderTopicPrefix    = "order:topic"
	OrderPresencePrefix = "order:presence"
	OrderTypingPrefix   = "order:typing"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildOrderTopic returns "order:topic:{orderID}", the pub/sub channel
// carrying message, typing and presence events for one order.
func BuildOrderTopic(orderID string) string {
	return NamespaceKey(OrderTopicPrefix, orderID)
}

// BuildPresenceKey returns "order:presence:{orderID}:{userID}"
func BuildPresenceKey(orderID, userID string) string {
	return NamespaceKey(NamespaceKey(OrderPresencePrefix, orderID), userID)
}

// BuildPresencePattern returns "order:presence:{orderID}:*"
func BuildPresencePattern(orderID string) string {
	return NamespaceKey(OrderPresencePrefix, orderID) + ":*"
}

// BuildTypingThrottleKey returns "order:typing:{orderID}:{userID}"
func BuildTypingThrottleKey(orderID, userID string) string {
	return NamespaceKey(NamespaceKey(OrderTypingPrefix, orderID), userID)
}
