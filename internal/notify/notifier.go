// Package notify talks to the external push-notification service.
// Calls are made through Dispatcher after the owning transaction has committed.
package notify

import (
	"context"
	"strconv"
)

// Notifier is the notification service consumed by the chat core
type Notifier interface {
	CreateTopic(ctx context.Context, key, name string) error
	DeleteTopic(ctx context.Context, key string) error
	AddSubscribers(ctx context.Context, topicKey string, subscriberIDs []string) error
	RemoveSubscribers(ctx context.Context, topicKey string, subscriberIDs []string) error
	// IdentifySubscriber registers the user with the notification service; topics only deliver to known subscribers
	IdentifySubscriber(ctx context.Context, subscriberID, username string) error
	RemoveSubscriber(ctx context.Context, subscriberID string) error
	Trigger(ctx context.Context, event string, t Trigger) error
}

// Event types triggered by the chat core
const (
	EventNewMessage = "new-message"
)

// Trigger addresses an event to every subscriber of a topic
type Trigger struct {
	TopicKey string
	// ActorID is excluded from delivery when set
	ActorID string
	Payload map[string]interface{}
}

// TopicKey returns topic name used for a chat
func TopicKey(chatID int64) string {
	return "chat-" + strconv.FormatInt(chatID, 10)
}

// SubscriberID returns subscriber id used for a user
func SubscriberID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// SubscriberIDs converts user ids to subscriber ids
func SubscriberIDs(userIDs []int64) []string {
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, SubscriberID(id))
	}
	return ids
}

// Discard accepts every call and does nothing
type Discard struct{}

func (Discard) CreateTopic(context.Context, string, string) error { return nil }
func (Discard) DeleteTopic(context.Context, string) error { return nil }
func (Discard) AddSubscribers(context.Context, string, []string) error { return nil }
func (Discard) RemoveSubscribers(context.Context, string, []string) error { return nil }
func (Discard) IdentifySubscriber(context.Context, string, string) error { return nil }
func (Discard) RemoveSubscriber(context.Context, string) error { return nil }
func (Discard) Trigger(context.Context, string, Trigger) error { return nil }
