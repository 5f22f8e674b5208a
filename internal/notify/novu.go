package notify

import (
	"context"
	"fmt"
	novu "github.com/novuhq/go-novu/lib"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NovuConfig defines fields used for parsing Novu settings from environment variables
type NovuConfig struct {
	APIKey  string        `env:"NOVU_API_KEY"`
	BaseURL string        `env:"NOVU_BASE_URL" envDefault:"https://api.novu.co"`
	Timeout time.Duration `env:"NOVU_TIMEOUT" envDefault:"5s"`
}

// Novu is a Notifier backed by the Novu API
type Novu struct {
	client *novu.APIClient
}

// NewNovu returns Novu notifier. A nil client is replaced with one using cfg.Timeout.
func NewNovu(cfg NovuConfig, client *http.Client) (*Novu, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	backend, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing NOVU_BASE_URL: %w", err)
	}

	return &Novu{
		client: novu.NewAPIClient(cfg.APIKey, &novu.Config{
			BackendURL: backend,
			HttpClient: client,
		}),
	}, nil
}

func (n *Novu) CreateTopic(ctx context.Context, key, name string) error {
	if err := n.client.TopicsApi.Create(ctx, key, name); err != nil {
		return fmt.Errorf("novu create topic %s: %w", key, err)
	}
	return nil
}

func (n *Novu) DeleteTopic(ctx context.Context, key string) error {
	if err := n.client.TopicsApi.Delete(ctx, key); err != nil {
		return fmt.Errorf("novu delete topic %s: %w", key, err)
	}
	return nil
}

func (n *Novu) AddSubscribers(ctx context.Context, topicKey string, subscriberIDs []string) error {
	if err := n.client.TopicsApi.AddSubscribers(ctx, topicKey, subscriberIDs); err != nil {
		return fmt.Errorf("novu add subscribers to %s: %w", topicKey, err)
	}
	return nil
}

func (n *Novu) RemoveSubscribers(ctx context.Context, topicKey string, subscriberIDs []string) error {
	if err := n.client.TopicsApi.RemoveSubscribers(ctx, topicKey, subscriberIDs); err != nil {
		return fmt.Errorf("novu remove subscribers from %s: %w", topicKey, err)
	}
	return nil
}

func (n *Novu) IdentifySubscriber(ctx context.Context, subscriberID, username string) error {
	data := map[string]interface{}{
		"data": map[string]interface{}{"username": username},
	}
	if _, err := n.client.SubscriberApi.Identify(ctx, subscriberID, data); err != nil {
		return fmt.Errorf("novu identify subscriber %s: %w", subscriberID, err)
	}
	return nil
}

func (n *Novu) RemoveSubscriber(ctx context.Context, subscriberID string) error {
	if _, err := n.client.SubscriberApi.Delete(ctx, subscriberID); err != nil {
		return fmt.Errorf("novu delete subscriber %s: %w", subscriberID, err)
	}
	return nil
}

func (n *Novu) Trigger(ctx context.Context, event string, t Trigger) error {
	opts := novu.ITriggerPayloadOptions{
		To: []map[string]interface{}{
			{"type": "Topic", "topicKey": t.TopicKey},
		},
		Payload: t.Payload,
	}
	// Novu skips the actor when fanning out to a topic
	if t.ActorID != "" {
		opts.Actor = map[string]interface{}{"subscriberId": t.ActorID}
	}

	if _, err := n.client.EventApi.Trigger(ctx, event, opts); err != nil {
		return fmt.Errorf("novu trigger %s on %s: %w", event, t.TopicKey, err)
	}
	return nil
}
