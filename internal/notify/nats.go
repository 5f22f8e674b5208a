package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"time"
)

// NATSConfig defines fields used for parsing NATS settings from environment variables
type NATSConfig struct {
	URL           string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Bucket        string `env:"NATS_TOPICS_BUCKET" envDefault:"notification_topics"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"notify"`
}

// NATS is a self-hosted Notifier: topics and their subscribers live in a JetStream key-value
// bucket and triggers are published on "<prefix>.<topic key>" for a delivery worker to consume.
type NATS struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	prefix string
}

type topicRecord struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

type triggerMessage struct {
	Event       string                 `json:"event"`
	TopicKey    string                 `json:"topicKey"`
	Subscribers []string               `json:"subscribers"`
	Payload     map[string]interface{} `json:"payload"`
}

type subscriberMessage struct {
	SubscriberID string            `json:"subscriberId"`
	Data         map[string]string `json:"data"`
}

const maxUpdateAttempts = 3

// NewNATS connects to NATS and opens (or creates) the topics bucket
func NewNATS(logger *zap.SugaredLogger, cfg NATSConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("chat-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats.Connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nc.JetStream: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening bucket %s: %w", cfg.Bucket, err)
	}

	return &NATS{nc: nc, kv: kv, prefix: cfg.SubjectPrefix}, nil
}

// Close drains the connection
func (n *NATS) Close() error {
	return n.nc.Drain()
}

func (n *NATS) CreateTopic(_ context.Context, key, name string) error {
	data, err := json.Marshal(topicRecord{Name: name, Subscribers: []string{}})
	if err != nil {
		return err
	}

	_, err = n.kv.Create(key, data)
	if errors.Is(err, nats.ErrKeyExists) {
		return nil
	}
	return err
}

func (n *NATS) DeleteTopic(_ context.Context, key string) error {
	err := n.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (n *NATS) AddSubscribers(_ context.Context, topicKey string, subscriberIDs []string) error {
	return n.update(topicKey, func(r *topicRecord) bool {
		return r.add(subscriberIDs)
	})
}

func (n *NATS) RemoveSubscribers(_ context.Context, topicKey string, subscriberIDs []string) error {
	return n.update(topicKey, func(r *topicRecord) bool {
		return r.remove(subscriberIDs)
	})
}

// IdentifySubscriber publishes the subscriber profile on "<prefix>.subscribers.<id>"
// for the delivery worker to keep
func (n *NATS) IdentifySubscriber(_ context.Context, subscriberID, username string) error {
	data, err := json.Marshal(subscriberMessage{
		SubscriberID: subscriberID,
		Data:         map[string]string{"username": username},
	})
	if err != nil {
		return err
	}
	return n.nc.Publish(n.prefix+".subscribers."+subscriberID, data)
}

// RemoveSubscriber drops the subscriber from every topic
func (n *NATS) RemoveSubscriber(_ context.Context, subscriberID string) error {
	keys, err := n.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, key := range keys {
		err := n.update(key, func(r *topicRecord) bool {
			return r.remove([]string{subscriberID})
		})
		if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

func (n *NATS) Trigger(_ context.Context, event string, t Trigger) error {
	entry, err := n.kv.Get(t.TopicKey)
	if err != nil {
		return fmt.Errorf("topic %s: %w", t.TopicKey, err)
	}

	var r topicRecord
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return err
	}
	if t.ActorID != "" {
		r.remove([]string{t.ActorID})
	}
	if len(r.Subscribers) == 0 {
		return nil
	}

	data, err := json.Marshal(triggerMessage{
		Event:       event,
		TopicKey:    t.TopicKey,
		Subscribers: r.Subscribers,
		Payload:     t.Payload,
	})
	if err != nil {
		return err
	}

	return n.nc.Publish(n.prefix+"."+t.TopicKey, data)
}

// update applies change with optimistic concurrency on the entry revision
func (n *NATS) update(key string, change func(r *topicRecord) bool) error {
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var entry nats.KeyValueEntry
		entry, err = n.kv.Get(key)
		if err != nil {
			return err
		}

		var r topicRecord
		if err = json.Unmarshal(entry.Value(), &r); err != nil {
			return err
		}
		if !change(&r) {
			return nil
		}

		var data []byte
		data, err = json.Marshal(r)
		if err != nil {
			return err
		}

		if _, err = n.kv.Update(key, data, entry.Revision()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("updating topic %s: %w", key, err)
}

// add appends missing ids and reports whether the record changed
func (r *topicRecord) add(ids []string) bool {
	changed := false
	for _, id := range ids {
		found := false
		for _, s := range r.Subscribers {
			if s == id {
				found = true
				break
			}
		}
		if !found {
			r.Subscribers = append(r.Subscribers, id)
			changed = true
		}
	}
	return changed
}

// remove drops ids and reports whether the record changed
func (r *topicRecord) remove(ids []string) bool {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := r.Subscribers[:0]
	for _, s := range r.Subscribers {
		if _, ok := drop[s]; !ok {
			kept = append(kept, s)
		}
	}
	changed := len(kept) != len(r.Subscribers)
	r.Subscribers = kept
	return changed
}
