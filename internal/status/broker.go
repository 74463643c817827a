// Package status fans agent state changes out to local observers: the badge
// board backing the indicator and the server-sent event stream of the status
// API.
package status

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 128

// Topics published by the agent.
const (
	TopicBadge = "badge"
	TopicTab   = "tab"
	TopicRelay = "relay"
)

// Event is one status notification.
type Event struct {
	Topic string          `json:"topic"`
	Time  time.Time       `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// Broker delivers events to every subscriber. Slow subscribers lose events
// instead of stalling publishers.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]chan Event)}
}

// Subscribe returns a subscriber id and its event channel.
func (b *Broker) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe closes the subscriber's channel.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish marshals data and sends it on topic.
func (b *Broker) Publish(topic string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Debug("status event marshal failed", "topic", topic, "error", err)
		return
	}
	evt := Event{Topic: topic, Time: time.Now().UTC(), Data: raw}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
