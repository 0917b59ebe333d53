// Package events provides the synchronous publish/subscribe notifier used by
// the core to announce state changes without coupling components.
package events

import (
	"sync"

	"carecore/pkg/domain"
)

// Well-known topics. Collection change topics are derived via ChangedTopic.
const (
	// TopicDataChanged fires after any collection content changes.
	TopicDataChanged = "data-changed"
	// TopicSyncStatusChanged fires when the remote connection state moves.
	TopicSyncStatusChanged = "sync-status-changed"
	// TopicMutationFailed fires when a mutation is terminally rejected.
	TopicMutationFailed = "mutation-failed"
)

// ChangedTopic returns the per-collection change topic, e.g. "patients-changed".
func ChangedTopic(collection domain.Collection) string {
	return string(collection) + "-changed"
}

// CollectionChanged is the payload for <collection>-changed and data-changed.
type CollectionChanged struct {
	Collection domain.Collection
}

// SyncStatusChanged is the payload for sync-status-changed.
type SyncStatusChanged struct {
	Status domain.SyncStatus
}

// MutationFailed is the payload for mutation-failed.
type MutationFailed struct {
	MutationID string
	Collection domain.Collection
	DocID      string
	Code       domain.RejectionCode
	Message    string
}

// Handler receives a published payload.
type Handler func(payload any)

// Subscription identifies one registered listener. Unsubscription removes by
// handle identity, so subscribing the same function twice yields two
// independently removable registrations.
type Subscription struct {
	topic string
	fn    Handler
}

// Bus is a synchronous notifier keyed by topic name. Publish invokes
// listeners in subscription order on the caller's goroutine.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
}

// NewBus constructs an empty notifier.
func NewBus() *Bus {
	return &Bus{topics: make(map[string][]*Subscription)}
}

// Subscribe registers fn for topic and returns its removal handle.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	sub := &Subscription{topic: topic, fn: fn}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription identified by handle. Unknown or
// already removed handles are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	for i, candidate := range subs {
		if candidate == sub {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every listener of topic, synchronously, in
// subscription order. The listener list is snapshotted first so handlers may
// subscribe or unsubscribe during delivery.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.fn(payload)
	}
}
