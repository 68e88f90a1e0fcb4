// Package notify fans queue state out to everything that is not the queue
// itself: the summary slots other processes read, an in-process broadcast
// bus, websocket dashboards, and a storage watcher that notices writes made
// by other agent processes.
package notify

import (
	"strings"
	"sync"

	"github.com/kalambet/ascmsync/internal/queue"
)

const defaultBufferSize = 100

// Message types posted on the bus.
const (
	TypeGoalsQueueUpdate   = "goals_queue_update"
	TypeGoalsUpdated       = "goals_updated"
	TypeAvatarsQueueUpdate = "avatars_queue_update"
)

// QueueUpdateType returns the summary message type for a queue.
func QueueUpdateType(queueName string) string {
	return queueName + "_queue_update"
}

// DataUpdatedType returns the data-changed message type for a queue.
func DataUpdatedType(queueName string) string {
	return queueName + "_updated"
}

// Message is one broadcast. Summary fields are inlined so dashboards read
// {type, queued, retrying, ..., at}.
type Message struct {
	Type string `json:"type"`
	*queue.Summary
	At int64 `json:"at"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Message
}

// Ch returns the channel to receive messages on.
func (s *Subscription) Ch() <-chan Message {
	return s.ch
}

// Bus is an in-process pub/sub channel with message type prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// NewBus creates a new Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for messages whose type starts with
// typePrefix. An empty prefix matches everything. Slow consumers miss
// messages once their buffer is full.
func (b *Bus) Subscribe(typePrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: typePrefix,
		ch:     make(chan Message, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends msg to all matching subscribers without blocking.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(msg.Type, sub.prefix) {
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
