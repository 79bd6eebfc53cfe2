// Package broadcast provides in-memory fan-out of log pipeline events to
// live subscribers. It holds no persisted state: subscriber lists are
// scoped to the process lifetime, and the Log Store remains the source of
// truth for anything a subscriber misses.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"formrelay/internal/formrelay/domain"
	"formrelay/pkg/errors"
)

// EventType distinguishes record deliveries from job state changes.
type EventType string

const (
	EventLog   EventType = "LOG"
	EventState EventType = "STATE"
)

// Event is what subscribers receive. Log events carry a record; state
// events carry the job's new state so streams can close on terminal
// transitions without polling the registry.
type Event struct {
	Type   EventType
	JobID  string
	Record domain.LogRecord
	State  domain.JobState
}

// JobTopic is the per-job fan-out topic.
func JobTopic(jobID string) string {
	return "job." + jobID
}

// AccountTopic is the per-account topic carrying events for every job the
// account owns. Used by the all-jobs stream.
func AccountTopic(owner string) string {
	return "account." + owner
}

// subscriber is a single bounded-buffer subscription to a topic.
type subscriber struct {
	id      string
	channel chan Event
	dropped bool
}

// topic holds one topic's subscribers.
type topic struct {
	name        string
	subscribers map[string]*subscriber
	subMutex    sync.RWMutex
}

// Broadcaster delivers each published event to every open subscription for
// its topic, in publish order, without ever blocking the publisher. A
// subscriber whose buffer fills up is dropped and its channel closed: the
// consumer either sees every event in order or learns, by the close, that
// it must resynchronize from the Log Store. There are no silent gaps.
type Broadcaster struct {
	topics      map[string]*topic
	topicsMutex sync.RWMutex
	bufferSize  int
	closed      bool
	closeMutex  sync.RWMutex
	subSeq      int64
	seqMutex    sync.Mutex
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(b *Broadcaster) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		topics:     make(map[string]*topic),
		bufferSize: 256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to all current subscribers of the topic.
// It never blocks on a slow subscriber: a full buffer drops that
// subscriber instead.
func (b *Broadcaster) Publish(ctx context.Context, topicName string, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return errors.ErrStoreClosed
	}

	b.topicsMutex.RLock()
	t, exists := b.topics[topicName]
	b.topicsMutex.RUnlock()
	if !exists {
		// Nobody listening
		return nil
	}

	t.subMutex.Lock()
	defer t.subMutex.Unlock()
	for id, sub := range t.subscribers {
		select {
		case sub.channel <- event:
		default:
			// Buffer full: drop the subscriber. The closed channel tells
			// the consumer to reconnect and recover via tail.
			sub.dropped = true
			close(sub.channel)
			delete(t.subscribers, id)
		}
	}
	return nil
}

// Subscribe registers a bounded subscription to the topic. The returned
// channel is closed when the subscription is cancelled, the broadcaster
// shuts down, or the subscriber overflows. The cancel func is safe to call
// more than once and after an overflow drop.
func (b *Broadcaster) Subscribe(ctx context.Context, topicName string) (<-chan Event, func(), error) {
	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return nil, nil, errors.ErrStoreClosed
	}

	t := b.getOrCreateTopic(topicName)

	sub := &subscriber{
		id:      fmt.Sprintf("sub-%d", b.nextSubSeq()),
		channel: make(chan Event, b.bufferSize),
	}

	t.subMutex.Lock()
	t.subscribers[sub.id] = sub
	t.subMutex.Unlock()

	unsubscribe := func() {
		t.subMutex.Lock()
		defer t.subMutex.Unlock()
		if _, exists := t.subscribers[sub.id]; exists && !sub.dropped {
			delete(t.subscribers, sub.id)
			close(sub.channel)
		}
	}

	// Deregister when the subscriber's context ends
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.channel, unsubscribe, nil
}

// SubscriberCount reports how many open subscriptions a topic has.
func (b *Broadcaster) SubscriberCount(topicName string) int {
	b.topicsMutex.RLock()
	t, exists := b.topics[topicName]
	b.topicsMutex.RUnlock()
	if !exists {
		return 0
	}
	t.subMutex.RLock()
	defer t.subMutex.RUnlock()
	return len(t.subscribers)
}

// Close shuts down the broadcaster and closes every open subscription.
func (b *Broadcaster) Close() error {
	b.closeMutex.Lock()
	defer b.closeMutex.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	b.topicsMutex.Lock()
	defer b.topicsMutex.Unlock()
	for _, t := range b.topics {
		t.subMutex.Lock()
		for id, sub := range t.subscribers {
			sub.dropped = true
			close(sub.channel)
			delete(t.subscribers, id)
		}
		t.subMutex.Unlock()
	}
	b.topics = make(map[string]*topic)
	return nil
}

func (b *Broadcaster) getOrCreateTopic(name string) *topic {
	b.topicsMutex.RLock()
	if t, exists := b.topics[name]; exists {
		b.topicsMutex.RUnlock()
		return t
	}
	b.topicsMutex.RUnlock()

	b.topicsMutex.Lock()
	defer b.topicsMutex.Unlock()

	// Double-check after acquiring the write lock
	if t, exists := b.topics[name]; exists {
		return t
	}
	t := &topic{
		name:        name,
		subscribers: make(map[string]*subscriber),
	}
	b.topics[name] = t
	return t
}

func (b *Broadcaster) nextSubSeq() int64 {
	b.seqMutex.Lock()
	defer b.seqMutex.Unlock()
	b.subSeq++
	return b.subSeq
}
