package engine

import (
	"sync"
	"time"

	"github.com/stolink/imageworker/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// DefaultClosedTopicTTL is how long a finished job's topic is kept to answer
// late subscribers. After that the job ledger is the source of truth.
const DefaultClosedTopicTTL = time.Minute

// EventBroker fans stage transitions of running jobs out to subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers for a TTL so that a subscriber arriving
// just after a job finished receives a closed channel instead of blocking.
// Topics without subscribers are dropped on unsubscribe and expired markers
// on every Close, so the broker only holds live or recently finished jobs.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
	ttl    time.Duration
}

type eventTopic struct {
	subs     map[int]chan model.StageEvent
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return NewEventBrokerTTL(DefaultClosedTopicTTL)
}

// NewEventBrokerTTL creates an event broker that keeps closed topics for ttl.
func NewEventBrokerTTL(ttl time.Duration) *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
		ttl:    ttl,
	}
}

// Topics reports the number of topics held.
func (b *EventBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Open marks a job's topic as live. A rerun of a job reopens the topic its
// previous run closed.
func (b *EventBroker) Open(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &eventTopic{subs: make(map[int]chan model.StageEvent)}
		return
	}
	t.closed = false
}

// Subscribe returns a channel that receives stage events for the given job
// and an unsubscribe function. If the job has already finished, the returned
// channel is immediately closed.
func (b *EventBroker) Subscribe(jobID string) (<-chan model.StageEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.StageEvent)}
		b.topics[jobID] = t
	}

	ch := make(chan model.StageEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if !t.closed && len(t.subs) == 0 && b.topics[jobID] == t {
			delete(b.topics, jobID)
		}
	}
}

// Publish sends an event to all subscribers of the job. Events are dropped
// for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev model.StageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for the job. All
// subscriber channels are closed and future Subscribe calls return a closed
// channel until the job is reopened.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.evict(now)

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &eventTopic{subs: make(map[int]chan model.StageEvent), closed: true, closedAt: now}
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// evict drops closed topics older than the TTL. Callers hold b.mu.
func (b *EventBroker) evict(now time.Time) {
	for id, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) >= b.ttl {
			delete(b.topics, id)
		}
	}
}
