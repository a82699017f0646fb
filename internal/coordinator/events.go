package coordinator

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published for a round.
const (
	EventAssigned  = "assigned"
	EventCompleted = "completed"
	EventReaped    = "reaped"
	EventExpired   = "expired"
	EventClosed    = "closed"
)

// Event describes one task lifecycle transition within a round.
type Event struct {
	Type     string `json:"type"`
	RoundID  string `json:"round_id"`
	TaskID   string `json:"task_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// EventBroker manages per-round event streaming to subscribers.
// It is safe for concurrent use.
//
// Finished rounds are retained as closed markers so that late subscribers
// (those subscribing after a round is done) receive a closed channel
// instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given round and
// an unsubscribe function. If the round has already finished (Close was
// called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(roundID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[roundID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[roundID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
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
	}
}

// Publish sends an event to all subscribers of the given round.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(roundID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[roundID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking assignment.
		}
	}
}

// Close signals that no more events will be published for the given round.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *EventBroker) Close(roundID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[roundID]
	if !ok {
		// Closed marker so late subscribers get a closed channel.
		b.topics[roundID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
