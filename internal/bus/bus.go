package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Goal run event topics.
const (
	TopicLoopStarted   = "loop.started"
	TopicLoopPhase     = "loop.phase"
	TopicLoopCompleted = "loop.completed"
	TopicLoopBlocked   = "loop.blocked"
	TopicLoopFailed    = "loop.failed"
	TopicLoopCanceled  = "loop.canceled"
)

// Delegation and decision topics.
const (
	TopicTraceOpened   = "trace.opened"
	TopicTraceClosed   = "trace.closed"
	TopicDecisionMade  = "decision.made"
	TopicEscalation    = "escalation.raised"
	TopicScheduleFired = "schedule.fired"
	TopicGoalSubmitted = "goal.submitted"
)

// LoopEvent is published as a goal run starts, advances, and terminates.
type LoopEvent struct {
	GoalID    string // Goal being pursued
	RunID     string // Run instance ID
	Iteration int    // Current iteration (0-based)
	Phase     string // perceive | reason | decide | act (TopicLoopPhase only)
	Outcome   string // terminal outcome detail (completed/blocked/failed topics)
}

// TraceEvent is published when a delegation trace opens or closes.
type TraceEvent struct {
	TraceID   string  // Delegation trace ID
	GoalID    string  // Goal the delegation serves
	Delegator string  // Delegating side
	Delegatee string  // Agent type receiving the sub-task
	Status    string  // in_progress | completed | failed | re_delegated
	CostUSD   float64 // Accounted cost (closed traces)
}

// DecisionEvent is published for every adaptive decision.
type DecisionEvent struct {
	GoalID    string // Goal under evaluation
	Delegatee string // Agent whose output was evaluated
	Type      string // proceed | retry_same | re_delegate | augment | escalate
	Trigger   string // failure trigger, empty on proceed
	Reasoning string // rule that produced the decision
}

// EscalationEvent is published when a decision returns control to the user.
type EscalationEvent struct {
	GoalID    string // Goal needing input
	Delegatee string // Agent whose failure escalated
	Trigger   string // failure trigger, "budget_exhausted" when forced by spend
	Reasoning string // rule that produced the escalation
}

// ScheduleEvent is published when the scheduler fires a recurring goal.
type ScheduleEvent struct {
	ScheduleID string // Schedule row ID
	GoalID     string // Goal run created by the firing
	CronExpr   string // Schedule expression
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
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

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
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
