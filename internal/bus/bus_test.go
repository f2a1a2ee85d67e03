package bus

import (
	"sync"
	"testing"
	"time"
)

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(sub *Subscription) int {
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			return count
		}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("loop.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicLoopStarted, LoopEvent{GoalID: "g1", RunID: "r1"})

	ev := recvOne(t, sub)
	if ev.Topic != TopicLoopStarted {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicLoopStarted)
	}
	loop, ok := ev.Payload.(LoopEvent)
	if !ok {
		t.Fatalf("payload type %T, want LoopEvent", ev.Payload)
	}
	if loop.GoalID != "g1" || loop.RunID != "r1" {
		t.Fatalf("payload = %+v", loop)
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	escSub := b.Subscribe("escalation.")
	defer b.Unsubscribe(escSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicEscalation, EscalationEvent{GoalID: "g1", Trigger: "timeout"})
	b.Publish(TopicLoopCompleted, LoopEvent{GoalID: "g1"})

	// The prefixed subscriber sees only its topic family.
	if ev := recvOne(t, escSub); ev.Topic != TopicEscalation {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicEscalation)
	}
	expectNothing(t, escSub)

	// The empty prefix matches everything.
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[recvOne(t, allSub).Topic] = true
	}
	if !got[TopicEscalation] || !got[TopicLoopCompleted] {
		t.Fatalf("allSub saw %v, want both topics", got)
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("loop.")
	defer b.Unsubscribe(sub)

	// Overrun the buffer; Publish must never block the loop.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicLoopPhase, LoopEvent{Iteration: i})
	}

	if got := drain(sub); got != defaultBufferSize {
		t.Fatalf("received %d events, want %d (buffer size)", got, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("loop.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("schedule.")
	sub2 := b.Subscribe("schedule.")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicScheduleFired, ScheduleEvent{ScheduleID: "s1"})

	for _, sub := range []*Subscription{sub1, sub2} {
		ev := recvOne(t, sub)
		if sched, ok := ev.Payload.(ScheduleEvent); !ok || sched.ScheduleID != "s1" {
			t.Fatalf("payload = %v", ev.Payload)
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicDecisionMade, DecisionEvent{GoalID: "g1"})
			}
		}(g)
	}
	wg.Wait()

	if got := drain(sub); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}
