package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCreated, TaskEvent{TaskID: "a"})
	b.Publish(TopicApprovalRequested, ApprovalEvent{TaskID: "a"})

	if ev := recv(t, taskSub); ev.Topic != TopicTaskCreated {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskCreated)
	}
	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	recv(t, allSub)
	recv(t, allSub)
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskStateChanged, i)
	}
	if got := len(sub.ch); got != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", got, defaultBufferSize)
	}
	if got := b.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
	if got := sub.Dropped(); got != 10 {
		t.Fatalf("subscriber dropped = %d, want 10", got)
	}
}

func TestBus_DropsAreCountedPerSubscriber(t *testing.T) {
	b := New()
	small := b.SubscribeBuffered("", 1)
	defer b.Unsubscribe(small)
	roomy := b.Subscribe("")
	defer b.Unsubscribe(roomy)

	b.Publish(TopicTaskCreated, 1)
	b.Publish(TopicTaskCreated, 2)

	if small.Dropped() != 1 || roomy.Dropped() != 0 {
		t.Fatalf("dropped small=%d roomy=%d", small.Dropped(), roomy.Dropped())
	}
	if b.Dropped() != 1 {
		t.Fatalf("total dropped = %d", b.Dropped())
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskCreated, nil)
}
