package bus

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event on topic %q", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishExactTopic(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicChannels, 4)
	defer unsub()

	b.Publish(Event{Topic: TopicChannels})

	evt := recvEvent(t, ch)
	if evt.Topic != TopicChannels {
		t.Errorf("topic = %q, want %q", evt.Topic, TopicChannels)
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp not stamped on publish")
	}
}

func TestPrefixMatchesTopicFamily(t *testing.T) {
	b := New()
	family, unsubFamily := b.Subscribe(TopicMessagesPrefix, 4)
	defer unsubFamily()
	one, unsubOne := b.Subscribe(TopicMessages("ch1"), 4)
	defer unsubOne()

	b.Publish(Event{Topic: TopicMessages("ch1")})
	b.Publish(Event{Topic: TopicMessages("ch2")})

	if evt := recvEvent(t, family); evt.Topic != TopicMessages("ch1") {
		t.Errorf("family first = %q", evt.Topic)
	}
	if evt := recvEvent(t, family); evt.Topic != TopicMessages("ch2") {
		t.Errorf("family second = %q", evt.Topic)
	}

	if evt := recvEvent(t, one); evt.Topic != TopicMessages("ch1") {
		t.Errorf("exact sub got %q", evt.Topic)
	}
	assertNoEvent(t, one)
}

func TestNoCrossTopicDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicPosts, 4)
	defer unsub()

	b.Publish(Event{Topic: TopicChannels})
	b.Publish(Event{Topic: TopicMessages("ch1")})

	assertNoEvent(t, ch)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(TopicChannels, 4)

	b.Publish(Event{Topic: TopicChannels})
	recvEvent(t, ch)

	unsub()
	b.Publish(Event{Topic: TopicChannels})
	assertNoEvent(t, ch)
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(TopicChannels, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Nobody drains ch; the second publish must not stall.
		b.Publish(Event{Topic: TopicChannels})
		b.Publish(Event{Topic: TopicChannels})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscriptionOrderDelivery(t *testing.T) {
	b := New()
	first, unsub1 := b.Subscribe(TopicChannels, 1)
	defer unsub1()
	second, unsub2 := b.Subscribe(TopicChannels, 1)
	defer unsub2()

	b.Publish(Event{Topic: TopicChannels, Payload: 42})

	e1 := recvEvent(t, first)
	e2 := recvEvent(t, second)
	if !e1.Timestamp.After(e2.Timestamp) && !e1.Timestamp.Equal(e2.Timestamp) {
		t.Error("subscribers saw different event instances")
	}
	if e1.Payload != 42 || e2.Payload != 42 {
		t.Errorf("payloads = %v, %v, want 42", e1.Payload, e2.Payload)
	}
}
