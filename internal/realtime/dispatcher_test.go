package realtime

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := dispatcher.Subscribe(ctx, "user-1")
	defer subscription.Close()

	dispatcher.Publish(Message{
		UserID:    "user-1",
		Table:     "notes",
		EventType: EventUpdate,
		Row:       []byte(`{"topic_id":"t1"}`),
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-subscription.Messages:
		if received.EventType != EventUpdate || received.Table != "notes" {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userSubscription := dispatcher.Subscribe(ctx, "user-2")
	defer userSubscription.Close()
	otherSubscription := dispatcher.Subscribe(ctx, "user-3")
	defer otherSubscription.Close()

	dispatcher.Publish(Message{UserID: "user-3", Table: "notes", EventType: EventInsert})

	select {
	case <-userSubscription.Messages:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherSubscription.Messages:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestDispatcherPreservesPublishOrder(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := dispatcher.Subscribe(ctx, "user-1")
	defer subscription.Close()

	order := []string{EventInsert, EventUpdate, EventDelete}
	for _, eventType := range order {
		dispatcher.Publish(Message{UserID: "user-1", Table: "notes", EventType: eventType})
	}
	for _, expected := range order {
		select {
		case msg := <-subscription.Messages:
			if msg.EventType != expected {
				t.Fatalf("expected %s, got %s", expected, msg.EventType)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected ordered messages")
		}
	}
}

func TestDispatcherDropsSlowSubscriber(t *testing.T) {
	dispatcher := NewDispatcherWithBuffer(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := dispatcher.Subscribe(ctx, "user-1")
	defer subscription.Close()

	dispatcher.Publish(Message{UserID: "user-1", EventType: EventUpdate})
	dispatcher.Publish(Message{UserID: "user-1", EventType: EventUpdate})

	select {
	case <-subscription.Dropped:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected overflowing subscriber to be dropped")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for dispatcher.SubscriberCount("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected dropped subscriber to be unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherUnregistersOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	dispatcher.Subscribe(ctx, "user-1")
	if dispatcher.SubscriberCount("user-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(500 * time.Millisecond)
	for dispatcher.SubscriberCount("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
