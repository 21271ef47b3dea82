package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
)

func TestRealtimeHubBroadcastReachesEverySubscriber(testContext *testing.T) {
	hub := NewRealtimeHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, first, firstCleanup := hub.Subscribe(ctx)
	defer firstCleanup()
	_, second, secondCleanup := hub.Subscribe(ctx)
	defer secondCleanup()

	hub.Broadcast(mustEnvelope(testContext, protocol.EventDeleted, protocol.DeletePayload{ID: "n1"}))

	for index, stream := range []<-chan []byte{first, second} {
		envelope := receiveEnvelope(testContext, stream)
		if envelope.Event != protocol.EventDeleted {
			testContext.Fatalf("subscriber %d: expected %s, got %s", index, protocol.EventDeleted, envelope.Event)
		}
	}
}

func TestRealtimeHubBroadcastExceptSkipsSender(testContext *testing.T) {
	hub := NewRealtimeHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderID, sender, senderCleanup := hub.Subscribe(ctx)
	defer senderCleanup()
	_, other, otherCleanup := hub.Subscribe(ctx)
	defer otherCleanup()

	hub.BroadcastExcept(senderID, mustEnvelope(testContext, protocol.EventUpdated, protocol.NotePayload{ID: "n1", Text: "edited"}))

	if envelope := receiveEnvelope(testContext, other); envelope.Event != protocol.EventUpdated {
		testContext.Fatalf("expected %s, got %s", protocol.EventUpdated, envelope.Event)
	}
	select {
	case frame := <-sender:
		testContext.Fatalf("sender should not receive its own update, got %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeHubSendToTargetsSingleSubscriber(testContext *testing.T) {
	hub := NewRealtimeHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	targetID, target, targetCleanup := hub.Subscribe(ctx)
	defer targetCleanup()
	_, other, otherCleanup := hub.Subscribe(ctx)
	defer otherCleanup()

	hub.SendTo(targetID, mustEnvelope(testContext, protocol.EventAck, protocol.AckPayload{ID: "n1", Status: protocol.StatusSuccess}))

	if envelope := receiveEnvelope(testContext, target); envelope.Event != protocol.EventAck {
		testContext.Fatalf("expected ack, got %s", envelope.Event)
	}
	select {
	case frame := <-other:
		testContext.Fatalf("unexpected frame for other subscriber: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeHubCleanupOnContextCancel(testContext *testing.T) {
	hub := NewRealtimeHub(nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, stream, _ := hub.Subscribe(ctx)
	if hub.SubscriberCount() != 1 {
		testContext.Fatalf("expected one subscriber, got %d", hub.SubscriberCount())
	}
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			testContext.Fatalf("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		testContext.Fatal("expected stream to close after cancel")
	}
	if hub.SubscriberCount() != 0 {
		testContext.Fatalf("expected no subscribers, got %d", hub.SubscriberCount())
	}
}

func TestRealtimeHubDropsWhenBufferFull(testContext *testing.T) {
	hub := NewRealtimeHub(nil)
	hub.bufferSize = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, stream, cleanup := hub.Subscribe(ctx)
	defer cleanup()

	hub.Broadcast(mustEnvelope(testContext, protocol.EventDeleted, protocol.DeletePayload{ID: "n1"}))
	hub.Broadcast(mustEnvelope(testContext, protocol.EventDeleted, protocol.DeletePayload{ID: "n2"}))

	envelope := receiveEnvelope(testContext, stream)
	if envelope.PeekID() != "n1" {
		testContext.Fatalf("expected first frame to survive, got %s", envelope.PeekID())
	}
	select {
	case frame := <-stream:
		testContext.Fatalf("expected second frame to be dropped, got %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustEnvelope(testContext *testing.T, event string, data any) protocol.Envelope {
	testContext.Helper()
	envelope, err := protocol.NewEnvelope(event, data)
	if err != nil {
		testContext.Fatalf("failed to build envelope: %v", err)
	}
	return envelope
}

func receiveEnvelope(testContext *testing.T, stream <-chan []byte) protocol.Envelope {
	testContext.Helper()
	select {
	case frame, ok := <-stream:
		if !ok {
			testContext.Fatal("stream closed unexpectedly")
		}
		envelope, err := protocol.Decode(frame)
		if err != nil {
			testContext.Fatalf("failed to decode frame: %v", err)
		}
		return envelope
	case <-time.After(500 * time.Millisecond):
		testContext.Fatal("expected frame within deadline")
	}
	return protocol.Envelope{}
}
