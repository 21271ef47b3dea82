package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestWebSocketUpgradeRegistersSubscriber(testContext *testing.T) {
	handler, hub := newTestHandler(testContext, nil)
	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialSyncChannel(testContext, ctx, server.URL)
	waitForSubscribers(testContext, hub, 1)

	writeEnvelope(testContext, ctx, conn, mustEnvelope(testContext, protocol.EventDelete, protocol.DeletePayload{ID: "missing"}))
	if envelope := readEnvelope(testContext, ctx, conn); envelope.Event != protocol.EventError {
		testContext.Fatalf("expected the server to read frames after upgrade, got %s", envelope.Event)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForSubscribers(testContext, hub, 0)
}

func TestWebSocketRouteRejectsNonGet(testContext *testing.T) {
	handler, _ := newTestHandler(testContext, nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/ws", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		testContext.Fatalf("expected 405 for POST /ws, got %d", recorder.Code)
	}
}

func TestSyncChannelCreateAndUpdateFlow(testContext *testing.T) {
	handler, hub := newTestHandler(testContext, nil)
	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	author := dialSyncChannel(testContext, ctx, server.URL)
	observer := dialSyncChannel(testContext, ctx, server.URL)
	waitForSubscribers(testContext, hub, 2)

	writeEnvelope(testContext, ctx, author, mustEnvelope(testContext, protocol.EventCreate, protocol.NotePayload{
		ID: "n1", Text: "buy milk", CreatedAt: 1700000000000,
	}))

	authorEvents := map[string]protocol.Envelope{}
	for i := 0; i < 2; i++ {
		envelope := readEnvelope(testContext, ctx, author)
		authorEvents[envelope.Event] = envelope
	}
	ack, err := authorEvents[protocol.EventAck].DecodeAck()
	if err != nil {
		testContext.Fatalf("expected ack for author: %v", err)
	}
	if ack.ID != "n1" || ack.Action != protocol.ActionCreated {
		testContext.Fatalf("unexpected ack %+v", ack)
	}
	if _, ok := authorEvents[protocol.EventCreated]; !ok {
		testContext.Fatalf("expected author to receive note:created, got %v", authorEvents)
	}

	created := readEnvelope(testContext, ctx, observer)
	if created.Event != protocol.EventCreated || created.PeekID() != "n1" {
		testContext.Fatalf("expected observer note:created, got %s", created.Event)
	}

	updatedAt := int64(1700000100000)
	writeEnvelope(testContext, ctx, author, mustEnvelope(testContext, protocol.EventUpdate, protocol.NotePayload{
		ID: "n1", Text: "buy bread", UpdatedAt: &updatedAt,
	}))

	if envelope := readEnvelope(testContext, ctx, author); envelope.Event != protocol.EventAck {
		testContext.Fatalf("expected author to receive only an ack, got %s", envelope.Event)
	}
	updated := readEnvelope(testContext, ctx, observer)
	if updated.Event != protocol.EventUpdated {
		testContext.Fatalf("expected observer note:updated, got %s", updated.Event)
	}
	note, err := updated.DecodeNote()
	if err != nil {
		testContext.Fatalf("failed to decode update: %v", err)
	}
	if note.Text != "buy bread" || note.UpdatedAt == nil || *note.UpdatedAt != updatedAt {
		testContext.Fatalf("unexpected update payload %+v", note)
	}
}

func TestSyncChannelReportsErrorsWithoutClosing(testContext *testing.T) {
	handler, hub := newTestHandler(testContext, nil)
	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialSyncChannel(testContext, ctx, server.URL)
	waitForSubscribers(testContext, hub, 1)

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		testContext.Fatalf("failed to write frame: %v", err)
	}
	if envelope := readEnvelope(testContext, ctx, conn); envelope.Event != protocol.EventError {
		testContext.Fatalf("expected note:error for malformed frame, got %s", envelope.Event)
	}

	writeEnvelope(testContext, ctx, conn, mustEnvelope(testContext, protocol.EventUpdate, protocol.NotePayload{ID: "ghost", Text: "boo"}))
	envelope := readEnvelope(testContext, ctx, conn)
	failure, err := envelope.DecodeError()
	if err != nil || envelope.Event != protocol.EventError {
		testContext.Fatalf("expected note:error, got %s (%v)", envelope.Event, err)
	}
	if failure.ID != "ghost" || failure.Message != "Note not found" {
		testContext.Fatalf("unexpected error payload %+v", failure)
	}

	writeEnvelope(testContext, ctx, conn, mustEnvelope(testContext, protocol.EventDelete, protocol.DeletePayload{ID: "ghost"}))
	if envelope := readEnvelope(testContext, ctx, conn); envelope.Event != protocol.EventError {
		testContext.Fatalf("expected channel to stay open and report, got %s", envelope.Event)
	}
}

func dialSyncChannel(testContext *testing.T, ctx context.Context, serverURL string) *websocket.Conn {
	testContext.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial sync channel: %v", err)
	}
	testContext.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

func waitForSubscribers(testContext *testing.T, hub *RealtimeHub, expected int) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("expected %d subscribers, got %d", expected, hub.SubscriberCount())
}

func writeEnvelope(testContext *testing.T, ctx context.Context, conn *websocket.Conn, envelope protocol.Envelope) {
	testContext.Helper()
	if err := wsjson.Write(ctx, conn, envelope); err != nil {
		testContext.Fatalf("failed to write envelope: %v", err)
	}
}

func readEnvelope(testContext *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Envelope {
	testContext.Helper()
	var envelope protocol.Envelope
	if err := wsjson.Read(ctx, conn, &envelope); err != nil {
		testContext.Fatalf("failed to read envelope: %v", err)
	}
	return envelope
}
