package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("server-%d", p.next), nil
}

func TestHandleCreateNoteAssignsIDAndBroadcasts(testContext *testing.T) {
	handler, hub := newTestHandler(testContext, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, stream, cleanup := hub.Subscribe(ctx)
	defer cleanup()

	recorder := performRequest(handler, http.MethodPost, "/notes", `{"text":"buy milk"}`)

	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("expected status %d, got %d: %s", http.StatusCreated, recorder.Code, recorder.Body.String())
	}
	var created protocol.NotePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if created.ID != "server-1" || created.Text != "buy milk" || created.CreatedAt == 0 {
		testContext.Fatalf("unexpected note %+v", created)
	}

	envelope := receiveEnvelope(testContext, stream)
	if envelope.Event != protocol.EventCreated || envelope.PeekID() != "server-1" {
		testContext.Fatalf("expected note:created for server-1, got %s %s", envelope.Event, envelope.PeekID())
	}
}

func TestHandleCreateNoteRejectsBlankText(testContext *testing.T) {
	handler, _ := newTestHandler(testContext, nil)

	recorder := performRequest(handler, http.MethodPost, "/notes", `{"id":"n1","text":"   "}`)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error":"invalid_note_text"}` {
		testContext.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestHandleBatchCreateNotes(testContext *testing.T) {
	handler, _ := newTestHandler(testContext, nil)

	recorder := performRequest(handler, http.MethodPost, "/notes/batch", `[{"id":"a","text":"first"},{"text":"second"}]`)
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created []protocol.NotePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if len(created) != 2 || created[0].ID != "a" || created[1].ID != "server-1" {
		testContext.Fatalf("unexpected batch result %+v", created)
	}

	rejected := performRequest(handler, http.MethodPost, "/notes/batch", `[{"text":"ok"},{"text":""}]`)
	if rejected.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for blank entry, got %d", rejected.Code)
	}
}

func TestHandleUpdateAndDeleteNote(testContext *testing.T) {
	handler, _ := newTestHandler(testContext, nil)

	if recorder := performRequest(handler, http.MethodPut, "/notes", `{"id":"n1","text":"missing"}`); recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found for unknown note, got %d", recorder.Code)
	}

	performRequest(handler, http.MethodPost, "/notes", `{"id":"n1","text":"buy milk"}`)
	updated := performRequest(handler, http.MethodPut, "/notes", `{"id":"n1","text":"buy bread"}`)
	if updated.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d: %s", updated.Code, updated.Body.String())
	}
	var note protocol.NotePayload
	if err := json.Unmarshal(updated.Body.Bytes(), &note); err != nil {
		testContext.Fatalf("failed to decode update: %v", err)
	}
	if note.Text != "buy bread" || note.UpdatedAt == nil {
		testContext.Fatalf("unexpected updated note %+v", note)
	}

	deleted := performRequest(handler, http.MethodDelete, "/notes?id=n1", "")
	if deleted.Code != http.StatusOK {
		testContext.Fatalf("expected ok on delete, got %d: %s", deleted.Code, deleted.Body.String())
	}
	if again := performRequest(handler, http.MethodDelete, "/notes", `{"id":"n1"}`); again.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found on repeat delete, got %d", again.Code)
	}
}

func TestHandleListNotesNewestFirst(testContext *testing.T) {
	handler, _ := newTestHandler(testContext, nil)
	performRequest(handler, http.MethodPost, "/notes", `{"id":"old","text":"first"}`)
	time.Sleep(2 * time.Millisecond)
	performRequest(handler, http.MethodPost, "/notes", `{"id":"new","text":"second"}`)

	recorder := performRequest(handler, http.MethodGet, "/notes", "")
	var listed []protocol.NotePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		testContext.Fatalf("failed to decode list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "new" || listed[1].ID != "old" {
		testContext.Fatalf("unexpected order %+v", listed)
	}
}

func TestHealthzReportsConnections(testContext *testing.T) {
	handler, _ := newTestHandler(testContext, nil)

	recorder := performRequest(handler, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"connections":0,"status":"ok"}` {
		testContext.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestCORSMiddlewareAllowsConfiguredOrigin(testContext *testing.T) {
	handler, _ := newTestHandler(testContext, []string{"https://app.example.com"})

	request := httptest.NewRequest(http.MethodOptions, "/notes", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		testContext.Fatalf("unexpected allow origin %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPut) {
		testContext.Fatalf("expected PUT to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestNewHTTPHandlerRequiresNotesService(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		testContext.Fatalf("expected missing service error")
	}
}

func newTestHandler(testContext *testing.T, allowedOrigins []string) (http.Handler, *RealtimeHub) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	service := newTestNotesService(testContext)
	hub := NewRealtimeHub(zap.NewNop())
	handler, err := NewHTTPHandler(Dependencies{
		NotesService:   service,
		Realtime:       hub,
		Logger:         zap.NewNop(),
		AllowedOrigins: allowedOrigins,
	})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	return handler, hub
}

func newTestNotesService(testContext *testing.T) *notes.Service {
	testContext.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	service, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return service
}

func performRequest(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
