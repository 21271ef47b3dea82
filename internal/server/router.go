package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingNotesService = errors.New("notes service dependency required")
)

// NotesService is the authoritative store used by the HTTP and realtime surfaces.
type NotesService interface {
	NoteStore
	NewNoteID() (notes.NoteID, error)
	ListNotes(ctx context.Context) ([]notes.Note, error)
}

type Dependencies struct {
	NotesService   NotesService
	Realtime       *RealtimeHub
	Logger         *zap.Logger
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeHub(logger)
	}

	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(allowedOrigins))

	handler := &httpHandler{
		notesService:   deps.NotesService,
		realtime:       realtime,
		events:         NewEventRouter(deps.NotesService, realtime, logger),
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}

	router.GET("/healthz", handler.handleHealth)

	notesGroup := router.Group("/notes")
	notesGroup.GET("", handler.handleListNotes)
	notesGroup.POST("", handler.handleCreateNote)
	notesGroup.POST("/batch", handler.handleBatchCreateNotes)
	notesGroup.PUT("", handler.handleUpdateNote)
	notesGroup.DELETE("", handler.handleDeleteNote)

	// The upgrade hijacks the connection, which gin's response writer refuses
	// once the 101 has gone out, so /ws bypasses the gin engine.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.handleWebSocket)
	mux.Handle("/", router)

	return mux, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = allowedOrigins
	cfg.AllowCredentials = true
	return cors.New(cfg)
}

type httpHandler struct {
	notesService   NotesService
	realtime       *RealtimeHub
	events         *EventRouter
	logger         *zap.Logger
	allowedOrigins []string
}

type noteRequestPayload struct {
	ID   string `json:"id"`
	Text string `json:"text" binding:"required"`
}

type deleteRequestPayload struct {
	ID string `json:"id"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.realtime.SubscriberCount()})
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	stored, err := h.notesService.ListNotes(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list notes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]protocol.NotePayload, 0, len(stored))
	for _, note := range stored {
		response = append(response, notePayload(note))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request noteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	note, status, errorCode := h.createNote(c.Request.Context(), request)
	if errorCode != "" {
		c.JSON(status, gin.H{"error": errorCode})
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *httpHandler) handleBatchCreateNotes(c *gin.Context) {
	var requests []noteRequestPayload
	if err := c.ShouldBindJSON(&requests); err != nil || len(requests) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	for _, request := range requests {
		if strings.TrimSpace(request.Text) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_text"})
			return
		}
	}

	created := make([]protocol.NotePayload, 0, len(requests))
	for _, request := range requests {
		note, status, errorCode := h.createNote(c.Request.Context(), request)
		if errorCode != "" {
			c.JSON(status, gin.H{"error": errorCode, "created": created})
			return
		}
		created = append(created, note)
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var request noteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updateRequest, err := updateRequestFromPayload(protocol.NotePayload{ID: request.ID, Text: request.Text})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationCode(err)})
		return
	}

	outcome, err := h.notesService.Update(c.Request.Context(), updateRequest)
	if errors.Is(err, notes.ErrNoteNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to update note", zap.String("note_id", request.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	note := notePayload(outcome.Note)
	h.events.broadcast(protocol.EventUpdated, noSubscriber, note)
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	var request deleteRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	if request.ID == "" {
		request.ID = c.Query("id")
	}
	noteID, err := notes.NewNoteID(request.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}

	outcome, err := h.notesService.Delete(c.Request.Context(), noteID)
	if errors.Is(err, notes.ErrNoteNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete note", zap.String("note_id", request.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	h.events.broadcast(protocol.EventDeleted, noSubscriber, protocol.DeletePayload{ID: outcome.Note.NoteID})
	c.JSON(http.StatusOK, gin.H{"id": outcome.Note.NoteID, "status": protocol.StatusSuccess})
}

// createNote assigns an id when the request has none, applies create-or-update and
// broadcasts the stored record.
func (h *httpHandler) createNote(ctx context.Context, request noteRequestPayload) (protocol.NotePayload, int, string) {
	if strings.TrimSpace(request.ID) == "" {
		noteID, err := h.notesService.NewNoteID()
		if err != nil {
			h.logger.Error("failed to generate note id", zap.Error(err))
			return protocol.NotePayload{}, http.StatusInternalServerError, "id_generation_failed"
		}
		request.ID = noteID.String()
	}

	createRequest, err := createRequestFromPayload(protocol.NotePayload{
		ID:        request.ID,
		Text:      request.Text,
		CreatedAt: time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		return protocol.NotePayload{}, http.StatusBadRequest, validationCode(err)
	}

	outcome, err := h.notesService.Create(ctx, createRequest)
	if err != nil {
		h.logger.Error("failed to create note", zap.String("note_id", request.ID), zap.Error(err))
		return protocol.NotePayload{}, http.StatusInternalServerError, "create_failed"
	}

	note := notePayload(outcome.Note)
	h.events.broadcast(protocol.EventCreated, noSubscriber, note)
	return note, http.StatusCreated, ""
}

func validationCode(err error) string {
	switch {
	case errors.Is(err, notes.ErrInvalidNoteID):
		return "invalid_note_id"
	case errors.Is(err, notes.ErrInvalidText):
		return "invalid_note_text"
	default:
		return "invalid_request"
	}
}
