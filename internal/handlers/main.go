package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/tutor"
	"go.uber.org/zap"
)

// Tutor runs tutoring turns. *tutor.Orchestrator implements it.
type Tutor interface {
	StartTurn(ctx context.Context, req tutor.TurnRequest) (tutor.TurnResult, error)
	StreamTurn(ctx context.Context, req tutor.TurnRequest) (*tutor.Stream, error)
	Resume(ctx context.Context, conversationID string, after int) (*tutor.Stream, error)
	Cancel(ctx context.Context, conversationID string) error
	Close(ctx context.Context) error
}

// Store reads conversation snapshots for the history view.
type Store interface {
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
}

// Documents registers extracted document texts.
type Documents interface {
	PutDocument(ctx context.Context, documentID, text string) error
}

// Main serves the tutoring API: turns, stream resume and cancel, conversation history and document
// registration.
type Main struct {
	tutor     Tutor
	store     Store
	documents Documents

	maxDocumentBytes int64

	logger *zap.Logger
}

const defaultMaxDocumentBytes = 2 << 20

// Option configures Main.
type Option func(*Main)

// WithMaxDocumentBytes limits the size of a registered document body.
func WithMaxDocumentBytes(n int64) Option {
	return func(m *Main) {
		if n > 0 {
			m.maxDocumentBytes = n
		}
	}
}

// NewMain creates a new Main. documents may be nil, document registration then answers 501.
func NewMain(t Tutor, store Store, documents Documents, logger *zap.Logger, opts ...Option) Main {
	m := Main{
		tutor:            t,
		store:            store,
		documents:        documents,
		maxDocumentBytes: defaultMaxDocumentBytes,
		logger:           logger.Named("handlers"),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Register adds the API routes to mux.
func (m Main) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", m.HandleChat)
	mux.HandleFunc("GET /api/chat/{conversationId}/stream", m.HandleResume)
	mux.HandleFunc("POST /api/chat/{conversationId}/cancel", m.HandleCancel)
	mux.HandleFunc("GET /api/conversations/{conversationId}/messages", m.HandleHistory)
	mux.HandleFunc("PUT /api/documents/{documentId}", m.HandlePutDocument)
}

// Shutdown stops every in-flight stream and waits up to 5 seconds for the producers to finish.
func (m Main) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.tutor.Close(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", zap.Error(err))
	}
}

// writeError answers with the status the orchestrator error maps to. Server-side failures are logged and
// their details withheld from the client.
func (m Main) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := tutor.StatusCode(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		m.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
		msg = http.StatusText(status)
	}
	m.writeJSON(w, status, errorResponse{Error: msg})
}
