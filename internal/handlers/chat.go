package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/tutor"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	DocumentID     string `json:"documentId"`
	Streaming      bool   `json:"streaming"`
}

type chatResponse struct {
	Reply          string           `json:"reply"`
	HintLevel      models.HintLevel `json:"hintLevel"`
	ConversationID string           `json:"conversationId"`
	Timestamp      time.Time        `json:"timestamp"`
	TokensUsed     int              `json:"tokensUsed,omitempty"`
	Fallback       bool             `json:"fallback,omitempty"`
}

const (
	maxChatBodyBytes = 1 << 20

	conversationIDHeader = "X-Conversation-Id"
)

// HandleChat runs one turn. The body is a JSON chatRequest. A blocking turn answers with a chatResponse, a
// streaming turn with server-sent events whose data is a tutor.Event and whose id is the event's sequence
// number, so the client can resume with Last-Event-ID.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		m.writeError(w, r, &tutor.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	turn := tutor.TurnRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		DocumentID:     req.DocumentID,
	}

	if !req.Streaming {
		res, err := m.tutor.StartTurn(r.Context(), turn)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		m.writeJSON(w, http.StatusOK, chatResponse{
			Reply:          res.Reply,
			HintLevel:      res.HintLevel,
			ConversationID: res.ConversationID,
			Timestamp:      res.Timestamp,
			TokensUsed:     res.TokensUsed,
			Fallback:       res.Fallback,
		})
		return
	}

	stream, err := m.tutor.StreamTurn(r.Context(), turn)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeStream(w, r, stream)
}

// HandleResume re-attaches to the latest stream of a conversation. The cursor is the Last-Event-ID header,
// or the after query parameter for clients that cannot set headers.
func (m Main) HandleResume(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")

	cursor := r.Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = r.URL.Query().Get("after")
	}
	after := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			m.writeError(w, r, &tutor.ValidationError{Field: "after", Reason: "must be a non-negative integer"})
			return
		}
		after = n
	}

	stream, err := m.tutor.Resume(r.Context(), conversationID, after)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeStream(w, r, stream)
}

// HandleCancel stops the in-flight stream of a conversation.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")

	if err := m.tutor.Cancel(r.Context(), conversationID); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStream forwards the stream's events until the final one or until the client goes away. A client that
// goes away does not stop the turn, it can resume later.
func (m Main) writeStream(w http.ResponseWriter, r *http.Request, stream *tutor.Stream) {
	w.Header().Set(conversationIDHeader, stream.ConversationID)

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	for ev := range stream.Events(r.Context()) {
		data, err := json.Marshal(ev)
		if err != nil {
			m.logger.Error("Failed to marshal event",
				zap.String("conversationID", stream.ConversationID),
				zap.Error(err))
			return
		}

		msg := &sse.Message{ID: sse.ID(strconv.Itoa(ev.Seq))}
		msg.AppendData(string(data))
		if err := sess.Send(msg); err != nil {
			m.logClientGone(stream.ConversationID, err)
			return
		}
		if err := sess.Flush(); err != nil {
			m.logClientGone(stream.ConversationID, err)
			return
		}
	}
}

func (m Main) logClientGone(conversationID string, err error) {
	if errors.Is(err, http.ErrHandlerTimeout) {
		m.logger.Warn("Stream write timed out", zap.String("conversationID", conversationID))
		return
	}
	m.logger.Debug("Stream client went away",
		zap.String("conversationID", conversationID),
		zap.Error(err))
}
