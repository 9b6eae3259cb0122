package handlers

import (
	"net/http"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/tutor"
)

type historyMessage struct {
	models.Message
	HTML string `json:"html"`
}

type historyResponse struct {
	ConversationID string           `json:"conversationId"`
	DocumentID     string           `json:"documentId,omitempty"`
	HintLevel      models.HintLevel `json:"hintLevel"`
	Messages       []historyMessage `json:"messages"`
}

// HandleHistory returns the messages of a conversation, each with its content rendered from markdown to
// HTML.
func (m Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")
	if err := tutor.ValidateConversationID(conversationID); err != nil {
		m.writeError(w, r, err)
		return
	}

	conv, err := m.store.Conversation(r.Context(), conversationID)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	msgs := make([]historyMessage, len(conv.Messages))
	for i, msg := range conv.Messages {
		html, err := models.RenderContent(msg)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		msgs[i] = historyMessage{Message: msg, HTML: html}
	}

	m.writeJSON(w, http.StatusOK, historyResponse{
		ConversationID: conv.ID,
		DocumentID:     conv.DocumentID,
		HintLevel:      conv.HintLevel,
		Messages:       msgs,
	})
}
