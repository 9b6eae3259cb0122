package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/MegaGrindStone/studylock/internal/tutor"
	"go.uber.org/zap"
)

// HandlePutDocument registers the extracted text of a document. The body is the plain text, replacing any
// text stored earlier under the same id.
func (m Main) HandlePutDocument(w http.ResponseWriter, r *http.Request) {
	if m.documents == nil {
		m.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "documents are not supported"})
		return
	}

	documentID := r.PathValue("documentId")
	if err := tutor.ValidateConversationID(documentID); err != nil {
		m.writeError(w, r, &tutor.ValidationError{Field: "documentId", Reason: "must be 1-128 letters, digits, '-' or '_'"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxDocumentBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			m.writeError(w, r, &tutor.ValidationError{
				Field:  "body",
				Reason: fmt.Sprintf("document exceeds %d bytes", mbe.Limit),
			})
			return
		}
		m.writeError(w, r, fmt.Errorf("failed to read document: %w", err))
		return
	}

	text := string(body)
	if !utf8.ValidString(text) {
		m.writeError(w, r, &tutor.ValidationError{Field: "body", Reason: "must be valid UTF-8 text"})
		return
	}
	if strings.TrimSpace(text) == "" {
		m.writeError(w, r, &tutor.ValidationError{Field: "body", Reason: "must not be empty"})
		return
	}

	if err := m.documents.PutDocument(r.Context(), documentID, text); err != nil {
		m.writeError(w, r, fmt.Errorf("failed to store document %s: %w", documentID, err))
		return
	}

	m.logger.Info("Document registered",
		zap.String("documentID", documentID),
		zap.Int("bytes", len(body)))
	w.WriteHeader(http.StatusNoContent)
}
