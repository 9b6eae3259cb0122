package models

import (
	"errors"
	"time"
)

// ErrDocumentNotFound is returned by document sources for unknown document ids.
var ErrDocumentNotFound = errors.New("document not found")

// Document is the extracted text of a file the student uploaded. The text is produced by the OCR pipeline,
// the tutor only reads it.
type Document struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Completion is a full, non-streamed model response.
type Completion struct {
	Text       string
	TokensUsed int
	// UpstreamID is the provider's id for the response, when it reports one.
	UpstreamID string
}
