package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Message represents an individual entry within a conversation. Messages are immutable once appended and
// their insertion order is the order the model sees them in.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// HintLevel is only set on assistant messages.
	HintLevel HintLevel `json:"hintLevel,omitempty"`
	// TokensUsed is the upstream token usage, zero when the provider did not report it.
	TokensUsed int `json:"tokensUsed,omitempty"`
	// UpstreamID is the conversation identifier returned by the model provider, if any.
	UpstreamID string `json:"upstreamId,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the student.
	RoleUser Role = "user"
	// RoleAssistant represents a reply produced by the tutor, including the canned fallback reply.
	RoleAssistant Role = "assistant"
	// RoleSystem represents instructions and document context sent to the model.
	RoleSystem Role = "system"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
)

// RenderContent renders the markdown content of a message into HTML. User messages are rendered too, since
// students often paste formulas and code blocks.
func RenderContent(msg Message) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return "", fmt.Errorf("failed to render message %s: %w", msg.ID, err)
	}
	return buf.String(), nil
}
