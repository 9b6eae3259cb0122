// Package prompt assembles the ordered message list sent to the model: hint instructions first, then the
// attached document fragments, then the most recent part of the conversation.
package prompt

import (
	"github.com/MegaGrindStone/studylock/internal/chunker"
	"github.com/MegaGrindStone/studylock/internal/hint"
	"github.com/MegaGrindStone/studylock/internal/models"
)

// MaxHistory is the number of most recent conversation messages included in a prompt.
const MaxHistory = 10

// Assembler builds prompts. The zero value uses the default chunk sizes.
type Assembler struct {
	ChunkSize int
	MaxTotal  int
}

// NewAssembler creates an Assembler that chunks documents with the given sizes.
func NewAssembler(chunkSize, maxTotal int) Assembler {
	return Assembler{
		ChunkSize: chunkSize,
		MaxTotal:  maxTotal,
	}
}

// Build returns the messages for one model call. documentText is nil when no document is attached. The
// output always starts with exactly one hint instruction, followed by zero or more document fragments and
// at most MaxHistory history messages in their original order and roles.
func (a Assembler) Build(history []models.Message, documentText *string, level models.HintLevel) []models.Message {
	var fragments []string
	if documentText != nil {
		fragments = chunker.Split(*documentText, a.ChunkSize, a.MaxTotal).Labeled()
	}

	recent := history
	if len(recent) > MaxHistory {
		recent = recent[len(recent)-MaxHistory:]
	}

	msgs := make([]models.Message, 0, 1+len(fragments)+len(recent))
	msgs = append(msgs, models.Message{
		Role:    models.RoleSystem,
		Content: hint.SystemPrompt(level, documentText != nil),
	})
	for _, f := range fragments {
		msgs = append(msgs, models.Message{
			Role:    models.RoleSystem,
			Content: f,
		})
	}
	for _, m := range recent {
		msgs = append(msgs, models.Message{
			ID:      m.ID,
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return msgs
}
