package state

import (
	"context"
	"fmt"
	"testing"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type emptyPersister struct {
	loads int
}

func (e *emptyPersister) SaveMessage(context.Context, string, models.Message) error { return nil }
func (e *emptyPersister) DeleteMessage(context.Context, string, string) error         { return nil }
func (e *emptyPersister) SaveDocument(context.Context, string, string) error          { return nil }

func (e *emptyPersister) LoadConversation(context.Context, string) (models.Conversation, bool, error) {
	e.loads++
	return models.Conversation{}, false, nil
}

func TestReadsOfUnknownConversationsKeepNoEntries(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{name: "Memory only"},
		{name: "With persister", opts: []Option{WithPersister(&emptyPersister{})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(zap.NewNop(), tt.opts...)
			ctx := context.Background()

			for i := range 1000 {
				id := fmt.Sprintf("unknown-%d", i)

				_, err := m.Conversation(ctx, id)
				assert.ErrorIs(t, err, ErrConversationNotFound)

				hist, err := m.History(ctx, id)
				require.NoError(t, err)
				assert.Empty(t, hist)

				gen, err := m.CurrentGeneration(ctx, id)
				require.NoError(t, err)
				assert.Zero(t, gen)

				n, err := m.UserMessageCount(ctx, id)
				require.NoError(t, err)
				assert.Zero(t, n)

				assert.ErrorIs(t, m.Retract(ctx, id, "m1"), ErrMessageNotFound)
			}
			assert.Empty(t, m.convs)

			_, err := m.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "hello"})
			require.NoError(t, err)
			_, err = m.BumpGeneration(ctx, "c2")
			require.NoError(t, err)
			require.NoError(t, m.AttachDocument(ctx, "c3", "doc"))
			assert.Len(t, m.convs, 3)
		})
	}
}
