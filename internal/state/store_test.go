package state_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPersister struct {
	mu        sync.Mutex
	saved     map[string][]models.Message
	documents map[string]string
	loads     int
	err       error
}

func newMockPersister() *mockPersister {
	return &mockPersister{
		saved:     map[string][]models.Message{},
		documents: map[string]string{},
	}
}

func TestAppend(t *testing.T) {
	fixed := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s := state.NewMemory(zap.NewNop(), state.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	got, err := s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "Solve x^2-5x+6=0"})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, fixed, got.Timestamp)

	ts := fixed.Add(-time.Hour)
	got2, err := s.Append(ctx, "c1", models.Message{ID: "given", Role: models.RoleAssistant, Content: "hint", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "given", got2.ID)
	assert.Equal(t, ts, got2.Timestamp)

	hist, err := s.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, got, hist[0])
	assert.Equal(t, got2, hist[1])

	// The returned history is a copy.
	hist[0].Content = "changed"
	again, err := s.History(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Solve x^2-5x+6=0", again[0].Content)
}

func TestAppendInvalid(t *testing.T) {
	s := state.NewMemory(zap.NewNop())
	ctx := context.Background()

	tests := []models.Message{
		{Role: models.RoleUser},
		{Role: models.RoleAssistant},
		{Role: "tool", Content: "x"},
	}
	for _, msg := range tests {
		_, err := s.Append(ctx, "c1", msg)
		assert.ErrorIs(t, err, state.ErrInvalidMessage)
	}

	hist, err := s.History(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestRetract(t *testing.T) {
	s := state.NewMemory(zap.NewNop())
	ctx := context.Background()

	first, err := s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "one"})
	require.NoError(t, err)
	second, err := s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "two"})
	require.NoError(t, err)

	require.NoError(t, s.Retract(ctx, "c1", second.ID))
	assert.ErrorIs(t, s.Retract(ctx, "c1", second.ID), state.ErrMessageNotFound)

	hist, err := s.History(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []models.Message{first}, hist)

	n, err := s.UserMessageCount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGeneration(t *testing.T) {
	s := state.NewMemory(zap.NewNop())
	ctx := context.Background()

	g, err := s.CurrentGeneration(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BumpGeneration(ctx, "c1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	g, err = s.CurrentGeneration(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), g)

	other, err := s.CurrentGeneration(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other)
}

func TestConcurrentAppendsKeepEveryMessage(t *testing.T) {
	s := state.NewMemory(zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv := fmt.Sprintf("c%d", i%5)
			_, err := s.Append(ctx, conv, models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := range 5 {
		n, err := s.UserMessageCount(ctx, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	}
}

func TestConversation(t *testing.T) {
	s := state.NewMemory(zap.NewNop())
	ctx := context.Background()

	_, err := s.Conversation(ctx, "missing")
	assert.ErrorIs(t, err, state.ErrConversationNotFound)

	for i := range 4 {
		_, err := s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, s.AttachDocument(ctx, "c1", "doc-1"))
	_, err = s.BumpGeneration(ctx, "c1")
	require.NoError(t, err)

	conv, err := s.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Len(t, conv.Messages, 4)
	assert.Equal(t, "doc-1", conv.DocumentID)
	assert.Equal(t, models.HintLevelWorked, conv.HintLevel)
	assert.Equal(t, uint64(1), conv.Generation)
}

func TestPersisterWriteThrough(t *testing.T) {
	p := newMockPersister()
	s := state.NewMemory(zap.NewNop(), state.WithPersister(p))
	ctx := context.Background()

	a, err := s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "one"})
	require.NoError(t, err)
	b, err := s.Append(ctx, "c1", models.Message{Role: models.RoleAssistant, Content: "two"})
	require.NoError(t, err)
	require.NoError(t, s.AttachDocument(ctx, "c1", "doc"))
	require.NoError(t, s.Retract(ctx, "c1", b.ID))

	assert.Equal(t, []models.Message{a}, p.saved["c1"])
	assert.Equal(t, "doc", p.documents["c1"])

	// A fresh store hydrates from the persister exactly once.
	fresh := state.NewMemory(zap.NewNop(), state.WithPersister(p))
	hist, err := fresh.History(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []models.Message{a}, hist)
	conv, err := fresh.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "doc", conv.DocumentID)
	assert.Equal(t, 2, p.loads)
}

func TestPersisterFailure(t *testing.T) {
	p := newMockPersister()
	s := state.NewMemory(zap.NewNop(), state.WithPersister(p))
	ctx := context.Background()

	_, err := s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "one"})
	require.NoError(t, err)

	p.err = errors.New("disk full")
	_, err = s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "two"})
	require.Error(t, err)

	p.err = nil
	hist, err := s.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func (m *mockPersister) SaveMessage(_ context.Context, conversationID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved[conversationID] = append(m.saved[conversationID], msg)
	return nil
}

func (m *mockPersister) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	msgs := m.saved[conversationID]
	for i, msg := range msgs {
		if msg.ID == messageID {
			m.saved[conversationID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockPersister) SaveDocument(_ context.Context, conversationID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.documents[conversationID] = documentID
	return nil
}

func (m *mockPersister) LoadConversation(_ context.Context, conversationID string) (models.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.err != nil {
		return models.Conversation{}, false, m.err
	}
	msgs, ok := m.saved[conversationID]
	doc := m.documents[conversationID]
	if !ok && doc == "" {
		return models.Conversation{}, false, nil
	}
	return models.Conversation{
		ID:         conversationID,
		Messages:   append([]models.Message(nil), msgs...),
		DocumentID: doc,
	}, true, nil
}
