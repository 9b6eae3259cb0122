// Package state owns per-conversation history, the attached document and the generation counter. All
// mutations of one conversation are serialized, different conversations proceed in parallel.
package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/studylock/internal/hint"
	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConversationNotFound is returned when a conversation has no messages yet.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned by Retract when the message is not in the history.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidMessage is returned by Append for unknown roles or empty user and assistant content.
	ErrInvalidMessage = errors.New("invalid message")
)

// Persister durably stores what the in-memory store hands it. It is also used to hydrate conversations that
// are not in memory yet, e.g. after a restart.
type Persister interface {
	SaveMessage(ctx context.Context, conversationID string, msg models.Message) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	SaveDocument(ctx context.Context, conversationID, documentID string) error
	LoadConversation(ctx context.Context, conversationID string) (models.Conversation, bool, error)
}

// Memory is the in-memory conversation store with optional write-through persistence.
type Memory struct {
	mu    sync.Mutex
	convs map[string]*conversation

	persister Persister
	now       func() time.Time
	logger    *zap.Logger
}

type conversation struct {
	mu sync.Mutex

	hydrated   bool
	messages   []models.Message
	documentID string
	generation uint64
}

// Option configures a Memory store.
type Option func(*Memory)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(m *Memory) {
		m.persister = p
	}
}

// WithClock overrides the clock used to timestamp messages.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty store.
func NewMemory(logger *zap.Logger, opts ...Option) *Memory {
	m := &Memory{
		convs:  make(map[string]*conversation),
		now:    time.Now,
		logger: logger.Named("state"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lock returns the conversation entry locked, creating and hydrating it if needed. The caller must unlock.
// Only writes create entries.
func (m *Memory) lock(ctx context.Context, id string) (*conversation, error) {
	m.mu.Lock()
	c, ok := m.convs[id]
	if !ok {
		c = &conversation{}
		m.convs[id] = c
	}
	m.mu.Unlock()

	c.mu.Lock()
	if err := m.hydrate(ctx, id, c); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// lookup is lock for reads. It returns nil when the conversation is neither in memory nor persisted, and
// leaves no entry behind in that case.
func (m *Memory) lookup(ctx context.Context, id string) (*conversation, error) {
	m.mu.Lock()
	c, ok := m.convs[id]
	m.mu.Unlock()
	if ok {
		c.mu.Lock()
		if err := m.hydrate(ctx, id, c); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		return c, nil
	}
	if m.persister == nil {
		return nil, nil
	}

	stored, found, err := m.persister.LoadConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}

	m.mu.Lock()
	c, ok = m.convs[id]
	if !ok {
		c = &conversation{
			hydrated:   true,
			messages:   stored.Messages,
			documentID: stored.DocumentID,
		}
		m.convs[id] = c
	}
	m.mu.Unlock()

	// A writer that created the entry meanwhile hydrates it from the same record.
	c.mu.Lock()
	if err := m.hydrate(ctx, id, c); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// hydrate loads a persisted conversation into an entry on first use. c.mu must be held.
func (m *Memory) hydrate(ctx context.Context, id string, c *conversation) error {
	if c.hydrated || m.persister == nil {
		c.hydrated = true
		return nil
	}

	stored, found, err := m.persister.LoadConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if found {
		c.messages = stored.Messages
		c.documentID = stored.DocumentID
		m.logger.Debug("Hydrated conversation",
			zap.String("conversationID", id),
			zap.Int("messages", len(stored.Messages)))
	}
	c.hydrated = true
	return nil
}

// Append assigns an id and timestamp when absent, appends the message and returns its stored form. The
// conversation is created on its first message.
func (m *Memory) Append(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	if !msg.Role.Valid() {
		return models.Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if msg.Content == "" && msg.Role != models.RoleSystem {
		return models.Message{}, fmt.Errorf("%w: empty %s content", ErrInvalidMessage, msg.Role)
	}

	c, err := m.lock(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	defer c.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}

	if m.persister != nil {
		if err := m.persister.SaveMessage(ctx, conversationID, msg); err != nil {
			return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
		}
	}
	c.messages = append(c.messages, msg)
	return msg, nil
}

// Retract removes a message from the history. It is used to roll back the user message of a failed turn.
func (m *Memory) Retract(ctx context.Context, conversationID, messageID string) error {
	c, err := m.lookup(ctx, conversationID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.messages, func(msg models.Message) bool { return msg.ID == messageID })
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	if m.persister != nil {
		if err := m.persister.DeleteMessage(ctx, conversationID, messageID); err != nil {
			return fmt.Errorf("failed to delete persisted message: %w", err)
		}
	}
	c.messages = slices.Delete(c.messages, idx, idx+1)
	return nil
}

// History returns a copy of the conversation's messages in insertion order.
func (m *Memory) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	c, err := m.lookup(ctx, conversationID)
	if err != nil || c == nil {
		return nil, err
	}
	defer c.mu.Unlock()

	return slices.Clone(c.messages), nil
}

// CurrentGeneration returns the generation of the latest assistant turn.
func (m *Memory) CurrentGeneration(ctx context.Context, conversationID string) (uint64, error) {
	c, err := m.lookup(ctx, conversationID)
	if err != nil || c == nil {
		return 0, err
	}
	defer c.mu.Unlock()

	return c.generation, nil
}

// BumpGeneration atomically increments the generation and returns the new value.
func (m *Memory) BumpGeneration(ctx context.Context, conversationID string) (uint64, error) {
	c, err := m.lock(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	c.generation++
	return c.generation, nil
}

// UserMessageCount returns the number of messages sent by the student.
func (m *Memory) UserMessageCount(ctx context.Context, conversationID string) (int, error) {
	c, err := m.lookup(ctx, conversationID)
	if err != nil || c == nil {
		return 0, err
	}
	defer c.mu.Unlock()

	return models.UserMessageCount(c.messages), nil
}

// AttachDocument records the document the student is working on. Later turns keep using it.
func (m *Memory) AttachDocument(ctx context.Context, conversationID, documentID string) error {
	c, err := m.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if c.documentID == documentID {
		return nil
	}
	if m.persister != nil {
		if err := m.persister.SaveDocument(ctx, conversationID, documentID); err != nil {
			return fmt.Errorf("failed to persist document: %w", err)
		}
	}
	c.documentID = documentID
	return nil
}

// Conversation returns a snapshot of the conversation, including the derived hint level.
func (m *Memory) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	c, err := m.lookup(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if c == nil {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	defer c.mu.Unlock()

	if len(c.messages) == 0 && c.documentID == "" {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	return models.Conversation{
		ID:         conversationID,
		Messages:   slices.Clone(c.messages),
		DocumentID: c.documentID,
		HintLevel:  hint.LevelFor(models.UserMessageCount(c.messages)),
		Generation: c.generation,
	}, nil
}
