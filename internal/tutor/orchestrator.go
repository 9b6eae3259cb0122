// Package tutor runs tutoring turns: it validates the student's message, records it, assembles the
// hint-level prompt, calls the model through the retrying caller and republishes the reply, either in one
// piece or as a resumable token stream.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/studylock/internal/hint"
	"github.com/MegaGrindStone/studylock/internal/metrics"
	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/prompt"
	"github.com/MegaGrindStone/studylock/internal/retry"
	"github.com/MegaGrindStone/studylock/internal/state"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// LLM is the model collaborator. Both methods receive the assembled prompt unmodified and in order.
type LLM interface {
	Complete(ctx context.Context, messages []models.Message) (models.Completion, error)
	// Stream yields tokens until the response ends. An error ends the sequence.
	Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// StateStore is the conversation store. state.Memory implements it.
type StateStore interface {
	Append(ctx context.Context, conversationID string, msg models.Message) (models.Message, error)
	Retract(ctx context.Context, conversationID, messageID string) error
	History(ctx context.Context, conversationID string) ([]models.Message, error)
	CurrentGeneration(ctx context.Context, conversationID string) (uint64, error)
	BumpGeneration(ctx context.Context, conversationID string) (uint64, error)
	UserMessageCount(ctx context.Context, conversationID string) (int, error)
	AttachDocument(ctx context.Context, conversationID, documentID string) error
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
}

// DocumentSource returns the extracted text of a document, or an error wrapping models.ErrDocumentNotFound.
type DocumentSource interface {
	DocumentText(ctx context.Context, documentID string) (string, error)
}

// Config tunes the orchestrator. Zero fields use the defaults.
type Config struct {
	MaxMessageLength int           `yaml:"maxMessageLength"`
	SessionTTL       time.Duration `yaml:"sessionTTL"`
	FallbackReply    string        `yaml:"fallbackReply"`
}

// DefaultFallbackReply is sent when the model stays unavailable after every retry.
const DefaultFallbackReply = `I can't reach the tutor model right now, so here are a few ways to keep going on your own:

1. Re-read the question and underline what is given and what is asked.
2. Write down the formulas or definitions that connect those two.
3. Try a smaller or simpler version of the problem first.
4. Check your last step against an example from your notes.

Send your next message in a minute and I'll pick up where we left off.`

const (
	defaultMaxMessageLength = 8000
	defaultSessionTTL       = 10 * time.Minute
	maxConversationIDLength = 128
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TurnRequest is one student message.
type TurnRequest struct {
	// ConversationID is empty for a new conversation.
	ConversationID string
	Message        string
	// DocumentID attaches a document. Once attached it stays attached for later turns.
	DocumentID string
}

// TurnResult is the outcome of a blocking turn.
type TurnResult struct {
	ConversationID string
	MessageID      string
	Reply          string
	HintLevel      models.HintLevel
	Timestamp      time.Time
	TokensUsed     int
	// Fallback is set when the model was unavailable and Reply is the canned study tips.
	Fallback bool
}

// Orchestrator runs turns. It is safe for concurrent use.
type Orchestrator struct {
	store     StateStore
	llm       LLM
	docs      DocumentSource
	caller    *retry.Caller
	assembler prompt.Assembler
	metrics   *metrics.Metrics
	cfg       Config

	locksMu sync.Mutex
	locks   map[string]*turnLock

	sessions *cache.Cache

	wg     sync.WaitGroup
	logger *zap.Logger
}

// turn carries what Assembling produced to the later states.
type turn struct {
	conversationID string
	userMessageID  string
	generation     uint64
	level          models.HintLevel
	messages       []models.Message
	started        time.Time
}

// New creates an Orchestrator. docs may be nil when documents are not supported, m may be nil.
func New(
	store StateStore,
	llm LLM,
	docs DocumentSource,
	caller *retry.Caller,
	assembler prompt.Assembler,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}

	return &Orchestrator{
		store:     store,
		llm:       llm,
		docs:      docs,
		caller:    caller,
		assembler: assembler,
		metrics:   m,
		cfg:       cfg,
		locks:     make(map[string]*turnLock),
		sessions:  cache.New(cfg.SessionTTL, cfg.SessionTTL),
		logger:    logger.Named("tutor"),
	}
}

// turnLock serializes turn bookkeeping of one conversation. It is dropped from the map once nobody holds
// or waits for it.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

func (o *Orchestrator) lock(conversationID string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[conversationID]
	if !ok {
		l = &turnLock{}
		o.locks[conversationID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, conversationID)
		}
		o.locksMu.Unlock()
	}
}

func (o *Orchestrator) validate(req *TurnRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if !utf8.ValidString(req.Message) {
		return &ValidationError{Field: "message", Reason: "must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(req.Message); n > o.cfg.MaxMessageLength {
		return &ValidationError{
			Field:  "message",
			Reason: fmt.Sprintf("%d characters exceeds the limit of %d", n, o.cfg.MaxMessageLength),
		}
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
		return nil
	}
	return ValidateConversationID(req.ConversationID)
}

// ValidateConversationID rejects ids that are not 1-128 letters, digits, '-' or '_'.
func ValidateConversationID(id string) error {
	if len(id) > maxConversationIDLength || !conversationIDPattern.MatchString(id) {
		return &ValidationError{Field: "conversationId", Reason: "must be 1-128 letters, digits, '-' or '_'"}
	}
	return nil
}

// documentText resolves the document for the turn: the requested one, or the one attached earlier. It runs
// before anything is stored so an unknown document leaves no trace.
func (o *Orchestrator) documentText(ctx context.Context, req TurnRequest) (*string, error) {
	documentID := req.DocumentID
	if documentID == "" {
		conv, err := o.store.Conversation(ctx, req.ConversationID)
		switch {
		case errors.Is(err, state.ErrConversationNotFound):
			return nil, nil
		case err != nil:
			return nil, err
		}
		documentID = conv.DocumentID
	}
	if documentID == "" {
		return nil, nil
	}
	if o.docs == nil {
		return nil, &ValidationError{Field: "documentId", Reason: "documents are not supported"}
	}

	text, err := retry.Do(ctx, o.caller, "documents", func(ctx context.Context) (string, error) {
		return o.docs.DocumentText(ctx, documentID)
	})
	if errors.Is(err, models.ErrDocumentNotFound) {
		return nil, &ValidationError{Field: "documentId", Reason: fmt.Sprintf("document %s not found", documentID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", documentID, err)
	}
	return &text, nil
}

// begin runs the Assembling state. Storing the user message, attaching the document and bumping the
// generation happen under the conversation lock, no I/O to the model or the document source is done
// while holding it. register is called under the same lock with the new generation, streaming turns use
// it to publish their session.
func (o *Orchestrator) begin(
	ctx context.Context,
	req TurnRequest,
	register func(conversationID string, generation uint64),
) (turn, error) {
	streaming := register != nil
	if err := o.validate(&req); err != nil {
		o.metrics.Turn(metrics.OutcomeRejected, streaming)
		return turn{}, err
	}

	docText, err := o.documentText(ctx, req)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			o.metrics.Turn(metrics.OutcomeRejected, streaming)
		}
		return turn{}, err
	}

	unlock := o.lock(req.ConversationID)
	defer unlock()

	if req.DocumentID != "" {
		if err := o.store.AttachDocument(ctx, req.ConversationID, req.DocumentID); err != nil {
			return turn{}, fmt.Errorf("failed to attach document: %w", err)
		}
	}

	userMsg, err := o.store.Append(ctx, req.ConversationID, models.Message{
		Role:    models.RoleUser,
		Content: req.Message,
	})
	if err != nil {
		return turn{}, fmt.Errorf("failed to store user message: %w", err)
	}

	gen, err := o.store.BumpGeneration(ctx, req.ConversationID)
	if err != nil {
		return turn{}, fmt.Errorf("failed to bump generation: %w", err)
	}

	// The previous turn's stream is superseded from here on, stop its upstream early.
	if prev, ok := o.session(req.ConversationID); ok {
		prev.cancel()
	}

	history, err := o.store.History(ctx, req.ConversationID)
	if err != nil {
		return turn{}, fmt.Errorf("failed to read history: %w", err)
	}

	count, err := o.store.UserMessageCount(ctx, req.ConversationID)
	if err != nil {
		return turn{}, fmt.Errorf("failed to count user messages: %w", err)
	}
	level := hint.LevelFor(count)
	o.metrics.HintLevel(level.String())

	if streaming {
		register(req.ConversationID, gen)
	}

	o.logger.Debug("Turn assembled",
		zap.String("conversationID", req.ConversationID),
		zap.Uint64("generation", gen),
		zap.Stringer("hintLevel", level),
		zap.Bool("document", docText != nil))

	return turn{
		conversationID: req.ConversationID,
		userMessageID:  userMsg.ID,
		generation:     gen,
		level:          level,
		messages:       o.assembler.Build(history, docText, level),
		started:        time.Now(),
	}, nil
}

// complete appends the assistant message if the turn still owns the conversation. The generation check and
// the append are atomic with respect to begin and Cancel.
func (o *Orchestrator) complete(ctx context.Context, t turn, c models.Completion) (models.Message, error) {
	unlock := o.lock(t.conversationID)
	defer unlock()

	cur, err := o.store.CurrentGeneration(ctx, t.conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if cur != t.generation {
		return models.Message{}, ErrSuperseded
	}

	return o.store.Append(ctx, t.conversationID, models.Message{
		Role:       models.RoleAssistant,
		Content:    c.Text,
		HintLevel:  t.level,
		TokensUsed: c.TokensUsed,
		UpstreamID: c.UpstreamID,
	})
}

// fail retracts the user message of a failed turn, unless a newer turn already builds on it. It reports
// whether the turn was superseded instead.
func (o *Orchestrator) fail(ctx context.Context, t turn, cause error) bool {
	ctx = context.WithoutCancel(ctx)

	unlock := o.lock(t.conversationID)
	defer unlock()

	cur, err := o.store.CurrentGeneration(ctx, t.conversationID)
	if err == nil && cur != t.generation {
		return true
	}

	o.logger.Error("Turn failed",
		zap.String("conversationID", t.conversationID),
		zap.Uint64("generation", t.generation),
		zap.Error(cause))

	if err := o.store.Retract(ctx, t.conversationID, t.userMessageID); err != nil {
		o.logger.Error("Failed to retract user message",
			zap.String("conversationID", t.conversationID),
			zap.String("messageID", t.userMessageID),
			zap.Error(err))
	}
	return false
}

func (o *Orchestrator) superseded(ctx context.Context, t turn) bool {
	cur, err := o.store.CurrentGeneration(ctx, t.conversationID)
	return err == nil && cur != t.generation
}

// StartTurn runs a blocking turn and returns the whole reply. When the model stays unavailable the reply is
// the fallback study tips and the turn still completes. A turn overtaken by a newer one returns
// ErrSuperseded.
func (o *Orchestrator) StartTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	t, err := o.begin(ctx, req, nil)
	if err != nil {
		return TurnResult{}, err
	}

	completion, err := retry.Do(ctx, o.caller, "model.complete", func(ctx context.Context) (models.Completion, error) {
		return o.llm.Complete(ctx, t.messages)
	})

	fallback := false
	switch {
	case err == nil:
	case errors.Is(err, retry.ErrExhausted):
		o.logger.Warn("Model unavailable, sending fallback reply",
			zap.String("conversationID", t.conversationID),
			zap.Error(err))
		completion = models.Completion{Text: o.cfg.FallbackReply}
		fallback = true
	default:
		if o.fail(ctx, t, err) {
			o.metrics.Turn(metrics.OutcomeSuperseded, false)
			return TurnResult{}, ErrSuperseded
		}
		o.metrics.Turn(metrics.OutcomeFailed, false)
		return TurnResult{}, fmt.Errorf("%w: %w", ErrUpstreamFailed, err)
	}

	msg, err := o.complete(ctx, t, completion)
	if errors.Is(err, ErrSuperseded) {
		o.logger.Info("Turn superseded",
			zap.String("conversationID", t.conversationID),
			zap.Uint64("generation", t.generation))
		o.metrics.Turn(metrics.OutcomeSuperseded, false)
		return TurnResult{}, err
	}
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to store reply: %w", err)
	}

	o.metrics.Turn(outcome(fallback), false)
	o.logger.Info("Turn completed",
		zap.String("conversationID", t.conversationID),
		zap.Stringer("hintLevel", t.level),
		zap.Bool("fallback", fallback),
		zap.Duration("duration", time.Since(t.started)))

	return TurnResult{
		ConversationID: t.conversationID,
		MessageID:      msg.ID,
		Reply:          msg.Content,
		HintLevel:      t.level,
		Timestamp:      msg.Timestamp,
		TokensUsed:     msg.TokensUsed,
		Fallback:       fallback,
	}, nil
}

func outcome(fallback bool) string {
	if fallback {
		return metrics.OutcomeFallback
	}
	return metrics.OutcomeCompleted
}

// StreamTurn starts a streaming turn and returns once the prompt is assembled. The reply is produced in the
// background, detached from ctx, so a client that drops the connection can Resume.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) (*Stream, error) {
	prodCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var sess *session
	t, err := o.begin(ctx, req, func(conversationID string, generation uint64) {
		sess = newSession(conversationID, generation, cancel)
		o.sessions.SetDefault(conversationID, sess)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	o.wg.Add(1)
	o.metrics.StreamStarted()
	go func() {
		defer o.wg.Done()
		defer o.metrics.StreamEnded()
		defer cancel()
		o.produce(prodCtx, t, sess)
	}()

	return &Stream{ConversationID: t.conversationID, sess: sess}, nil
}

// produce drives a stream session from Calling to a terminal state.
func (o *Orchestrator) produce(ctx context.Context, t turn, sess *session) {
	sess.setState(StateCalling)

	up, err := retry.Do(ctx, o.caller, "model.stream", openStream(ctx, o.llm, t.messages))
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			o.logger.Warn("Model unavailable, sending fallback reply",
				zap.String("conversationID", t.conversationID),
				zap.Error(err))
			o.finishStream(ctx, t, sess, models.Completion{Text: o.cfg.FallbackReply}, true)
			return
		}
		o.abortStream(ctx, t, sess, err)
		return
	}
	defer up.cancel()

	sess.setState(StateStreaming)

	var buf strings.Builder
	forward := func(text string) bool {
		if o.superseded(ctx, t) {
			return false
		}
		buf.WriteString(text)
		sess.publish(Event{Token: text})
		return true
	}

	if !forward(up.first) {
		o.supersede(t, sess)
		return
	}

	idle := o.caller.Timeout()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-up.chunks:
			switch {
			case !ok && ctx.Err() != nil:
				o.abortStream(ctx, t, sess, ctx.Err())
				return
			case !ok:
				o.finishStream(ctx, t, sess, models.Completion{Text: buf.String()}, false)
				return
			case c.err != nil:
				o.abortStream(ctx, t, sess, c.err)
				return
			}
			if !forward(c.text) {
				o.supersede(t, sess)
				return
			}
			timer.Reset(idle)
		case <-timer.C:
			o.abortStream(ctx, t, sess, fmt.Errorf("model.stream idle for %s: %w", idle, retry.ErrTimeout))
			return
		case <-ctx.Done():
			o.abortStream(ctx, t, sess, ctx.Err())
			return
		}
	}
}

func (o *Orchestrator) finishStream(ctx context.Context, t turn, sess *session, c models.Completion, fallback bool) {
	msg, err := o.complete(ctx, t, c)
	if errors.Is(err, ErrSuperseded) {
		o.supersede(t, sess)
		return
	}
	if err != nil {
		o.abortStream(ctx, t, sess, fmt.Errorf("failed to store reply: %w", err))
		return
	}

	// The fallback reply was never streamed, send it as a single token.
	if fallback {
		sess.publish(Event{Token: msg.Content})
	}
	sess.finish(StateCompleted, Event{HintLevel: t.level})

	o.metrics.Turn(outcome(fallback), true)
	o.logger.Info("Turn completed",
		zap.String("conversationID", t.conversationID),
		zap.Stringer("hintLevel", t.level),
		zap.Bool("fallback", fallback),
		zap.Duration("duration", time.Since(t.started)))
}

// abortStream ends a stream that failed. A stream whose turn was overtaken in the meantime ends as
// superseded instead.
func (o *Orchestrator) abortStream(ctx context.Context, t turn, sess *session, cause error) {
	if o.fail(ctx, t, cause) {
		o.supersede(t, sess)
		return
	}
	sess.finish(StateFailed, Event{Error: ErrUpstreamFailed.Error()})
	o.metrics.Turn(metrics.OutcomeFailed, true)
}

func (o *Orchestrator) supersede(t turn, sess *session) {
	sess.finish(StateSuperseded, Event{Superseded: true})
	o.metrics.Turn(metrics.OutcomeSuperseded, true)
	o.logger.Info("Turn superseded",
		zap.String("conversationID", t.conversationID),
		zap.Uint64("generation", t.generation))
}

func (o *Orchestrator) session(conversationID string) (*session, bool) {
	v, ok := o.sessions.Get(conversationID)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// Resume re-attaches to the latest stream of a conversation and yields the events after sequence number
// after. Resuming twice with the same cursor yields the same events.
func (o *Orchestrator) Resume(_ context.Context, conversationID string, after int) (*Stream, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return nil, err
	}
	sess, ok := o.session(conversationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStream, conversationID)
	}
	if after < 0 {
		after = 0
	}
	return &Stream{ConversationID: conversationID, sess: sess, after: after}, nil
}

// Cancel stops the in-flight stream of a conversation. The turn ends as superseded and no assistant message
// is stored. Cancelling a finished stream does nothing.
func (o *Orchestrator) Cancel(ctx context.Context, conversationID string) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}
	sess, ok := o.session(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStream, conversationID)
	}
	if sess.currentState().Terminal() {
		return nil
	}

	unlock := o.lock(conversationID)
	cur, err := o.store.CurrentGeneration(ctx, conversationID)
	if err == nil && cur == sess.generation {
		_, err = o.store.BumpGeneration(ctx, conversationID)
	}
	unlock()
	if err != nil {
		return fmt.Errorf("failed to bump generation: %w", err)
	}

	sess.cancel()
	o.logger.Info("Turn cancelled", zap.String("conversationID", conversationID))
	return nil
}

// Close cancels every in-flight stream and waits for the producers to finish or ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	for _, item := range o.sessions.Items() {
		if sess, ok := item.Object.(*session); ok {
			sess.cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
