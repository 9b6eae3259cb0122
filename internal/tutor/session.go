package tutor

import (
	"context"
	"iter"
	"sync"

	"github.com/MegaGrindStone/studylock/internal/models"
)

// State is the lifecycle state of one assistant turn.
type State int

const (
	StateIdle State = iota
	StateAssembling
	StateCalling
	StateStreaming
	StateCompleted
	StateFailed
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssembling:
		return "assembling"
	case StateCalling:
		return "calling"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSuperseded
}

// Event is one incremental update of a streaming turn. Exactly one event per stream has Complete set, and
// it is the last one. HintLevel, Superseded and Error are only set on that final event.
type Event struct {
	// Seq numbers the events of a stream from 1. Clients resume after the last sequence they saw.
	Seq int `json:"-"`

	Token          string           `json:"token"`
	Complete       bool             `json:"complete"`
	ConversationID string           `json:"conversationId,omitempty"`
	HintLevel      models.HintLevel `json:"hintLevel,omitempty"`
	Superseded     bool             `json:"superseded,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// session buffers the events of one streaming turn so a client can disconnect and resume.
type session struct {
	conversationID string
	generation     uint64
	cancel         context.CancelFunc

	mu     sync.Mutex
	state  State
	seq    int
	events []Event
	notify chan struct{}
}

func newSession(conversationID string, generation uint64, cancel context.CancelFunc) *session {
	return &session{
		conversationID: conversationID,
		generation:     generation,
		cancel:         cancel,
		state:          StateAssembling,
		notify:         make(chan struct{}),
	}
}

func (s *session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// publish appends an event and wakes every subscriber. Events after the final one are dropped.
func (s *session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done() {
		return
	}
	s.seq++
	ev.Seq = s.seq
	ev.ConversationID = s.conversationID
	s.events = append(s.events, ev)

	close(s.notify)
	s.notify = make(chan struct{})
}

// finish publishes the final event and moves the session to a terminal state. On supersede the tokens
// buffered so far are dropped, a resuming client only sees the final event.
func (s *session) finish(st State, final Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done() {
		return
	}
	if st == StateSuperseded {
		s.events = s.events[:0]
	}
	s.state = st
	s.seq++
	final.Complete = true
	final.Seq = s.seq
	final.ConversationID = s.conversationID
	s.events = append(s.events, final)

	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *session) done() bool {
	return len(s.events) > 0 && s.events[len(s.events)-1].Complete
}

// since returns the buffered events with a sequence greater than after, whether the final event is among
// them, and a channel closed on the next publish.
func (s *session) since(after int) ([]Event, bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, s.done(), s.notify
}

// Stream is a client's view of a streaming turn.
type Stream struct {
	ConversationID string

	sess  *session
	after int
}

// Events yields the events after the stream's cursor in order, blocking for new ones, until the final event
// was yielded or ctx is done. Iterating twice over the same Stream yields the same events.
func (s *Stream) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		cursor := s.after
		for {
			evs, done, wait := s.sess.since(cursor)
			for _, ev := range evs {
				if !yield(ev) {
					return
				}
				cursor = ev.Seq
			}
			if done {
				return
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}
}
