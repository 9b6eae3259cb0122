package tutor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFinishSuperseded(t *testing.T) {
	s := newSession("c1", 1, func() {})
	s.publish(Event{Token: "a"})
	s.publish(Event{Token: "b"})
	s.finish(StateSuperseded, Event{Superseded: true})

	evs, done, _ := s.since(0)
	require.True(t, done)
	require.Len(t, evs, 1)
	assert.Equal(t, 3, evs[0].Seq)
	assert.True(t, evs[0].Complete)
	assert.Equal(t, "c1", evs[0].ConversationID)
	assert.Equal(t, StateSuperseded, s.currentState())

	// Nothing is accepted after the final event.
	s.publish(Event{Token: "late"})
	s.finish(StateCompleted, Event{})
	evs, _, _ = s.since(0)
	assert.Len(t, evs, 1)
	assert.Equal(t, StateSuperseded, s.currentState())
}

func TestSessionSince(t *testing.T) {
	s := newSession("c1", 1, func() {})
	_, _, wait := s.since(0)

	s.publish(Event{Token: "a"})
	select {
	case <-wait:
	default:
		t.Fatal("publish did not wake subscribers")
	}

	s.publish(Event{Token: "b"})
	evs, done, _ := s.since(1)
	assert.False(t, done)
	require.Len(t, evs, 1)
	assert.Equal(t, "b", evs[0].Token)
	assert.Equal(t, 2, evs[0].Seq)
}

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		state    State
		name     string
		terminal bool
	}{
		{StateIdle, "idle", false},
		{StateAssembling, "assembling", false},
		{StateCalling, "calling", false},
		{StateStreaming, "streaming", false},
		{StateCompleted, "completed", true},
		{StateFailed, "failed", true},
		{StateSuperseded, "superseded", true},
		{State(42), "unknown", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.state.String())
		assert.Equal(t, tt.terminal, tt.state.Terminal(), tt.name)
	}
}
