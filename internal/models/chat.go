package models

// Conversation represents a tutoring thread between a student and the assistant. It owns the ordered
// message history, the optional document the student attached, and the generation counter that is bumped
// every time a new assistant turn starts.
type Conversation struct {
	ID         string
	Messages   []Message
	DocumentID string

	// HintLevel is derived from the number of user messages, it is never set independently.
	HintLevel HintLevel
	// Generation invalidates in-flight streams that belong to an older turn.
	Generation uint64
}

// HintLevel represents how much guidance the tutor is allowed to give.
type HintLevel int

const (
	// HintLevelDirection only points the student in the right direction.
	HintLevelDirection HintLevel = 1
	// HintLevelPartial lays out some of the steps and leaves the rest to the student.
	HintLevelPartial HintLevel = 2
	// HintLevelWorked walks through every step but still withholds the final answer.
	HintLevelWorked HintLevel = 3
)

// Valid reports whether the level is one of the three known levels.
func (h HintLevel) Valid() bool {
	return h >= HintLevelDirection && h <= HintLevelWorked
}

func (h HintLevel) String() string {
	switch h {
	case HintLevelDirection:
		return "direction"
	case HintLevelPartial:
		return "partial"
	case HintLevelWorked:
		return "worked"
	default:
		return "unknown"
	}
}

// UserMessageCount counts the messages sent by the student.
func UserMessageCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
