package tutor

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/retry"
	"github.com/MegaGrindStone/studylock/internal/state"
)

var (
	// ErrSuperseded is returned for a turn whose result was discarded because a newer turn started or the
	// client cancelled it.
	ErrSuperseded = errors.New("turn superseded")
	// ErrUpstreamFailed is returned when the model failed in a way retrying cannot fix, or broke off after
	// tokens were already sent.
	ErrUpstreamFailed = errors.New("upstream model failed")
	// ErrNoStream is returned by Resume and Cancel when the conversation has no stream session.
	ErrNoStream = errors.New("no stream for conversation")
)

// ValidationError rejects a turn before anything is stored or sent upstream.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusCode maps an error returned by the orchestrator to an HTTP status code.
func StatusCode(err error) int {
	var ve *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoStream),
		errors.Is(err, state.ErrConversationNotFound),
		errors.Is(err, models.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamFailed),
		errors.Is(err, retry.ErrExhausted),
		errors.Is(err, retry.ErrTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
