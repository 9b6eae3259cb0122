package tutor

import (
	"context"
	"net/http"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/retry"
)

type chunk struct {
	text string
	err  error
}

// upstream is an open model stream whose first token already arrived.
type upstream struct {
	first  string
	chunks <-chan chunk
	cancel context.CancelFunc
}

var errEmptyStream = &retry.StatusError{Code: http.StatusBadGateway, Body: "model stream ended without tokens"}

// openStream returns an attempt function for retry.Do. Each attempt starts the model stream in its own
// goroutine, bound to parent rather than to the attempt's context, and waits for the first token. The pump
// stops when the stream ends, fails, or parent is cancelled.
func openStream(parent context.Context, llm LLM, messages []models.Message) func(context.Context) (*upstream, error) {
	return func(attemptCtx context.Context) (*upstream, error) {
		streamCtx, cancel := context.WithCancel(parent)
		ch := make(chan chunk)

		go func() {
			defer close(ch)
			for text, err := range llm.Stream(streamCtx, messages) {
				if err == nil && text == "" {
					continue
				}
				select {
				case ch <- chunk{text: text, err: err}:
				case <-streamCtx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		select {
		case c, ok := <-ch:
			switch {
			case !ok && streamCtx.Err() != nil:
				cancel()
				return nil, streamCtx.Err()
			case !ok:
				cancel()
				return nil, errEmptyStream
			case c.err != nil:
				cancel()
				return nil, c.err
			}
			return &upstream{first: c.text, chunks: ch, cancel: cancel}, nil
		case <-attemptCtx.Done():
			cancel()
			return nil, attemptCtx.Err()
		}
	}
}
