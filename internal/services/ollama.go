package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/retry"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// Ollama talks to an Ollama server.
type Ollama struct {
	host   string
	model  string
	params LLMParameters

	client *api.Client

	logger *zap.Logger
}

// NewOllama creates a new Ollama instance. The host parameter should be a valid URL pointing to an Ollama
// server.
func NewOllama(host, model string, params LLMParameters, logger *zap.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:   host,
		model:  model,
		params: params,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.Named("ollama"),
	}, nil
}

func (o Ollama) chatRequest(messages []models.Message, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		opts["num_predict"] = o.params.MaxTokens
	}
	if len(o.params.Stop) > 0 {
		opts["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}

	return &api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &stream,
		Options:  opts,
	}
}

// Complete returns the full response for the given messages.
func (o Ollama) Complete(ctx context.Context, messages []models.Message) (models.Completion, error) {
	var (
		sb     strings.Builder
		tokens int
	)

	err := o.client.Chat(ctx, o.chatRequest(messages, false), func(res api.ChatResponse) error {
		sb.WriteString(res.Message.Content)
		if res.Done {
			tokens = res.PromptEvalCount + res.EvalCount
		}
		return nil
	})
	if err != nil {
		return models.Completion{}, fmt.Errorf("error sending request: %w", ollamaError(err))
	}

	if sb.Len() == 0 {
		return models.Completion{}, errEmptyResponse("ollama")
	}

	return models.Completion{
		Text:       sb.String(),
		TokensUsed: tokens,
	}, nil
}

// Stream yields the response tokens as they arrive. The final, empty chunk Ollama sends is skipped.
func (o Ollama) Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := o.client.Chat(ctx, o.chatRequest(messages, true), func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if err == nil || stopped || errors.Is(err, context.Canceled) {
			return
		}
		o.logger.Debug("Stream failed", zap.String("host", o.host), zap.Error(err))
		yield("", fmt.Errorf("error sending request: %w", ollamaError(err)))
	}
}

func ollamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return &retry.StatusError{Code: se.StatusCode, Body: se.ErrorMessage}
	}
	return err
}
