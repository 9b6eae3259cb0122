package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/retry"
	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAI talks to the OpenAI chat completion API, or any API compatible with it when baseURL is set.
type OpenAI struct {
	model  string
	params LLMParameters

	client *goopenai.Client

	logger *zap.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL uses the official endpoint.
func NewOpenAI(apiKey, baseURL, model string, params LLMParameters, logger *zap.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.Named("openai"),
	}
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

// Complete returns the full response for the given messages.
func (o OpenAI) Complete(ctx context.Context, messages []models.Message) (models.Completion, error) {
	req := o.chatRequest(openAIMessages(messages), false)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return models.Completion{}, fmt.Errorf("error sending request: %w", openAIError(err))
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return models.Completion{}, errEmptyResponse("openai")
	}

	return models.Completion{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		UpstreamID: resp.ID,
	}, nil
}

// Stream yields the response tokens as they arrive. Empty deltas are skipped.
func (o OpenAI) Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(openAIMessages(messages), true)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", openAIError(err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", openAIError(err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			text := response.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		Stream:    stream,
		MaxTokens: o.params.MaxTokens,
		Stop:      o.params.Stop,
		Seed:      o.params.Seed,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}

	o.logger.Debug("Chat request",
		zap.String("model", o.model),
		zap.Int("messages", len(messages)),
		zap.Bool("stream", stream))

	return req
}

// openAIError exposes the HTTP status of a failed request to the retry policy.
func openAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &retry.StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &retry.StatusError{Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}
