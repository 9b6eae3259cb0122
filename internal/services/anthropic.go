package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/studylock/internal/models"
	"github.com/MegaGrindStone/studylock/internal/retry"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// Anthropic provides an interface to the Anthropic messages API.
type Anthropic struct {
	apiKey   string
	model    string
	endpoint string
	params   LLMParameters

	client *http.Client

	logger *zap.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint    = "https://api.anthropic.com/v1"
	anthropicDefaultTokens  = 1024
	anthropicOverloadedCode = 529
)

// NewAnthropic creates a new Anthropic instance. An empty endpoint uses the official API.
func NewAnthropic(apiKey, endpoint, model string, params LLMParameters, logger *zap.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = anthropicDefaultTokens
	}

	return Anthropic{
		apiKey:   apiKey,
		model:    model,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		params:   params,
		client:   &http.Client{},
		logger:   logger.Named("anthropic"),
	}
}

// anthropicMessages moves every system entry, in order, into the system field and merges consecutive
// messages of the same role, since the API requires alternating roles.
func anthropicMessages(messages []models.Message) (string, []anthropicMessage) {
	var (
		system []string
		msgs   []anthropicMessage
	)
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == string(msg.Role) {
			msgs[n-1].Content += "\n\n" + msg.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return strings.Join(system, "\n\n"), msgs
}

// Complete returns the full response for the given messages.
func (a Anthropic) Complete(ctx context.Context, messages []models.Message) (models.Completion, error) {
	resp, err := a.doRequest(ctx, messages, false)
	if err != nil {
		return models.Completion{}, err
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.Completion{}, fmt.Errorf("error decoding response: %w", err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return models.Completion{}, errEmptyResponse("anthropic")
	}

	return models.Completion{
		Text:       sb.String(),
		TokensUsed: res.Usage.InputTokens + res.Usage.OutputTokens,
		UpstreamID: res.ID,
	}, nil
}

// Stream yields the text deltas of the response as they arrive.
func (a Anthropic) Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := a.doRequest(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				err := fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
				if e.Error.Type == "overloaded_error" {
					err = &retry.StatusError{Code: anthropicOverloadedCode, Body: e.Error.Message}
				}
				yield("", err)
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

func (a Anthropic) doRequest(ctx context.Context, messages []models.Message, stream bool) (*http.Response, error) {
	system, msgs := anthropicMessages(messages)

	reqBody := anthropicChatRequest{
		Model:         a.model,
		Messages:      msgs,
		System:        system,
		MaxTokens:     a.params.MaxTokens,
		Temperature:   a.params.Temperature,
		TopP:          a.params.TopP,
		StopSequences: a.params.Stop,
		Stream:        stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	a.logger.Debug("Messages request",
		zap.String("model", a.model),
		zap.Int("messages", len(msgs)),
		zap.Bool("stream", stream))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return resp, nil
}
