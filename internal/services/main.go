// Package services contains the adapters to the tutor's external collaborators: the model providers, the
// bbolt store and the document cache.
package services

import (
	"fmt"
	"net/http"

	"github.com/MegaGrindStone/studylock/internal/retry"
)

// LLMParameters are the optional sampling parameters shared by the providers. Nil fields use the
// provider's default.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   int      `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

// errEmptyResponse marks a response without any text. It is reported as a bad gateway so the retry policy
// tries again.
func errEmptyResponse(provider string) error {
	return &retry.StatusError{Code: http.StatusBadGateway, Body: fmt.Sprintf("%s returned an empty response", provider)}
}
