package main

import (
	"fmt"
	"os"
	"time"

	"github.com/MegaGrindStone/studylock/internal/logging"
	"github.com/MegaGrindStone/studylock/internal/retry"
	"github.com/MegaGrindStone/studylock/internal/services"
	"github.com/MegaGrindStone/studylock/internal/tutor"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(logger *zap.Logger) (tutor.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type chunkerConfig struct {
	ChunkSize int `yaml:"chunkSize"`
	MaxTotal  int `yaml:"maxTotal"`
}

type storeConfig struct {
	Path string `yaml:"path"`
}

type documentsConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
	MaxBytes int64         `yaml:"maxBytes"`
}

type config struct {
	Port      string          `yaml:"port"`
	Logging   logging.Config  `yaml:"logging"`
	LLM       llmConfig       `yaml:"llm"`
	Tutor     tutor.Config    `yaml:"tutor"`
	Retry     retry.Config    `yaml:"retry"`
	Chunker   chunkerConfig   `yaml:"chunker"`
	Store     storeConfig     `yaml:"store"`
	Documents documentsConfig `yaml:"documents"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

const defaultPort = "8080"

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	rawConfig := struct {
		Port      string          `yaml:"port"`
		Logging   logging.Config  `yaml:"logging"`
		LLM       map[string]any  `yaml:"llm"`
		Tutor     tutor.Config    `yaml:"tutor"`
		Retry     retry.Config    `yaml:"retry"`
		Chunker   chunkerConfig   `yaml:"chunker"`
		Store     storeConfig     `yaml:"store"`
		Documents documentsConfig `yaml:"documents"`
	}{
		Port:    defaultPort,
		Logging: logging.DefaultConfig(),
		Retry:   retry.DefaultConfig(),
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.Logging = rawConfig.Logging
	c.LLM = llm
	c.Tutor = rawConfig.Tutor
	c.Retry = rawConfig.Retry
	c.Chunker = rawConfig.Chunker
	c.Store = rawConfig.Store
	c.Documents = rawConfig.Documents

	return nil
}

func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	var cfg config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	return cfg, nil
}

func envOr(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

func (o openAIConfig) llm(logger *zap.Logger) (tutor.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := envOr(o.APIKey, "OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(logger *zap.Logger) (tutor.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	host := envOr(o.Host, "OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, o.Parameters, logger)
}

func (a anthropicConfig) llm(logger *zap.Logger) (tutor.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := envOr(a.APIKey, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, a.Parameters, logger), nil
}

func (o openRouterConfig) llm(logger *zap.Logger) (tutor.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := envOr(o.APIKey, "OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key is required")
	}
	return services.NewOpenRouter(apiKey, o.Endpoint, o.Model, o.Parameters, logger), nil
}
