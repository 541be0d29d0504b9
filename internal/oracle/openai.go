package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIOracle adapts an OpenAI-compatible chat endpoint to the Oracle
// interface. It works against the official API or any compatible
// server via BaseURL.
type OpenAIOracle struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures the OpenAI oracle adapter.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// NewOpenAI creates an OpenAI-backed oracle.
func NewOpenAI(cfg OpenAIConfig) *OpenAIOracle {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIOracle{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

// GenerateJSON implements Oracle using JSON-object response format.
func (o *OpenAIOracle) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai oracle: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai oracle: empty response")
	}
	return extractJSON(resp.Choices[0].Message.Content)
}
