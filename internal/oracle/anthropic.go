package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOracle adapts the Anthropic Messages API to the Oracle
// interface.
type AnthropicOracle struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures the Anthropic oracle adapter.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// NewAnthropic creates an Anthropic-backed oracle.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicOracle, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic oracle: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicOracle{
		client: anthropic.NewClient(options...),
		model:  model,
	}, nil
}

// GenerateJSON implements Oracle. The schema rides in the system
// prompt; Anthropic has no JSON response mode, so the completion is
// trimmed down to its JSON payload.
func (o *AnthropicOracle) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	system := req.System + "\n\nRespond with a single JSON object and nothing else."
	if len(req.Schema) > 0 {
		system += "\nThe JSON must conform to this JSON Schema:\n" + string(req.Schema)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(o.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}

	msg, err := o.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic oracle: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("anthropic oracle: empty response")
	}
	return extractJSON(sb.String())
}
