package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"
	openai "github.com/sashabaranov/go-openai"
)

// Completer sends one system/user exchange and returns the raw JSON reply.
type Completer interface {
	Complete(ctx context.Context, req Completion) (string, error)
}

// Completion is a single structured-output request.
type Completion struct {
	System      string
	User        string
	Temperature float64
	SchemaName  string
	Schema      *jsonschema.Schema
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api        *openai.Client
	model      string
	jsonSchema bool
}

// New creates a new LLM client. When jsonSchema is false the client asks
// for a plain JSON object instead of schema-constrained output, for servers
// that do not support response schemas.
func New(baseURL, apiKey, modelName string, jsonSchema bool) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:        openai.NewClientWithConfig(config),
		model:      modelName,
		jsonSchema: jsonSchema,
	}
}

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, req Completion) (string, error) {
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	if c.jsonSchema && req.Schema != nil {
		format = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: req.Schema,
				Strict: true,
			},
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		ResponseFormat: format,
		Temperature:    float32(req.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "schema", req.SchemaName, "raw", raw)
	return raw, nil
}

// decode parses raw into v, wrapping failures with the raw reply.
func decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	return nil
}
