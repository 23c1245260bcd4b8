package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/stupiduntilnot/promptrelay/internal/conversation"
	"github.com/stupiduntilnot/promptrelay/internal/model"
)

// EmptyResponse replaces a completion without usable content.
const EmptyResponse = "(empty model response)"

// DefaultModel matches the encoding the default tokenizer resolves.
const DefaultModel = "gpt-3.5-turbo-1106"

// Config configures the chat completions client.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client is a chat completions client backed by the official SDK.
type Client struct {
	completions chatCompletions
	model       string
}

// NewClient creates an OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)

	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = DefaultModel
	}
	return &Client{completions: &client.Chat.Completions, model: name}, nil
}

// Model returns the model name requests are sent with.
func (c *Client) Model() string {
	return c.model
}

// ChatCompletion sends a chat completion request and returns a CompletionResponse.
func (c *Client) ChatCompletion(ctx context.Context, req model.Request) (model.CompletionResponse, error) {
	completion, err := c.completions.New(ctx, c.buildParams(req))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return model.CompletionResponse{}, fmt.Errorf("openai non-success status=%d: %w", apiErr.StatusCode, err)
		}
		return model.CompletionResponse{}, fmt.Errorf("openai request failed: %w", err)
	}

	result := model.CompletionResponse{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	if len(completion.Choices) == 0 {
		result.Content = EmptyResponse
		return result, nil
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		result.Content = EmptyResponse
		return result, nil
	}
	result.Content = content
	return result, nil
}

func (c *Client) buildParams(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSONResponse {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	if user := strings.TrimSpace(req.User); user != "" {
		params.User = openai.String(user)
	}
	return params
}

func convertMessages(msgs []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case conversation.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// StatusCode extracts the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
