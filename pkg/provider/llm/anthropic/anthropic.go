// Package anthropic provides an LLM provider backed by the Anthropic
// Messages API, built the same way pkg/provider/llm/openai wraps the
// OpenAI SDK: a thin functional-options constructor and a direct
// translation between llm.CompletionRequest/Response and the vendor SDK's
// own request/response shapes.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/opendictate/transvox/pkg/provider/llm"
	"github.com/opendictate/transvox/pkg/types"
)

const defaultMaxTokens = 4096

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL   string
	timeout   time.Duration
	maxTokens int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxTokens sets the default max-output-tokens used when a
// CompletionRequest does not specify one. Anthropic requires a max_tokens
// value on every request, unlike OpenAI's optional cap.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

// New constructs a new Anthropic LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{maxTokens: defaultMaxTokens}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	client := anthropic.NewClient(reqOpts...)
	return &Provider{client: client, model: model, maxTokens: cfg.maxTokens}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var toolCallAccum map[string]*types.ToolCall
		var currentToolID string

		for stream.Next() {
			event := stream.Current()

			out := llm.Chunk{}
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					if toolCallAccum == nil {
						toolCallAccum = map[string]*types.ToolCall{}
					}
					currentToolID = block.ID
					toolCallAccum[currentToolID] = &types.ToolCall{ID: block.ID, Name: block.Name}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out.Text = delta.Text
				case anthropic.InputJSONDelta:
					if currentToolID != "" {
						if tc, ok := toolCallAccum[currentToolID]; ok {
							tc.Arguments += delta.PartialJSON
						}
					}
				}

			case anthropic.MessageStopEvent:
				out.FinishReason = "stop"
				for _, tc := range toolCallAccum {
					out.ToolCalls = append(out.ToolCalls, *tc)
				}
			}

			if out.Text == "" && out.FinishReason == "" && len(out.ToolCalls) == 0 {
				continue
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create message: %w", err)
	}

	result := &llm.CompletionResponse{
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	result.Content = text.String()

	return result, nil
}

// CountTokens implements llm.Provider.
// It returns a local estimate (about four characters per token plus four
// tokens per message) and does not call Anthropic's token-counting endpoint.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for known Claude model names.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		SupportsVision:      true,
		ContextWindow:       200_000,
		MaxOutputTokens:     8_192,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude-3-opus"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-3-haiku"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-opus-4"), strings.Contains(lower, "claude-sonnet-4"):
		caps.MaxOutputTokens = 64_000
	}
	return caps
}

// buildParams converts a CompletionRequest into Anthropic SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		messages = append(messages, msg)
	}

	maxTokens := int64(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: td.Parameters},
			},
		})
	}

	return params, nil
}

// convertMessage converts a types.Message to an Anthropic SDK message param.
// Anthropic has no dedicated "system" role on Message; a system-role entry
// reaching here (rather than through req.SystemPrompt) is folded into a
// user turn so no content is silently dropped.
func convertMessage(m types.Message) (anthropic.MessageParam, error) {
	switch m.Role {
	case "user", "system":
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)), nil

	case "assistant":
		blocks := []anthropic.ContentBlockParamUnion{}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...), nil

	case "tool":
		return anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)), nil

	default:
		return anthropic.MessageParam{}, fmt.Errorf("anthropic: unknown message role %q", m.Role)
	}
}
