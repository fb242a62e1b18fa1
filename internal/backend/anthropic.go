package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

type anthropicMessages interface {
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// AnthropicBackend streams completions from the Anthropic Messages API.
type AnthropicBackend struct {
	cfg  Config
	msgs anthropicMessages
}

// NewAnthropicBackend creates a backend from cfg. The API key falls back to
// ANTHROPIC_API_KEY.
func NewAnthropicBackend(cfg Config) (*AnthropicBackend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the scheduler's backoff controller
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicBackend{cfg: cfg, msgs: &client.Messages}, nil
}

// Name returns the provider ID.
func (b *AnthropicBackend) Name() string {
	return b.cfg.Name
}

// Execute streams one completion.
func (b *AnthropicBackend) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	params := b.buildParams(req)

	return stream(ctx, b.cfg, func(emit func(string) error) (*Completion, error) {
		s := b.msgs.NewStreaming(ctx, params)
		defer s.Close()

		var final anthropic.Message
		for s.Next() {
			event := s.Current()
			if err := final.Accumulate(event); err != nil {
				return nil, fmt.Errorf("accumulate stream: %w", err)
			}

			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text := ev.Delta.AsTextDelta().Text; text != "" {
					if err := emit(text); err != nil {
						return nil, err
					}
				}
			}
		}
		if err := s.Err(); err != nil {
			return nil, err
		}

		var content strings.Builder
		for _, block := range final.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		return &Completion{
			Content:      content.String(),
			InputTokens:  int(final.Usage.InputTokens),
			OutputTokens: int(final.Usage.OutputTokens),
		}, nil
	}), nil
}

// Close is a no-op; the HTTP client needs no teardown.
func (b *AnthropicBackend) Close() error {
	return nil
}

func (b *AnthropicBackend) buildParams(req Request) anthropic.MessageNewParams {
	model := b.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	system := joinSystem(b.cfg.SystemPrompt, req.System)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func joinSystem(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
