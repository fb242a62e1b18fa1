package backend

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

type openaiCompletions interface {
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIBackend streams chat completions from an OpenAI-compatible endpoint.
type OpenAIBackend struct {
	cfg         Config
	completions openaiCompletions
}

// NewOpenAIBackend creates a backend from cfg. The API key falls back to
// OPENAI_API_KEY.
func NewOpenAIBackend(cfg Config) (*OpenAIBackend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)
	return &OpenAIBackend{cfg: cfg, completions: &client.Chat.Completions}, nil
}

// Name returns the provider ID.
func (b *OpenAIBackend) Name() string {
	return b.cfg.Name
}

// Execute streams one chat completion with usage reporting enabled.
func (b *OpenAIBackend) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	params := b.buildParams(req)

	return stream(ctx, b.cfg, func(emit func(string) error) (*Completion, error) {
		s := b.completions.NewStreaming(ctx, params)
		defer s.Close()

		var content strings.Builder
		var done Completion
		for s.Next() {
			chunk := s.Current()
			if chunk.Usage.TotalTokens > 0 {
				done.InputTokens = int(chunk.Usage.PromptTokens)
				done.OutputTokens = int(chunk.Usage.CompletionTokens)
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				content.WriteString(choice.Delta.Content)
				if err := emit(choice.Delta.Content); err != nil {
					return nil, err
				}
			}
		}
		if err := s.Err(); err != nil {
			return nil, err
		}

		done.Content = content.String()
		return &done, nil
	}), nil
}

// Close is a no-op; the HTTP client needs no teardown.
func (b *OpenAIBackend) Close() error {
	return nil
}

func (b *OpenAIBackend) buildParams(req Request) openai.ChatCompletionNewParams {
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

	var messages []openai.ChatCompletionMessageParamUnion
	if system := joinSystem(b.cfg.SystemPrompt, req.System); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	return openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Messages:            messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
}
