package enrich

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/resilience"
	"github.com/sells-group/community-pulse/pkg/anthropic"
	"github.com/sells-group/community-pulse/pkg/chat"
)

// Prompt is one provider-neutral completion request.
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Completion is the free-text answer to a Prompt.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Completer sends prompts to a language model.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// NewCompleter builds the Completer for the configured provider.
func NewCompleter(cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case "chat":
		if cfg.Chat.Key == "" {
			return nil, eris.Wrap(config.ErrMissingConfig, "enrich: llm.chat.key")
		}
		var opts []chat.Option
		if cfg.Chat.BaseURL != "" {
			opts = append(opts, chat.WithBaseURL(cfg.Chat.BaseURL))
		}
		if cfg.Chat.Model != "" {
			opts = append(opts, chat.WithModel(cfg.Chat.Model))
		}
		return NewChatCompleter(chat.NewClient(cfg.Chat.Key, opts...), cfg.Chat.Model), nil
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.Wrap(config.ErrMissingConfig, "enrich: llm.anthropic.key")
		}
		return NewAnthropicCompleter(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model), nil
	default:
		return nil, eris.Errorf("enrich: unknown llm provider %q", cfg.Provider)
	}
}

type chatCompleter struct {
	client chat.Client
	model  string
}

// NewChatCompleter adapts an OpenAI-compatible client. An empty model uses
// the client's default.
func NewChatCompleter(c chat.Client, model string) Completer {
	return &chatCompleter{client: c, model: model}
}

func (c *chatCompleter) Complete(ctx context.Context, p Prompt) (Completion, error) {
	var msgs []chat.Message
	if p.System != "" {
		msgs = append(msgs, chat.Message{Role: "system", Content: p.System})
	}
	msgs = append(msgs, chat.Message{Role: "user", Content: p.User})

	req := chat.CompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: &p.Temperature,
	}
	if p.MaxTokens > 0 {
		req.MaxTokens = &p.MaxTokens
	}

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		var se *chat.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			return Completion{}, resilience.NewTransientError(err, se.StatusCode)
		}
		return Completion{}, err
	}

	out := Completion{
		Text:         resp.Text(),
		Model:        resp.Model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	zap.L().Debug("enrich: chat completion",
		zap.String("model", out.Model),
		zap.Int64("input_tokens", out.InputTokens),
		zap.Int64("output_tokens", out.OutputTokens),
	)
	return out, nil
}

type anthropicCompleter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicCompleter adapts the Anthropic Messages client.
func NewAnthropicCompleter(c anthropic.Client, model string) Completer {
	return &anthropicCompleter{client: c, model: model}
}

func (c *anthropicCompleter) Complete(ctx context.Context, p Prompt) (Completion, error) {
	maxTokens := int64(p.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      p.System,
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: &p.Temperature,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return Completion{}, resilience.NewTransientError(err, code)
		}
		return Completion{}, err
	}
	return Completion{
		Text:         resp.Text,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
