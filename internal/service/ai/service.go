package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"xiaorui/internal/config"
	"xiaorui/internal/models"
)

// Options are applied to every completion request.
type Options struct {
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Service sends whole transcripts to a hosted chat model.
type Service struct {
	chatModel model.BaseChatModel
	provider  string
	modelName string
	opts      Options
	logger    *slog.Logger
}

// NewService builds the chat model for the configured completion provider.
// deepseek and openai share the OpenAI-compatible client.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	provider := cfg.Completion.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	opts := Options{
		Temperature: cfg.Completion.Temperature,
		MaxTokens:   cfg.Completion.MaxTokens,
		Timeout:     time.Duration(cfg.Completion.TimeoutSeconds) * time.Second,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	// the per-call context deadline fires first; the client timeout is a backstop
	httpClient := newHTTPClient(opts.Timeout + 5*time.Second)

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "deepseek", "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:    provCfg.BaseURL,
			Model:      provCfg.Model,
			APIKey:     provCfg.APIKey,
			HTTPClient: httpClient,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     provCfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: opts.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return NewServiceWithModel(chatModel, provider, provCfg.Model, opts, logger), nil
}

// NewServiceWithModel wraps an existing chat model.
func NewServiceWithModel(m model.BaseChatModel, provider, modelName string, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Service{
		chatModel: m,
		provider:  provider,
		modelName: modelName,
		opts:      opts,
		logger:    logger.With("component", "completion", "provider", provider),
	}
}

// Complete returns the assistant reply for the full transcript. Every failure
// is an *Error matching ErrUnavailable.
func (s *Service) Complete(ctx context.Context, messages []models.Message) (string, error) {
	return s.generate(ctx, convertMessages(messages), s.opts.Temperature, s.opts.MaxTokens)
}

func (s *Service) generate(ctx context.Context, input []*schema.Message, temperature float32, maxTokens int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	callCtx, x := withExchange(callCtx)

	start := time.Now()
	resp, err := s.chatModel.Generate(callCtx, input,
		model.WithTemperature(temperature),
		model.WithMaxTokens(maxTokens),
	)
	elapsed := time.Since(start)
	if err != nil {
		cerr := classify(callCtx, x, err)
		s.logger.Warn("completion failed", "kind", cerr.Kind, "status", cerr.Status, "duration_ms", elapsed.Milliseconds(), "error", err)
		return "", cerr
	}
	if resp == nil {
		return "", &Error{Kind: KindMalformed, Err: errors.New("nil response")}
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		s.logger.Warn("completion returned no content", "duration_ms", elapsed.Milliseconds())
		return "", &Error{Kind: KindMalformed, Err: errors.New("empty content")}
	}
	s.logger.Debug("completion ok", "messages", len(input), "duration_ms", elapsed.Milliseconds())
	return content, nil
}

func classify(ctx context.Context, x *exchange, err error) *Error {
	status, transportErr := x.snapshot()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case transportErr != nil:
		return &Error{Kind: KindStatus, Err: err}
	case status >= 200 && status < 300:
		// the server answered 2xx but the body could not be used
		return &Error{Kind: KindMalformed, Status: status, Err: err}
	default:
		return &Error{Kind: KindStatus, Status: status, Err: err}
	}
}

func convertMessages(history []models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}

// Provider returns the provider name.
func (s *Service) Provider() string {
	return s.provider
}

// Model returns the model name.
func (s *Service) Model() string {
	return s.modelName
}
