package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/RichardoC/Pad-i/internal/models"
)

const titleSystemPrompt = "Generate a concise title (6 words max) for a chat that starts with the following message. " +
	"Return only the title, no quotes or punctuation."

const maxTitleWords = 6

var (
	ErrNoMessages = errors.New("conversation has no messages")
	ErrEmptyTitle = errors.New("model returned an empty title")
)

type Service struct {
	llm           llms.Model
	titleModel    string
	streamTimeout time.Duration
	titleTimeout  time.Duration
	logger        *zap.Logger
}

type Options struct {
	BaseURL       string
	Token         string
	DefaultModel  string
	TitleModel    string
	StreamTimeout time.Duration
	TitleTimeout  time.Duration
}

func New(opts Options, logger *zap.Logger) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(opts.Token),
		openai.WithBaseURL(opts.BaseURL),
		openai.WithModel(opts.DefaultModel),
	)
	if err != nil {
		return nil, err
	}
	return NewWithModel(llm, opts, logger), nil
}

// NewWithModel wraps an already constructed langchaingo model.
func NewWithModel(llm llms.Model, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 30 * time.Second
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = 15 * time.Second
	}
	return &Service{
		llm:           llm,
		titleModel:    opts.TitleModel,
		streamTimeout: opts.StreamTimeout,
		titleTimeout:  opts.TitleTimeout,
		logger:        logger,
	}
}

// Send streams the assistant reply to conv. The channel always ends with a
// done or an error event and is then closed.
func (s *Service) Send(ctx context.Context, conv models.Conversation) (<-chan models.StreamEvent, error) {
	history := toMessageContent(conv.Messages)
	if len(history) == 0 {
		return nil, ErrNoMessages
	}

	events := make(chan models.StreamEvent, 16)
	go func() {
		defer close(events)

		parent := ctx
		ctx, cancel := context.WithTimeout(parent, s.streamTimeout)
		defer cancel()

		emit := func(ev models.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		streamed := false
		opts := []llms.CallOption{
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				streamed = true
				if !emit(models.StreamEvent{Type: models.EventTextDelta, Delta: string(chunk)}) {
					return ctx.Err()
				}
				return nil
			}),
		}
		if conv.Model != "" {
			opts = append(opts, llms.WithModel(conv.Model))
		}

		resp, err := s.llm.GenerateContent(ctx, history, opts...)
		if err != nil {
			s.logger.Error("Failed to generate completion",
				zap.Error(err),
				zap.String("threadID", conv.ThreadID),
				zap.String("model", conv.Model))
			// The stream timeout may be what failed, so report on the caller's context.
			select {
			case events <- models.StreamEvent{Type: models.EventError, Error: err.Error()}:
			case <-parent.Done():
			}
			return
		}

		// Some backends ignore the streaming callback and only return the
		// final completion.
		if !streamed && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
			if !emit(models.StreamEvent{Type: models.EventTextDelta, Delta: resp.Choices[0].Content}) {
				return
			}
		}
		emit(models.StreamEvent{Type: models.EventDone})
	}()

	return events, nil
}

// GenerateTitle asks the title model for a short title seeded by prompt.
func (s *Service) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.titleTimeout)
	defer cancel()

	opts := []llms.CallOption{llms.WithMaxTokens(20)}
	if s.titleModel != "" {
		opts = append(opts, llms.WithModel(s.titleModel))
	}

	resp, err := s.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, titleSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyTitle
	}

	title := CleanTitle(resp.Choices[0].Content)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// CleanTitle strips quotes and trailing punctuation and keeps at most six words.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'`“”‘’")
	title = strings.TrimRight(title, ".!?:;,")
	words := strings.Fields(title)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " ")
}

func toMessageContent(msgs []models.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		var role llms.ChatMessageType
		switch m.Role {
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, text))
	}
	return out
}
