// Package responder generates replies for routed conversations.
package responder

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"relaybot/internal/conversation"
	logx "relaybot/pkg/logx"
)

// Request carries the conversation a reply is generated for. History is
// oldest first and already includes the message being answered.
type Request struct {
	ConversationID string
	Counterpart    string
	History        []conversation.Message
	Text           string
}

type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

var ErrNoReply = errors.New("responder produced no reply")

// Static answers every message with the same text.
type Static struct {
	Text string
}

func (s Static) Respond(context.Context, Request) (string, error) {
	if strings.TrimSpace(s.Text) == "" {
		return "", ErrNoReply
	}
	return s.Text, nil
}

type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint. Tests point it at httptest.
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	System      string
	// Fallback is returned when the API call fails. Empty means return the error.
	Fallback string
	Timeout  time.Duration
	// HistoryLimit caps how many past messages are sent as context. Default 20.
	HistoryLimit int
}

type OpenAI struct {
	cfg    OpenAIConfig
	client *openai.Client
	log    logx.Logger
}

func NewOpenAI(cfg OpenAIConfig, log logx.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is empty")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{cfg: cfg, client: openai.NewClientWithConfig(oc), log: log.With(logx.String("comp", "responder.openai"))}, nil
}

func (o *OpenAI) Respond(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    o.messages(req),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: float32(o.cfg.Temperature),
		User:        req.Counterpart,
	})
	if err == nil && (len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "") {
		err = ErrNoReply
	}
	if err != nil {
		o.log.Warn("chat completion failed",
			logx.String("conversation", req.ConversationID),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
		if o.cfg.Fallback != "" {
			return o.cfg.Fallback, nil
		}
		return "", err
	}
	o.log.Debug("chat completion",
		logx.String("conversation", req.ConversationID),
		logx.Int("prompt_tokens", resp.Usage.PromptTokens),
		logx.Int("completion_tokens", resp.Usage.CompletionTokens),
		logx.Duration("took", time.Since(start)),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// messages maps history onto chat roles. Lines from the counterpart are the
// user; everything else was said by the bot.
func (o *OpenAI) messages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, o.cfg.HistoryLimit+2)
	if s := strings.TrimSpace(o.cfg.System); s != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	hist := req.History
	if len(hist) > o.cfg.HistoryLimit {
		hist = hist[len(hist)-o.cfg.HistoryLimit:]
	}
	for _, m := range hist {
		role := openai.ChatMessageRoleAssistant
		if m.Sender == req.Counterpart {
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	if len(hist) == 0 && req.Text != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Text})
	}
	return out
}
