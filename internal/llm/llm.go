// Package llm renders user-facing replies with a chat-completions model.
// The model only phrases text: it never parses intents, never picks tools,
// and every call is time-bounded with a deterministic fallback, so the
// conversational surface keeps working with no API key at all.
package llm

import (
	"context"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/intent"
)

// ChatClient is the slice of the go-openai client the generator needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Generator phrases assistant replies.
type Generator struct {
	cfg    config.LLMConfig
	chat   ChatClient
	logger *log.Logger
}

const systemPrompt = "You are the assistant of a private payment service. " +
	"Reply in one or two short sentences, plain language, no markdown. " +
	"Never invent balances, amounts or transaction results; only restate what you are given."

// NewGenerator builds a generator. With no API key it stays in fallback mode.
func NewGenerator(cfg config.LLMConfig) *Generator {
	g := &Generator{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
	if cfg.Enabled() {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		g.chat = openai.NewClientWithConfig(oc)
	}
	return g
}

// NewGeneratorWithClient injects a chat client, for tests.
func NewGeneratorWithClient(cfg config.LLMConfig, chat ChatClient) *Generator {
	return &Generator{cfg: cfg, chat: chat, logger: log.New(log.Writer(), "[LLM] ", log.LstdFlags)}
}

// Enabled reports whether a model is wired up.
func (g *Generator) Enabled() bool { return g.chat != nil }

// Reply phrases a response to the user for a parsed intent and a factual
// outcome line. Model failures degrade to the outcome itself.
func (g *Generator) Reply(ctx context.Context, in *intent.Intent, outcome string) string {
	fallback := outcome
	if fallback == "" {
		fallback = fallbackFor(in)
	}
	if g.chat == nil {
		return fallback
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	user := fmt.Sprintf("The user asked: %q. Parsed action: %s. Outcome: %s. Phrase a reply.",
		in.RawText, in.Action, fallback)
	resp, err := g.chat.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   120,
		Temperature: 0.3,
	})
	if err != nil {
		g.logger.Printf("completion failed, using fallback: %v", err)
		return fallback
	}
	if len(resp.Choices) == 0 {
		return fallback
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return fallback
	}
	return text
}

// fallbackFor is the deterministic phrasing used when no model is available.
func fallbackFor(in *intent.Intent) string {
	switch in.Action {
	case intent.ActionCheckBalance:
		return "I can check that balance for you."
	case intent.ActionQuery:
		return "I can help with payments, cards and balances. What would you like to do?"
	case intent.ActionUnknown:
		return "I did not catch that. You can ask me to fund a card, send money, or check a balance."
	default:
		return fmt.Sprintf("Working on your %s request.", strings.ReplaceAll(string(in.Action), "_", " "))
	}
}
