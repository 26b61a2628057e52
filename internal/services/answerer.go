package services

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/aihub/rag-go/internal/errors"
)

// ChatCompleter 基于检索上下文生成回答
type ChatCompleter interface {
	Complete(ctx context.Context, question string, contexts []string) (string, error)
	Ready() bool
}

// ChatOptions 对话模型配置
type ChatOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// OpenAIChat go-openai实现
type OpenAIChat struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewOpenAIChat(opts ChatOptions) ChatCompleter {
	if opts.APIKey == "" {
		return &NoopChat{}
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &OpenAIChat{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}
}

const answerSystemPrompt = "You are a knowledge base assistant. Answer the question using only the provided context. If the context does not contain the answer, say you do not know."

// composeAnswerPrompt 把检索到的分块拼装为用户消息
func composeAnswerPrompt(question string, contexts []string) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, text := range contexts {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, text)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

func (c *OpenAIChat) Complete(ctx context.Context, question string, contexts []string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: answerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: composeAnswerPrompt(question, contexts)},
		},
	})
	if err != nil {
		return "", apperrors.NewProviderError(apperrors.ErrCodeChatProvider, "chat completion failed").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.NewProviderError(apperrors.ErrCodeChatProvider, "chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIChat) Ready() bool {
	return c.client != nil
}

// NoopChat 未配置对话模型时的占位实现
type NoopChat struct{}

func (NoopChat) Complete(ctx context.Context, question string, contexts []string) (string, error) {
	return "", apperrors.NewConfigurationError("chat provider is not configured")
}

func (NoopChat) Ready() bool {
	return false
}
