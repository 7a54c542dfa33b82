package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI generates summaries through the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summary: openai api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClient(apiKey), model: model}, nil
}

func (o *OpenAI) GenerateCallSummary(ctx context.Context, in CallContext) (string, error) {
	out, err := o.complete(ctx,
		"You are a professional call center analyst who creates concise, actionable call summaries.",
		BuildPrompt(in),
	)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (o *OpenAI) GenerateTransferContext(ctx context.Context, summaryText, reason string, agentSkills []string) (string, error) {
	if reason == "" {
		reason = "Specialized assistance required"
	}
	prompt := fmt.Sprintf(
		"Write one short spoken introduction (2-3 sentences) an agent would say when "+
			"handing a caller to a colleague.\n\nTransfer reason: %s\nReceiving agent skills: %s\n\nCall summary:\n%s",
		reason, strings.Join(agentSkills, ", "), summaryText,
	)
	return o.complete(ctx, "You write brief, natural spoken handoff introductions for call center agents.", prompt)
}

func (o *OpenAI) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   500,
		Temperature: 0.3,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("summary: openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary: openai returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
