package compaction

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	summaryModel     = "claude-3-5-haiku-latest"
	summaryMaxTokens = 1024
	summaryTemp      = 0.3

	summarySystemPrompt = "You summarize tool-use conversations. Produce a concise summary " +
		"preserving decisions made, tool calls issued and their outcomes, and any " +
		"unresolved questions. Plain text only."
)

// AnthropicSummarizer condenses transcripts with the Messages API.
type AnthropicSummarizer struct {
	client sdk.Client
	model  string
}

// NewAnthropicSummarizer builds a summarizer. model may be empty to use
// the default.
func NewAnthropicSummarizer(apiKey, model string) *AnthropicSummarizer {
	if model == "" {
		model = summaryModel
	}
	return &AnthropicSummarizer{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (a *AnthropicSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: summaryMaxTokens,
		System: []sdk.TextBlockParam{
			{Text: summarySystemPrompt},
		},
		Temperature: sdk.Float(summaryTemp),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(transcript)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic summarize: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			b.WriteString(block.Text)
		}
	}
	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", fmt.Errorf("anthropic summarize: empty response")
	}
	return summary, nil
}
