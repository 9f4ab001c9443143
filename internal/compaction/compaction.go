// Package compaction shrinks conversation histories that approach a
// model's context limit by summarizing older messages and keeping the
// most recent ones verbatim.
package compaction

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// compactThreshold triggers compaction when estimated tokens reach this
// fraction of the limit.
const compactThreshold = 0.78

// keepRecent messages survive compaction verbatim.
const keepRecent = 4

// EstimateTokens is a deliberately crude per-message estimate: one token
// per four characters plus framing overhead, never less than one.
func EstimateTokens(m Message) int {
	n := len(m.Content) / 4
	if n < 1 {
		n = 1
	}
	return n + 4
}

// EstimateTotal sums per-message estimates.
func EstimateTotal(history []Message) int {
	total := 0
	for _, m := range history {
		total += EstimateTokens(m)
	}
	return total
}

// NeedsCompaction reports whether history has crossed the threshold for
// the given context limit.
func NeedsCompaction(history []Message, limit int) bool {
	if limit <= 0 {
		return false
	}
	return float64(EstimateTotal(history))/float64(limit) >= compactThreshold
}

// Summarizer condenses a transcript into a short summary. Implemented by
// the Anthropic adapter; tests use a fake.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Compactor applies the keep-recent-summarize-rest strategy.
type Compactor struct {
	summarizer Summarizer
	logger     *log.Logger
}

func New(summarizer Summarizer) *Compactor {
	return &Compactor{
		summarizer: summarizer,
		logger:     log.New(log.Writer(), "[COMPACT] ", log.LstdFlags),
	}
}

// Compact summarizes everything except the last messages and returns the
// new history: one system summary message followed by the verbatim tail.
// Histories at or under the keep count are returned unchanged.
func (c *Compactor) Compact(ctx context.Context, history []Message) ([]Message, error) {
	if len(history) <= keepRecent {
		return history, nil
	}

	head := history[:len(history)-keepRecent]
	tail := history[len(history)-keepRecent:]

	var b strings.Builder
	for _, m := range head {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	summary, err := c.summarizer.Summarize(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}

	before := EstimateTotal(history)
	out := make([]Message, 0, keepRecent+1)
	out = append(out, Message{
		Role:    "system",
		Content: "Summary of earlier conversation:\n" + summary,
	})
	out = append(out, tail...)

	c.logger.Printf("📦 Compacted %d messages: ~%d -> ~%d tokens", len(history), before, EstimateTotal(out))
	return out, nil
}

// CompactIfNeeded runs Compact only when the threshold is crossed.
func (c *Compactor) CompactIfNeeded(ctx context.Context, history []Message, limit int) ([]Message, bool, error) {
	if !NeedsCompaction(history, limit) {
		return history, false, nil
	}
	out, err := c.Compact(ctx, history)
	if err != nil {
		return history, false, err
	}
	return out, true, nil
}
