package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
)

const classifierSystemPrompt = "You route chat requests to one downstream agent. " +
	"Reply with exactly one agent id from the provided list and nothing else."

// ModelClassifier selects an agent with one Anthropic Messages call, feeding
// the discovered agent cards as decision context. Any model failure or
// unparseable answer surfaces as an error; the router degrades from there.
type ModelClassifier struct {
	Client    anthropic.Client
	Model     string
	MaxTokens int64
}

func NewModelClassifier(apiKey, model string) *ModelClassifier {
	client := anthropic.NewClient()
	if apiKey != "" {
		client = anthropic.NewClient(option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = string(anthropic.ModelClaudeHaiku4_5)
	}
	return &ModelClassifier{Client: client, Model: model, MaxTokens: 32}
}

func (c *ModelClassifier) Classify(ctx context.Context, text string, cards map[string]models.AgentCard) (string, error) {
	if len(cards) == 0 {
		return "", fmt.Errorf("no agent cards to classify against")
	}
	prompt := buildClassifierPrompt(text, cards)
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 32
	}
	msg, err := c.Client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.Model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: classifierSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classifier model call: %w", err)
	}
	var answer string
	for _, block := range msg.Content {
		if block.Type == "text" {
			answer += block.Text
		}
	}
	return ParseAgentID(answer, cards)
}

func buildClassifierPrompt(text string, cards map[string]models.AgentCard) string {
	ids := make([]string, 0, len(cards))
	for id := range cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("Agents:\n")
	for _, id := range ids {
		card := cards[id]
		fmt.Fprintf(&b, "- %s: %s", id, card.Description)
		if len(card.Capabilities) > 0 {
			fmt.Fprintf(&b, " (capabilities: %s)", strings.Join(card.Capabilities, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nRequest: ")
	b.WriteString(text)
	b.WriteString("\n\nAgent id:")
	return b.String()
}

// ParseAgentID extracts a known agent id from a model answer. Strict on
// purpose: anything that is not exactly one known id is an error.
func ParseAgentID(answer string, cards map[string]models.AgentCard) (string, error) {
	candidate := strings.TrimSpace(answer)
	candidate = strings.Trim(candidate, "\"'`.")
	if _, ok := cards[candidate]; ok {
		return candidate, nil
	}
	// Tolerate a one-line justification around the id, nothing more.
	for _, field := range strings.Fields(candidate) {
		field = strings.Trim(field, "\"'`.,:")
		if _, ok := cards[field]; ok {
			return field, nil
		}
	}
	return "", fmt.Errorf("unrecognized classifier answer %q", answer)
}
