package capability

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/providers"
)

// ChatAdapter generates a conversational reply through the LLM provider,
// conditioned on the user's relationship record and recent memory.
type ChatAdapter struct {
	provider  providers.LLMProvider
	model     string
	maxTokens int
}

func NewChatAdapter(provider providers.LLMProvider, model string, maxTokens int) *ChatAdapter {
	return &ChatAdapter{provider: provider, model: model, maxTokens: maxTokens}
}

func (a *ChatAdapter) Name() string { return "chat" }

func (a *ChatAdapter) Execute(ctx context.Context, task bus.Task, ec Context) *Result {
	if strings.TrimSpace(task.Description) == "" {
		return FailureResult(FailureInput, "chat task requires a message")
	}
	if a.provider == nil {
		return FailureResult(FailureUnavailable, "no LLM provider configured")
	}

	messages := make([]providers.Message, 0, len(ec.Recent)+2)
	messages = append(messages, providers.Message{
		Role:    "system",
		Content: systemPrompt(ec.User),
	})
	for _, entry := range ec.Recent {
		role := entry.Role
		if role != memory.RoleAssistant {
			role = memory.RoleUser
		}
		messages = append(messages, providers.Message{Role: role, Content: entry.Content})
	}
	messages = append(messages, providers.Message{Role: "user", Content: task.Description})

	reply, err := a.provider.Chat(ctx, messages, providers.Options{
		Model:     a.model,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return chatFailure(ctx, err)
	}

	content := strings.TrimSpace(reply.Content)
	if content == "" {
		content = "..."
	}
	return SuccessResult(content)
}

func chatFailure(ctx context.Context, err error) *Result {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return TimeoutResult("chat reply exceeded its deadline")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return FailureResult(FailureUnavailable, fmt.Sprintf("LLM provider unreachable: %v", err))
	}
	return FailureResult(FailureInternal, fmt.Sprintf("chat reply failed: %v", err))
}

func systemPrompt(user memory.User) string {
	var b strings.Builder
	b.WriteString("You are Companion, a personal AI assistant. Reply in the user's language, brief and direct.\n\n")
	b.WriteString("User profile:\n")
	fmt.Fprintf(&b, "- Identity: %s\n", user.ID)
	fmt.Fprintf(&b, "- Relationship score: %d/100\n", user.Score)
	fmt.Fprintf(&b, "- Relationship type: %s\n", user.EffectiveType())
	if strings.TrimSpace(user.Notes) != "" {
		fmt.Fprintf(&b, "- Notes: %s\n", user.Notes)
	}
	b.WriteString("\nAdjust tone to the relationship: formal with strangers, familiar with friends and trusted users.")
	return b.String()
}
