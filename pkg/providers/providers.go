package providers

import "context"

// Message is one prompt message in provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the provider's completion.
type Reply struct {
	Content      string
	FinishReason string
}

// Options tunes one chat call.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// LLMProvider generates conversational replies. Implementations must honor
// the context deadline.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, opts Options) (*Reply, error)
	GetDefaultModel() string
}
