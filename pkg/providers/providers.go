package providers

import "context"

// Message is one chat message in provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// UsageInfo reports provider-side token accounting when available.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is a completed chat turn from the provider.
type LLMResponse struct {
	Content      string
	FinishReason string
	Usage        *UsageInfo
}

// Completer produces one assistant reply for a message sequence.
type Completer interface {
	Complete(ctx context.Context, messages []Message, options map[string]any) (*LLMResponse, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, messages []Message, options map[string]any) (*LLMResponse, error)

func (f CompleterFunc) Complete(ctx context.Context, messages []Message, options map[string]any) (*LLMResponse, error) {
	return f(ctx, messages, options)
}
