// Package llm abstracts the language-model backends agents reason with.
//
// Provider is the contract: Complete for free-form text, CompleteStructured
// for schema-constrained JSON. HTTPProvider talks to any OpenAI-compatible
// chat-completions endpoint; MockProvider replays canned responses for
// tests. Agents hold a Provider and never know which one they got.
package llm

import "context"

// Message is a single turn in a conversation.
type Message struct {
	// Role is "user", "assistant" or "system".
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the response from a provider.
type Completion struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Options tunes a single completion call. A nil *Options means defaults.
type Options struct {
	// System is an optional system prompt, delivered however the backend
	// expects (separate field or leading system message).
	System string
	// MaxTokens caps the response length. Defaults to 4096 when zero.
	MaxTokens int
}

// DefaultMaxTokens is used when Options.MaxTokens is zero.
const DefaultMaxTokens = 4096

func (o *Options) maxTokens() int {
	if o == nil || o.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return o.MaxTokens
}

func (o *Options) system() string {
	if o == nil {
		return ""
	}
	return o.System
}

// Provider generates completions. Implementations must be safe for
// concurrent use; agent runs share one provider across goroutines.
type Provider interface {
	// Complete generates a free-form completion for the conversation.
	Complete(ctx context.Context, msgs []Message, opts *Options) (*Completion, error)

	// CompleteStructured generates a completion constrained by a JSON
	// Schema and decodes it into out. The schema document is appended to
	// the last message so the model sees the exact shape expected; the
	// reply is validated against the compiled schema before decoding. A
	// reply that parses but violates the schema surfaces the underlying
	// *jsonschema.ValidationError.
	CompleteStructured(ctx context.Context, msgs []Message, schemaJSON string, out any, opts *Options) error
}
