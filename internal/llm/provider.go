package llm

import (
	"context"
)

// ProviderID names a configured backend as selected by the caller.
type ProviderID string

const (
	Gemini      ProviderID = "gemini"
	OpenAI      ProviderID = "openai"
	DeepSeek    ProviderID = "deepseek"
	OpenRouter  ProviderID = "openrouter"
	SiliconFlow ProviderID = "siliconflow"
	Moonshot    ProviderID = "moonshot"
	Custom      ProviderID = "custom"
)

// Family identifies the wire protocol an adapter speaks. Several providers share
// one family through different base URLs.
type Family string

const (
	// FamilySchemaNative supports structured output and usage metadata natively.
	FamilySchemaNative Family = "google"
	// FamilyMessageProtocol is the chat-completion style HTTP/SSE protocol.
	FamilyMessageProtocol Family = "openai"
)

// Provider is the contract every adapter implements. Streams are lazy, finite and
// not restartable; a new call issues a new upstream request.
type Provider interface {
	Name() string
	Family() Family
	Complete(ctx context.Context, req *Request) (*Completion, error)
	// Stream performs the upstream call synchronously and returns once the response
	// headers have been accepted, so connection and status failures surface here.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
