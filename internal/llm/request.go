package llm

import (
	"encoding/json"
	"strings"
)

// Request is a single generation request as handed to an adapter.
type Request struct {
	Task              string
	Prompt            string
	SystemInstruction string
	Model             string
	MaxTokens         int
	Temperature       float64
	// Schema is set for structured (array/object) output.
	Schema *Schema
}

// Structured reports whether the caller expects JSON output.
func (r *Request) Structured() bool {
	return r.Schema != nil
}

type SchemaType string

const (
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
	TypeString  SchemaType = "string"
	TypeInteger SchemaType = "integer"
	TypeNumber  SchemaType = "number"
	TypeBoolean SchemaType = "boolean"
)

// Schema is the subset of JSON Schema understood by every backend.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// String renders the schema as compact JSON.
func (s *Schema) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return string(s.Type)
	}
	return string(b)
}

// FormatInstruction is appended to prompts for backends that cannot be bound to a
// schema. It is best effort; the output still has to be repaired.
func FormatInstruction(s *Schema) string {
	var sb strings.Builder
	sb.WriteString("\n\nRespond with valid JSON only")
	switch s.Type {
	case TypeArray:
		sb.WriteString(" (a single JSON array)")
	case TypeObject:
		sb.WriteString(" (a single JSON object)")
	}
	sb.WriteString(" that conforms to this JSON schema:\n")
	sb.WriteString(s.String())
	sb.WriteString("\nQuote every string value. Do not wrap the JSON in markdown code fences and do not add any commentary.")
	return sb.String()
}

// Usage is one token-usage report. Adapters may emit several per request; callers
// accumulate them.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the result of a one-shot call.
type Completion struct {
	Text         string
	Model        string
	FinishReason string
	Usage        *Usage
}

// StreamEvent carries exactly one of Token, Usage or Err.
type StreamEvent struct {
	Token string
	Usage *Usage
	Err   error
}
