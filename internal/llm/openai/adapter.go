package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulzo/novel-gateway/internal/httpclient"
	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/internal/llm/stream"
)

func init() {
	llm.Register(llm.FamilyMessageProtocol, NewAdapter)
}

// Adapter speaks the chat-completions protocol shared by OpenAI and the
// OpenAI-compatible providers. It never binds the backend to a schema; structured
// requests get formatting instructions appended and must be repaired downstream.
type Adapter struct {
	config llm.Resolved
	client httpclient.HTTPClient
}

func NewAdapter(config llm.Resolved, client httpclient.HTTPClient) (llm.Provider, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		config: config,
		client: client,
	}, nil
}

func (a *Adapter) Name() string {
	return string(a.config.ID)
}

func (a *Adapter) Family() llm.Family {
	return llm.FamilyMessageProtocol
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []choice       `json:"choices"`
	Usage   *responseUsage `json:"usage,omitempty"`
	Error   *errorBody     `json:"error,omitempty"`
}

// errorBody mirrors the standard OpenAI error shape
type errorBody struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

type upstreamErrorResponse struct {
	Error errorBody `json:"error"`
}

// moderationCodes are error codes/types OpenAI-compatible backends use for
// content-policy rejections.
var moderationCodes = map[string]bool{
	"content_filter":           true,
	"content_policy_violation": true,
	"data_inspection_failed":   true,
	"moderation_blocked":       true,
	"sensitive_content":        true,
}

var moderationMessages = []string{
	"content management policy",
	"content exists risk",
	"inappropriate content",
	"flagged by moderation",
}

// shape converts a gateway request into the chat-completions body.
func (a *Adapter) shape(req *llm.Request, streaming bool) chatRequest {
	prompt := req.Prompt
	if req.Schema != nil {
		prompt += llm.FormatInstruction(req.Schema)
	}

	var messages []chatMessage
	if system := a.config.ShapeSystemInstruction(req.SystemInstruction); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	model := req.Model
	if model == "" {
		model = a.config.Model
	}

	cr := chatRequest{
		Model:       model,
		Messages:    messages,
		Stream:      streaming,
		Temperature: req.Temperature,
		MaxTokens:   a.config.ClampTokens(req.MaxTokens),
	}
	if streaming {
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return cr
}

func (a *Adapter) url() string {
	return fmt.Sprintf("%s/chat/completions", strings.TrimRight(a.config.BaseURL, "/"))
}

func (a *Adapter) headers() map[string]string {
	headers := map[string]string{}
	if a.config.APIKey != "" {
		headers["Authorization"] = "Bearer " + a.config.APIKey
	}

	// handle headers if present in config
	if org, ok := a.config.Options["organization"]; ok {
		headers["OpenAI-Organization"] = org
	}
	if ref, ok := a.config.Options["referer"]; ok {
		headers["HTTP-Referer"] = ref
	}
	if title, ok := a.config.Options["title"]; ok {
		headers["X-Title"] = title
	}
	return headers
}

func (a *Adapter) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	var resp chatResponse
	if err := httpclient.SendRequest(ctx, a.client, http.MethodPost, a.url(), a.headers(), a.shape(req, false), &resp); err != nil {
		return nil, a.handleUpstreamError(err)
	}

	if resp.Error != nil {
		return nil, a.bodyError(http.StatusOK, resp.Error, nil)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, &llm.ProviderError{Provider: a.config.ID, StatusCode: http.StatusOK, Message: "response contained no choices"}
	}

	c := resp.Choices[0]
	if c.FinishReason == "content_filter" {
		return nil, &llm.SafetyBlockError{Provider: a.config.ID, Reason: c.FinishReason, Partial: c.Message.Content}
	}

	completion := &llm.Completion{
		Text:         c.Message.Content,
		Model:        resp.Model,
		FinishReason: c.FinishReason,
	}
	if resp.Usage != nil {
		completion.Usage = &llm.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	return completion, nil
}

func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	body, err := httpclient.OpenStream(ctx, a.client, http.MethodPost, a.url(), a.headers(), a.shape(req, true))
	if err != nil {
		return nil, a.handleUpstreamError(err)
	}
	return stream.Pipe(ctx, body, a.parseChunk), nil
}

// parseChunk decodes one SSE data payload: {"choices":[{"delta":{"content":...}}],"usage":{...}}
func (a *Adapter) parseChunk(data []byte) (stream.Record, error) {
	var chunk chatResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return stream.Record{}, err
	}

	if chunk.Error != nil {
		return stream.Record{}, stream.Abort(a.bodyError(http.StatusOK, chunk.Error, nil))
	}

	var rec stream.Record
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		if c.Delta != nil {
			rec.Token = c.Delta.Content
		}
		if c.FinishReason == "content_filter" {
			return stream.Record{}, stream.Abort(&llm.SafetyBlockError{Provider: a.config.ID, Reason: c.FinishReason, Partial: rec.Token})
		}
	}
	if chunk.Usage != nil {
		rec.Usage = &llm.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	return rec, nil
}

func (a *Adapter) handleUpstreamError(err error) error {
	var upstreamErr *httpclient.UpstreamError
	if !errors.As(err, &upstreamErr) {
		return err
	}

	// parse the specific upstream error format
	var apiErr upstreamErrorResponse
	if jsonErr := json.Unmarshal(upstreamErr.Body, &apiErr); jsonErr != nil || apiErr.Error.Message == "" && len(apiErr.Error.Code) == 0 {
		return &llm.ProviderError{
			Provider:   a.config.ID,
			StatusCode: upstreamErr.StatusCode,
			Message:    truncate(string(upstreamErr.Body), 300),
			RetryAfter: upstreamErr.RetryAfter,
			Err:        err,
		}
	}

	pe := a.bodyError(upstreamErr.StatusCode, &apiErr.Error, err)
	if p, ok := pe.(*llm.ProviderError); ok {
		p.RetryAfter = upstreamErr.RetryAfter
	}
	return pe
}

func (a *Adapter) bodyError(status int, body *errorBody, cause error) error {
	code := codeString(body.Code)
	if moderationCodes[code] || moderationCodes[body.Type] || containsAny(strings.ToLower(body.Message), moderationMessages) {
		reason := code
		if reason == "" {
			reason = body.Type
		}
		if reason == "" {
			reason = "content_policy"
		}
		return &llm.SafetyBlockError{Provider: a.config.ID, Reason: reason, Message: body.Message}
	}
	return &llm.ProviderError{
		Provider:   a.config.ID,
		StatusCode: status,
		Code:       code,
		Type:       body.Type,
		Message:    body.Message,
		Err:        cause,
	}
}

// codeString normalises the code field, which may be a string, a number or null.
func codeString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
