package google

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
	llm.Register(llm.FamilySchemaNative, NewAdapter)
}

// Adapter talks to the Gemini REST API. It binds structured requests to the
// backend's response schema, so its JSON output needs no repair.
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

func (a *Adapter) Name() string       { return string(a.config.ID) }
func (a *Adapter) Family() llm.Family { return llm.FamilySchemaNative }

type GeminiPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiSchema struct {
	Type        string                   `json:"type"`
	Description string                   `json:"description,omitempty"`
	Properties  map[string]*GeminiSchema `json:"properties,omitempty"`
	Items       *GeminiSchema            `json:"items,omitempty"`
	Required    []string                 `json:"required,omitempty"`
	Enum        []string                 `json:"enum,omitempty"`
}

type GenerationConfig struct {
	MaxOutputTokens  int           `json:"maxOutputTokens,omitempty"`
	Temperature      float64       `json:"temperature"`
	ResponseMimeType string        `json:"responseMimeType,omitempty"`
	ResponseSchema   *GeminiSchema `json:"responseSchema,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type GeminiRequest struct {
	Contents          []GeminiContent   `json:"contents"`
	SystemInstruction *GeminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type PromptFeedback struct {
	BlockReason        string `json:"blockReason"`
	BlockReasonMessage string `json:"blockReasonMessage"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type GeminiResponse struct {
	Candidates     []GeminiCandidate `json:"candidates"`
	PromptFeedback *PromptFeedback   `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata    `json:"usageMetadata,omitempty"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// blockedFinishReasons end a candidate because of moderation rather than length.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
}

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Shape converts a gateway request into a Gemini request body.
func Shape(cfg llm.Resolved, req *llm.Request) GeminiRequest {
	gr := GeminiRequest{
		Contents: []GeminiContent{{
			Role:  "user",
			Parts: []GeminiPart{{Text: req.Prompt}},
		}},
		GenerationConfig: &GenerationConfig{
			MaxOutputTokens: cfg.ClampTokens(req.MaxTokens),
			Temperature:     req.Temperature,
		},
	}

	if system := cfg.ShapeSystemInstruction(req.SystemInstruction); system != "" {
		gr.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: system}}}
	}

	if req.Schema != nil {
		gr.GenerationConfig.ResponseMimeType = "application/json"
		gr.GenerationConfig.ResponseSchema = convertSchema(req.Schema)
	}

	if threshold, ok := cfg.Options["safety_threshold"]; ok && threshold != "" {
		for _, c := range harmCategories {
			gr.SafetySettings = append(gr.SafetySettings, SafetySetting{Category: c, Threshold: threshold})
		}
	}

	return gr
}

func convertSchema(s *llm.Schema) *GeminiSchema {
	if s == nil {
		return nil
	}
	gs := &GeminiSchema{
		Type:        strings.ToUpper(string(s.Type)),
		Description: s.Description,
		Items:       convertSchema(s.Items),
		Required:    s.Required,
		Enum:        s.Enum,
	}
	if len(s.Properties) > 0 {
		gs.Properties = make(map[string]*GeminiSchema, len(s.Properties))
		for name, prop := range s.Properties {
			gs.Properties[name] = convertSchema(prop)
		}
	}
	return gs
}

func (a *Adapter) model(req *llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.config.Model
}

func (a *Adapter) url(req *llm.Request, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(a.config.BaseURL, "/"), a.model(req), method)
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"x-goog-api-key": a.config.APIKey}
}

func (a *Adapter) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	var gResp GeminiResponse
	if err := httpclient.SendRequest(ctx, a.client, http.MethodPost, a.url(req, "generateContent"), a.headers(), Shape(a.config, req), &gResp); err != nil {
		return nil, a.handleUpstreamError(err)
	}

	if err := a.blocked(&gResp); err != nil {
		return nil, err
	}
	if len(gResp.Candidates) == 0 {
		return nil, &llm.ProviderError{Provider: a.config.ID, StatusCode: http.StatusOK, Message: "no candidates from gemini"}
	}

	candidate := gResp.Candidates[0]
	completion := &llm.Completion{
		Text:         candidateText(candidate),
		Model:        a.model(req),
		FinishReason: candidate.FinishReason,
	}
	if gResp.UsageMetadata != nil {
		completion.Usage = usageOf(gResp.UsageMetadata)
	}
	return completion, nil
}

func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	body, err := httpclient.OpenStream(ctx, a.client, http.MethodPost, a.url(req, "streamGenerateContent?alt=sse"), a.headers(), Shape(a.config, req))
	if err != nil {
		return nil, a.handleUpstreamError(err)
	}
	return stream.Pipe(ctx, body, a.parseChunk), nil
}

// parseChunk decodes one streamed GenerateContentResponse. Gemini repeats the
// cumulative usage on every chunk, so usage is only reported with the final one.
func (a *Adapter) parseChunk(data []byte) (stream.Record, error) {
	var gResp GeminiResponse
	if err := json.Unmarshal(data, &gResp); err != nil {
		return stream.Record{}, err
	}
	if err := a.blocked(&gResp); err != nil {
		return stream.Record{}, stream.Abort(err)
	}

	var rec stream.Record
	final := len(gResp.Candidates) == 0
	if len(gResp.Candidates) > 0 {
		c := gResp.Candidates[0]
		rec.Token = candidateText(c)
		final = c.FinishReason != ""
	}
	if final && gResp.UsageMetadata != nil {
		rec.Usage = usageOf(gResp.UsageMetadata)
	}
	return rec, nil
}

func (a *Adapter) blocked(gResp *GeminiResponse) error {
	if fb := gResp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return &llm.SafetyBlockError{Provider: a.config.ID, Reason: fb.BlockReason, Message: fb.BlockReasonMessage}
	}
	if len(gResp.Candidates) > 0 {
		c := gResp.Candidates[0]
		if blockedFinishReasons[c.FinishReason] {
			return &llm.SafetyBlockError{Provider: a.config.ID, Reason: c.FinishReason, Partial: candidateText(c)}
		}
	}
	return nil
}

func (a *Adapter) handleUpstreamError(err error) error {
	var upstreamErr *httpclient.UpstreamError
	if !errors.As(err, &upstreamErr) {
		return err
	}

	pe := &llm.ProviderError{
		Provider:   a.config.ID,
		StatusCode: upstreamErr.StatusCode,
		RetryAfter: upstreamErr.RetryAfter,
		Err:        err,
	}

	var gErr geminiError
	if jsonErr := json.Unmarshal(upstreamErr.Body, &gErr); jsonErr != nil || gErr.Error.Message == "" {
		pe.Message = string(upstreamErr.Body)
		return pe
	}

	pe.Code = gErr.Error.Status
	pe.Message = gErr.Error.Message
	return pe
}

func candidateText(c GeminiCandidate) string {
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func usageOf(u *UsageMetadata) *llm.Usage {
	return &llm.Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
}
