package v1

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/novel-gateway/internal/analytics"
	"github.com/nulzo/novel-gateway/internal/config"
	"github.com/nulzo/novel-gateway/internal/gateway"
	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/internal/server/middleware"
	"github.com/nulzo/novel-gateway/internal/server/validator"
	"github.com/nulzo/novel-gateway/internal/store/cache"
	"github.com/nulzo/novel-gateway/internal/store/model"
	"github.com/nulzo/novel-gateway/pkg/api"
	"go.uber.org/zap"
)

// Generator is the slice of the gateway the HTTP surface depends on.
type Generator interface {
	Run(ctx context.Context, task gateway.Task, cfg llm.ProviderConfig) (*gateway.Outcome, error)
	Stream(ctx context.Context, task gateway.Task, cfg llm.ProviderConfig) (*gateway.StreamHandle, error)
	Endpoints() llm.Endpoints
}

type GenerateHandler struct {
	gateway  Generator
	profiles map[string]config.Profile
	ingestor analytics.Ingestor
	cache    cache.CacheService
	cacheTTL time.Duration
	logger   *zap.Logger
}

func NewGenerateHandler(gw Generator, profiles []config.Profile, ingestor analytics.Ingestor, c cache.CacheService, cacheTTL time.Duration, logger *zap.Logger) *GenerateHandler {
	byID := make(map[string]config.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	return &GenerateHandler{
		gateway:  gw,
		profiles: byID,
		ingestor: ingestor,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// generation carries one bound request through a handler.
type generation struct {
	req     api.GenerateRequest
	task    gateway.Task
	cfg     llm.ProviderConfig
	id      string
	started time.Time
}

func (h *GenerateHandler) bind(c *gin.Context) (*generation, bool) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.ValidationError(validator.ParseValidationError(err)))
		return nil, false
	}

	cfg, problem := h.providerConfig(&req)
	if problem != nil {
		_ = c.Error(problem)
		return nil, false
	}

	task := gateway.Task{
		Kind:              gateway.TaskKind(req.Task),
		Prompt:            req.Prompt,
		SystemInstruction: req.System,
		Model:             req.Model,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
	}
	if len(req.Schema) > 0 {
		var schema llm.Schema
		if err := json.Unmarshal(req.Schema, &schema); err != nil {
			_ = c.Error(api.BadRequestError("schema is not a valid JSON schema object", api.WithExtension("field", "schema")))
			return nil, false
		}
		task.Schema = &schema
	}

	return &generation{
		req:     req,
		task:    task,
		cfg:     cfg,
		id:      c.GetString(middleware.RequestIDKey),
		started: time.Now(),
	}, true
}

// providerConfig resolves the profile, if any, and applies inline overrides.
func (h *GenerateHandler) providerConfig(req *api.GenerateRequest) (llm.ProviderConfig, *api.Problem) {
	var cfg llm.ProviderConfig
	if req.Profile != "" {
		p, ok := h.profiles[req.Profile]
		if !ok {
			return cfg, unknownProfile(req.Profile)
		}
		cfg = p.ProviderConfig
		cfg.Options = maps.Clone(p.Options)
	}

	if req.Provider != "" {
		cfg.Provider = llm.ProviderID(req.Provider)
	}
	if req.BaseURL != "" {
		cfg.BaseURL = req.BaseURL
	}
	if req.APIKey != "" {
		cfg.APIKey = req.APIKey
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if len(req.Options) > 0 {
		if cfg.Options == nil {
			cfg.Options = make(map[string]string, len(req.Options))
		}
		maps.Copy(cfg.Options, req.Options)
	}
	return cfg, nil
}

// Generate runs a task to completion and returns it as JSON. Stream-mode tasks
// are collected before responding.
func (h *GenerateHandler) Generate(c *gin.Context) {
	g, ok := h.bind(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	key, cacheable := h.cacheKey(g)
	if cacheable {
		var cached api.GenerateResponse
		if err := h.cache.Get(ctx, key, &cached); err == nil {
			cached.ID = g.id
			cached.Cached = true
			cached.LatencyMS = time.Since(g.started).Milliseconds()
			h.record(c, g, &cached, nil)
			c.JSON(http.StatusOK, cached)
			return
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.Warn("Replay cache read failed, evicting entry", zap.Error(err))
			if err := h.cache.Delete(ctx, key); err != nil {
				h.logger.Warn("Replay cache eviction failed", zap.Error(err))
			}
		}
	}

	resp, err := h.run(ctx, g)
	if err != nil {
		h.record(c, g, resp, err)
		h.fail(c, err)
		return
	}

	if cacheable {
		if err := h.cache.Set(ctx, key, resp, h.cacheTTL); err != nil {
			h.logger.Warn("Replay cache write failed", zap.Error(err))
		}
	}

	h.record(c, g, resp, nil)
	c.JSON(http.StatusOK, resp)
}

func (h *GenerateHandler) run(ctx context.Context, g *generation) (*api.GenerateResponse, error) {
	out, err := h.gateway.Run(ctx, g.task, g.cfg)
	if err != nil {
		return nil, err
	}

	resp := &api.GenerateResponse{
		ID:        g.id,
		Task:      g.req.Task,
		CreatedAt: g.started.UTC(),
	}

	if s := out.Stream; s != nil {
		resp.Provider = string(s.Provider())
		resp.Model = s.Model()
		resp.Attempts = s.Attempts()

		text, usage, err := s.Collect()
		resp.Text = text
		resp.Usage = sumUsage(usage)
		resp.LatencyMS = time.Since(g.started).Milliseconds()
		if err != nil {
			return resp, err
		}
		if ctx.Err() != nil {
			return resp, &gateway.Error{Kind: gateway.KindCancelled, Provider: s.Provider(), Task: s.Task(), Attempts: s.Attempts(), Err: ctx.Err()}
		}
		return resp, nil
	}

	r := out.Result
	resp.Provider = string(r.Provider)
	resp.Model = r.Model
	resp.Attempts = r.Attempts
	resp.Text = r.Text
	resp.Output = r.JSON
	resp.RepairStrategy = r.RepairStrategy
	resp.FinishReason = r.FinishReason
	resp.Usage = sumUsage(r.Usage)
	resp.LatencyMS = r.Latency.Milliseconds()
	return resp, nil
}

// Stream relays tokens as server-sent events: token frames, one usage frame,
// then [DONE]. A failure after the stream opened is sent as an error frame.
func (h *GenerateHandler) Stream(c *gin.Context) {
	g, ok := h.bind(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	handle, err := h.gateway.Stream(ctx, g.task, g.cfg)
	if err != nil {
		h.record(c, g, nil, err)
		h.fail(c, err)
		return
	}
	defer handle.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	var streamErr error
	for tok, err := range handle.Tokens() {
		if err != nil {
			streamErr = err
			problem := problemFor(err)
			problem.Instance = g.id
			_ = writeEvent(c, api.StreamEvent{Error: problem})
			break
		}
		if writeEvent(c, api.StreamEvent{Token: tok}) != nil {
			break
		}
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = &gateway.Error{Kind: gateway.KindCancelled, Provider: handle.Provider(), Task: handle.Task(), Attempts: handle.Attempts(), Err: ctx.Err()}
	}

	usage := sumUsage(handle.Usage())
	if streamErr == nil {
		_ = writeEvent(c, api.StreamEvent{Usage: &usage})
		_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}

	h.record(c, g, &api.GenerateResponse{
		Provider:  string(handle.Provider()),
		Model:     handle.Model(),
		Attempts:  handle.Attempts(),
		Usage:     usage,
		LatencyMS: time.Since(g.started).Milliseconds(),
	}, streamErr)
}

func writeEvent(c *gin.Context, ev api.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (h *GenerateHandler) fail(c *gin.Context, err error) {
	problem := problemFor(err)
	if ra := retryAfter(problem); ra != "" {
		c.Header("Retry-After", ra)
	}
	_ = c.Error(problem)
}

// cacheKey reports whether g is deterministic enough to replay, and its key.
func (h *GenerateHandler) cacheKey(g *generation) (string, bool) {
	if h.cache == nil || g.req.Temperature == nil || *g.req.Temperature != 0 {
		return "", false
	}

	material, err := json.Marshal(struct {
		Profile   string          `json:"profile"`
		Provider  llm.ProviderID  `json:"provider"`
		BaseURL   string          `json:"base_url"`
		Model     string          `json:"model"`
		Task      string          `json:"task"`
		Prompt    string          `json:"prompt"`
		System    string          `json:"system"`
		MaxTokens int             `json:"max_tokens"`
		Schema    json.RawMessage `json:"schema,omitempty"`
	}{
		Profile:   g.req.Profile,
		Provider:  g.cfg.Provider,
		BaseURL:   g.cfg.BaseURL,
		Model:     firstNonEmpty(g.req.Model, g.cfg.Model),
		Task:      g.req.Task,
		Prompt:    g.req.Prompt,
		System:    g.req.System,
		MaxTokens: g.req.MaxTokens,
		Schema:    g.req.Schema,
	})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(material)
	return "generate:" + hex.EncodeToString(sum[:]), true
}

// record hands the ledger entry for g to the ingestor.
func (h *GenerateHandler) record(c *gin.Context, g *generation, resp *api.GenerateResponse, err error) {
	if h.ingestor == nil {
		return
	}

	entry := &model.GenerationLog{
		ID:         g.id,
		Profile:    g.req.Profile,
		Provider:   string(g.cfg.Provider),
		Model:      firstNonEmpty(g.req.Model, g.cfg.Model),
		Task:       g.req.Task,
		IsStreamed: c.FullPath() == "/v1/generate/stream",
		State:      gateway.StateCompleted.String(),
		LatencyMS:  time.Since(g.started).Milliseconds(),
		IPAddress:  c.ClientIP(),
		CreatedAt:  g.started.UTC(),
	}
	if resp != nil {
		if resp.Provider != "" {
			entry.Provider = resp.Provider
		}
		if resp.Model != "" {
			entry.Model = resp.Model
		}
		entry.Attempts = resp.Attempts
		if !resp.Cached {
			entry.InputTokens = resp.Usage.InputTokens
			entry.OutputTokens = resp.Usage.OutputTokens
			entry.UsageReports = resp.Usage.Reports
		}
		entry.RepairStrategy = resp.RepairStrategy
		entry.FinishReason = resp.FinishReason
		entry.Cached = resp.Cached
		if resp.LatencyMS > 0 {
			entry.LatencyMS = resp.LatencyMS
		}
	}
	if err != nil {
		kind := gateway.KindOf(err)
		entry.ErrorKind = string(kind)
		entry.State = gateway.StateFailed.String()
		if kind == gateway.KindCancelled {
			entry.State = gateway.StateCancelled.String()
		}
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Attempts > entry.Attempts {
			entry.Attempts = gwErr.Attempts
		}
	}
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("gen-%d", g.started.UnixNano())
	}

	h.ingestor.Log(entry)
}

func sumUsage(reports []llm.Usage) api.Usage {
	var u api.Usage
	for _, r := range reports {
		u.InputTokens += r.InputTokens
		u.OutputTokens += r.OutputTokens
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.Reports = len(reports)
	return u
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
