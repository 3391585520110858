// Package gateway is the single entry point for generation requests. It resolves
// the provider, wraps the upstream call in the retrier and hands back either a
// completed result or a lazy token stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nulzo/novel-gateway/internal/httpclient"
	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/internal/platform/metrics"
	"github.com/nulzo/novel-gateway/internal/repair"
	"github.com/nulzo/novel-gateway/internal/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	// adapters register themselves with the factory registry
	_ "github.com/nulzo/novel-gateway/internal/llm/google"
	_ "github.com/nulzo/novel-gateway/internal/llm/openai"
)

const tracerName = "github.com/nulzo/novel-gateway/internal/gateway"

// Result is a completed one-shot request.
type Result struct {
	Task     TaskKind       `json:"task"`
	Provider llm.ProviderID `json:"provider"`
	Model    string         `json:"model"`
	State    State          `json:"state"`
	Attempts int            `json:"attempts"`
	// Text is the raw model output.
	Text string `json:"text"`
	// Value and JSON are set for structured tasks.
	Value          any             `json:"value,omitempty"`
	JSON           json.RawMessage `json:"-"`
	RepairStrategy string          `json:"repair_strategy,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	// Usage holds every usage report in arrival order; it is not summed.
	Usage   []llm.Usage   `json:"usage"`
	Latency time.Duration `json:"latency"`
}

// Decode unmarshals the structured output into v.
func (r *Result) Decode(v any) error {
	if len(r.JSON) == 0 {
		return fmt.Errorf("task %s produced no structured output", r.Task)
	}
	return json.Unmarshal(r.JSON, v)
}

// Outcome carries exactly one of Result or Stream.
type Outcome struct {
	Result *Result
	Stream *StreamHandle
}

type Service struct {
	endpoints    llm.Endpoints
	client       httpclient.HTTPClient
	policy       resilience.Policy
	retryOptions []resilience.Option
	logger       *zap.Logger
	tracer       trace.Tracer
}

type Option func(*Service)

// WithEndpoints replaces the provider endpoint table.
func WithEndpoints(e llm.Endpoints) Option {
	return func(s *Service) { s.endpoints = e }
}

func WithClient(c httpclient.HTTPClient) Option {
	return func(s *Service) { s.client = c }
}

func WithRetryPolicy(p resilience.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithRetryOptions passes extra options to every retrier the service builds.
func WithRetryOptions(opts ...resilience.Option) Option {
	return func(s *Service) { s.retryOptions = append(s.retryOptions, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(opts ...Option) *Service {
	s := &Service{
		endpoints: llm.DefaultEndpoints(),
		policy:    resilience.DefaultPolicy(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoints returns the table the service resolves providers against.
func (s *Service) Endpoints() llm.Endpoints {
	return s.endpoints
}

// Run dispatches task in its catalog mode.
func (s *Service) Run(ctx context.Context, task Task, cfg llm.ProviderConfig) (*Outcome, error) {
	spec, ok := Lookup(task.Kind)
	if !ok {
		return nil, &Error{Kind: KindConfiguration, Provider: cfg.Provider, Task: task.Kind, Err: ErrUnknownTask}
	}
	if spec.Mode == ModeStream {
		h, err := s.Stream(ctx, task, cfg)
		if err != nil {
			return nil, err
		}
		return &Outcome{Stream: h}, nil
	}
	r, err := s.Complete(ctx, task, cfg)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: r}, nil
}

// call is the per-request context shared by Complete and Stream.
type call struct {
	task     Task
	spec     TaskSpec
	req      *llm.Request
	provider llm.Provider
	resolved llm.Resolved
	state    *tracker
	log      *zap.Logger
	started  time.Time
}

// prepare validates everything that can fail before the network is touched.
func (s *Service) prepare(task Task, cfg llm.ProviderConfig) (*call, error) {
	fail := func(err error) error {
		return &Error{Kind: KindConfiguration, Provider: cfg.Provider, Task: task.Kind, Err: err}
	}

	spec, ok := Lookup(task.Kind)
	if !ok {
		return nil, fail(ErrUnknownTask)
	}
	resolved, err := s.endpoints.Resolve(cfg)
	if err != nil {
		return nil, fail(err)
	}
	provider, err := llm.New(resolved, s.client)
	if err != nil {
		return nil, fail(err)
	}

	req := task.request(spec)
	if req.Model == "" {
		req.Model = resolved.Model
	}

	return &call{
		task:     task,
		spec:     spec,
		req:      req,
		provider: provider,
		resolved: resolved,
		state:    &tracker{},
		log: s.logger.With(
			zap.String("provider", string(resolved.ID)),
			zap.String("task", string(task.Kind)),
			zap.String("model", req.Model),
		),
	}, nil
}

func (s *Service) retrier(c *call) *resilience.Retrier {
	hook := resilience.WithOnRetry(func(attempt int, class resilience.Class, delay time.Duration, err error) {
		c.state.set(StateRetrying)
		metrics.RetriesTotal.WithLabelValues(string(c.resolved.ID), class.String()).Inc()
		c.log.Warn("Retrying upstream call",
			zap.Int("attempt", attempt),
			zap.String("class", class.String()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
	opts := append([]resilience.Option{hook}, s.retryOptions...)
	return resilience.NewRetrier(s.policy, opts...)
}

// attempt wraps a single upstream call with its own span and metrics.
func attempt[T any](s *Service, c *call, name string, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	n := 0
	return func(ctx context.Context) (T, error) {
		n++
		c.state.set(StateDispatched)
		metrics.AttemptsTotal.WithLabelValues(string(c.resolved.ID), string(c.task.Kind)).Inc()

		ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int("gateway.attempt", n)))
		defer span.End()

		v, err := op(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, resilience.Classify(err).String())
		}
		return v, err
	}
}

func (s *Service) startSpan(ctx context.Context, name string, c *call) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("gateway.provider", string(c.resolved.ID)),
		attribute.String("gateway.task", string(c.task.Kind)),
		attribute.String("gateway.model", c.req.Model),
		attribute.Bool("gateway.structured", c.req.Structured()),
	))
}

// fail records the terminal state for err and wraps it. Cancellation of ctx wins
// over whatever error the attempt produced.
func (s *Service) fail(ctx context.Context, c *call, attempts int, err error) *Error {
	kind := kindFor(err)
	if ctx.Err() != nil {
		kind = KindCancelled
		err = ctx.Err()
	}

	state := StateFailed
	if kind == KindCancelled {
		state = StateCancelled
	}
	c.state.set(state)
	s.observe(c, state, kind)

	if kind == KindCancelled {
		c.log.Info("Request cancelled", zap.Int("attempts", attempts))
	} else {
		c.log.Warn("Request failed",
			zap.String("kind", string(kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	return &Error{Kind: kind, Provider: c.resolved.ID, Task: c.task.Kind, Attempts: attempts, Err: err}
}

func (s *Service) observe(c *call, state State, kind Kind) {
	provider, task := string(c.resolved.ID), string(c.task.Kind)
	metrics.OutcomesTotal.WithLabelValues(provider, task, state.String(), string(kind)).Inc()
	metrics.RequestDuration.WithLabelValues(provider, task).Observe(time.Since(c.started).Seconds())
}

func recordUsage(provider llm.ProviderID, u *llm.Usage) {
	metrics.TokensUsed.WithLabelValues(string(provider), "input").Add(float64(u.InputTokens))
	metrics.TokensUsed.WithLabelValues(string(provider), "output").Add(float64(u.OutputTokens))
}

// Complete performs a one-shot request. Structured tasks are repaired before they
// are returned.
func (s *Service) Complete(ctx context.Context, task Task, cfg llm.ProviderConfig) (*Result, error) {
	c, err := s.prepare(task, cfg)
	if err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "gateway.Complete", c)
	defer span.End()

	c.started = time.Now()
	c.log.Debug("Dispatching request")

	completion, attempts, err := resilience.Do(ctx, s.retrier(c), attempt(s, c, "gateway.attempt", func(ctx context.Context) (*llm.Completion, error) {
		return c.provider.Complete(ctx, c.req)
	}))
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		gwErr := s.fail(ctx, c, attempts, err)
		span.SetStatus(codes.Error, string(gwErr.Kind))
		return nil, gwErr
	}

	result := &Result{
		Task:         task.Kind,
		Provider:     c.resolved.ID,
		Model:        c.req.Model,
		Attempts:     attempts,
		Text:         completion.Text,
		FinishReason: completion.FinishReason,
		Usage:        []llm.Usage{},
	}
	if completion.Model != "" {
		result.Model = completion.Model
	}
	if completion.Usage != nil {
		result.Usage = append(result.Usage, *completion.Usage)
		recordUsage(c.resolved.ID, completion.Usage)
	}

	if shapeOf(c.spec, c.req) != ShapeText {
		out, err := repair.Run(completion.Text)
		if err != nil {
			gwErr := s.fail(ctx, c, attempts, err)
			span.SetStatus(codes.Error, string(gwErr.Kind))
			return nil, gwErr
		}
		result.Value = out.Value
		result.JSON = json.RawMessage(out.Text)
		result.RepairStrategy = out.Strategy
		metrics.RepairsTotal.WithLabelValues(string(c.resolved.ID), out.Strategy).Inc()
		if out.Strategy != repair.StrategyDirect {
			c.log.Debug("Structured output repaired", zap.String("strategy", out.Strategy))
		}
	}

	c.state.set(StateCompleted)
	result.State = c.state.get()
	result.Latency = time.Since(c.started)
	s.observe(c, result.State, "")

	c.log.Info("Request completed",
		zap.Int("attempts", attempts),
		zap.Duration("latency", result.Latency),
	)
	return result, nil
}

// Stream performs a streaming request. Connection and status failures are
// retried and returned here; once the stream is open, failures arrive as the
// final event and are not retried, since delivered tokens cannot be taken back.
func (s *Service) Stream(ctx context.Context, task Task, cfg llm.ProviderConfig) (*StreamHandle, error) {
	c, err := s.prepare(task, cfg)
	if err != nil {
		return nil, err
	}

	// the handle owns this context so that abandoning it releases the upstream body
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := s.startSpan(ctx, "gateway.Stream", c)

	c.started = time.Now()
	c.log.Debug("Dispatching stream")

	events, attempts, err := resilience.Do(ctx, s.retrier(c), attempt(s, c, "gateway.attempt", func(ctx context.Context) (<-chan llm.StreamEvent, error) {
		return c.provider.Stream(ctx, c.req)
	}))
	if err != nil {
		gwErr := s.fail(ctx, c, attempts, err)
		span.SetStatus(codes.Error, string(gwErr.Kind))
		span.End()
		cancel()
		return nil, gwErr
	}

	return newStreamHandle(parent, ctx, cancel, s, c, span, attempts, events), nil
}

// IsSafetyBlock reports whether err is a provider content-moderation rejection.
func IsSafetyBlock(err error) bool {
	return errors.Is(err, llm.ErrSafetyBlocked)
}
