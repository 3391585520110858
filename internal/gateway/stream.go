package gateway

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/internal/platform/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StreamHandle is a lazy, finite and non-restartable token sequence. Events end
// with at most one error event. Cancelling the request context closes the
// sequence without an error; tokens already delivered stand.
type StreamHandle struct {
	// parent is the caller's context; ctx is derived from it and owned by the handle.
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan llm.StreamEvent
	state    *tracker
	task     TaskKind
	provider llm.ProviderID
	model    string
	attempts int

	mu    sync.Mutex
	usage []llm.Usage
}

func newStreamHandle(parent, ctx context.Context, cancel context.CancelFunc, s *Service, c *call, span trace.Span, attempts int, upstream <-chan llm.StreamEvent) *StreamHandle {
	h := &StreamHandle{
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan llm.StreamEvent),
		state:    c.state,
		task:     c.task.Kind,
		provider: c.resolved.ID,
		model:    c.req.Model,
		attempts: attempts,
	}
	go h.forward(s, c, span, upstream)
	return h
}

// forward relays upstream events and settles the terminal state.
func (h *StreamHandle) forward(s *Service, c *call, span trace.Span, upstream <-chan llm.StreamEvent) {
	defer close(h.events)
	defer span.End()
	defer h.cancel()

	tokens := 0
	tokenCounter := metrics.StreamedTokens.WithLabelValues(string(h.provider))

	finish := func(state State, kind Kind, err error) {
		if !c.state.set(state) {
			return
		}
		s.observe(c, state, kind)
		span.SetAttributes(attribute.Int("gateway.tokens", tokens))

		fields := []zap.Field{
			zap.Int("tokens", tokens),
			zap.Int("attempts", h.attempts),
			zap.Duration("latency", time.Since(c.started)),
		}
		switch state {
		case StateCompleted:
			c.log.Info("Stream completed", fields...)
		case StateCancelled:
			c.log.Info("Stream cancelled", fields...)
		default:
			span.SetStatus(codes.Error, string(kind))
			c.log.Warn("Stream failed", append(fields, zap.String("kind", string(kind)), zap.Error(err))...)
		}
	}

	for {
		select {
		case <-h.ctx.Done():
			finish(StateCancelled, KindCancelled, h.ctx.Err())
			return
		case ev, ok := <-upstream:
			if !ok {
				if h.ctx.Err() != nil {
					finish(StateCancelled, KindCancelled, h.ctx.Err())
				} else {
					finish(StateCompleted, "", nil)
				}
				return
			}
			if h.ctx.Err() != nil {
				finish(StateCancelled, KindCancelled, h.ctx.Err())
				return
			}

			var kind Kind
			if ev.Err != nil {
				kind = kindFor(ev.Err)
				ev.Err = &Error{Kind: kind, Provider: h.provider, Task: h.task, Attempts: h.attempts, Err: ev.Err}
			}
			if ev.Usage != nil {
				recordUsage(h.provider, ev.Usage)
			}

			select {
			case h.events <- ev:
			case <-h.ctx.Done():
				finish(StateCancelled, KindCancelled, h.ctx.Err())
				return
			}
			if ev.Token != "" {
				tokens++
				tokenCounter.Inc()
			}
			if ev.Err != nil {
				finish(StateFailed, kind, ev.Err)
				return
			}
		}
	}
}

// Events exposes the raw event channel. Most callers want Tokens or Collect.
func (h *StreamHandle) Events() <-chan llm.StreamEvent {
	return h.events
}

// Tokens yields each token as it arrives. Usage reports are recorded on the
// handle. A failure is yielded once as a final ("", err) pair; cancellation ends
// the sequence silently. Breaking out of the loop cancels the upstream request.
func (h *StreamHandle) Tokens() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for ev := range h.events {
			if h.parent.Err() != nil {
				return
			}
			switch {
			case ev.Err != nil:
				yield("", ev.Err)
				return
			case ev.Usage != nil:
				h.mu.Lock()
				h.usage = append(h.usage, *ev.Usage)
				h.mu.Unlock()
			case ev.Token != "":
				if !yield(ev.Token, nil) {
					h.Close()
					return
				}
			}
		}
	}
}

// Collect drains the stream and returns the concatenated text and usage reports.
func (h *StreamHandle) Collect() (string, []llm.Usage, error) {
	var sb strings.Builder
	for tok, err := range h.Tokens() {
		if err != nil {
			return sb.String(), h.Usage(), err
		}
		sb.WriteString(tok)
	}
	return sb.String(), h.Usage(), nil
}

// Usage returns the usage reports seen so far through Tokens.
func (h *StreamHandle) Usage() []llm.Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Usage(nil), h.usage...)
}

// Close abandons the stream and releases the upstream connection.
func (h *StreamHandle) Close() {
	h.cancel()
}

func (h *StreamHandle) State() State             { return h.state.get() }
func (h *StreamHandle) Attempts() int            { return h.attempts }
func (h *StreamHandle) Provider() llm.ProviderID { return h.provider }
func (h *StreamHandle) Task() TaskKind           { return h.task }
func (h *StreamHandle) Model() string            { return h.model }
