package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/internal/repair"
	"github.com/nulzo/novel-gateway/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream serves one scripted response per call.
type fakeUpstream struct {
	*httptest.Server
	calls atomic.Int32
}

func newFakeUpstream(t *testing.T, handlers ...http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(f.calls.Add(1))
		if n > len(handlers) {
			n = len(handlers)
		}
		handlers[n-1](w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func status(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

func chatReply(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}
}

func sseTokens(tokens ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range tokens {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

// noSleep records backoff delays without waiting.
type noSleep struct {
	delays []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.delays = append(n.delays, d)
	return ctx.Err()
}

func newTestService(sleeper *noSleep) *Service {
	return NewService(WithRetryOptions(resilience.WithSleep(sleeper.sleep)))
}

func customConfig(url string) llm.ProviderConfig {
	return llm.ProviderConfig{Provider: llm.Custom, BaseURL: url, Model: "test-model"}
}

func TestComplete_ServerErrorsThenSuccess(t *testing.T) {
	upstream := newFakeUpstream(t,
		status(http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`),
		status(http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`),
		chatReply("A lighthouse keeper finds a door in the sea."),
	)
	sleeper := &noSleep{}

	res, err := newTestService(sleeper).Complete(context.Background(), Task{Kind: TaskPremise, Prompt: "premise please"}, customConfig(upstream.URL))
	require.NoError(t, err)

	assert.Equal(t, "A lighthouse keeper finds a door in the sea.", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, upstream.calls.Load())
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []llm.Usage{{InputTokens: 10, OutputTokens: 5}}, res.Usage)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)
}

func TestComplete_RateLimitedEveryAttempt(t *testing.T) {
	upstream := newFakeUpstream(t, status(http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","code":"rate_limit_exceeded"}}`))

	_, err := newTestService(&noSleep{}).Complete(context.Background(), Task{Kind: TaskPremise, Prompt: "x"}, customConfig(upstream.URL))
	require.Error(t, err)

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, KindRateLimit, gwErr.Kind)
	assert.Equal(t, 3, gwErr.Attempts)
	assert.Equal(t, llm.Custom, gwErr.Provider)
	assert.EqualValues(t, 3, upstream.calls.Load())
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestComplete_SafetyBlockIsNotRetried(t *testing.T) {
	upstream := newFakeUpstream(t, status(http.StatusBadRequest, `{"error":{"message":"Content Exists Risk","type":"invalid_request_error"}}`))

	_, err := newTestService(&noSleep{}).Complete(context.Background(), Task{Kind: TaskChapterSummary, Prompt: "x"}, customConfig(upstream.URL))

	assert.Equal(t, KindSafetyBlock, KindOf(err))
	assert.True(t, IsSafetyBlock(err))
	assert.EqualValues(t, 1, upstream.calls.Load())
}

func TestComplete_RepairsStructuredOutput(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if assert.NotEmpty(t, body.Messages) {
			assert.Contains(t, body.Messages[len(body.Messages)-1].Content, "valid JSON only")
		}
		chatReply(`Sure! Here is the data: [{"name": Alice, "role": "Hero", "description": "tall"}] Hope that helps!`)(w, r)
	})

	res, err := newTestService(&noSleep{}).Complete(context.Background(), Task{Kind: TaskCharacters, Prompt: "characters"}, customConfig(upstream.URL))
	require.NoError(t, err)

	assert.Equal(t, repair.StrategyExtractArray, res.RepairStrategy)
	assert.Equal(t, []any{map[string]any{"name": "Alice", "role": "Hero", "description": "tall"}}, res.Value)

	var characters []struct {
		Name string `json:"name"`
	}
	require.NoError(t, res.Decode(&characters))
	assert.Equal(t, "Alice", characters[0].Name)
}

func TestComplete_UnparsableStructuredOutput(t *testing.T) {
	upstream := newFakeUpstream(t, chatReply("I would rather not."))

	_, err := newTestService(&noSleep{}).Complete(context.Background(), Task{Kind: TaskGrammar, Prompt: "x"}, customConfig(upstream.URL))

	assert.Equal(t, KindUnparsableOutput, KindOf(err))
	assert.ErrorIs(t, err, repair.ErrUnparsableOutput)
	assert.EqualValues(t, 1, upstream.calls.Load())
}

func TestComplete_SchemaNativeProvider(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			GenerationConfig struct {
				ResponseMimeType string          `json:"responseMimeType"`
				ResponseSchema   json.RawMessage `json:"responseSchema"`
			} `json:"generationConfig"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "application/json", body.GenerationConfig.ResponseMimeType)
		assert.Contains(t, string(body.GenerationConfig.ResponseSchema), `"OBJECT"`)

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"title\":\"Tides\",\"chapters\":[]}"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":9}}`))
	})

	cfg := llm.ProviderConfig{Provider: llm.Gemini, APIKey: "k", BaseURL: upstream.URL}
	res, err := newTestService(&noSleep{}).Complete(context.Background(), Task{Kind: TaskOutline, Prompt: "outline"}, cfg)
	require.NoError(t, err)

	assert.Equal(t, repair.StrategyDirect, res.RepairStrategy)
	assert.Equal(t, map[string]any{"title": "Tides", "chapters": []any{}}, res.Value)
	assert.Equal(t, "gemini-2.5-flash", res.Model)
}

func TestComplete_ConfigurationFailsFast(t *testing.T) {
	upstream := newFakeUpstream(t, chatReply("never"))

	_, err := newTestService(&noSleep{}).Complete(context.Background(), Task{Kind: TaskPremise}, llm.ProviderConfig{Provider: llm.OpenAI, BaseURL: upstream.URL})

	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, llm.ErrMissingConfiguration)
	assert.EqualValues(t, 0, upstream.calls.Load())

	_, err = newTestService(&noSleep{}).Complete(context.Background(), Task{Kind: "poem"}, customConfig(upstream.URL))
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestComplete_CancelledBeforeDispatch(t *testing.T) {
	upstream := newFakeUpstream(t, chatReply("never"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestService(&noSleep{}).Complete(ctx, Task{Kind: TaskPremise}, customConfig(upstream.URL))

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, upstream.calls.Load())
}

func TestComplete_CancelDuringBackoff(t *testing.T) {
	upstream := newFakeUpstream(t, status(http.StatusServiceUnavailable, "unavailable"))
	ctx, cancel := context.WithCancel(context.Background())

	svc := NewService(WithRetryOptions(resilience.WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})))

	_, err := svc.Complete(ctx, Task{Kind: TaskPremise}, customConfig(upstream.URL))
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.EqualValues(t, 1, upstream.calls.Load())
}

func TestRun_DispatchesByCatalogMode(t *testing.T) {
	upstream := newFakeUpstream(t, chatReply("premise text"), sseTokens("It", " was", " dark."))
	svc := newTestService(&noSleep{})

	out, err := svc.Run(context.Background(), Task{Kind: TaskPremise}, customConfig(upstream.URL))
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Nil(t, out.Stream)

	out, err = svc.Run(context.Background(), Task{Kind: TaskChapter}, customConfig(upstream.URL))
	require.NoError(t, err)
	require.NotNil(t, out.Stream)
	assert.Nil(t, out.Result)

	text, usage, err := out.Stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "It was dark.", text)
	assert.Equal(t, []llm.Usage{{InputTokens: 7, OutputTokens: 3}}, usage)
	assert.Eventually(t, func() bool { return out.Stream.State() == StateCompleted }, time.Second, 5*time.Millisecond)

	_, err = svc.Run(context.Background(), Task{Kind: "unknown"}, customConfig(upstream.URL))
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestStream_RetriesConnectionFailures(t *testing.T) {
	upstream := newFakeUpstream(t,
		status(http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`),
		sseTokens("a", "b"),
	)

	h, err := newTestService(&noSleep{}).Stream(context.Background(), Task{Kind: TaskChapter}, customConfig(upstream.URL))
	require.NoError(t, err)
	assert.Equal(t, 2, h.Attempts())

	text, _, err := h.Collect()
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestStream_FailureAfterTokensIsNotRetried(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Once\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"model overloaded\",\"type\":\"server_error\"}}\n\n")
	})

	h, err := newTestService(&noSleep{}).Stream(context.Background(), Task{Kind: TaskChapter}, customConfig(upstream.URL))
	require.NoError(t, err)

	var tokens []string
	var streamErr error
	for tok, err := range h.Tokens() {
		if err != nil {
			streamErr = err
			continue
		}
		tokens = append(tokens, tok)
	}

	assert.Equal(t, []string{"Once"}, tokens)
	assert.Equal(t, KindServer, KindOf(streamErr))
	assert.EqualValues(t, 1, upstream.calls.Load())
	assert.Eventually(t, func() bool { return h.State() == StateFailed }, time.Second, 5*time.Millisecond)
}

func TestStream_CancelMidStream(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, tok := range []string{"one ", "two ", "three ", "four ", "five "} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
			flusher.Flush()
		}
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := newTestService(&noSleep{}).Stream(ctx, Task{Kind: TaskChapter}, customConfig(upstream.URL))
	require.NoError(t, err)

	var tokens []string
	for tok, err := range h.Tokens() {
		require.NoError(t, err)
		tokens = append(tokens, tok)
		if len(tokens) == 3 {
			cancel()
		}
	}

	assert.Equal(t, []string{"one ", "two ", "three "}, tokens)
	assert.Eventually(t, func() bool { return h.State() == StateCancelled }, time.Second, 5*time.Millisecond)
}

func TestStream_BreakReleasesUpstream(t *testing.T) {
	released := make(chan struct{})
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	})

	h, err := newTestService(&noSleep{}).Stream(context.Background(), Task{Kind: TaskChapter}, customConfig(upstream.URL))
	require.NoError(t, err)

	for range h.Tokens() {
		break
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func TestStream_SafetyBlockBeforeTokens(t *testing.T) {
	upstream := newFakeUpstream(t, status(http.StatusBadRequest, `{"error":{"message":"blocked","code":"content_policy_violation"}}`))

	_, err := newTestService(&noSleep{}).Stream(context.Background(), Task{Kind: TaskChapter}, customConfig(upstream.URL))

	var blocked *llm.SafetyBlockError
	require.True(t, errors.As(err, &blocked))
	assert.EqualValues(t, 1, upstream.calls.Load())
}

func TestTaskOverrides(t *testing.T) {
	temp := 0.0
	spec, ok := Lookup(TaskCharacters)
	require.True(t, ok)

	req := Task{Kind: TaskCharacters, Prompt: "p", MaxTokens: 123, Temperature: &temp, Model: "m"}.request(spec)
	assert.Equal(t, 123, req.MaxTokens)
	assert.Equal(t, 0.0, req.Temperature)
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, ShapeArray, shapeOf(spec, req))

	text := Task{Kind: TaskFreeform}
	fspec, _ := Lookup(TaskFreeform)
	assert.Equal(t, ShapeText, shapeOf(fspec, text.request(fspec)))

	custom := Task{Kind: TaskFreeform, Schema: &llm.Schema{Type: llm.TypeObject}}
	assert.Equal(t, ShapeObject, shapeOf(fspec, custom.request(fspec)))
}

func TestCatalog(t *testing.T) {
	specs := Catalog()
	require.Len(t, specs, 8)
	for _, s := range specs {
		if s.Shape == ShapeText {
			assert.Nil(t, s.Schema, s.Kind)
		} else {
			assert.NotNil(t, s.Schema, s.Kind)
		}
	}
}

func TestStateTracker(t *testing.T) {
	var tr tracker
	assert.Equal(t, StateIdle, tr.get())
	assert.True(t, tr.set(StateDispatched))
	assert.True(t, tr.set(StateRetrying))
	assert.True(t, tr.set(StateCancelled))
	assert.False(t, tr.set(StateCompleted))
	assert.Equal(t, StateCancelled, tr.get())
	assert.Equal(t, "cancelled", tr.get().String())
}
