package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/AICouncil/internal/metrics"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

const defaultTimeout = 120 * time.Second

// AdapterOptions configures an Adapter. Zero values mean no rate limit, no
// cost accounting and no interaction recording.
type AdapterOptions struct {
	Timeout           time.Duration
	RequestsPerMinute int
	CostPer1KTokens   float64
	Recorder          Recorder
	Logger            *zap.Logger
}

// Adapter wraps one provider's research and search backends. It performs no
// retries; a failed call is reported once and recorded once.
type Adapter struct {
	name       string
	researcher Researcher
	searcher   Searcher
	timeout    time.Duration
	limiter    *rate.Limiter
	costPer1K  float64
	recorder   Recorder
	logger     *zap.Logger
}

// NewAdapter creates an adapter. searcher may be nil, in which case
// WebSearch always fails with ErrNoSearch.
func NewAdapter(name string, researcher Researcher, searcher Searcher, opts AdapterOptions) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return &Adapter{
		name:       name,
		researcher: researcher,
		searcher:   searcher,
		timeout:    opts.Timeout,
		limiter:    limiter,
		costPer1K:  opts.CostPer1KTokens,
		recorder:   opts.Recorder,
		logger:     opts.Logger.With(zap.String("provider", name)),
	}
}

// Name returns the provider name.
func (a *Adapter) Name() string { return a.name }

// HasSearch reports whether the provider has a web search backend.
func (a *Adapter) HasSearch() bool { return a.searcher != nil }

// Research runs deep research on topic.
func (a *Adapter) Research(ctx context.Context, topic string) (*tree.Payload, error) {
	res, elapsed, err := invoke(ctx, a, OpResearch, func(ctx context.Context) (*Result, error) {
		return a.researcher.Research(ctx, topic)
	})
	if err == nil && res == nil {
		err = a.callError(OpResearch, elapsed, ErrProviderFailed, errors.New("empty research result"))
	}
	if err != nil {
		a.record(ctx, OpResearch, topic, "", 0, err)
		return nil, err
	}
	a.record(ctx, OpResearch, topic, res.Raw, res.Tokens, nil)
	payload := res.Payload
	if payload == nil {
		payload = &tree.Payload{}
	}
	return payload, nil
}

// WebSearch returns web results for topic.
func (a *Adapter) WebSearch(ctx context.Context, topic string) ([]tree.WebResult, error) {
	if a.searcher == nil {
		return nil, a.callError(OpWebSearch, 0, ErrNoSearch, nil)
	}
	results, _, err := invoke(ctx, a, OpWebSearch, func(ctx context.Context) ([]tree.WebResult, error) {
		return a.searcher.Search(ctx, topic)
	})
	if err != nil {
		a.record(ctx, OpWebSearch, topic, "", 0, err)
		return nil, err
	}
	raw, _ := json.Marshal(results)
	a.record(ctx, OpWebSearch, topic, string(raw), 0, nil)
	return results, nil
}

type outcome[T any] struct {
	v   T
	err error
}

// invoke runs fn under the adapter's timeout and rate limit. The call runs in
// its own goroutine so that a backend ignoring its context cannot hold the
// caller past the deadline; a panicking backend is reported as a failure.
func invoke[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	var zero T
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	observe := func(result string) {
		metrics.ProviderCallDuration.WithLabelValues(a.name, op, result).Observe(time.Since(start).Seconds())
	}

	if err := a.limiter.Wait(callCtx); err != nil {
		observe("timeout")
		return zero, time.Since(start), a.callError(op, time.Since(start), a.kindOf(ctx, callCtx, err, true), err)
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- outcome[T]{v: v, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			kind := a.kindOf(ctx, callCtx, out.err, false)
			observe(resultLabel(kind))
			return zero, elapsed, a.callError(op, elapsed, kind, out.err)
		}
		observe("ok")
		return out.v, elapsed, nil
	case <-callCtx.Done():
		elapsed := time.Since(start)
		kind := a.kindOf(ctx, callCtx, callCtx.Err(), false)
		observe(resultLabel(kind))
		return zero, elapsed, a.callError(op, elapsed, kind, nil)
	}
}

// kindOf decides whether a failure was the provider's own deadline. A
// cancelled parent context is a failure, not a timeout.
func (a *Adapter) kindOf(parent, call context.Context, err error, limiter bool) error {
	if parent.Err() != nil {
		return ErrProviderFailed
	}
	if limiter || errors.Is(err, context.DeadlineExceeded) || errors.Is(call.Err(), context.DeadlineExceeded) {
		return ErrProviderTimeout
	}
	return ErrProviderFailed
}

func resultLabel(kind error) string {
	if errors.Is(kind, ErrProviderTimeout) {
		return "timeout"
	}
	return "error"
}

func (a *Adapter) callError(op string, elapsed time.Duration, kind, err error) *CallError {
	if errors.Is(kind, ErrProviderTimeout) && err == nil {
		err = fmt.Errorf("no response within %s", a.timeout)
	}
	return &CallError{Provider: a.name, Operation: op, Elapsed: elapsed, Kind: kind, Err: err}
}

// record appends the interaction for one call. Recording failures are logged
// and never change the call's outcome.
func (a *Adapter) record(ctx context.Context, op, topic, response string, tokens int, callErr error) {
	if a.recorder == nil {
		return
	}
	scope := ScopeFrom(ctx)
	if tokens <= 0 {
		tokens = EstimateTokens(topic, response)
	}
	rec := &tree.Interaction{
		GuideID:   scope.GuideID,
		Provider:  a.name,
		NodeID:    scope.NodeID,
		Operation: op,
		Topic:     topic,
		Response:  response,
		Tokens:    tokens,
		CostUSD:   float64(tokens) / 1000 * a.costPer1K,
		Success:   callErr == nil,
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if err := a.recorder.AppendInteraction(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn("recording interaction failed",
			zap.String("operation", op),
			zap.String("guide", scope.GuideID),
			zap.Error(err))
	}
}
