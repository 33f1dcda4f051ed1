// Package dispatch is the façade callers go through to reach AI
// providers and git platforms. It owns capability selection, rate-limit
// permits and per-call state; it never rewrites adapter faults.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tamma/internal/ai"
	"github.com/tamma/internal/estimate"
	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/ratelimit"
	"github.com/tamma/internal/registry"
	"github.com/tamma/internal/retry"
	"github.com/tamma/pkg/models"
)

// CallState tracks one dispatched call through its lifecycle.
type CallState string

const (
	StatePending       CallState = "pending"
	StateRateLimitWait CallState = "rate_limit_wait"
	StateInFlight      CallState = "in_flight"
	StateCompleted     CallState = "completed"
	StateFailed        CallState = "failed"
)

// Call is the per-dispatch record. A new Call is minted for every send;
// IDs are never reused.
type Call struct {
	ID       string
	Provider string
	State    CallState
}

// Observer receives every state transition. Nil observers are allowed.
type Observer func(Call)

const defaultPermitRetries = 3

// AIDispatcher routes unified requests to registered AI providers.
type AIDispatcher struct {
	registry  *registry.Registry[ai.Provider]
	limiter   *ratelimit.Limiter
	estimator estimate.Estimator
	mu        sync.RWMutex
	buckets   map[string]string // provider name -> bucket key, guarded by mu
	retries   int
	observer  Observer
}

// AIOption configures an AIDispatcher.
type AIOption func(*AIDispatcher)

// WithEstimator replaces the default word-count estimator.
func WithEstimator(e estimate.Estimator) AIOption {
	return func(d *AIDispatcher) { d.estimator = e }
}

// WithPermitRetries bounds how often a denied permit is retried before
// the RateLimited fault surfaces to the caller.
func WithPermitRetries(n int) AIOption {
	return func(d *AIDispatcher) { d.retries = n }
}

// WithObserver registers a state-transition observer.
func WithObserver(o Observer) AIOption {
	return func(d *AIDispatcher) { d.observer = o }
}

// NewAIDispatcher builds a dispatcher over the shared limiter.
func NewAIDispatcher(limiter *ratelimit.Limiter, opts ...AIOption) *AIDispatcher {
	d := &AIDispatcher{
		registry:  registry.New[ai.Provider](),
		limiter:   limiter,
		estimator: estimate.WordEstimator{},
		buckets:   map[string]string{},
		retries:   defaultPermitRetries,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a provider under name. The credential is fingerprinted
// into the provider's rate-limit bucket key and not retained.
func (d *AIDispatcher) Register(name string, provider ai.Provider, credential string) error {
	if err := d.registry.Register(name, provider, provider.Capabilities()); err != nil {
		return err
	}
	d.mu.Lock()
	d.buckets[name] = ratelimit.BucketKey(name, credential)
	d.mu.Unlock()
	return nil
}

// Names lists registered providers in sorted order.
func (d *AIDispatcher) Names() []string { return d.registry.Names() }

// Capabilities returns the stored descriptor snapshot for name.
func (d *AIDispatcher) Capabilities(name string) (models.CapabilityDescriptor, error) {
	entry, err := d.registry.Get(name)
	if err != nil {
		return models.CapabilityDescriptor{}, err
	}
	return entry.Descriptor, nil
}

// RefreshCapabilities re-reads the live descriptor from the adapter and
// replaces the stored snapshot.
func (d *AIDispatcher) RefreshCapabilities(name string) error {
	entry, err := d.registry.Get(name)
	if err != nil {
		return err
	}
	return d.registry.RefreshDescriptor(name, entry.Adapter.Capabilities())
}

// Models lists the models provider name can serve. Results are read
// through to the adapter on every call.
func (d *AIDispatcher) Models(ctx context.Context, name string) ([]models.ModelInfo, error) {
	entry, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return entry.Adapter.Models(ctx)
}

func (d *AIDispatcher) transition(call *Call, state CallState) {
	call.State = state
	log.Debug().
		Str("call_id", call.ID).
		Str("provider", call.Provider).
		Str("state", string(state)).
		Msg("Dispatch state change")
	if d.observer != nil {
		d.observer(*call)
	}
}

// requiredCapabilities derives the capability flags a request needs.
func requiredCapabilities(req models.Request) []string {
	var caps []string
	if req.Stream {
		caps = append(caps, models.CapStreaming)
	}
	if len(req.Tools) > 0 {
		caps = append(caps, models.CapToolUse)
	}
	return caps
}

// selectProvider picks the first registered provider, in sorted name
// order, whose descriptor advertises every required capability.
func (d *AIDispatcher) selectProvider(req models.Request) (string, error) {
	candidates := d.registry.Names()
	for _, capability := range requiredCapabilities(req) {
		candidates = intersect(candidates, d.registry.ListByCapability(capability))
	}
	if len(candidates) == 0 {
		return "", fault.New(fault.NoCapableProvider,
			"no registered provider satisfies the request capabilities")
	}
	return candidates[0], nil
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	out := a[:0]
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

// acquirePermit sizes the permit by the estimator and retries denied
// permits with backoff, honoring retry-after hints. After the retry
// budget the RateLimited fault surfaces unchanged.
func (d *AIDispatcher) acquirePermit(ctx context.Context, call *Call, cost int) error {
	d.mu.RLock()
	key := d.buckets[call.Provider]
	d.mu.RUnlock()
	err := d.limiter.TryAcquire(key, cost)
	if err == nil {
		return nil
	}
	if !fault.IsCode(err, fault.RateLimited) {
		return err
	}

	d.transition(call, StateRateLimitWait)
	result := retry.WithBackoff(ctx, retry.RateLimitConfig(d.retries), func() error {
		return d.limiter.TryAcquire(key, cost)
	})
	if result.Success {
		return nil
	}
	return result.LastError
}

// Send validates, selects a capable provider and dispatches.
func (d *AIDispatcher) Send(ctx context.Context, req models.Request) (*models.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err)
	}
	name, err := d.selectProvider(req)
	if err != nil {
		return nil, err
	}
	return d.SendTo(ctx, name, req)
}

// SendTo dispatches to the named provider directly. Faults raised by the
// adapter pass through with their code, retryability and retry-after
// hints intact.
func (d *AIDispatcher) SendTo(ctx context.Context, name string, req models.Request) (*models.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err)
	}
	entry, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}

	call := &Call{ID: uuid.NewString(), Provider: name}
	d.transition(call, StatePending)

	if err := d.acquirePermit(ctx, call, d.estimator.EstimateTokens(req)); err != nil {
		d.transition(call, StateFailed)
		return nil, err
	}

	d.transition(call, StateInFlight)
	resp, err := entry.Adapter.SendSync(ctx, req)
	if err != nil {
		d.transition(call, StateFailed)
		return nil, err
	}
	d.transition(call, StateCompleted)
	return resp, nil
}

// Stream dispatches a streaming request. Selection and permits behave
// exactly as Send; the call completes when the stream closes.
func (d *AIDispatcher) Stream(ctx context.Context, req models.Request) (<-chan models.StreamChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err)
	}
	req.Stream = true
	name, err := d.selectProvider(req)
	if err != nil {
		return nil, err
	}
	return d.StreamTo(ctx, name, req)
}

// StreamTo opens a stream on the named provider.
func (d *AIDispatcher) StreamTo(ctx context.Context, name string, req models.Request) (<-chan models.StreamChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "%v", err)
	}
	entry, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}

	call := &Call{ID: uuid.NewString(), Provider: name}
	d.transition(call, StatePending)

	if err := d.acquirePermit(ctx, call, d.estimator.EstimateTokens(req)); err != nil {
		d.transition(call, StateFailed)
		return nil, err
	}

	d.transition(call, StateInFlight)
	upstream, err := entry.Adapter.SendStreaming(ctx, req)
	if err != nil {
		d.transition(call, StateFailed)
		return nil, err
	}

	// Relay chunks so the terminal state reflects how the stream ended.
	out := make(chan models.StreamChunk)
	go func() {
		defer close(out)
		failed := false
		for chunk := range upstream {
			if chunk.Err != nil {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				d.transition(call, StateFailed)
				return
			}
		}
		if failed {
			d.transition(call, StateFailed)
		} else {
			d.transition(call, StateCompleted)
		}
	}()
	return out, nil
}
