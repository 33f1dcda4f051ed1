package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/git"
	"github.com/tamma/internal/ratelimit"
	"github.com/tamma/internal/registry"
	"github.com/tamma/internal/retry"
	"github.com/tamma/pkg/models"
)

// GitDispatcher routes unified git operations to registered platforms.
// Every operation costs one permit from the platform's bucket; git API
// limits count requests, not tokens.
type GitDispatcher struct {
	registry *registry.Registry[git.Platform]
	limiter  *ratelimit.Limiter
	mu       sync.RWMutex
	buckets  map[string]string // platform name -> bucket key, guarded by mu
	retries  int
	observer Observer
}

// GitOption configures a GitDispatcher.
type GitOption func(*GitDispatcher)

// WithGitPermitRetries bounds denied-permit retries.
func WithGitPermitRetries(n int) GitOption {
	return func(d *GitDispatcher) { d.retries = n }
}

// WithGitObserver registers a state-transition observer.
func WithGitObserver(o Observer) GitOption {
	return func(d *GitDispatcher) { d.observer = o }
}

// NewGitDispatcher builds a dispatcher over the shared limiter.
func NewGitDispatcher(limiter *ratelimit.Limiter, opts ...GitOption) *GitDispatcher {
	d := &GitDispatcher{
		registry: registry.New[git.Platform](),
		limiter:  limiter,
		buckets:  map[string]string{},
		retries:  defaultPermitRetries,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a platform under name. The token is fingerprinted into
// the bucket key and not retained.
func (d *GitDispatcher) Register(name string, platform git.Platform, token string) error {
	if err := d.registry.Register(name, platform, platform.Capabilities()); err != nil {
		return err
	}
	d.mu.Lock()
	d.buckets[name] = ratelimit.BucketKey(name, token)
	d.mu.Unlock()
	return nil
}

// Names lists registered platforms in sorted order.
func (d *GitDispatcher) Names() []string { return d.registry.Names() }

// Capabilities returns the stored descriptor snapshot for name.
func (d *GitDispatcher) Capabilities(name string) (models.CapabilityDescriptor, error) {
	entry, err := d.registry.Get(name)
	if err != nil {
		return models.CapabilityDescriptor{}, err
	}
	return entry.Descriptor, nil
}

// RefreshCapabilities replaces the stored snapshot with the adapter's
// live descriptor.
func (d *GitDispatcher) RefreshCapabilities(name string) error {
	entry, err := d.registry.Get(name)
	if err != nil {
		return err
	}
	return d.registry.RefreshDescriptor(name, entry.Adapter.Capabilities())
}

// ListByCapability returns platforms advertising the capability flag,
// sorted by name.
func (d *GitDispatcher) ListByCapability(flag string) []string {
	return d.registry.ListByCapability(flag)
}

func (d *GitDispatcher) transition(call *Call, state CallState) {
	call.State = state
	if d.observer != nil {
		d.observer(*call)
	}
}

// Do runs fn against the named platform under a one-request permit.
// Faults raised inside fn pass through unchanged. Do is the canonical
// path to every platform operation; the named wrappers below cover the
// read paths the CLI uses and add nothing beyond Do.
func (d *GitDispatcher) Do(ctx context.Context, name string, fn func(git.Platform) error) error {
	entry, err := d.registry.Get(name)
	if err != nil {
		return err
	}

	call := &Call{ID: uuid.NewString(), Provider: name}
	d.transition(call, StatePending)

	if err := d.acquirePermit(ctx, call); err != nil {
		d.transition(call, StateFailed)
		return err
	}

	d.transition(call, StateInFlight)
	if err := fn(entry.Adapter); err != nil {
		d.transition(call, StateFailed)
		return err
	}
	d.transition(call, StateCompleted)
	return nil
}

func (d *GitDispatcher) acquirePermit(ctx context.Context, call *Call) error {
	d.mu.RLock()
	key := d.buckets[call.Provider]
	d.mu.RUnlock()
	err := d.limiter.TryAcquire(key, 1)
	if err == nil {
		return nil
	}
	if !fault.IsCode(err, fault.RateLimited) {
		return err
	}

	d.transition(call, StateRateLimitWait)
	result := retry.WithBackoff(ctx, retry.RateLimitConfig(d.retries), func() error {
		return d.limiter.TryAcquire(key, 1)
	})
	if result.Success {
		return nil
	}
	return result.LastError
}

// GetRepository fetches the normalized repository record from name.
func (d *GitDispatcher) GetRepository(ctx context.Context, name, owner, repo string) (*models.Repository, error) {
	var out *models.Repository
	err := d.Do(ctx, name, func(p git.Platform) error {
		var opErr error
		out, opErr = p.GetRepository(ctx, owner, repo)
		return opErr
	})
	return out, err
}

// ListPullRequests lists pull requests from name with unified paging.
func (d *GitDispatcher) ListPullRequests(ctx context.Context, name, owner, repo string, opts models.ListOptions) ([]models.PullRequest, *models.PageInfo, error) {
	var (
		out  []models.PullRequest
		info *models.PageInfo
	)
	err := d.Do(ctx, name, func(p git.Platform) error {
		var opErr error
		out, info, opErr = p.ListPullRequests(ctx, owner, repo, opts)
		return opErr
	})
	return out, info, err
}

// ListIssues lists issues from name with unified paging.
func (d *GitDispatcher) ListIssues(ctx context.Context, name, owner, repo string, opts models.ListOptions) ([]models.Issue, *models.PageInfo, error) {
	var (
		out  []models.Issue
		info *models.PageInfo
	)
	err := d.Do(ctx, name, func(p git.Platform) error {
		var opErr error
		out, info, opErr = p.ListIssues(ctx, owner, repo, opts)
		return opErr
	})
	return out, info, err
}

// GetCIStatus reads the normalized CI state for ref from name.
func (d *GitDispatcher) GetCIStatus(ctx context.Context, name, owner, repo, ref string) (*models.CIStatus, error) {
	var out *models.CIStatus
	err := d.Do(ctx, name, func(p git.Platform) error {
		var opErr error
		out, opErr = p.GetCIStatus(ctx, owner, repo, ref)
		return opErr
	})
	return out, err
}
