// Package ratelimit bounds the request/token rate per provider
// credential. Each bucket is an independent token bucket with continuous
// refill; unrelated providers never contend on a shared lock.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tamma/internal/fault"
)

// BucketKey identifies one (provider, credential) bucket. Two credentials
// for the same provider never share a bucket.
func BucketKey(provider, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return provider + ":" + hex.EncodeToString(sum[:8])
}

// Config sets the refill rate and capacity for a bucket.
type Config struct {
	TokensPerSecond float64
	Burst           int
}

// DefaultConfig is applied to buckets created lazily on first use with no
// explicit configuration.
var DefaultConfig = Config{TokensPerSecond: 10, Burst: 60}

// Limiter owns all rate-limit buckets. Buckets are created lazily on
// first acquire and live for the process lifetime.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	configs  map[string]Config
	fallback Config
}

// New creates a Limiter whose unconfigured buckets use DefaultConfig.
func New() *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		configs:  make(map[string]Config),
		fallback: DefaultConfig,
	}
}

// Configure sets the bucket parameters for key. An existing bucket is
// replaced wholesale; in-flight waiters finish against the old bucket.
func (l *Limiter) Configure(key string, cfg Config) error {
	if cfg.TokensPerSecond <= 0 || cfg.Burst <= 0 {
		return fault.New(fault.InvalidConfig,
			"bucket %q needs positive refill rate and capacity", key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[key] = cfg
	l.buckets[key] = rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), cfg.Burst)
	return nil
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg, ok := l.configs[key]
	if !ok {
		cfg = l.fallback
	}
	b := rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), cfg.Burst)
	l.buckets[key] = b
	return b
}

// capFor clamps cost to the bucket capacity so that a single oversized
// request degrades to "full bucket" rather than waiting forever.
func capFor(b *rate.Limiter, cost int) int {
	if burst := b.Burst(); cost > burst {
		return burst
	}
	return cost
}

// Acquire blocks until cost tokens are available in key's bucket, then
// consumes them. The wait is computed from the deficit and refill rate,
// never a busy spin. It fails only on invalid input or context expiry;
// context expiry surfaces as a Timeout fault so rate limiting fails
// closed, never open.
func (l *Limiter) Acquire(ctx context.Context, key string, cost int) error {
	if cost <= 0 {
		return fault.New(fault.InvalidRequest, "acquire cost must be positive, got %d", cost)
	}
	b := l.bucket(key)
	if err := b.WaitN(ctx, capFor(b, cost)); err != nil {
		return fault.Wrap(fault.Timeout, err,
			"rate-limit wait for %q aborted: %v", key, err)
	}
	return nil
}

// TryAcquire consumes cost tokens if they are available now. When the
// bucket cannot satisfy the request immediately it fails with RateLimited
// carrying the computed wait, leaving the bucket untouched.
func (l *Limiter) TryAcquire(key string, cost int) error {
	if cost <= 0 {
		return fault.New(fault.InvalidRequest, "acquire cost must be positive, got %d", cost)
	}
	b := l.bucket(key)
	res := b.ReserveN(time.Now(), capFor(b, cost))
	if !res.OK() {
		return fault.New(fault.RateLimited, "bucket %q cannot ever satisfy cost %d", key, cost)
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return fault.New(fault.RateLimited, "bucket %q exhausted", key).
			WithRetryAfter(roundUp(delay))
	}
	return nil
}

// Available reports the tokens currently in the bucket, for observability
// only; no caller may act on it in place of Acquire.
func (l *Limiter) Available(key string) float64 {
	return l.bucket(key).Tokens()
}

func roundUp(d time.Duration) time.Duration {
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
