// Package ai defines the adapter contract every AI provider implements.
// Adapters are leaf implementations behind this one interface; there is
// no shared adapter base beyond it.
package ai

import (
	"context"
	"time"

	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

// Provider is the vendor-facing adapter contract. Only adapters know a
// vendor's wire format; everything they return is in the unified model
// and the fault taxonomy.
type Provider interface {
	// Initialize validates configuration. It performs no network call;
	// connectivity is verified lazily on the first real request.
	Initialize(cfg Config) error

	// SendSync issues a non-streaming call and returns one response.
	SendSync(ctx context.Context, req models.Request) (*models.Response, error)

	// SendStreaming issues a streaming call. Chunks arrive in strict
	// vendor-emission order; a terminal vendor error mid-stream surfaces
	// as a final chunk with Err set, never a silent truncation.
	// Cancelling ctx tears down the underlying connection.
	SendStreaming(ctx context.Context, req models.Request) (<-chan models.StreamChunk, error)

	// Capabilities returns the adapter's descriptor. Pure, no network.
	Capabilities() models.CapabilityDescriptor

	// Models lists the models this provider can serve.
	Models(ctx context.Context) ([]models.ModelInfo, error)

	// Name returns the adapter's registered name.
	Name() string

	// Dispose releases held connections. Idempotent.
	Dispose()
}

// Config is the per-provider configuration handed to Initialize. The
// configuration loader has already resolved env overrides by the time an
// adapter sees this.
type Config struct {
	APIKey     string        `koanf:"api_key"`
	BaseURL    string        `koanf:"base_url"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	Model      string        `koanf:"model"`
}

// Validate checks required fields. BaseURL is optional (adapters carry
// vendor defaults); the key is not.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fault.New(fault.InvalidConfig, "api_key is required")
	}
	if c.Timeout < 0 {
		return fault.New(fault.InvalidConfig, "timeout must not be negative")
	}
	if c.MaxRetries < 0 {
		return fault.New(fault.InvalidConfig, "max_retries must not be negative")
	}
	return nil
}

// DefaultTimeout bounds vendor calls when the config does not set one.
const DefaultTimeout = 120 * time.Second
