// Package git defines the unified platform contract every git hosting
// adapter implements. Callers work against normalized records; platform
// identity survives only in the Platform and PlatformID metadata fields.
package git

import (
	"context"
	"fmt"
	"time"

	"github.com/tamma/pkg/models"
)

// DefaultTimeout bounds platform calls when neither the config nor the
// caller supplies one.
const DefaultTimeout = 30 * time.Second

// Config carries the per-platform connection settings.
type Config struct {
	BaseURL string        `koanf:"base_url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

// Validate rejects configs that cannot authenticate. The token value is
// never included in error messages.
func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// Platform is the unified surface over a git hosting provider. Every
// method maps failures into the shared fault taxonomy and honors the
// caller's context for cancellation.
type Platform interface {
	Name() string
	Initialize(cfg Config) error
	Capabilities() models.CapabilityDescriptor
	Dispose()

	GetRepository(ctx context.Context, owner, repo string) (*models.Repository, error)

	CreateBranch(ctx context.Context, owner, repo, name, fromRef string) (*models.Branch, error)
	GetBranch(ctx context.Context, owner, repo, name string) (*models.Branch, error)
	DeleteBranch(ctx context.Context, owner, repo, name string) error

	CreatePullRequest(ctx context.Context, owner, repo string, pr models.NewPullRequest) (*models.PullRequest, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*models.PullRequest, error)
	ListPullRequests(ctx context.Context, owner, repo string, opts models.ListOptions) ([]models.PullRequest, *models.PageInfo, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int, opts models.MergeOptions) error
	CommentOnPullRequest(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error)

	CreateIssue(ctx context.Context, owner, repo string, issue models.NewIssue) (*models.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error)
	ListIssues(ctx context.Context, owner, repo string, opts models.ListOptions) ([]models.Issue, *models.PageInfo, error)
	CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error)

	TriggerCI(ctx context.Context, owner, repo, ref string) error
	GetCIStatus(ctx context.Context, owner, repo, ref string) (*models.CIStatus, error)

	CreateWebhook(ctx context.Context, owner, repo string, hook models.NewWebhook) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, owner, repo string) ([]models.Webhook, error)
	DeleteWebhook(ctx context.Context, owner, repo string, id string) error
}
