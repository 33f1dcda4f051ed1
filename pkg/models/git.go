package models

import "time"

// Unified git entities. Each adapter constructs these from the raw
// platform payload on every call; nothing here is cached.

// Repository is the normalized repository record. Owner and Name together
// form the canonical address for all platform operations.
type Repository struct {
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Description   string    `json:"description,omitempty"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	WebURL        string    `json:"web_url"`
	CloneURL      string    `json:"clone_url,omitempty"`
	Stars         int       `json:"stars"`
	Forks         int       `json:"forks"`
	OpenIssues    int       `json:"open_issues"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`

	// Platform holds the adapter name and PlatformID the native
	// identifier (GitHub node ID, GitLab project ID). These are the only
	// fields allowed to differ between platforms for equivalent repos.
	Platform   string `json:"platform"`
	PlatformID string `json:"platform_id,omitempty"`
}

// Branch is a normalized branch record.
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected"`
}

// PullRequest normalizes GitHub pull requests, GitLab merge requests and
// Gitea pulls into one shape. Number is the user-facing number (GitLab's
// iid, never its global id).
type PullRequest struct {
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	State        string    `json:"state"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	Author       string    `json:"author"`
	HeadSHA      string    `json:"head_sha,omitempty"`
	BaseSHA      string    `json:"base_sha,omitempty"`
	WebURL       string    `json:"web_url"`
	Merged       bool      `json:"merged"`
	Draft        bool      `json:"draft"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	Platform     string    `json:"platform"`
}

// NewPullRequest carries the fields needed to open a pull request.
type NewPullRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	Draft        bool   `json:"draft,omitempty"`
}

// Issue is a normalized issue record.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	Labels    []string  `json:"labels,omitempty"`
	WebURL    string    `json:"web_url"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	Platform  string    `json:"platform"`
}

// NewIssue carries the fields needed to open an issue.
type NewIssue struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Comment is a normalized comment on a pull request or issue.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// CIState is the normalized pipeline/check state.
type CIState string

const (
	CIPending  CIState = "pending"
	CIRunning  CIState = "running"
	CISuccess  CIState = "success"
	CIFailed   CIState = "failed"
	CICanceled CIState = "canceled"
)

// CIStatus is a normalized pipeline or check-suite status for a ref.
type CIStatus struct {
	ID     string  `json:"id"`
	State  CIState `json:"state"`
	Ref    string  `json:"ref"`
	SHA    string  `json:"sha,omitempty"`
	WebURL string  `json:"web_url,omitempty"`
}

// Webhook is a normalized webhook registration.
type Webhook struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}

// NewWebhook carries the fields needed to register a webhook.
type NewWebhook struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// MergeOptions controls how a pull request is merged.
type MergeOptions struct {
	Method        string `json:"method,omitempty"` // merge, squash, rebase
	CommitMessage string `json:"commit_message,omitempty"`
}

// PaginationStrategy tags which pagination scheme a platform uses.
type PaginationStrategy string

const (
	PaginationCursor PaginationStrategy = "cursor_based"
	PaginationOffset PaginationStrategy = "offset_based"
)

// TotalAccuracy reports how trustworthy TotalCount is. Platforms that do
// not report totals cheaply are marked unknown rather than asserting a
// false count.
type TotalAccuracy string

const (
	TotalExact     TotalAccuracy = "exact"
	TotalEstimated TotalAccuracy = "estimated"
	TotalUnknown   TotalAccuracy = "unknown"
)

// PageInfo is the unified pagination descriptor attached to every list
// response. Cursor tokens are opaque and passed through byte-for-byte.
type PageInfo struct {
	Strategy      PaginationStrategy `json:"strategy"`
	Cursor        string             `json:"cursor,omitempty"`
	Page          int                `json:"page,omitempty"`
	PerPage       int                `json:"per_page,omitempty"`
	HasMore       bool               `json:"has_more"`
	TotalCount    int                `json:"total_count,omitempty"`
	TotalAccuracy TotalAccuracy      `json:"total_accuracy"`
}

// ListOptions selects a page on a list call. Cursor wins when set; page
// and per-page drive offset-based platforms.
type ListOptions struct {
	Cursor  string `json:"cursor,omitempty"`
	Page    int    `json:"page,omitempty"`
	PerPage int    `json:"per_page,omitempty"`
	State   string `json:"state,omitempty"`
}
