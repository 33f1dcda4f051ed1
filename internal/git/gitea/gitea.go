// Package gitea implements the git platform adapter for the Gitea REST
// API v1. Forgejo instances speak the same API and work unchanged.
package gitea

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/git"
	"github.com/tamma/internal/pagination"
	"github.com/tamma/pkg/models"
)

// Adapter talks to a self-hosted Gitea or Forgejo instance. There is no
// default base URL; self-hosted instances must configure one.
type Adapter struct {
	cfg         git.Config
	httpClient  *http.Client
	disposeOnce sync.Once
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "gitea" }

func (a *Adapter) Initialize(cfg git.Config) error {
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.InvalidConfig, err, "%v", err).WithProvider(a.Name())
	}
	if cfg.BaseURL == "" {
		return fault.New(fault.InvalidConfig, "base_url is required for self-hosted instances").
			WithProvider(a.Name())
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = git.DefaultTimeout
	}
	a.cfg = cfg
	a.httpClient = &http.Client{Timeout: cfg.Timeout}
	return nil
}

func (a *Adapter) Capabilities() models.CapabilityDescriptor {
	return models.CapabilityDescriptor{
		Webhooks:   true,
		CIStatus:   true,
		APIVersion: "v1",
	}
}

func (a *Adapter) Dispose() {
	a.disposeOnce.Do(func() {
		if a.httpClient != nil {
			a.httpClient.CloseIdleConnections()
		}
	})
}

func (a *Adapter) do(ctx context.Context, method, path string, payload, out interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidRequest, err, "encode payload: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+"/api/v1"+path, body)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "build request: %v", err)
	}
	req.Header.Set("Authorization", "token "+a.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fault.Wrap(fault.Timeout, err, "request timed out").WithProvider(a.Name())
		}
		return nil, fault.Wrap(fault.UpstreamError, err, "transport failure: %v", err).
			WithProvider(a.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		var retryAfter time.Duration
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, convErr := strconv.Atoi(h); convErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, fault.FromHTTPStatus(a.Name(), resp.StatusCode, retryAfter, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fault.Wrap(fault.UpstreamError, err, "decode response: %v", err).
				WithProvider(a.Name())
		}
	}
	return resp, nil
}

func listQuery(opts models.ListOptions, extra string) string {
	page := opts.Page
	if page == 0 {
		page = 1
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = pagination.DefaultPerPage
	}
	q := fmt.Sprintf("?page=%d&limit=%d", page, perPage)
	if opts.State != "" {
		q += "&state=" + opts.State
	}
	return q + extra
}

// pageInfo reads the exact total Gitea reports on every list response.
func pageInfo(resp *http.Response, opts models.ListOptions, returned int) *models.PageInfo {
	page := opts.Page
	if page == 0 {
		page = 1
	}
	info := pagination.Offset(page, opts.PerPage, returned)
	if h := resp.Header.Get("X-Total-Count"); h != "" {
		if total, err := strconv.Atoi(h); err == nil {
			pagination.WithTotal(info, total)
		}
	}
	return info
}

type wireRepo struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	HTMLURL       string    `json:"html_url"`
	CloneURL      string    `json:"clone_url"`
	Stars         int       `json:"stars_count"`
	Forks         int       `json:"forks_count"`
	OpenIssues    int       `json:"open_issues_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (a *Adapter) GetRepository(ctx context.Context, owner, repo string) (*models.Repository, error) {
	var wr wireRepo
	if _, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), nil, &wr); err != nil {
		return nil, err
	}
	return &models.Repository{
		Owner:         wr.Owner.Login,
		Name:          wr.Name,
		FullName:      wr.FullName,
		Description:   wr.Description,
		DefaultBranch: wr.DefaultBranch,
		Private:       wr.Private,
		WebURL:        wr.HTMLURL,
		CloneURL:      wr.CloneURL,
		Stars:         wr.Stars,
		Forks:         wr.Forks,
		OpenIssues:    wr.OpenIssues,
		CreatedAt:     wr.CreatedAt,
		UpdatedAt:     wr.UpdatedAt,
		Platform:      a.Name(),
		PlatformID:    strconv.FormatInt(wr.ID, 10),
	}, nil
}

type wireBranch struct {
	Name   string `json:"name"`
	Commit struct {
		ID string `json:"id"`
	} `json:"commit"`
	Protected bool `json:"protected"`
}

func toBranch(wb wireBranch) *models.Branch {
	return &models.Branch{Name: wb.Name, SHA: wb.Commit.ID, Protected: wb.Protected}
}

func (a *Adapter) CreateBranch(ctx context.Context, owner, repo, name, fromRef string) (*models.Branch, error) {
	payload := map[string]string{"new_branch_name": name, "old_ref_name": fromRef}
	var wb wireBranch
	path := fmt.Sprintf("/repos/%s/%s/branches", owner, repo)
	if _, err := a.do(ctx, http.MethodPost, path, payload, &wb); err != nil {
		return nil, err
	}
	return toBranch(wb), nil
}

func (a *Adapter) GetBranch(ctx context.Context, owner, repo, name string) (*models.Branch, error) {
	var wb wireBranch
	path := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, name)
	if _, err := a.do(ctx, http.MethodGet, path, nil, &wb); err != nil {
		return nil, err
	}
	return toBranch(wb), nil
}

func (a *Adapter) DeleteBranch(ctx context.Context, owner, repo, name string) error {
	path := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, name)
	_, err := a.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

type wirePull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"base"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *Adapter) toPull(wp wirePull) models.PullRequest {
	return models.PullRequest{
		Number:       wp.Number,
		Title:        strings.TrimPrefix(wp.Title, "WIP: "),
		Description:  wp.Body,
		State:        wp.State,
		SourceBranch: wp.Head.Ref,
		TargetBranch: wp.Base.Ref,
		Author:       wp.User.Login,
		HeadSHA:      wp.Head.SHA,
		BaseSHA:      wp.Base.SHA,
		WebURL:       wp.HTMLURL,
		Merged:       wp.Merged,
		Draft:        strings.HasPrefix(wp.Title, "WIP: "),
		CreatedAt:    wp.CreatedAt,
		UpdatedAt:    wp.UpdatedAt,
		Platform:     a.Name(),
	}
}

func (a *Adapter) CreatePullRequest(ctx context.Context, owner, repo string, pr models.NewPullRequest) (*models.PullRequest, error) {
	title := pr.Title
	// Gitea flags drafts through the WIP title convention.
	if pr.Draft {
		title = "WIP: " + title
	}
	payload := map[string]string{
		"title": title,
		"body":  pr.Description,
		"head":  pr.SourceBranch,
		"base":  pr.TargetBranch,
	}
	var wp wirePull
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if _, err := a.do(ctx, http.MethodPost, path, payload, &wp); err != nil {
		return nil, err
	}
	out := a.toPull(wp)
	return &out, nil
}

func (a *Adapter) GetPullRequest(ctx context.Context, owner, repo string, number int) (*models.PullRequest, error) {
	var wp wirePull
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if _, err := a.do(ctx, http.MethodGet, path, nil, &wp); err != nil {
		return nil, err
	}
	out := a.toPull(wp)
	return &out, nil
}

func (a *Adapter) ListPullRequests(ctx context.Context, owner, repo string, opts models.ListOptions) ([]models.PullRequest, *models.PageInfo, error) {
	var wire []wirePull
	path := fmt.Sprintf("/repos/%s/%s/pulls%s", owner, repo, listQuery(opts, ""))
	resp, err := a.do(ctx, http.MethodGet, path, nil, &wire)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.PullRequest, 0, len(wire))
	for _, wp := range wire {
		out = append(out, a.toPull(wp))
	}
	return out, pageInfo(resp, opts, len(out)), nil
}

func (a *Adapter) MergePullRequest(ctx context.Context, owner, repo string, number int, opts models.MergeOptions) error {
	method := opts.Method
	if method == "" {
		method = "merge"
	}
	payload := map[string]string{"Do": method}
	if opts.CommitMessage != "" {
		payload["MergeMessageField"] = opts.CommitMessage
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	_, err := a.do(ctx, http.MethodPost, path, payload, nil)
	return err
}

type wireComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// postComment serves both pull requests and issues; Gitea shares the
// issue comment endpoint between the two, like GitHub.
func (a *Adapter) postComment(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error) {
	var wc wireComment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if _, err := a.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &wc); err != nil {
		return nil, err
	}
	return &models.Comment{
		ID:        strconv.FormatInt(wc.ID, 10),
		Body:      wc.Body,
		Author:    wc.User.Login,
		CreatedAt: wc.CreatedAt,
	}, nil
}

func (a *Adapter) CommentOnPullRequest(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error) {
	return a.postComment(ctx, owner, repo, number, body)
}

func (a *Adapter) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error) {
	return a.postComment(ctx, owner, repo, number, body)
}

type wireIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *Adapter) toIssue(wi wireIssue) models.Issue {
	labels := make([]string, 0, len(wi.Labels))
	for _, l := range wi.Labels {
		labels = append(labels, l.Name)
	}
	return models.Issue{
		Number:    wi.Number,
		Title:     wi.Title,
		Body:      wi.Body,
		State:     wi.State,
		Author:    wi.User.Login,
		Labels:    labels,
		WebURL:    wi.HTMLURL,
		CreatedAt: wi.CreatedAt,
		Platform:  a.Name(),
	}
}

func (a *Adapter) CreateIssue(ctx context.Context, owner, repo string, issue models.NewIssue) (*models.Issue, error) {
	payload := map[string]interface{}{"title": issue.Title, "body": issue.Body}
	var wi wireIssue
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	if _, err := a.do(ctx, http.MethodPost, path, payload, &wi); err != nil {
		return nil, err
	}
	out := a.toIssue(wi)
	return &out, nil
}

func (a *Adapter) GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	var wi wireIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if _, err := a.do(ctx, http.MethodGet, path, nil, &wi); err != nil {
		return nil, err
	}
	out := a.toIssue(wi)
	return &out, nil
}

func (a *Adapter) ListIssues(ctx context.Context, owner, repo string, opts models.ListOptions) ([]models.Issue, *models.PageInfo, error) {
	var wire []wireIssue
	path := fmt.Sprintf("/repos/%s/%s/issues%s", owner, repo, listQuery(opts, "&type=issues"))
	resp, err := a.do(ctx, http.MethodGet, path, nil, &wire)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.Issue, 0, len(wire))
	for _, wi := range wire {
		if wi.PullRequest != nil {
			continue
		}
		out = append(out, a.toIssue(wi))
	}
	return out, pageInfo(resp, opts, len(out)), nil
}

// TriggerCI has no native endpoint; an empty-commit push or repo action
// dispatch is instance-specific, so this surfaces as unsupported.
func (a *Adapter) TriggerCI(ctx context.Context, owner, repo, ref string) error {
	return fault.New(fault.InvalidRequest, "gitea does not expose a CI trigger endpoint").
		WithProvider(a.Name())
}

type wireCommitStatus struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	SHA       string `json:"sha"`
	TargetURL string `json:"target_url"`
}

func (a *Adapter) GetCIStatus(ctx context.Context, owner, repo, ref string) (*models.CIStatus, error) {
	var ws wireCommitStatus
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, ref)
	if _, err := a.do(ctx, http.MethodGet, path, nil, &ws); err != nil {
		return nil, err
	}
	return &models.CIStatus{
		ID:     strconv.FormatInt(ws.ID, 10),
		State:  mapCommitStatus(ws.Status),
		Ref:    ref,
		SHA:    ws.SHA,
		WebURL: ws.TargetURL,
	}, nil
}

func mapCommitStatus(status string) models.CIState {
	switch status {
	case "pending":
		return models.CIPending
	case "success":
		return models.CISuccess
	case "error", "failure":
		return models.CIFailed
	}
	return models.CIPending
}

type wireHook struct {
	ID     int64    `json:"id"`
	Active bool     `json:"active"`
	Events []string `json:"events"`
	Config struct {
		URL string `json:"url"`
	} `json:"config"`
}

func toHook(wh wireHook) models.Webhook {
	return models.Webhook{
		ID:     strconv.FormatInt(wh.ID, 10),
		URL:    wh.Config.URL,
		Events: wh.Events,
		Active: wh.Active,
	}
}

func (a *Adapter) CreateWebhook(ctx context.Context, owner, repo string, hook models.NewWebhook) (*models.Webhook, error) {
	cfg := map[string]string{"url": hook.URL, "content_type": "json"}
	if hook.Secret != "" {
		cfg["secret"] = hook.Secret
	}
	payload := map[string]interface{}{
		"type":   "gitea",
		"config": cfg,
		"events": hook.Events,
		"active": true,
	}
	var wh wireHook
	path := fmt.Sprintf("/repos/%s/%s/hooks", owner, repo)
	if _, err := a.do(ctx, http.MethodPost, path, payload, &wh); err != nil {
		return nil, err
	}
	out := toHook(wh)
	return &out, nil
}

func (a *Adapter) ListWebhooks(ctx context.Context, owner, repo string) ([]models.Webhook, error) {
	var wire []wireHook
	path := fmt.Sprintf("/repos/%s/%s/hooks", owner, repo)
	if _, err := a.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]models.Webhook, 0, len(wire))
	for _, wh := range wire {
		out = append(out, toHook(wh))
	}
	return out, nil
}

func (a *Adapter) DeleteWebhook(ctx context.Context, owner, repo string, id string) error {
	path := fmt.Sprintf("/repos/%s/%s/hooks/%s", owner, repo, id)
	_, err := a.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}
