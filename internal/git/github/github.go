// Package github implements the git platform adapter for the GitHub
// REST API v3.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/git"
	"github.com/tamma/internal/pagination"
	"github.com/tamma/pkg/models"
)

const defaultBaseURL = "https://api.github.com"

// Adapter talks to the GitHub REST API with a personal access token.
type Adapter struct {
	cfg         git.Config
	httpClient  *http.Client
	disposeOnce sync.Once
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "github" }

func (a *Adapter) Initialize(cfg git.Config) error {
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.InvalidConfig, err, "%v", err).WithProvider(a.Name())
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
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
		APIVersion: "2022-11-28",
	}
}

func (a *Adapter) Dispose() {
	a.disposeOnce.Do(func() {
		if a.httpClient != nil {
			a.httpClient.CloseIdleConnections()
		}
	})
}

// do issues one API call and decodes the response into out when out is
// non-nil. The returned response is only used for header access; its
// body is already consumed.
func (a *Adapter) do(ctx context.Context, method, path string, payload, out interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidRequest, err, "encode payload: %v", err)
		}
		body = bytes.NewReader(data)
	}

	url := path
	if !strings.HasPrefix(path, "http") {
		url = a.cfg.BaseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "build request: %v", err)
	}
	req.Header.Set("Authorization", "token "+a.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
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
		return nil, fault.FromHTTPStatus(a.Name(), resp.StatusCode, retryAfterFrom(resp), string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fault.Wrap(fault.UpstreamError, err, "decode response: %v", err).
				WithProvider(a.Name())
		}
	}
	return resp, nil
}

// retryAfterFrom prefers Retry-After and falls back to the rate-limit
// reset timestamp GitHub sends on secondary limits.
func retryAfterFrom(resp *http.Response) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if h := resp.Header.Get("X-RateLimit-Reset"); h != "" {
		if unix, err := strconv.ParseInt(h, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextCursor extracts the next-page URL from the Link header. The URL is
// the opaque continuation token; it is never parsed or rewritten.
func nextCursor(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	if m := nextLinkRe.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
		return m[1]
	}
	return ""
}

func listPath(base string, opts models.ListOptions) string {
	// A cursor is a complete continuation URL from a previous page.
	if opts.Cursor != "" {
		return opts.Cursor
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = pagination.DefaultPerPage
	}
	path := fmt.Sprintf("%s?per_page=%d", base, perPage)
	if opts.State != "" {
		path += "&state=" + opts.State
	}
	return path
}

type wireRepo struct {
	NodeID        string    `json:"node_id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	HTMLURL       string    `json:"html_url"`
	CloneURL      string    `json:"clone_url"`
	Stars         int       `json:"stargazers_count"`
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
		PlatformID:    wr.NodeID,
	}, nil
}

type wireBranch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
	Protected bool `json:"protected"`
}

func (a *Adapter) GetBranch(ctx context.Context, owner, repo, name string) (*models.Branch, error) {
	var wb wireBranch
	path := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, name)
	if _, err := a.do(ctx, http.MethodGet, path, nil, &wb); err != nil {
		return nil, err
	}
	return &models.Branch{Name: wb.Name, SHA: wb.Commit.SHA, Protected: wb.Protected}, nil
}

// CreateBranch resolves fromRef to a SHA and creates the matching git
// ref. GitHub has no branch-creation endpoint of its own.
func (a *Adapter) CreateBranch(ctx context.Context, owner, repo, name, fromRef string) (*models.Branch, error) {
	base, err := a.GetBranch(ctx, owner, repo, fromRef)
	if err != nil {
		return nil, err
	}
	payload := map[string]string{
		"ref": "refs/heads/" + name,
		"sha": base.SHA,
	}
	path := fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo)
	if _, err := a.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return nil, err
	}
	return &models.Branch{Name: name, SHA: base.SHA}, nil
}

func (a *Adapter) DeleteBranch(ctx context.Context, owner, repo, name string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, name)
	_, err := a.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

type wirePull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Draft   bool   `json:"draft"`
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
	MergedAt  *time.Time `json:"merged_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (a *Adapter) toPull(wp wirePull) models.PullRequest {
	return models.PullRequest{
		Number:       wp.Number,
		Title:        wp.Title,
		Description:  wp.Body,
		State:        wp.State,
		SourceBranch: wp.Head.Ref,
		TargetBranch: wp.Base.Ref,
		Author:       wp.User.Login,
		HeadSHA:      wp.Head.SHA,
		BaseSHA:      wp.Base.SHA,
		WebURL:       wp.HTMLURL,
		Merged:       wp.Merged || wp.MergedAt != nil,
		Draft:        wp.Draft,
		CreatedAt:    wp.CreatedAt,
		UpdatedAt:    wp.UpdatedAt,
		Platform:     a.Name(),
	}
}

func (a *Adapter) CreatePullRequest(ctx context.Context, owner, repo string, pr models.NewPullRequest) (*models.PullRequest, error) {
	payload := map[string]interface{}{
		"title": pr.Title,
		"body":  pr.Description,
		"head":  pr.SourceBranch,
		"base":  pr.TargetBranch,
		"draft": pr.Draft,
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
	base := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	resp, err := a.do(ctx, http.MethodGet, listPath(base, opts), nil, &wire)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.PullRequest, 0, len(wire))
	for _, wp := range wire {
		out = append(out, a.toPull(wp))
	}
	return out, pagination.Cursor(nextCursor(resp), opts.PerPage), nil
}

func (a *Adapter) MergePullRequest(ctx context.Context, owner, repo string, number int, opts models.MergeOptions) error {
	payload := map[string]string{}
	if opts.Method != "" {
		payload["merge_method"] = opts.Method
	}
	if opts.CommitMessage != "" {
		payload["commit_message"] = opts.CommitMessage
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	_, err := a.do(ctx, http.MethodPut, path, payload, nil)
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

func (a *Adapter) postComment(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error) {
	var wc wireComment
	// Pull request conversation comments live on the issues endpoint.
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
	if len(issue.Labels) > 0 {
		payload["labels"] = issue.Labels
	}
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
	base := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	resp, err := a.do(ctx, http.MethodGet, listPath(base, opts), nil, &wire)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.Issue, 0, len(wire))
	for _, wi := range wire {
		// The issues endpoint also returns pull requests; drop those.
		if wi.PullRequest != nil {
			continue
		}
		out = append(out, a.toIssue(wi))
	}
	return out, pagination.Cursor(nextCursor(resp), opts.PerPage), nil
}

// TriggerCI dispatches the repository's default workflow on ref via the
// actions workflow-dispatch endpoint.
func (a *Adapter) TriggerCI(ctx context.Context, owner, repo, ref string) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/ci.yml/dispatches", owner, repo)
	if _, err := a.do(ctx, http.MethodPost, path, map[string]string{"ref": ref}, nil); err != nil {
		log.Debug().Str("platform", a.Name()).Str("ref", ref).Msg("Workflow dispatch failed")
		return err
	}
	return nil
}

type wireCheckRuns struct {
	CheckRuns []struct {
		ID         int64  `json:"id"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadSHA    string `json:"head_sha"`
		HTMLURL    string `json:"html_url"`
	} `json:"check_runs"`
}

func (a *Adapter) GetCIStatus(ctx context.Context, owner, repo, ref string) (*models.CIStatus, error) {
	var wcr wireCheckRuns
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", owner, repo, ref)
	if _, err := a.do(ctx, http.MethodGet, path, nil, &wcr); err != nil {
		return nil, err
	}
	if len(wcr.CheckRuns) == 0 {
		return &models.CIStatus{State: models.CIPending, Ref: ref}, nil
	}
	run := wcr.CheckRuns[0]
	return &models.CIStatus{
		ID:     strconv.FormatInt(run.ID, 10),
		State:  mapCheckState(run.Status, run.Conclusion),
		Ref:    ref,
		SHA:    run.HeadSHA,
		WebURL: run.HTMLURL,
	}, nil
}

func mapCheckState(status, conclusion string) models.CIState {
	switch status {
	case "queued":
		return models.CIPending
	case "in_progress":
		return models.CIRunning
	}
	switch conclusion {
	case "success":
		return models.CISuccess
	case "cancelled":
		return models.CICanceled
	case "failure", "timed_out", "action_required":
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

func (a *Adapter) toHook(wh wireHook) models.Webhook {
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
		"config": cfg,
		"events": hook.Events,
		"active": true,
	}
	var wh wireHook
	path := fmt.Sprintf("/repos/%s/%s/hooks", owner, repo)
	if _, err := a.do(ctx, http.MethodPost, path, payload, &wh); err != nil {
		return nil, err
	}
	out := a.toHook(wh)
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
		out = append(out, a.toHook(wh))
	}
	return out, nil
}

func (a *Adapter) DeleteWebhook(ctx context.Context, owner, repo string, id string) error {
	path := fmt.Sprintf("/repos/%s/%s/hooks/%s", owner, repo, id)
	_, err := a.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}
