// Package gitlab implements the git platform adapter on the official
// GitLab API client. Merge requests surface as unified pull requests;
// Number always carries the project-scoped iid, never the global id.
package gitlab

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/git"
	"github.com/tamma/internal/pagination"
	"github.com/tamma/pkg/models"
)

const defaultBaseURL = "https://gitlab.com/api/v4"

// Adapter wraps a gitlab.Client behind the unified platform surface.
type Adapter struct {
	cfg         git.Config
	client      *gitlab.Client
	disposeOnce sync.Once
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "gitlab" }

func (a *Adapter) Initialize(cfg git.Config) error {
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.InvalidConfig, err, "%v", err).WithProvider(a.Name())
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = git.DefaultTimeout
	}
	client, err := gitlab.NewClient(cfg.Token, gitlab.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return fault.Wrap(fault.InvalidConfig, err, "build client: %v", err).WithProvider(a.Name())
	}
	a.cfg = cfg
	a.client = client
	return nil
}

func (a *Adapter) Capabilities() models.CapabilityDescriptor {
	return models.CapabilityDescriptor{
		Webhooks:   true,
		CIStatus:   true,
		APIVersion: "v4",
	}
}

func (a *Adapter) Dispose() {
	a.disposeOnce.Do(func() {
		a.client = nil
	})
}

// pid is the project path GitLab accepts wherever a numeric id would go.
func pid(owner, repo string) string { return owner + "/" + repo }

// mapError normalizes client-go failures onto the fault taxonomy. The
// library wraps HTTP failures, so status comes from the raw response.
func (a *Adapter) mapError(resp *gitlab.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, err, "request timed out").WithProvider(a.Name())
	}
	if resp != nil && resp.Response != nil {
		var retryAfter time.Duration
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, convErr := strconv.Atoi(h); convErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return fault.FromHTTPStatus(a.Name(), resp.StatusCode, retryAfter, err.Error())
	}
	return fault.Wrap(fault.UpstreamError, err, "transport failure: %v", err).WithProvider(a.Name())
}

// pageInfo builds the offset descriptor from the response headers.
// GitLab states both the next page and, for small listings, an exact
// total.
func pageInfo(resp *gitlab.Response, opts models.ListOptions, returned int) *models.PageInfo {
	page := opts.Page
	if page == 0 {
		page = 1
	}
	info := pagination.Offset(page, opts.PerPage, returned)
	if resp != nil {
		info.HasMore = resp.NextPage != 0
		if resp.TotalItems > 0 {
			pagination.WithTotal(info, resp.TotalItems)
			info.HasMore = resp.NextPage != 0
		}
	}
	return info
}

func listOpts(opts models.ListOptions) gitlab.ListOptions {
	page := opts.Page
	if page == 0 {
		page = 1
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = pagination.DefaultPerPage
	}
	return gitlab.ListOptions{Page: page, PerPage: perPage}
}

func (a *Adapter) GetRepository(ctx context.Context, owner, repo string) (*models.Repository, error) {
	project, resp, err := a.client.Projects.GetProject(pid(owner, repo), nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	out := &models.Repository{
		Owner:         owner,
		Name:          project.Path,
		FullName:      project.PathWithNamespace,
		Description:   project.Description,
		DefaultBranch: project.DefaultBranch,
		Private:       project.Visibility != gitlab.PublicVisibility,
		WebURL:        project.WebURL,
		CloneURL:      project.HTTPURLToRepo,
		Stars:         project.StarCount,
		Forks:         project.ForksCount,
		OpenIssues:    project.OpenIssuesCount,
		Platform:      a.Name(),
		PlatformID:    strconv.Itoa(project.ID),
	}
	if project.Namespace != nil {
		out.Owner = project.Namespace.Path
	}
	if project.CreatedAt != nil {
		out.CreatedAt = *project.CreatedAt
	}
	if project.LastActivityAt != nil {
		out.UpdatedAt = *project.LastActivityAt
	}
	return out, nil
}

func toBranch(b *gitlab.Branch) *models.Branch {
	out := &models.Branch{Name: b.Name, Protected: b.Protected}
	if b.Commit != nil {
		out.SHA = b.Commit.ID
	}
	return out
}

func (a *Adapter) CreateBranch(ctx context.Context, owner, repo, name, fromRef string) (*models.Branch, error) {
	branch, resp, err := a.client.Branches.CreateBranch(pid(owner, repo), &gitlab.CreateBranchOptions{
		Branch: gitlab.Ptr(name),
		Ref:    gitlab.Ptr(fromRef),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	return toBranch(branch), nil
}

func (a *Adapter) GetBranch(ctx context.Context, owner, repo, name string) (*models.Branch, error) {
	branch, resp, err := a.client.Branches.GetBranch(pid(owner, repo), name, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	return toBranch(branch), nil
}

func (a *Adapter) DeleteBranch(ctx context.Context, owner, repo, name string) error {
	resp, err := a.client.Branches.DeleteBranch(pid(owner, repo), name, gitlab.WithContext(ctx))
	return a.mapError(resp, err)
}

func (a *Adapter) toPull(mr *gitlab.BasicMergeRequest) models.PullRequest {
	out := models.PullRequest{
		Number:       mr.IID,
		Title:        mr.Title,
		Description:  mr.Description,
		State:        normalizeMRState(mr.State),
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		HeadSHA:      mr.SHA,
		WebURL:       mr.WebURL,
		Merged:       mr.State == "merged",
		Draft:        mr.Draft,
		Platform:     a.Name(),
	}
	if mr.Author != nil {
		out.Author = mr.Author.Username
	}
	if mr.CreatedAt != nil {
		out.CreatedAt = *mr.CreatedAt
	}
	if mr.UpdatedAt != nil {
		out.UpdatedAt = *mr.UpdatedAt
	}
	return out
}

// normalizeMRState folds GitLab's "opened" spelling into the unified
// "open" used by the other platforms.
func normalizeMRState(state string) string {
	if state == "opened" {
		return "open"
	}
	return state
}

func (a *Adapter) CreatePullRequest(ctx context.Context, owner, repo string, pr models.NewPullRequest) (*models.PullRequest, error) {
	title := pr.Title
	if pr.Draft {
		title = "Draft: " + title
	}
	mr, resp, err := a.client.MergeRequests.CreateMergeRequest(pid(owner, repo), &gitlab.CreateMergeRequestOptions{
		Title:        gitlab.Ptr(title),
		Description:  gitlab.Ptr(pr.Description),
		SourceBranch: gitlab.Ptr(pr.SourceBranch),
		TargetBranch: gitlab.Ptr(pr.TargetBranch),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	out := a.toPull(&mr.BasicMergeRequest)
	return &out, nil
}

func (a *Adapter) GetPullRequest(ctx context.Context, owner, repo string, number int) (*models.PullRequest, error) {
	mr, resp, err := a.client.MergeRequests.GetMergeRequest(pid(owner, repo), number, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	out := a.toPull(&mr.BasicMergeRequest)
	return &out, nil
}

func (a *Adapter) ListPullRequests(ctx context.Context, owner, repo string, opts models.ListOptions) ([]models.PullRequest, *models.PageInfo, error) {
	listOptions := &gitlab.ListProjectMergeRequestsOptions{ListOptions: listOpts(opts)}
	if opts.State != "" {
		state := opts.State
		if state == "open" {
			state = "opened"
		}
		listOptions.State = gitlab.Ptr(state)
	}
	mrs, resp, err := a.client.MergeRequests.ListProjectMergeRequests(pid(owner, repo), listOptions, gitlab.WithContext(ctx))
	if err != nil {
		return nil, nil, a.mapError(resp, err)
	}
	out := make([]models.PullRequest, 0, len(mrs))
	for _, mr := range mrs {
		out = append(out, a.toPull(mr))
	}
	return out, pageInfo(resp, opts, len(out)), nil
}

func (a *Adapter) MergePullRequest(ctx context.Context, owner, repo string, number int, opts models.MergeOptions) error {
	acceptOpts := &gitlab.AcceptMergeRequestOptions{}
	if opts.Method == "squash" {
		acceptOpts.Squash = gitlab.Ptr(true)
	}
	if opts.CommitMessage != "" {
		acceptOpts.MergeCommitMessage = gitlab.Ptr(opts.CommitMessage)
	}
	_, resp, err := a.client.MergeRequests.AcceptMergeRequest(pid(owner, repo), number, acceptOpts, gitlab.WithContext(ctx))
	return a.mapError(resp, err)
}

func toComment(note *gitlab.Note) *models.Comment {
	out := &models.Comment{
		ID:     strconv.Itoa(note.ID),
		Body:   note.Body,
		Author: note.Author.Username,
	}
	if note.CreatedAt != nil {
		out.CreatedAt = *note.CreatedAt
	}
	return out
}

func (a *Adapter) CommentOnPullRequest(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error) {
	note, resp, err := a.client.Notes.CreateMergeRequestNote(pid(owner, repo), number, &gitlab.CreateMergeRequestNoteOptions{
		Body: gitlab.Ptr(body),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	return toComment(note), nil
}

func (a *Adapter) toIssue(issue *gitlab.Issue) models.Issue {
	out := models.Issue{
		Number:   issue.IID,
		Title:    issue.Title,
		Body:     issue.Description,
		State:    normalizeMRState(issue.State),
		Labels:   issue.Labels,
		WebURL:   issue.WebURL,
		Platform: a.Name(),
	}
	if issue.Author != nil {
		out.Author = issue.Author.Username
	}
	if issue.CreatedAt != nil {
		out.CreatedAt = *issue.CreatedAt
	}
	return out
}

func (a *Adapter) CreateIssue(ctx context.Context, owner, repo string, issue models.NewIssue) (*models.Issue, error) {
	createOpts := &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(issue.Title),
		Description: gitlab.Ptr(issue.Body),
	}
	if len(issue.Labels) > 0 {
		labels := gitlab.LabelOptions(issue.Labels)
		createOpts.Labels = &labels
	}
	created, resp, err := a.client.Issues.CreateIssue(pid(owner, repo), createOpts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	out := a.toIssue(created)
	return &out, nil
}

func (a *Adapter) GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	issue, resp, err := a.client.Issues.GetIssue(pid(owner, repo), number, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	out := a.toIssue(issue)
	return &out, nil
}

func (a *Adapter) ListIssues(ctx context.Context, owner, repo string, opts models.ListOptions) ([]models.Issue, *models.PageInfo, error) {
	listOptions := &gitlab.ListProjectIssuesOptions{ListOptions: listOpts(opts)}
	if opts.State != "" {
		state := opts.State
		if state == "open" {
			state = "opened"
		}
		listOptions.State = gitlab.Ptr(state)
	}
	issues, resp, err := a.client.Issues.ListProjectIssues(pid(owner, repo), listOptions, gitlab.WithContext(ctx))
	if err != nil {
		return nil, nil, a.mapError(resp, err)
	}
	out := make([]models.Issue, 0, len(issues))
	for _, issue := range issues {
		out = append(out, a.toIssue(issue))
	}
	return out, pageInfo(resp, opts, len(out)), nil
}

func (a *Adapter) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) (*models.Comment, error) {
	note, resp, err := a.client.Notes.CreateIssueNote(pid(owner, repo), number, &gitlab.CreateIssueNoteOptions{
		Body: gitlab.Ptr(body),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	return toComment(note), nil
}

func (a *Adapter) TriggerCI(ctx context.Context, owner, repo, ref string) error {
	_, resp, err := a.client.Pipelines.CreatePipeline(pid(owner, repo), &gitlab.CreatePipelineOptions{
		Ref: gitlab.Ptr(ref),
	}, gitlab.WithContext(ctx))
	return a.mapError(resp, err)
}

func (a *Adapter) GetCIStatus(ctx context.Context, owner, repo, ref string) (*models.CIStatus, error) {
	pipelines, resp, err := a.client.Pipelines.ListProjectPipelines(pid(owner, repo), &gitlab.ListProjectPipelinesOptions{
		Ref:         gitlab.Ptr(ref),
		ListOptions: gitlab.ListOptions{PerPage: 1},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	if len(pipelines) == 0 {
		return &models.CIStatus{State: models.CIPending, Ref: ref}, nil
	}
	p := pipelines[0]
	return &models.CIStatus{
		ID:     strconv.Itoa(p.ID),
		State:  mapPipelineStatus(p.Status),
		Ref:    p.Ref,
		SHA:    p.SHA,
		WebURL: p.WebURL,
	}, nil
}

func mapPipelineStatus(status string) models.CIState {
	switch status {
	case "created", "waiting_for_resource", "preparing", "pending", "scheduled", "manual":
		return models.CIPending
	case "running":
		return models.CIRunning
	case "success":
		return models.CISuccess
	case "failed":
		return models.CIFailed
	case "canceled", "skipped":
		return models.CICanceled
	}
	return models.CIPending
}

func toHook(h *gitlab.ProjectHook) models.Webhook {
	var events []string
	if h.PushEvents {
		events = append(events, "push")
	}
	if h.MergeRequestsEvents {
		events = append(events, "merge_request")
	}
	if h.IssuesEvents {
		events = append(events, "issue")
	}
	if h.PipelineEvents {
		events = append(events, "pipeline")
	}
	return models.Webhook{
		ID:     strconv.Itoa(h.ID),
		URL:    h.URL,
		Events: events,
		Active: true,
	}
}

func (a *Adapter) CreateWebhook(ctx context.Context, owner, repo string, hook models.NewWebhook) (*models.Webhook, error) {
	addOpts := &gitlab.AddProjectHookOptions{URL: gitlab.Ptr(hook.URL)}
	if hook.Secret != "" {
		addOpts.Token = gitlab.Ptr(hook.Secret)
	}
	for _, event := range hook.Events {
		switch event {
		case "push":
			addOpts.PushEvents = gitlab.Ptr(true)
		case "merge_request", "pull_request":
			addOpts.MergeRequestsEvents = gitlab.Ptr(true)
		case "issue", "issues":
			addOpts.IssuesEvents = gitlab.Ptr(true)
		case "pipeline":
			addOpts.PipelineEvents = gitlab.Ptr(true)
		}
	}
	created, resp, err := a.client.Projects.AddProjectHook(pid(owner, repo), addOpts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	out := toHook(created)
	return &out, nil
}

func (a *Adapter) ListWebhooks(ctx context.Context, owner, repo string) ([]models.Webhook, error) {
	hooks, resp, err := a.client.Projects.ListProjectHooks(pid(owner, repo), nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, a.mapError(resp, err)
	}
	out := make([]models.Webhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, toHook(h))
	}
	return out, nil
}

func (a *Adapter) DeleteWebhook(ctx context.Context, owner, repo string, id string) error {
	hookID, err := strconv.Atoi(id)
	if err != nil {
		return fault.New(fault.InvalidRequest, "webhook id %q is not numeric", id).WithProvider(a.Name())
	}
	resp, err := a.client.Projects.DeleteProjectHook(pid(owner, repo), hookID, gitlab.WithContext(ctx))
	return a.mapError(resp, err)
}
