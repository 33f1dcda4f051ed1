package gitea

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamma/internal/fault"
	"github.com/tamma/internal/git"
	"github.com/tamma/internal/pagination"
	"github.com/tamma/pkg/models"
)

func newAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a := New()
	require.NoError(t, a.Initialize(git.Config{Token: "gitea-token", BaseURL: baseURL, Timeout: 5 * time.Second}))
	return a
}

func TestInitializeRequiresBaseURL(t *testing.T) {
	a := New()
	err := a.Initialize(git.Config{Token: "t"})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.InvalidConfig))
}

func TestGetRepository(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/repos/forge/tools", r.URL.Path)
		assert.Equal(t, "token gitea-token", r.Header.Get("Authorization"))
		io.WriteString(w, `{
			"id": 17,
			"name": "tools",
			"full_name": "forge/tools",
			"default_branch": "main",
			"private": true,
			"html_url": "https://git.example.com/forge/tools",
			"stars_count": 5,
			"owner": {"login": "forge"}
		}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	repo, err := a.GetRepository(context.Background(), "forge", "tools")
	require.NoError(t, err)

	assert.Equal(t, "forge", repo.Owner)
	assert.True(t, repo.Private)
	assert.Equal(t, "gitea", repo.Platform)
	assert.Equal(t, "17", repo.PlatformID)
}

func TestDraftPullRequestUsesWIPTitle(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{
			"number": 2, "title": "WIP: new thing", "state": "open",
			"head": {"ref": "wip", "sha": "s1"}, "base": {"ref": "main", "sha": "s0"},
			"user": {"login": "dev"}
		}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	pr, err := a.CreatePullRequest(context.Background(), "o", "r", models.NewPullRequest{
		Title: "new thing", SourceBranch: "wip", TargetBranch: "main", Draft: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "WIP: new thing", gotBody["title"])
	assert.True(t, pr.Draft)
	assert.Equal(t, "new thing", pr.Title, "the WIP marker stays out of the unified title")
}

func TestListIssuesOffsetPaginationWithExactTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "issues", r.URL.Query().Get("type"))
		w.Header().Set("X-Total-Count", "3")
		switch r.URL.Query().Get("page") {
		case "", "1":
			io.WriteString(w, `[
				{"number": 1, "title": "one", "state": "open", "user": {"login": "a"}},
				{"number": 2, "title": "two", "state": "open", "user": {"login": "b"}}
			]`)
		case "2":
			io.WriteString(w, `[
				{"number": 3, "title": "three", "state": "open", "user": {"login": "c"}}
			]`)
		}
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	opts := models.ListOptions{PerPage: 2}

	first, info, err := a.ListIssues(context.Background(), "o", "r", opts)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, models.PaginationOffset, info.Strategy)
	assert.Equal(t, 3, info.TotalCount)
	assert.Equal(t, models.TotalExact, info.TotalAccuracy)
	assert.True(t, info.HasMore)

	next, err := pagination.NextPage(info, opts)
	require.NoError(t, err)

	second, info, err := a.ListIssues(context.Background(), "o", "r", next)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.False(t, info.HasMore, "page 2 of 3 items at size 2 is the last page")
}

func TestMergePullRequest(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/repos/o/r/pulls/3/merge", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	require.NoError(t, a.MergePullRequest(context.Background(), "o", "r", 3,
		models.MergeOptions{Method: "squash", CommitMessage: "squashed"}))
	assert.Equal(t, "squash", gotBody["Do"])
	assert.Equal(t, "squashed", gotBody["MergeMessageField"])
}

func TestTriggerCIUnsupported(t *testing.T) {
	a := newAdapter(t, "http://git.example.com")
	err := a.TriggerCI(context.Background(), "o", "r", "main")
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.InvalidRequest))
}

func TestGetCIStatusMapsCombinedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": 4, "status": "failure", "sha": "abc",
			"target_url": "https://ci.example.com/4"}`)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	status, err := a.GetCIStatus(context.Background(), "o", "r", "abc")
	require.NoError(t, err)
	assert.Equal(t, models.CIFailed, status.State)
	assert.Equal(t, "abc", status.SHA)
}

func TestNotFoundMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	a := newAdapter(t, server.URL)
	_, err := a.GetIssue(context.Background(), "o", "r", 99)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.NotFound))
}
