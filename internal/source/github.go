package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/resilience"
)

const (
	issuePageSize     = 100
	discussionWindow  = 50
	defaultGraphQLURL = "https://api.github.com/graphql"
)

const discussionsQuery = `query($owner: String!, $name: String!) {
	repository(owner: $owner, name: $name) {
		discussions(first: 50, orderBy: {field: UPDATED_AT, direction: DESC}) {
			nodes {
				id
				title
				body
				url
				createdAt
				author { login }
				comments { totalCount }
				upvoteCount
			}
		}
	}
}`

// GitHubFetcher collects issues (REST, incremental via the since watermark)
// and discussions (GraphQL, most-recent window) for each enabled repo.
type GitHubFetcher struct {
	client     *github.Client
	httpClient *http.Client
	graphqlURL string
	retry      resilience.Policy
}

// GitHubOption configures the GitHub fetcher.
type GitHubOption func(*GitHubFetcher)

// WithAPIBaseURL points the REST client at a custom endpoint (for testing).
func WithAPIBaseURL(base string) GitHubOption {
	return func(f *GitHubFetcher) {
		u := strings.TrimRight(base, "/") + "/"
		f.client.BaseURL, _ = f.client.BaseURL.Parse(u)
	}
}

// WithGraphQLURL points the discussions query at a custom endpoint (for testing).
func WithGraphQLURL(u string) GitHubOption {
	return func(f *GitHubFetcher) {
		f.graphqlURL = u
	}
}

// NewGitHub creates the issue-tracker fetcher with an OAuth2 token transport.
func NewGitHub(token string, retry resilience.Policy, opts ...GitHubOption) *GitHubFetcher {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = 30 * time.Second

	f := &GitHubFetcher{
		client:     github.NewClient(tc),
		httpClient: tc,
		graphqlURL: defaultGraphQLURL,
		retry:      retry,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *GitHubFetcher) Name() string { return "github" }

// Fetch walks every enabled repo, collecting issues and discussions. A failed
// repo (or a failed half of one) is logged and skipped.
func (f *GitHubFetcher) Fetch(ctx context.Context, settings model.SourceSettings, since time.Time) ([]model.FeedbackItem, error) {
	if !settings.GitHub.Enabled {
		return nil, nil
	}

	var items []model.FeedbackItem
	for _, repo := range settings.GitHub.Repos {
		if !repo.Enabled {
			continue
		}
		owner, name, ok := strings.Cut(repo.Repo, "/")
		if !ok || owner == "" || name == "" {
			zap.L().Warn("github: malformed repo, skipping", zap.String("repo", repo.Repo))
			continue
		}

		issues, err := f.fetchIssues(ctx, owner, name, since)
		if err != nil {
			zap.L().Error("github: fetching issues failed",
				zap.String("repo", repo.Repo),
				zap.Error(err),
			)
		} else {
			items = append(items, issues...)
		}

		discussions, err := f.fetchDiscussions(ctx, owner, name)
		if err != nil {
			zap.L().Error("github: fetching discussions failed",
				zap.String("repo", repo.Repo),
				zap.Error(err),
			)
		} else {
			items = append(items, discussions...)
		}
	}

	return items, nil
}

func (f *GitHubFetcher) fetchIssues(ctx context.Context, owner, name string, since time.Time) ([]model.FeedbackItem, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: issuePageSize},
	}

	policy := f.retry
	policy.OnRetry = resilience.LogRetries("github", fmt.Sprintf("issues %s/%s", owner, name))
	issues, err := resilience.DoVal(ctx, policy, func(ctx context.Context) ([]*github.Issue, error) {
		list, resp, err := f.client.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			if resp != nil && resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}

	repoName := owner + "/" + name
	var items []model.FeedbackItem
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		items = append(items, model.FeedbackItem{
			ID:         itemID(model.SourceGitHubIssue, fmt.Sprintf("%d", issue.GetID())),
			SourceType: model.SourceGitHubIssue,
			Content:    fmt.Sprintf("%s\n\n%s", issue.GetTitle(), issue.GetBody()),
			Title:      issue.GetTitle(),
			Author:     authorLogin(issue.User),
			URL:        issue.GetHTMLURL(),
			CreatedAt:  issue.GetCreatedAt().Time,
			Likes:      issue.GetReactions().GetPlusOne(),
			Comments:   issue.GetComments(),
			Repo:       repoName,
		})
	}
	return items, nil
}

type discussionNode struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	Author    struct {
		Login string `json:"login"`
	} `json:"author"`
	Comments struct {
		TotalCount int `json:"totalCount"`
	} `json:"comments"`
	UpvoteCount int `json:"upvoteCount"`
}

func (f *GitHubFetcher) fetchDiscussions(ctx context.Context, owner, name string) ([]model.FeedbackItem, error) {
	reqBody, err := json.Marshal(map[string]any{
		"query":     discussionsQuery,
		"variables": map[string]string{"owner": owner, "name": name},
	})
	if err != nil {
		return nil, eris.Wrap(err, "github: marshal graphql request")
	}

	policy := f.retry
	policy.OnRetry = resilience.LogRetries("github", fmt.Sprintf("discussions %s/%s", owner, name))
	nodes, err := resilience.DoVal(ctx, policy, func(ctx context.Context) ([]discussionNode, error) {
		return f.postDiscussionsQuery(ctx, reqBody)
	})
	if err != nil {
		return nil, err
	}

	repoName := owner + "/" + name
	items := make([]model.FeedbackItem, 0, len(nodes))
	for _, d := range nodes {
		author := d.Author.Login
		if author == "" {
			author = "unknown"
		}
		items = append(items, model.FeedbackItem{
			ID:         itemID(model.SourceGitHubDiscussion, d.ID),
			SourceType: model.SourceGitHubDiscussion,
			Content:    fmt.Sprintf("%s\n\n%s", d.Title, d.Body),
			Title:      d.Title,
			Author:     author,
			URL:        d.URL,
			CreatedAt:  d.CreatedAt,
			Likes:      d.UpvoteCount,
			Comments:   d.Comments.TotalCount,
			Repo:       repoName,
		})
	}
	return items, nil
}

func (f *GitHubFetcher) postDiscussionsQuery(ctx context.Context, reqBody []byte) ([]discussionNode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.graphqlURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, eris.Wrap(err, "github: create graphql request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "github: graphql request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "github: read graphql response")
	}

	if resp.StatusCode != http.StatusOK {
		respErr := eris.Errorf("github: graphql status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(respErr, resp.StatusCode)
		}
		return nil, respErr
	}

	var payload struct {
		Data struct {
			Repository struct {
				Discussions struct {
					Nodes []discussionNode `json:"nodes"`
				} `json:"discussions"`
			} `json:"repository"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, eris.Wrap(err, "github: unmarshal graphql response")
	}
	// GraphQL reports failures with a 200 status and an errors array.
	if len(payload.Errors) > 0 {
		msgs := make([]string, len(payload.Errors))
		for i, e := range payload.Errors {
			msgs[i] = e.Message
		}
		return nil, eris.Errorf("github: graphql errors: %s", strings.Join(msgs, "; "))
	}
	return payload.Data.Repository.Discussions.Nodes, nil
}

func authorLogin(u *github.User) string {
	if login := u.GetLogin(); login != "" {
		return login
	}
	return "unknown"
}
