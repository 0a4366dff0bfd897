// Package twitter provides a client for the Twitter API v2 recent search
// endpoint. Retries are the caller's concern: transient responses (429, 5xx)
// surface as resilience.TransientError so the shared retry executor can act
// on them uniformly.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/grumble-app/feedback-sync/internal/resilience"
)

// Tweet is a single tweet from a recent-search response.
type Tweet struct {
	ID            string        `json:"id"`
	Text          string        `json:"text"`
	AuthorID      string        `json:"author_id"`
	CreatedAt     time.Time     `json:"created_at"`
	PublicMetrics PublicMetrics `json:"public_metrics"`
}

// PublicMetrics holds engagement counts for a tweet.
type PublicMetrics struct {
	LikeCount  int `json:"like_count"`
	ReplyCount int `json:"reply_count"`
}

// User is an expanded author record.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// SearchResponse is the parsed recent-search payload.
type SearchResponse struct {
	Data     []Tweet `json:"data"`
	Includes struct {
		Users []User `json:"users"`
	} `json:"includes"`
}

// UsersByID indexes the expanded users for author lookup.
func (r *SearchResponse) UsersByID() map[string]User {
	users := make(map[string]User, len(r.Includes.Users))
	for _, u := range r.Includes.Users {
		users[u.ID] = u
	}
	return users
}

// Client defines the Twitter operations used by the social fetcher.
type Client interface {
	// SearchRecent searches recent tweets for a term, excluding retweets,
	// English only, newest first, up to maxResults (API cap 100).
	SearchRecent(ctx context.Context, term string, maxResults int) (*SearchResponse, error)
}

// Option configures the Twitter client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(base string) Option {
	return func(c *httpClient) {
		c.baseURL = base
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	bearerToken string
	baseURL     string
	http        *http.Client
}

// NewClient creates a Twitter API v2 client.
func NewClient(bearerToken string, opts ...Option) Client {
	c := &httpClient{
		bearerToken: bearerToken,
		baseURL:     "https://api.twitter.com/2",
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchRecent(ctx context.Context, term string, maxResults int) (*SearchResponse, error) {
	if maxResults <= 0 || maxResults > 100 {
		maxResults = 100
	}

	q := url.Values{}
	q.Set("query", fmt.Sprintf("%s -is:retweet lang:en", term))
	q.Set("max_results", fmt.Sprintf("%d", maxResults))
	q.Set("tweet.fields", "created_at,public_metrics,author_id")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username,name")

	reqURL := fmt.Sprintf("%s/tweets/search/recent?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "twitter: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "twitter: search request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "twitter: read response")
	}

	if resp.StatusCode != http.StatusOK {
		respErr := eris.Errorf("twitter: status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(respErr, resp.StatusCode)
		}
		return nil, respErr
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "twitter: unmarshal response")
	}
	return &result, nil
}
