// Package discourse provides a read-only client for the public JSON endpoints
// of a Discourse forum. No credential is required; forums expose latest.json
// and per-topic post streams openly.
package discourse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/grumble-app/feedback-sync/internal/resilience"
)

// Topic is a single entry from /latest.json.
type Topic struct {
	ID         int       `json:"id"`
	Title      string    `json:"title"`
	Slug       string    `json:"slug"`
	CreatedAt  time.Time `json:"created_at"`
	LikeCount  int       `json:"like_count"`
	PostsCount int       `json:"posts_count"`
}

// Post is a single entry from a topic's post stream. Cooked is the rendered
// HTML body of the post.
type Post struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Cooked   string `json:"cooked"`
}

// Client defines the Discourse operations used by the forum fetcher.
type Client interface {
	// LatestTopics returns the most recent topics of a forum, newest first,
	// capped at limit.
	LatestTopics(ctx context.Context, forumURL string, limit int) ([]Topic, error)
	// TopicPosts returns the first posts of a topic, capped at limit.
	TopicPosts(ctx context.Context, forumURL string, topicID int, limit int) ([]Post, error)
}

// Option configures the Discourse client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	http *http.Client
}

// NewClient creates a Discourse client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "discourse: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "discourse: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "discourse: read response")
	}

	if resp.StatusCode != http.StatusOK {
		respErr := eris.Errorf("discourse: status %d from %s", resp.StatusCode, url)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(respErr, resp.StatusCode)
		}
		return respErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "discourse: unmarshal response")
	}
	return nil
}

func (c *httpClient) LatestTopics(ctx context.Context, forumURL string, limit int) ([]Topic, error) {
	var payload struct {
		TopicList struct {
			Topics []Topic `json:"topics"`
		} `json:"topic_list"`
	}

	url := fmt.Sprintf("%s/latest.json", strings.TrimRight(forumURL, "/"))
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}

	topics := payload.TopicList.Topics
	if limit > 0 && len(topics) > limit {
		topics = topics[:limit]
	}
	return topics, nil
}

func (c *httpClient) TopicPosts(ctx context.Context, forumURL string, topicID int, limit int) ([]Post, error) {
	var payload struct {
		PostStream struct {
			Posts []Post `json:"posts"`
		} `json:"post_stream"`
	}

	url := fmt.Sprintf("%s/t/%d.json", strings.TrimRight(forumURL, "/"), topicID)
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}

	posts := payload.PostStream.Posts
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}
