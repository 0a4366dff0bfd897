package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/resilience"
	"github.com/grumble-app/feedback-sync/pkg/discourse"
)

const (
	topicWindow   = 50
	postsPerTopic = 5
)

// DiscourseFetcher fetches the latest topics of each enabled forum, plus the
// first posts of each topic to build the item content. Discourse's latest
// feed has no usable time filter, so every run refetches the window and
// store-level dedup drops the known topics.
type DiscourseFetcher struct {
	client discourse.Client
	retry  resilience.Policy
}

// NewDiscourse creates the forum fetcher.
func NewDiscourse(client discourse.Client, retry resilience.Policy) *DiscourseFetcher {
	return &DiscourseFetcher{client: client, retry: retry}
}

func (f *DiscourseFetcher) Name() string { return "discourse" }

func (f *DiscourseFetcher) Fetch(ctx context.Context, settings model.SourceSettings, _ time.Time) ([]model.FeedbackItem, error) {
	if !settings.Discourse.Enabled {
		return nil, nil
	}

	var items []model.FeedbackItem
	for _, forum := range settings.Discourse.Forums {
		if !forum.Enabled || forum.URL == "" {
			continue
		}
		forumItems, err := f.fetchForum(ctx, strings.TrimRight(forum.URL, "/"))
		if err != nil {
			zap.L().Error("discourse: forum fetch failed",
				zap.String("forum", forum.URL),
				zap.Error(err),
			)
			continue
		}
		items = append(items, forumItems...)
	}

	return items, nil
}

func (f *DiscourseFetcher) fetchForum(ctx context.Context, baseURL string) ([]model.FeedbackItem, error) {
	policy := f.retry
	policy.OnRetry = resilience.LogRetries("discourse", "latest "+baseURL)
	topics, err := resilience.DoVal(ctx, policy, func(ctx context.Context) ([]discourse.Topic, error) {
		return f.client.LatestTopics(ctx, baseURL, topicWindow)
	})
	if err != nil {
		return nil, err
	}

	var items []model.FeedbackItem
	for _, topic := range topics {
		postPolicy := f.retry
		postPolicy.OnRetry = resilience.LogRetries("discourse", fmt.Sprintf("posts %s/t/%d", baseURL, topic.ID))
		posts, err := resilience.DoVal(ctx, postPolicy, func(ctx context.Context) ([]discourse.Post, error) {
			return f.client.TopicPosts(ctx, baseURL, topic.ID, postsPerTopic)
		})
		if err != nil {
			zap.L().Warn("discourse: topic posts fetch failed",
				zap.String("forum", baseURL),
				zap.Int("topic", topic.ID),
				zap.Error(err),
			)
			continue
		}
		if len(posts) == 0 {
			continue
		}
		items = append(items, f.buildItem(baseURL, topic, posts[0]))
	}
	return items, nil
}

func (f *DiscourseFetcher) buildItem(baseURL string, topic discourse.Topic, first discourse.Post) model.FeedbackItem {
	author := first.Username
	if author == "" {
		author = "unknown"
	}

	comments := topic.PostsCount - 1
	if comments < 0 {
		comments = 0
	}

	return model.FeedbackItem{
		ID:         itemID(model.SourceDiscourse, fmt.Sprintf("%d", topic.ID)),
		SourceType: model.SourceDiscourse,
		Content:    fmt.Sprintf("%s\n\n%s", topic.Title, first.Cooked),
		Title:      topic.Title,
		Author:     author,
		URL:        fmt.Sprintf("%s/t/%s/%d", baseURL, topic.Slug, topic.ID),
		CreatedAt:  topic.CreatedAt,
		Likes:      topic.LikeCount,
		Comments:   comments,
		Forum:      baseURL,
	}
}
