package source

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/resilience"
	"github.com/grumble-app/feedback-sync/pkg/twitter"
)

// twitterWindow bounds how many tweets one keyword search returns. The recent
// search API lacks reliable incremental filtering for our use, so every run
// refetches this window and lets exact-id dedup drop what it already has.
const twitterWindow = 100

// TwitterFetcher searches recent tweets for each enabled keyword.
type TwitterFetcher struct {
	client twitter.Client
	retry  resilience.Policy
}

// NewTwitter creates the social fetcher.
func NewTwitter(client twitter.Client, retry resilience.Policy) *TwitterFetcher {
	return &TwitterFetcher{client: client, retry: retry}
}

func (f *TwitterFetcher) Name() string { return "twitter" }

// Fetch searches every enabled keyword. The since watermark is ignored by
// design; see twitterWindow.
func (f *TwitterFetcher) Fetch(ctx context.Context, settings model.SourceSettings, _ time.Time) ([]model.FeedbackItem, error) {
	if !settings.Twitter.Enabled {
		return nil, nil
	}

	var items []model.FeedbackItem
	for _, kw := range settings.Twitter.Keywords {
		if !kw.Enabled || kw.Term == "" {
			continue
		}

		policy := f.retry
		policy.OnRetry = resilience.LogRetries("twitter", "search "+kw.Term)
		resp, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*twitter.SearchResponse, error) {
			return f.client.SearchRecent(ctx, kw.Term, twitterWindow)
		})
		if err != nil {
			zap.L().Error("twitter: keyword search failed",
				zap.String("keyword", kw.Term),
				zap.Error(err),
			)
			continue
		}

		items = append(items, f.parse(resp, kw.Term)...)
	}

	return items, nil
}

func (f *TwitterFetcher) parse(resp *twitter.SearchResponse, keyword string) []model.FeedbackItem {
	users := resp.UsersByID()

	items := make([]model.FeedbackItem, 0, len(resp.Data))
	for _, tw := range resp.Data {
		author := users[tw.AuthorID]
		username := author.Username
		if username == "" {
			username = "unknown"
		}

		items = append(items, model.FeedbackItem{
			ID:         itemID(model.SourceTwitter, tw.ID),
			SourceType: model.SourceTwitter,
			Content:    tw.Text,
			Author:     username,
			AuthorName: author.Name,
			URL:        fmt.Sprintf("https://twitter.com/%s/status/%s", username, tw.ID),
			CreatedAt:  tw.CreatedAt,
			Likes:      tw.PublicMetrics.LikeCount,
			Comments:   tw.PublicMetrics.ReplyCount,
			Keyword:    keyword,
		})
	}
	return items
}
