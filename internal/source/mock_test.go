package source

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/grumble-app/feedback-sync/pkg/discourse"
	"github.com/grumble-app/feedback-sync/pkg/twitter"
)

// --- Twitter Mock ---

type mockTwitterClient struct {
	mock.Mock
}

func (m *mockTwitterClient) SearchRecent(ctx context.Context, term string, maxResults int) (*twitter.SearchResponse, error) {
	args := m.Called(ctx, term, maxResults)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*twitter.SearchResponse), args.Error(1)
}

// --- Discourse Mock ---

type mockDiscourseClient struct {
	mock.Mock
}

func (m *mockDiscourseClient) LatestTopics(ctx context.Context, forumURL string, limit int) ([]discourse.Topic, error) {
	args := m.Called(ctx, forumURL, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]discourse.Topic), args.Error(1)
}

func (m *mockDiscourseClient) TopicPosts(ctx context.Context, forumURL string, topicID int, limit int) ([]discourse.Post, error) {
	args := m.Called(ctx, forumURL, topicID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]discourse.Post), args.Error(1)
}
