package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/grumble-app/feedback-sync/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SourceSettings(ctx context.Context) (*model.SourceSettings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SourceSettings), args.Error(1)
}

func (m *mockStore) ExistingItemIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

func (m *mockStore) UpsertItems(ctx context.Context, items []model.FeedbackItem) (int, error) {
	args := m.Called(ctx, items)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) UpsertGroups(ctx context.Context, groups []model.Group) (int, error) {
	args := m.Called(ctx, groups)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) ListGroups(ctx context.Context) ([]model.Group, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Group), args.Error(1)
}

func (m *mockStore) SyncState(ctx context.Context) (*model.SyncState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncState), args.Error(1)
}

func (m *mockStore) SetSyncState(ctx context.Context, state model.SyncState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *mockStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocker) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockFetcher struct {
	mock.Mock
	name string
}

func (m *mockFetcher) Name() string { return m.name }

func (m *mockFetcher) Fetch(ctx context.Context, settings model.SourceSettings, since time.Time) ([]model.FeedbackItem, error) {
	args := m.Called(ctx, settings, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.FeedbackItem), args.Error(1)
}

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, items []model.FeedbackItem) []model.FeedbackItem {
	args := m.Called(ctx, items)
	return args.Get(0).([]model.FeedbackItem)
}

func (m *mockAnalyzer) Translate(ctx context.Context, items []model.FeedbackItem) []model.FeedbackItem {
	args := m.Called(ctx, items)
	return args.Get(0).([]model.FeedbackItem)
}

type mockGrouper struct {
	mock.Mock
}

func (m *mockGrouper) CreateGroups(ctx context.Context, items []model.FeedbackItem) []model.Group {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]model.Group)
}
