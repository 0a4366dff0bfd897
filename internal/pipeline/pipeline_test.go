package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/source"
)

type fixture struct {
	store    *mockStore
	locker   *mockLocker
	twitter  *mockFetcher
	github   *mockFetcher
	analyzer *mockAnalyzer
	grouper  *mockGrouper
	syncer   *Syncer
}

func newFixture() *fixture {
	f := &fixture{
		store:    new(mockStore),
		locker:   new(mockLocker),
		twitter:  &mockFetcher{name: "twitter"},
		github:   &mockFetcher{name: "github"},
		analyzer: new(mockAnalyzer),
		grouper:  new(mockGrouper),
	}
	f.syncer = New(f.store, f.locker,
		[]source.Fetcher{f.twitter, f.github},
		f.analyzer, f.grouper, 30*time.Minute)
	return f
}

func (f *fixture) expectLockCycle() {
	f.locker.On("TryAcquire", mock.Anything, 30*time.Minute).Return(true, nil).Once()
	f.locker.On("Release", mock.Anything).Return(nil).Once()
}

func (f *fixture) expectAudit(status model.SyncStatus) {
	f.store.On("RecordSyncRun", mock.Anything, mock.MatchedBy(func(run model.SyncRun) bool {
		return run.Status == status && run.ID != ""
	})).Return(nil).Once()
}

func items(ids ...string) []model.FeedbackItem {
	out := make([]model.FeedbackItem, len(ids))
	for i, id := range ids {
		out[i] = model.FeedbackItem{ID: id, Content: "content " + id}
	}
	return out
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture()
	f.expectLockCycle()
	f.expectAudit(model.SyncStatusCompleted)

	settings := &model.SourceSettings{Twitter: model.TwitterSettings{Enabled: true}}
	lastSync := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	f.store.On("SourceSettings", mock.Anything).Return(settings, nil)
	f.store.On("SyncState", mock.Anything).
		Return(&model.SyncState{LastSyncAt: lastSync, Status: model.SyncStatusCompleted}, nil)

	// Watermark bounds the fetch window for every source.
	f.twitter.On("Fetch", mock.Anything, *settings, lastSync).Return(items("twitter-1", "twitter-2"), nil)
	f.github.On("Fetch", mock.Anything, *settings, lastSync).Return(items("github-issue-3"), nil)

	// twitter-2 is already persisted.
	f.store.On("ExistingItemIDs", mock.Anything, []string{"twitter-1", "twitter-2", "github-issue-3"}).
		Return(map[string]struct{}{"twitter-2": {}}, nil)

	fresh := items("twitter-1", "github-issue-3")
	analyzed := make([]model.FeedbackItem, len(fresh))
	copy(analyzed, fresh)
	for i := range analyzed {
		analyzed[i].Analyzed = true
	}

	f.analyzer.On("Analyze", mock.Anything, fresh).Return(analyzed)

	newGroups := []model.Group{{ID: "group-a", Theme: "Crashes"}, {ID: "group-b", Theme: "Existing theme"}}
	f.grouper.On("CreateGroups", mock.Anything, analyzed).Return(newGroups)
	f.store.On("ListGroups", mock.Anything).Return([]model.Group{{ID: "group-b", Theme: "existing THEME"}}, nil)

	f.analyzer.On("Translate", mock.Anything, analyzed).Return(analyzed)

	f.store.On("UpsertItems", mock.Anything, analyzed).Return(2, nil)
	f.store.On("UpsertGroups", mock.Anything, []model.Group{{ID: "group-a", Theme: "Crashes"}}).Return(1, nil)
	f.store.On("SetSyncState", mock.Anything, mock.MatchedBy(func(state model.SyncState) bool {
		return state.Status == model.SyncStatusCompleted && !state.LastSyncAt.IsZero()
	})).Return(nil).Once()

	report, err := f.syncer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, 3, report.TotalFetched)
	assert.Empty(t, report.Message)

	f.store.AssertExpectations(t)
	f.locker.AssertExpectations(t)
	f.analyzer.AssertExpectations(t)
	f.grouper.AssertExpectations(t)
}

func TestRun_SkippedWhenLockHeld(t *testing.T) {
	f := newFixture()
	f.locker.On("TryAcquire", mock.Anything, 30*time.Minute).Return(false, nil).Once()

	report, err := f.syncer.Run(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.Nil(t, report)

	// A lock we never took must not be released, and a skip touches nothing
	// in the store beyond the lock check itself.
	f.locker.AssertNotCalled(t, "Release", mock.Anything)
	f.store.AssertNotCalled(t, "SourceSettings", mock.Anything)
	f.store.AssertNotCalled(t, "RecordSyncRun", mock.Anything, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestRun_NoNewItems(t *testing.T) {
	f := newFixture()
	f.expectLockCycle()
	f.expectAudit(model.SyncStatusCompleted)

	settings := &model.SourceSettings{}
	f.store.On("SourceSettings", mock.Anything).Return(settings, nil)
	f.store.On("SyncState", mock.Anything).Return(nil, nil)

	f.twitter.On("Fetch", mock.Anything, *settings, time.Time{}).Return(items("twitter-1"), nil)
	f.github.On("Fetch", mock.Anything, *settings, time.Time{}).Return([]model.FeedbackItem{}, nil)

	f.store.On("ExistingItemIDs", mock.Anything, []string{"twitter-1"}).
		Return(map[string]struct{}{"twitter-1": {}}, nil)

	report, err := f.syncer.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Synced)
	assert.Zero(t, report.Groups)
	assert.Equal(t, 1, report.TotalFetched)
	assert.Equal(t, "No new items", report.Message)

	// The watermark never moves on an empty run.
	f.store.AssertNotCalled(t, "SetSyncState", mock.Anything, mock.Anything)
	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
	f.locker.AssertExpectations(t)
}

func TestRun_SourceFailureIsIsolated(t *testing.T) {
	f := newFixture()
	f.expectLockCycle()
	f.expectAudit(model.SyncStatusCompleted)

	settings := &model.SourceSettings{}
	f.store.On("SourceSettings", mock.Anything).Return(settings, nil)
	f.store.On("SyncState", mock.Anything).Return(nil, nil)

	f.twitter.On("Fetch", mock.Anything, *settings, time.Time{}).Return(nil, assert.AnError)
	f.github.On("Fetch", mock.Anything, *settings, time.Time{}).Return(items("github-issue-1"), nil)

	f.store.On("ExistingItemIDs", mock.Anything, []string{"github-issue-1"}).
		Return(map[string]struct{}{}, nil)

	surviving := items("github-issue-1")
	f.analyzer.On("Analyze", mock.Anything, surviving).Return(surviving)
	f.grouper.On("CreateGroups", mock.Anything, surviving).Return(nil)
	f.store.On("ListGroups", mock.Anything).Return([]model.Group{}, nil)
	f.analyzer.On("Translate", mock.Anything, surviving).Return(surviving)
	f.store.On("UpsertItems", mock.Anything, surviving).Return(1, nil)
	f.store.On("UpsertGroups", mock.Anything, mock.Anything).Return(0, nil)
	f.store.On("SetSyncState", mock.Anything, mock.Anything).Return(nil)

	report, err := f.syncer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.TotalFetched)
}

func TestRun_IntraRunDuplicatesDropped(t *testing.T) {
	f := newFixture()
	f.expectLockCycle()
	f.expectAudit(model.SyncStatusCompleted)

	settings := &model.SourceSettings{}
	f.store.On("SourceSettings", mock.Anything).Return(settings, nil)
	f.store.On("SyncState", mock.Anything).Return(nil, nil)

	// Both fetchers return the same id; the first occurrence wins.
	f.twitter.On("Fetch", mock.Anything, *settings, time.Time{}).Return(items("twitter-1", "twitter-1"), nil)
	f.github.On("Fetch", mock.Anything, *settings, time.Time{}).Return([]model.FeedbackItem{}, nil)

	f.store.On("ExistingItemIDs", mock.Anything, []string{"twitter-1", "twitter-1"}).
		Return(map[string]struct{}{}, nil)

	fresh := items("twitter-1")
	f.analyzer.On("Analyze", mock.Anything, fresh).Return(fresh)
	f.grouper.On("CreateGroups", mock.Anything, fresh).Return(nil)
	f.store.On("ListGroups", mock.Anything).Return([]model.Group{}, nil)
	f.analyzer.On("Translate", mock.Anything, fresh).Return(fresh)
	f.store.On("UpsertItems", mock.Anything, fresh).Return(1, nil)
	f.store.On("UpsertGroups", mock.Anything, mock.Anything).Return(0, nil)
	f.store.On("SetSyncState", mock.Anything, mock.Anything).Return(nil)

	_, err := f.syncer.Run(context.Background())
	require.NoError(t, err)
	f.analyzer.AssertExpectations(t)
}

func TestRun_PersistFailureReleasesLock(t *testing.T) {
	f := newFixture()
	f.expectLockCycle()
	f.expectAudit(model.SyncStatusFailed)

	settings := &model.SourceSettings{}
	f.store.On("SourceSettings", mock.Anything).Return(settings, nil)
	f.store.On("SyncState", mock.Anything).Return(nil, nil)

	f.twitter.On("Fetch", mock.Anything, *settings, time.Time{}).Return(items("twitter-1"), nil)
	f.github.On("Fetch", mock.Anything, *settings, time.Time{}).Return([]model.FeedbackItem{}, nil)
	f.store.On("ExistingItemIDs", mock.Anything, mock.Anything).Return(map[string]struct{}{}, nil)

	fresh := items("twitter-1")
	f.analyzer.On("Analyze", mock.Anything, fresh).Return(fresh)
	f.grouper.On("CreateGroups", mock.Anything, fresh).Return(nil)
	f.store.On("ListGroups", mock.Anything).Return([]model.Group{}, nil)
	f.analyzer.On("Translate", mock.Anything, fresh).Return(fresh)
	f.store.On("UpsertItems", mock.Anything, fresh).Return(0, assert.AnError)

	_, err := f.syncer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist items")

	// Watermark untouched, lock released exactly once.
	f.store.AssertNotCalled(t, "SetSyncState", mock.Anything, mock.Anything)
	f.locker.AssertExpectations(t)
	f.store.AssertExpectations(t)
}

func TestRun_SettingsFailureReleasesLock(t *testing.T) {
	f := newFixture()
	f.expectLockCycle()
	f.expectAudit(model.SyncStatusFailed)

	f.store.On("SourceSettings", mock.Anything).Return(nil, assert.AnError)

	_, err := f.syncer.Run(context.Background())
	require.Error(t, err)
	f.locker.AssertExpectations(t)
}

func TestRun_AcquireErrorIsFatal(t *testing.T) {
	f := newFixture()
	f.locker.On("TryAcquire", mock.Anything, 30*time.Minute).Return(false, assert.AnError).Once()

	_, err := f.syncer.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSyncInProgress)
	f.locker.AssertNotCalled(t, "Release", mock.Anything)
	f.store.AssertNotCalled(t, "RecordSyncRun", mock.Anything, mock.Anything)
}

func TestRun_CallerCancellationStillReleasesLock(t *testing.T) {
	f := newFixture()
	f.expectLockCycle()
	f.expectAudit(model.SyncStatusFailed)

	ctx, cancel := context.WithCancel(context.Background())

	f.store.On("SourceSettings", mock.Anything).Return(&model.SourceSettings{}, nil)
	f.store.On("SyncState", mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(nil, context.Canceled)

	_, err := f.syncer.Run(ctx)
	require.Error(t, err)

	// Release ran despite the canceled caller context.
	f.locker.AssertExpectations(t)
}
