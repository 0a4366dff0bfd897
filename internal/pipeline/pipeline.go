// Package pipeline orchestrates one sync run: lock, fetch, dedup, enrich,
// group, translate, persist, advance the watermark, release the lock. Source
// and enrichment failures degrade the run; store failures abort it. Every
// phase after the lock is at-least-once safe because persistence merges by
// stable id.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grumble-app/feedback-sync/internal/grouping"
	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/source"
	"github.com/grumble-app/feedback-sync/internal/store"
)

// ErrSyncInProgress reports that another holder owns the sync lock. The run
// did no work and may be retried after the current sync finishes.
var ErrSyncInProgress = eris.New("another sync in progress")

// Analyzer enriches items with sentiment and translations.
type Analyzer interface {
	Analyze(ctx context.Context, items []model.FeedbackItem) []model.FeedbackItem
	Translate(ctx context.Context, items []model.FeedbackItem) []model.FeedbackItem
}

// Grouper clusters analyzed items into theme groups.
type Grouper interface {
	CreateGroups(ctx context.Context, items []model.FeedbackItem) []model.Group
}

// Syncer runs the feedback sync pipeline.
type Syncer struct {
	store    store.Store
	locker   store.Locker
	fetchers []source.Fetcher
	analyzer Analyzer
	grouper  Grouper
	lockTTL  time.Duration
}

// New creates a Syncer with all dependencies.
func New(
	st store.Store,
	locker store.Locker,
	fetchers []source.Fetcher,
	analyzer Analyzer,
	grouper Grouper,
	lockTTL time.Duration,
) *Syncer {
	return &Syncer{
		store:    st,
		locker:   locker,
		fetchers: fetchers,
		analyzer: analyzer,
		grouper:  grouper,
		lockTTL:  lockTTL,
	}
}

// Run executes one full sync. It returns ErrSyncInProgress without touching
// any data when the lock is held elsewhere; any other error means the run
// started and failed. The lock is released on every path once acquired.
func (s *Syncer) Run(ctx context.Context) (*model.SyncReport, error) {
	started := time.Now().UTC()

	acquired, err := s.locker.TryAcquire(ctx, s.lockTTL)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: acquire lock")
	}
	// A contended lock means another run owns the store right now; beyond the
	// lock check itself the skip writes nothing, not even an audit row.
	if !acquired {
		zap.L().Info("pipeline: skipped, another sync in progress")
		return nil, ErrSyncInProgress
	}
	defer func() {
		// Release must survive caller cancellation, otherwise a dropped
		// request would leave the lock pinned for the full TTL.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if relErr := s.locker.Release(releaseCtx); relErr != nil {
			zap.L().Error("pipeline: releasing lock failed", zap.Error(relErr))
		}
	}()

	report, err := s.run(ctx)
	finished := time.Now().UTC()

	run := model.SyncRun{
		ID:         uuid.New().String(),
		Report:     report,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err != nil {
		run.Status = model.SyncStatusFailed
		run.Error = err.Error()
	} else {
		run.Status = model.SyncStatusCompleted
	}
	s.record(ctx, run)

	return report, err
}

func (s *Syncer) run(ctx context.Context) (*model.SyncReport, error) {
	settings, err := s.store.SourceSettings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read source settings")
	}

	state, err := s.store.SyncState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read sync state")
	}
	var since time.Time
	if state != nil {
		since = state.LastSyncAt
	}
	if since.IsZero() {
		zap.L().Info("pipeline: first sync, fetching all available data")
	} else {
		zap.L().Info("pipeline: incremental sync", zap.Time("since", since))
	}

	fetched := s.fetchAll(ctx, settings, since)
	zap.L().Info("pipeline: fetch complete", zap.Int("total", len(fetched)))

	newItems, err := s.dedup(ctx, fetched)
	if err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: new items after dedup", zap.Int("count", len(newItems)))

	if len(newItems) == 0 {
		return &model.SyncReport{
			TotalFetched: len(fetched),
			Message:      "No new items",
		}, nil
	}

	analyzed := s.analyzer.Analyze(ctx, newItems)

	groups := s.grouper.CreateGroups(ctx, analyzed)
	existingGroups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list groups")
	}
	uniqueGroups := grouping.Deduplicate(groups, existingGroups)

	translated := s.analyzer.Translate(ctx, analyzed)

	synced, err := s.store.UpsertItems(ctx, translated)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: persist items")
	}
	if _, err := s.store.UpsertGroups(ctx, uniqueGroups); err != nil {
		return nil, eris.Wrap(err, "pipeline: persist groups")
	}

	// The watermark moves only after every write above landed; a failed run
	// refetches the same window and the merge-upserts absorb the replay.
	if err := s.store.SetSyncState(ctx, model.SyncState{
		LastSyncAt: time.Now().UTC(),
		Status:     model.SyncStatusCompleted,
	}); err != nil {
		return nil, eris.Wrap(err, "pipeline: advance watermark")
	}

	zap.L().Info("pipeline: sync complete",
		zap.Int("synced", synced),
		zap.Int("groups", len(uniqueGroups)),
		zap.Int("total_fetched", len(fetched)),
	)
	return &model.SyncReport{
		Synced:       synced,
		Groups:       len(uniqueGroups),
		TotalFetched: len(fetched),
	}, nil
}

// fetchAll runs every fetcher concurrently and concatenates their results in
// fetcher order, so output is deterministic regardless of completion order. A
// failed fetcher contributes nothing; it never aborts the run.
func (s *Syncer) fetchAll(ctx context.Context, settings *model.SourceSettings, since time.Time) []model.FeedbackItem {
	results := make([][]model.FeedbackItem, len(s.fetchers))

	g, gCtx := errgroup.WithContext(ctx)
	for i, f := range s.fetchers {
		g.Go(func() error {
			items, err := f.Fetch(gCtx, *settings, since)
			if err != nil {
				zap.L().Error("pipeline: source fetch failed",
					zap.String("source", f.Name()),
					zap.Error(err),
				)
				return nil
			}
			zap.L().Info("pipeline: source fetched",
				zap.String("source", f.Name()),
				zap.Int("items", len(items)),
			)
			results[i] = items
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	var all []model.FeedbackItem
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// dedup drops items already persisted plus same-id duplicates within this
// fetch (first occurrence wins).
func (s *Syncer) dedup(ctx context.Context, items []model.FeedbackItem) ([]model.FeedbackItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	existing, err := s.store.ExistingItemIDs(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: check existing items")
	}

	seen := make(map[string]struct{}, len(items))
	fresh := make([]model.FeedbackItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, ok := existing[item.ID]; ok {
			continue
		}
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		fresh = append(fresh, item)
	}
	return fresh, nil
}

// record writes the audit row; audit failures are logged, never fatal.
func (s *Syncer) record(ctx context.Context, run model.SyncRun) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.RecordSyncRun(auditCtx, run); err != nil {
		zap.L().Warn("pipeline: recording sync run failed", zap.Error(err))
	}
}
