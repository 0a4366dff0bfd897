// Package source turns provider-specific APIs into normalized feedback items.
// Each fetcher honors its enabled flags, retries transient failures through
// the shared executor, and fails open: a broken keyword, repo, or forum is
// logged and skipped without aborting its siblings or the pipeline.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/grumble-app/feedback-sync/internal/model"
)

// Fetcher retrieves feedback items from one upstream provider. A zero since
// means "first run, fetch everything the bounded window allows". Only sources
// whose upstream supports server-side time filtering use since; the others
// always refetch their most-recent window and rely on store-level dedup.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, settings model.SourceSettings, since time.Time) ([]model.FeedbackItem, error)
}

// itemID namespaces a provider-native identifier so ids never collide across
// sources. The result is the idempotency key for storage.
func itemID(sourceType model.SourceType, nativeID string) string {
	prefix := string(sourceType)
	if sourceType == model.SourceTwitter {
		prefix = "twitter"
	}
	return fmt.Sprintf("%s-%s", prefix, nativeID)
}
