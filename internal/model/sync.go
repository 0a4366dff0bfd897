package model

import "time"

// SyncStatus is the terminal status of a sync run.
type SyncStatus string

const (
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusSkipped   SyncStatus = "skipped"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncLock is the single shared mutual-exclusion record. At most one
// non-expired lock exists at a time; an expired lock may be overwritten by the
// next acquisition so a crashed holder cannot block syncs forever.
type SyncLock struct {
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// SyncState is the cross-run watermark. LastSyncAt bounds incremental fetch
// windows; a zero value means no sync has completed yet.
type SyncState struct {
	LastSyncAt time.Time  `json:"lastSyncAt"`
	Status     SyncStatus `json:"status"`
}

// SyncReport summarizes one completed pipeline run.
type SyncReport struct {
	Synced       int    `json:"synced"`
	Groups       int    `json:"groups"`
	TotalFetched int    `json:"total_fetched"`
	Message      string `json:"message,omitempty"`
}

// SyncRun is an audit record of a single pipeline execution.
type SyncRun struct {
	ID         string      `json:"id"`
	Status     SyncStatus  `json:"status"`
	Report     *SyncReport `json:"report,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// KeywordConfig is a single Twitter search term with its own enable flag.
type KeywordConfig struct {
	Term    string `json:"term"`
	Enabled bool   `json:"enabled"`
}

// RepoConfig is a single GitHub repository ("owner/name") with its own flag.
type RepoConfig struct {
	Repo    string `json:"repo"`
	Enabled bool   `json:"enabled"`
}

// ForumConfig is a single Discourse forum base URL with its own flag.
type ForumConfig struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// TwitterSettings configures the Twitter source.
type TwitterSettings struct {
	Enabled  bool            `json:"enabled"`
	Keywords []KeywordConfig `json:"keywords"`
}

// GitHubSettings configures the GitHub source.
type GitHubSettings struct {
	Enabled bool         `json:"enabled"`
	Repos   []RepoConfig `json:"repos"`
}

// DiscourseSettings configures the Discourse source.
type DiscourseSettings struct {
	Enabled bool          `json:"enabled"`
	Forums  []ForumConfig `json:"forums"`
}

// SourceSettings is the runtime per-source configuration read from the store
// at the start of each run. It mirrors the shared config documents that the
// dashboard edits, so toggling a source takes effect on the next sync without
// a redeploy.
type SourceSettings struct {
	Twitter   TwitterSettings   `json:"twitter"`
	GitHub    GitHubSettings    `json:"github"`
	Discourse DiscourseSettings `json:"discourse"`
}
