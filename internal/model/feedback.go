package model

import "time"

// SourceType identifies which upstream provider produced a feedback item.
type SourceType string

const (
	SourceTwitter          SourceType = "twitter-search"
	SourceGitHubIssue      SourceType = "github-issue"
	SourceGitHubDiscussion SourceType = "github-discussion"
	SourceDiscourse        SourceType = "discourse"
)

// Sentiment is the analyzed tone of a feedback item or group.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Category classifies what kind of feedback an item carries.
type Category string

const (
	CategoryBug            Category = "bug"
	CategoryFeatureRequest Category = "feature_request"
	CategoryQuestion       Category = "question"
	CategoryPraise         Category = "praise"
	CategoryComplaint      Category = "complaint"
	CategoryOther          Category = "other"
)

// FeedbackItem is a normalized unit of feedback from any source. ID is the
// idempotency key for storage and dedup: it is derived deterministically from
// the source type and the provider's native identifier (e.g. "github-issue-42").
type FeedbackItem struct {
	ID         string     `json:"id"`
	SourceType SourceType `json:"sourceType"`
	Content    string     `json:"content"`
	Title      string     `json:"title,omitempty"`
	Author     string     `json:"author"`
	AuthorName string     `json:"authorName,omitempty"`
	URL        string     `json:"url"`
	CreatedAt  time.Time  `json:"createdAt"`
	Likes      int        `json:"likes"`
	Comments   int        `json:"comments"`

	// Provenance hints, one of which is set depending on the source.
	Keyword string `json:"keyword,omitempty"`
	Repo    string `json:"repo,omitempty"`
	Forum   string `json:"forum,omitempty"`

	// Enrichment fields, populated by the analyzer. Analyzed is true once the
	// item has been through analysis, even when a failed batch left it with
	// fallback defaults.
	Sentiment    Sentiment         `json:"sentiment,omitempty"`
	Category     Category          `json:"category,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
	Analyzed     bool              `json:"analyzed"`
}

// Group is a theme cluster over feedback items. Its ID is a stable hash of the
// lower-cased theme so re-deriving the same theme converges to the same group.
type Group struct {
	ID        string    `json:"id"`
	Theme     string    `json:"theme"`
	Sentiment Sentiment `json:"sentiment"`
	Category  Category  `json:"category"`
	ItemIDs   []string  `json:"itemIds"`
	ItemCount int       `json:"itemCount"`
}
