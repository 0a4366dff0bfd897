package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/resilience"
	"github.com/grumble-app/feedback-sync/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func testOptions() Options {
	retry := resilience.DefaultPolicy()
	retry.BaseDelay = time.Millisecond
	retry.MaxDelay = 2 * time.Millisecond
	return Options{
		Model:     "claude-haiku-4-5-20251001",
		BatchSize: 2,
		Languages: []string{"en", "pt", "es"},
		Retry:     retry,
	}
}

func feedback(ids ...string) []model.FeedbackItem {
	items := make([]model.FeedbackItem, len(ids))
	for i, id := range ids {
		items[i] = model.FeedbackItem{ID: id, Content: "content for " + id}
	}
	return items
}

func TestAnalyze_AssignsResultsPositionally(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("```json\n[{\"sentiment\":\"negative\",\"category\":\"bug\",\"summary\":\"App crashes on sync.\"},{\"sentiment\":\"positive\",\"category\":\"praise\",\"summary\":\"Users love the update.\"}]\n```"), nil).
		Once()

	a := NewAnalyzer(client, testOptions())
	out := a.Analyze(context.Background(), feedback("a", "b"))
	require.Len(t, out, 2)

	assert.Equal(t, model.SentimentNegative, out[0].Sentiment)
	assert.Equal(t, model.CategoryBug, out[0].Category)
	assert.Equal(t, "App crashes on sync.", out[0].Summary)
	assert.True(t, out[0].Analyzed)

	assert.Equal(t, model.SentimentPositive, out[1].Sentiment)
	assert.Equal(t, model.CategoryPraise, out[1].Category)
	assert.True(t, out[1].Analyzed)
}

func TestAnalyze_UnknownEnumsFallBack(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`[{"sentiment":"ecstatic","category":"rant","summary":"s"}]`), nil).
		Once()

	a := NewAnalyzer(client, testOptions())
	out := a.Analyze(context.Background(), feedback("a"))
	require.Len(t, out, 1)
	assert.Equal(t, model.SentimentNeutral, out[0].Sentiment)
	assert.Equal(t, model.CategoryOther, out[0].Category)
}

func TestAnalyze_LengthMismatchRetriedThenParsed(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`[{"sentiment":"neutral","category":"other","summary":"only one"}]`), nil).
		Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`[{"sentiment":"neutral","category":"other","summary":"s1"},{"sentiment":"negative","category":"bug","summary":"s2"}]`), nil).
		Once()

	a := NewAnalyzer(client, testOptions())
	out := a.Analyze(context.Background(), feedback("a", "b"))
	require.Len(t, out, 2)
	assert.Equal(t, "s1", out[0].Summary)
	assert.Equal(t, model.CategoryBug, out[1].Category)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestAnalyze_ExhaustedBatchGetsDefaults(t *testing.T) {
	client := new(mockAnthropicClient)
	// First batch never parses; second batch succeeds.
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("not json at all"), nil).
		Times(3)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`[{"sentiment":"positive","category":"praise","summary":"nice"}]`), nil).
		Once()

	a := NewAnalyzer(client, testOptions())
	out := a.Analyze(context.Background(), feedback("a", "b", "c"))
	require.Len(t, out, 3)

	// Failed batch: defaults, still marked analyzed so it is persisted.
	for _, item := range out[:2] {
		assert.Equal(t, model.SentimentNeutral, item.Sentiment)
		assert.Equal(t, model.CategoryOther, item.Category)
		assert.Empty(t, item.Summary)
		assert.True(t, item.Analyzed)
	}
	assert.Equal(t, "nice", out[2].Summary)
}

func TestTranslate_MergesConfiguredLanguages(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`[{"en":"crash","pt":"falha","es":"fallo"}]`), nil).
		Once()

	a := NewAnalyzer(client, testOptions())
	items := feedback("a")
	items[0].Summary = "crash"
	out := a.Translate(context.Background(), items)
	require.Len(t, out, 1)
	assert.Equal(t, map[string]string{"en": "crash", "pt": "falha", "es": "fallo"}, out[0].Translations)
}

func TestTranslate_FailedBatchKeepsEmptyTranslations(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(assert.AnError, 529)).
		Times(3)

	a := NewAnalyzer(client, testOptions())
	out := a.Translate(context.Background(), feedback("a"))
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Translations)
}

func TestTranslate_NoLanguagesIsNoop(t *testing.T) {
	client := new(mockAnthropicClient)
	opts := testOptions()
	opts.Languages = nil

	a := NewAnalyzer(client, opts)
	out := a.Translate(context.Background(), feedback("a"))
	require.Len(t, out, 1)
	client.AssertNotCalled(t, "CreateMessage")
}

func TestNewAnalyzer_DropsInvalidLanguageCodes(t *testing.T) {
	opts := testOptions()
	opts.Languages = []string{"en", "not a language", "pt"}
	a := NewAnalyzer(new(mockAnthropicClient), opts)
	assert.Equal(t, []string{"en", "pt"}, a.languages)
}

func TestTruncate_RuneBoundary(t *testing.T) {
	// A 2-byte cut of "héllo" lands inside the 2-byte é and must back up.
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "hé", truncate("héllo", 3))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "short", truncate("short", 10))
}

func TestCleanJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n[1,2]\n```":            "[1,2]",
		"```\n[1,2]\n```":                "[1,2]",
		"Here you go:\n\n[1,2]\n\nDone.": "[1,2]",
		"[1,2]":                          "[1,2]",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanJSON(in), "input %q", in)
	}
}
