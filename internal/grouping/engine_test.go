package grouping

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

func testEngine(client anthropic.Client) *Engine {
	retry := resilience.DefaultPolicy()
	retry.BaseDelay = time.Millisecond
	retry.MaxDelay = 2 * time.Millisecond
	return NewEngine(client, Options{Model: "claude-haiku-4-5-20251001", Window: 3, Retry: retry})
}

func analyzedItems(ids ...string) []model.FeedbackItem {
	items := make([]model.FeedbackItem, len(ids))
	for i, id := range ids {
		items[i] = model.FeedbackItem{
			ID:        id,
			Sentiment: model.SentimentNeutral,
			Category:  model.CategoryOther,
			Summary:   "summary of " + id,
			Analyzed:  true,
		}
	}
	return items
}

func TestGroupID_CaseInsensitiveAndStable(t *testing.T) {
	a := GroupID("Sync Failures")
	b := GroupID("sync failures")
	assert.Equal(t, a, b)
	assert.Len(t, a, len("group-")+12)
	assert.NotEqual(t, a, GroupID("login issues"))
}

func TestCreateGroups_ParsesFencedResponse(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("```json\n[{\"theme\":\"Sync failures\",\"sentiment\":\"negative\",\"category\":\"bug\",\"itemIds\":[\"a\",\"b\",\"ghost\"]}]\n```"), nil).
		Once()

	e := testEngine(client)
	groups := e.CreateGroups(context.Background(), analyzedItems("a", "b"))
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, GroupID("Sync failures"), g.ID)
	assert.Equal(t, "Sync failures", g.Theme)
	assert.Equal(t, model.SentimentNegative, g.Sentiment)
	assert.Equal(t, model.CategoryBug, g.Category)

	// Invented ids are dropped, and the count follows the kept ids.
	assert.Equal(t, []string{"a", "b"}, g.ItemIDs)
	assert.Equal(t, 2, g.ItemCount)
}

func TestCreateGroups_EmptyInput(t *testing.T) {
	client := new(mockAnthropicClient)
	e := testEngine(client)
	assert.Nil(t, e.CreateGroups(context.Background(), nil))
	client.AssertNotCalled(t, "CreateMessage")
}

func TestCreateGroups_WindowLimitsPrompt(t *testing.T) {
	var prompt string
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(anthropic.MessageRequest)
			prompt = req.Messages[0].Content
		}).
		Return(textResponse(`[]`), nil).
		Once()

	e := testEngine(client) // window of 3
	e.CreateGroups(context.Background(), analyzedItems("a", "b", "c", "d", "e"))

	assert.Contains(t, prompt, "ID: c,")
	assert.NotContains(t, prompt, "ID: d,")
}

func TestCreateGroups_UnanalyzedFieldsGetPromptDefaults(t *testing.T) {
	var prompt string
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(anthropic.MessageRequest)
			prompt = req.Messages[0].Content
		}).
		Return(textResponse(`[]`), nil).
		Once()

	e := testEngine(client)
	e.CreateGroups(context.Background(), []model.FeedbackItem{
		{ID: "a", Summary: "no enrichment ran", Analyzed: true},
	})

	assert.Contains(t, prompt, "ID: a, Sentiment: neutral, Category: other,")
}

func TestTruncate_RuneBoundary(t *testing.T) {
	// A 2-byte cut of "héllo" lands inside the 2-byte é and must back up.
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "hé", truncate("héllo", 3))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "short", truncate("short", 10))
}

func TestCreateGroups_FailureYieldsNoGroups(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("I could not group these items."), nil).
		Times(3)

	e := testEngine(client)
	groups := e.CreateGroups(context.Background(), analyzedItems("a"))
	assert.Empty(t, groups)
	client.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestDeduplicate(t *testing.T) {
	existing := []model.Group{{Theme: "Sync failures"}}
	incoming := []model.Group{
		{Theme: "sync FAILURES"}, // matches persisted theme
		{Theme: "Login issues"},
		{Theme: "login issues"}, // intra-run duplicate
		{Theme: "Dark mode"},
	}

	unique := Deduplicate(incoming, existing)
	require.Len(t, unique, 2)
	assert.Equal(t, "Login issues", unique[0].Theme)
	assert.Equal(t, "Dark mode", unique[1].Theme)
}

func TestDeduplicate_Empty(t *testing.T) {
	assert.Nil(t, Deduplicate(nil, []model.Group{{Theme: "x"}}))
	got := Deduplicate([]model.Group{{Theme: "x"}}, nil)
	require.Len(t, got, 1)
}
