package notion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testEntry() ChangeEntry {
	return ChangeEntry{
		ChangeID:   "chg-1",
		Payer:      "Aetna",
		Medication: "semaglutide",
		ChangeType: "requirements_updated",
		Impact:     "high",
		Summary:    "BMI threshold raised from 27 to 30",
		DetectedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChangeLog_RecordCreatesPage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-changes", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		if req.Parent.DatabaseID != notionapi.DatabaseID("db-changes") {
			return false
		}
		impact, ok := req.Properties[PropImpact].(notionapi.SelectProperty)
		if !ok || impact.Select.Name != "HIGH" {
			return false
		}
		title, ok := req.Properties[PropTitle].(notionapi.TitleProperty)
		return ok && title.Title[0].Text.Content == "Aetna / semaglutide"
	})).Return(&notionapi.Page{ID: "page-new"}, nil).Once()

	id, err := NewChangeLog(mc, "db-changes").Record(ctx, testEntry())
	require.NoError(t, err)
	assert.Equal(t, "page-new", id)
	mc.AssertExpectations(t)
	mc.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestChangeLog_RecordUpdatesExisting(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-changes", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-1"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "page-1", mock.AnythingOfType("*notionapi.PageUpdateRequest")).
		Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	id, err := NewChangeLog(mc, "db-changes").Record(ctx, testEntry())
	require.NoError(t, err)
	assert.Equal(t, "page-1", id)
	mc.AssertExpectations(t)
	mc.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
}

func TestChangeLog_RecordErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing id", func(t *testing.T) {
		mc := new(MockClient)
		_, err := NewChangeLog(mc, "db").Record(ctx, ChangeEntry{Payer: "Aetna"})
		require.Error(t, err)
	})

	t.Run("create fails", func(t *testing.T) {
		mc := new(MockClient)
		mc.On("QueryDatabase", ctx, "db", mock.Anything).Return(&notionapi.DatabaseQueryResponse{}, nil)
		mc.On("CreatePage", ctx, mock.Anything).Return(nil, assert.AnError)

		_, err := NewChangeLog(mc, "db").Record(ctx, testEntry())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "notion: create change chg-1")
	})

	t.Run("lookup fails", func(t *testing.T) {
		mc := new(MockClient)
		mc.On("QueryDatabase", ctx, "db", mock.Anything).Return(nil, assert.AnError)

		_, err := NewChangeLog(mc, "db").Record(ctx, testEntry())
		require.Error(t, err)
		mc.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
	})
}

func TestChangeProperties_TruncatesSummary(t *testing.T) {
	e := testEntry()
	e.Summary = strings.Repeat("x", maxRichText+50)

	props := changeProperties(e)
	summary := props[PropSummary].(notionapi.RichTextProperty)
	assert.Len(t, []rune(summary.RichText[0].Text.Content), maxRichText)

	detected := props[PropDetected].(notionapi.DateProperty)
	require.NotNil(t, detected.Date.Start)
	assert.True(t, time.Time(*detected.Date.Start).Equal(e.DetectedAt))
}
