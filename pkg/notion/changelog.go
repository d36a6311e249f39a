package notion

import (
	"context"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Change log database property names.
const (
	PropTitle      = "Name"
	PropChangeID   = "Change ID"
	PropPayer      = "Payer"
	PropMedication = "Medication"
	PropChangeType = "Change Type"
	PropImpact     = "Impact"
	PropSummary    = "Summary"
	PropDetected   = "Detected"
)

// maxRichText is Notion's per-block rich text limit.
const maxRichText = 2000

// ChangeEntry is one policy change as shown in the change log.
type ChangeEntry struct {
	ChangeID   string
	Payer      string
	Medication string
	ChangeType string
	Impact     string
	Summary    string
	DetectedAt time.Time
}

// ChangeLog records change entries as pages of one database. Re-recording
// a change updates its existing page.
type ChangeLog struct {
	client Client
	dbID   string
}

// NewChangeLog returns a ChangeLog writing to dbID.
func NewChangeLog(c Client, dbID string) *ChangeLog {
	return &ChangeLog{client: c, dbID: dbID}
}

// Record upserts e and returns the page id.
func (l *ChangeLog) Record(ctx context.Context, e ChangeEntry) (string, error) {
	if e.ChangeID == "" {
		return "", eris.New("notion: change entry has no id")
	}
	props := changeProperties(e)

	existing, err := FindByText(ctx, l.client, l.dbID, PropChangeID, e.ChangeID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		page, err := l.client.UpdatePage(ctx, string(existing.ID), &notionapi.PageUpdateRequest{Properties: props})
		if err != nil {
			return "", eris.Wrapf(err, "notion: update change %s", e.ChangeID)
		}
		return string(page.ID), nil
	}

	page, err := l.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(l.dbID),
		},
		Properties: props,
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: create change %s", e.ChangeID)
	}
	return string(page.ID), nil
}

func changeProperties(e ChangeEntry) notionapi.Properties {
	detected := notionapi.Date(e.DetectedAt)
	return notionapi.Properties{
		PropTitle: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(e.Payer + " / " + e.Medication),
		},
		PropChangeID: notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(e.ChangeID),
		},
		PropPayer: notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(e.Payer),
		},
		PropMedication: notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(e.Medication),
		},
		PropChangeType: notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: e.ChangeType},
		},
		PropImpact: notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: strings.ToUpper(e.Impact)},
		},
		PropSummary: notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(truncate(e.Summary, maxRichText)),
		},
		PropDetected: notionapi.DateProperty{
			Type: notionapi.PropertyTypeDate,
			Date: &notionapi.DateObject{Start: &detected},
		},
	}
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
