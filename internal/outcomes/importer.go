// Package outcomes bulk-loads reported prior-authorization outcomes from CSV
// exports and refreshes the success patterns they feed.
package outcomes

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/monitoring"
	"github.com/sells-group/policy-engine/internal/store"
)

// requiredColumns must appear in the CSV header.
var requiredColumns = []string{"payer", "medication", "approval_status"}

// Row is one CSV record. documentation_used is semicolon separated.
type Row struct {
	Payer                string   `csv:"payer"`
	Medication           string   `csv:"medication"`
	PatientProfileHash   string   `csv:"patient_profile_hash,omitempty"`
	ApprovalStatus       string   `csv:"approval_status"`
	DenialReason         string   `csv:"denial_reason,omitempty"`
	DocumentationUsed    string   `csv:"documentation_used,omitempty"`
	PredictedProbability *float64 `csv:"approval_probability_predicted,omitempty"`
	ProcessingTimeDays   *int     `csv:"processing_time_days,omitempty"`
	SubmittedAt          string   `csv:"submitted_at,omitempty"`
}

// RowError reports a rejected CSV line.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// Options configures parsing.
type Options struct {
	// Comma is the field delimiter. Default ','.
	Comma rune
}

// ParseCSV decodes outcomes from r. Rows that fail validation are returned
// as RowErrors and skipped; a malformed header or a read failure aborts.
func ParseCSV(r io.Reader, opts Options) ([]model.Outcome, []RowError, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "outcomes: read header")
	}
	if missing := missingColumns(dec.Header()); len(missing) > 0 {
		return nil, nil, eris.Errorf("outcomes: missing columns: %s", strings.Join(missing, ", "))
	}

	var (
		out     []model.Outcome
		rejects []RowError
	)
	// Line 1 is the header.
	for line := 2; ; line++ {
		var row Row
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var typeErr *csvutil.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				rejects = append(rejects, RowError{Line: line, Err: err.Error()})
				continue
			}
			return nil, nil, eris.Wrapf(err, "outcomes: read line %d", line)
		}
		o, err := row.Outcome()
		if err != nil {
			rejects = append(rejects, RowError{Line: line, Err: err.Error()})
			continue
		}
		out = append(out, o)
	}
	return out, rejects, nil
}

// Outcome validates the row and converts it.
func (r Row) Outcome() (model.Outcome, error) {
	o := model.Outcome{
		Payer:                strings.TrimSpace(r.Payer),
		Medication:           strings.TrimSpace(r.Medication),
		PatientProfileHash:   r.PatientProfileHash,
		ApprovalStatus:       model.ApprovalStatus(strings.ToLower(strings.TrimSpace(r.ApprovalStatus))),
		DenialReason:         r.DenialReason,
		PredictedProbability: r.PredictedProbability,
		ProcessingTimeDays:   r.ProcessingTimeDays,
	}
	if o.Payer == "" || o.Medication == "" {
		return o, eris.New("payer and medication are required")
	}
	if !o.ApprovalStatus.Valid() {
		return o, eris.Errorf("invalid approval_status %q", r.ApprovalStatus)
	}
	if p := o.PredictedProbability; p != nil && (*p < 0 || *p > 1) {
		return o, eris.Errorf("approval_probability_predicted %v outside [0, 1]", *p)
	}
	for _, d := range strings.Split(r.DocumentationUsed, ";") {
		if d = strings.TrimSpace(d); d != "" {
			o.DocumentationUsed = append(o.DocumentationUsed, d)
		}
	}
	if s := strings.TrimSpace(r.SubmittedAt); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return o, err
		}
		o.SubmittedAt = t
	}
	return o, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("invalid submitted_at %q", s)
}

func missingColumns(header []string) []string {
	have := make([]string, len(header))
	for i, h := range header {
		have[i] = strings.ToLower(strings.TrimSpace(h))
	}
	var missing []string
	for _, c := range requiredColumns {
		if !slices.Contains(have, c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Summary reports an import.
type Summary struct {
	Parsed   int                    `json:"parsed"`
	Imported int64                  `json:"imported"`
	Rejected []RowError             `json:"rejected,omitempty"`
	Patterns []model.SuccessPattern `json:"patterns"`
}

// Importer loads outcome files into the store.
type Importer struct {
	store   store.Store
	learner *monitoring.Learner
}

// NewImporter creates an Importer. learner may be nil to skip pattern
// recomputation.
func NewImporter(st store.Store, learner *monitoring.Learner) *Importer {
	return &Importer{store: st, learner: learner}
}

// Import parses r, bulk-inserts the valid rows and recomputes the success
// pattern of every (payer, medication) pair they touched.
func (im *Importer) Import(ctx context.Context, r io.Reader, opts Options) (*Summary, error) {
	log := zap.L().With(zap.String("component", "outcomes"))

	rows, rejects, err := ParseCSV(r, opts)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Parsed: len(rows), Rejected: rejects}
	for _, rej := range rejects {
		log.Warn("outcomes: row rejected", zap.Int("line", rej.Line), zap.String("error", rej.Err))
	}
	if len(rows) == 0 {
		return sum, nil
	}

	n, err := im.store.ImportOutcomes(ctx, rows)
	if err != nil {
		return sum, eris.Wrap(err, "outcomes: import")
	}
	sum.Imported = n
	log.Info("outcomes: imported", zap.Int64("rows", n), zap.Int("rejected", len(rejects)))

	if im.learner == nil {
		return sum, nil
	}
	pairs := make([]monitoring.Pair, len(rows))
	for i, o := range rows {
		pairs[i] = monitoring.Pair{Payer: o.Payer, Medication: o.Medication}
	}
	patterns, err := im.learner.RecomputeAll(ctx, pairs)
	if err != nil {
		return sum, err
	}
	sum.Patterns = patterns
	return sum, nil
}
