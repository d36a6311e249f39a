package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/store"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedVersion(t *testing.T, st store.Store, payer, medication, note string, updated time.Time) *model.PolicyVersion {
	t.Helper()
	v, err := st.InsertPolicyVersion(context.Background(), &model.PolicyVersion{
		Payer:        payer,
		Medication:   medication,
		SourceName:   payer + " Medical Policy",
		RawText:      note,
		Requirements: model.Requirements{Note: note},
		LastUpdated:  updated,
	})
	require.NoError(t, err)
	return v
}

func seedOutcomes(t *testing.T, st store.Store, payer, medication string, approved, denied int) {
	t.Helper()
	var rows []model.Outcome
	for i := range approved + denied {
		status := model.StatusApproved
		if i >= approved {
			status = model.StatusDenied
		}
		rows = append(rows, model.Outcome{
			Payer:          payer,
			Medication:     medication,
			ApprovalStatus: status,
			SubmittedAt:    baseTime.Add(time.Duration(i) * time.Hour),
		})
	}
	_, err := st.ImportOutcomes(context.Background(), rows)
	require.NoError(t, err)
}
