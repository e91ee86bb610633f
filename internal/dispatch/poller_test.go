package dispatch

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/stretchr/testify/require"

	"github.com/broadbio/dataregistry/internal/models"
)

func TestPollerRunOnceReconcilesAllNonTerminalJobs(t *testing.T) {
	db := openDispatchTestDB(t)
	client := &fakeBatch{statuses: map[string]types.JobStatus{"remote-1": types.JobStatusSucceeded}}
	d := newTestDispatcher(t, db, client)

	qc := createDataset(t, db, models.StateUploaded)
	agg := createDataset(t, db, models.StateApproved)

	_, err := d.Submit(context.Background(), models.JobKindQC, qc.ID, Params{})
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), models.JobKindAggregation, agg.ID, Params{Method: "intake"})
	require.NoError(t, err)

	p, err := NewPoller(d, WithSchedule("@every 1s"))
	require.NoError(t, err)
	require.NoError(t, p.RunOnce(context.Background()))

	jobs, err := d.ListNonTerminal(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)

	var reloaded models.Dataset
	require.NoError(t, db.First(&reloaded, "id = ?", qc.ID).Error)
	require.Equal(t, models.StateQCPassed, reloaded.State)
	var reloadedAgg models.Dataset
	require.NoError(t, db.First(&reloadedAgg, "id = ?", agg.ID).Error)
	require.Equal(t, models.StateProcessed, reloadedAgg.State)
}
