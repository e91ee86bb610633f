package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/dispatch"
	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/permissions"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
)

type fakeRunner struct {
	// outcomes maps method[:stage] to the terminal status Await reports.
	// Stages without an entry succeed.
	outcomes  map[string]models.JobStatus
	submitted []string
	jobs      map[string]*models.Job
}

func newFakeRunner(outcomes map[string]models.JobStatus) *fakeRunner {
	return &fakeRunner{outcomes: outcomes, jobs: map[string]*models.Job{}}
}

func (f *fakeRunner) Submit(_ context.Context, kind models.JobKind, datasetID string, params dispatch.Params) (*models.Job, error) {
	key := params.Method
	if params.Stage != "" {
		key += ":" + params.Stage
	}
	f.submitted = append(f.submitted, key)

	status, ok := f.outcomes[key]
	if !ok {
		status = models.JobSucceeded
	}
	job := &models.Job{Kind: kind, DatasetID: datasetID, Status: status}
	job.ID = fmt.Sprintf("job-%d", len(f.submitted))
	if status != models.JobSucceeded {
		job.StatusReason = "stage reported failure"
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRunner) Await(_ context.Context, jobID string) (*models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	return job, nil
}

func openPipelineTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Permission{},
		&models.Role{},
		&models.Group{},
		&models.User{},
		&models.Dataset{},
		&models.Job{},
	))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

// seedAnalyst creates a group, an approved dataset in it, and a user holding
// the given permissions for that group. It returns the user and dataset IDs.
func seedAnalyst(t *testing.T, db *gorm.DB, permIDs ...string) (string, string) {
	t.Helper()

	group := models.Group{Name: "HERMES-" + t.Name()}
	require.NoError(t, db.Create(&group).Error)

	var perms []models.Permission
	for _, id := range permIDs {
		perm := models.Permission{BaseModel: models.BaseModel{ID: id}}
		require.NoError(t, db.Where(perm).FirstOrCreate(&perm).Error)
		perms = append(perms, perm)
	}

	role := models.Role{Name: "analyst-" + t.Name()}
	require.NoError(t, db.Create(&role).Error)
	if len(perms) > 0 {
		require.NoError(t, db.Model(&role).Association("Permissions").Replace(perms))
	}

	user := models.User{
		Username: "analyst-" + t.Name(),
		Email:    t.Name() + "@example.org",
		IsActive: true,
	}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, db.Model(&user).Association("Roles").Append(&role))
	require.NoError(t, db.Model(&user).Association("Groups").Append(&group))

	dataset := models.Dataset{
		Name:    "UKB_CAD_EU",
		GroupID: group.ID,
		State:   models.StateApproved,
	}
	require.NoError(t, db.Create(&dataset).Error)

	return user.ID, dataset.ID
}

func newTestOrchestrator(t *testing.T, db *gorm.DB, runner JobRunner) *Orchestrator {
	t.Helper()
	checker, err := permissions.NewChecker(db)
	require.NoError(t, err)
	o, err := NewOrchestrator(db, runner, checker, Config{Branch: "v2.1.0"})
	require.NoError(t, err)
	return o
}

func TestParseStageRef(t *testing.T) {
	tests := []struct {
		token   string
		want    StageRef
		wantErr bool
	}{
		{token: "intake", want: StageRef{Method: "intake"}},
		{token: "bottom-line:PartitionStage", want: StageRef{Method: "bottom-line", Stage: "PartitionStage"}},
		{token: " intake ", want: StageRef{Method: "intake"}},
		{token: "", wantErr: true},
		{token: ":PartitionStage", wantErr: true},
		{token: "bottom-line:", wantErr: true},
		{token: "a:b:c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := ParseStageRef(tt.token)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRunAllStagesSucceed(t *testing.T) {
	db := openPipelineTestDB(t)
	userID, datasetID := seedAnalyst(t, db, permissions.RunAnalysis)
	runner := newFakeRunner(nil)
	o := newTestOrchestrator(t, db, runner)

	result, err := o.Run(context.Background(), userID, datasetID,
		[]string{"intake", "bottom-line"}, false)
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Equal(t, "v2.1.0", result.Branch)
	require.Equal(t, []string{"intake", "bottom-line"}, runner.submitted)
	require.Len(t, result.Stages, 2)
	for _, stage := range result.Stages {
		require.Equal(t, StageSucceeded, stage.Status)
	}
}

func TestRunStopsAtFirstFailedStage(t *testing.T) {
	db := openPipelineTestDB(t)
	userID, datasetID := seedAnalyst(t, db, permissions.RunAnalysis)
	runner := newFakeRunner(map[string]models.JobStatus{
		"bottom-line:PartitionStage": models.JobFailed,
	})
	o := newTestOrchestrator(t, db, runner)

	result, err := o.Run(context.Background(), userID, datasetID,
		[]string{"intake", "bottom-line:PartitionStage", "bottom-line:NaiveStage"}, false)
	require.NoError(t, err)
	require.False(t, result.Succeeded)

	// NaiveStage must never reach the cluster
	require.Equal(t, []string{"intake", "bottom-line:PartitionStage"}, runner.submitted)

	require.Len(t, result.Stages, 3)
	require.Equal(t, StageSucceeded, result.Stages[0].Status)
	require.Equal(t, StageFailed, result.Stages[1].Status)
	require.Equal(t, StageSkipped, result.Stages[2].Status)
	require.Empty(t, result.Stages[2].JobID)
}

func TestRunReportsTimedOutStage(t *testing.T) {
	db := openPipelineTestDB(t)
	userID, datasetID := seedAnalyst(t, db, permissions.RunAnalysis)
	runner := newFakeRunner(map[string]models.JobStatus{
		"intake": models.JobTimedOut,
	})
	o := newTestOrchestrator(t, db, runner)

	result, err := o.Run(context.Background(), userID, datasetID, []string{"intake"}, false)
	require.NoError(t, err)
	require.False(t, result.Succeeded)
	require.Equal(t, StageTimedOut, result.Stages[0].Status)
}

func TestRunRejectsMalformedStageList(t *testing.T) {
	db := openPipelineTestDB(t)
	userID, datasetID := seedAnalyst(t, db, permissions.RunAnalysis)
	runner := newFakeRunner(nil)
	o := newTestOrchestrator(t, db, runner)

	_, err := o.Run(context.Background(), userID, datasetID,
		[]string{"intake", "bottom-line:"}, false)
	require.Error(t, err)
	require.Empty(t, runner.submitted)

	_, err = o.Run(context.Background(), userID, datasetID, nil, false)
	require.Error(t, err)
	require.Empty(t, runner.submitted)
}

func TestRunRequiresAnalysisPermission(t *testing.T) {
	db := openPipelineTestDB(t)
	userID, datasetID := seedAnalyst(t, db, permissions.ViewDataset)
	runner := newFakeRunner(nil)
	o := newTestOrchestrator(t, db, runner)

	_, err := o.Run(context.Background(), userID, datasetID, []string{"intake"}, false)
	require.Error(t, err)

	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
	require.Empty(t, runner.submitted)
}
