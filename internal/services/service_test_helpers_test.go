package services

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/dispatch"
	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/permissions"
)

func openTestDB(t *testing.T) *gorm.DB {
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
		&models.AuditLog{},
	))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

var seedSeq atomic.Int64

// seedMember creates a group and a user holding the given permissions for it.
func seedMember(t *testing.T, db *gorm.DB, permIDs ...string) (*models.User, *models.Group) {
	t.Helper()

	suffix := fmt.Sprintf("%s-%d", t.Name(), seedSeq.Add(1))

	group := models.Group{Name: "HERMES-" + suffix}
	require.NoError(t, db.Create(&group).Error)

	var perms []models.Permission
	for _, id := range permIDs {
		perm := models.Permission{BaseModel: models.BaseModel{ID: id}}
		require.NoError(t, db.Where(perm).FirstOrCreate(&perm).Error)
		perms = append(perms, perm)
	}

	role := models.Role{Name: "role-" + suffix}
	require.NoError(t, db.Create(&role).Error)
	if len(perms) > 0 {
		require.NoError(t, db.Model(&role).Association("Permissions").Replace(perms))
	}

	user := models.User{
		Username: "member-" + suffix,
		Email:    suffix + "@example.org",
		IsActive: true,
	}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, db.Model(&user).Association("Roles").Append(&role))
	require.NoError(t, db.Model(&user).Association("Groups").Append(&group))

	return &user, &group
}

func seedDataset(t *testing.T, db *gorm.DB, groupID string, state models.DatasetState) *models.Dataset {
	t.Helper()
	ds := models.Dataset{
		Name:        "dataset-" + t.Name() + "-" + string(state),
		GroupID:     groupID,
		State:       state,
		StoragePath: "s3://data-registry-qa/guid/raw/sumstats.tsv.gz",
	}
	require.NoError(t, db.Create(&ds).Error)
	return &ds
}

func newChecker(t *testing.T, db *gorm.DB) *permissions.Checker {
	t.Helper()
	checker, err := permissions.NewChecker(db)
	require.NoError(t, err)
	return checker
}

func newAudit(t *testing.T, db *gorm.DB) *AuditService {
	t.Helper()
	audit, err := NewAuditService(db)
	require.NoError(t, err)
	return audit
}

// fakeStore records uploads and retirement markers in memory.
type fakeStore struct {
	uploads map[string][]byte
	retired []string
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: map[string][]byte{}}
}

func (f *fakeStore) PutRawUpload(_ context.Context, datasetID, filename string, body io.Reader) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	key := datasetID + "/raw/" + filename
	f.uploads[key] = data
	return "s3://data-registry-qa/" + key, nil
}

func (f *fakeStore) MarkRetired(_ context.Context, datasetID string) error {
	f.retired = append(f.retired, datasetID)
	return nil
}

// fakeSubmitter records QC submissions without touching dataset state.
type fakeSubmitter struct {
	submissions []dispatch.Params
	err         error
}

func (f *fakeSubmitter) Submit(_ context.Context, kind models.JobKind, datasetID string, params dispatch.Params) (*models.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	params.DatasetID = datasetID
	f.submissions = append(f.submissions, params)
	job := &models.Job{Kind: kind, DatasetID: datasetID, Status: models.JobSubmitted}
	job.ID = fmt.Sprintf("job-%d", len(f.submissions))
	return job, nil
}
