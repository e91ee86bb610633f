package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/permissions"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
)

func validAdmitInput(groupID string) AdmitInput {
	return AdmitInput{
		Name:         "UKB_CAD_EU",
		Phenotype:    "coronary artery disease",
		Ancestry:     "European",
		GenomeBuild:  "GRCh38",
		Participants: 500000,
		Cases:        34000,
		GroupID:      groupID,
		ColumnMap: map[string]string{
			"chromosome": "CHR",
			"position":   "BP",
			"reference":  "REF",
			"alt":        "ALT",
			"pValue":     "P",
			"stdErr":     "SE",
			"nTotal":     "N",
		},
		QCScriptOptions: "--plots",
		Filename:        "sumstats.tsv.gz",
		File:            strings.NewReader("chr\tbp\n1\t100\n"),
	}
}

func TestAdmitStoresFileAndSubmitsQC(t *testing.T) {
	db := openTestDB(t)
	user, group := seedMember(t, db, permissions.CreateDataset)
	store := newFakeStore()
	submitter := &fakeSubmitter{}
	svc, err := NewAdmissionService(db, newChecker(t, db), store, submitter, newAudit(t, db))
	require.NoError(t, err)

	dataset, err := svc.Admit(context.Background(), user.ID, validAdmitInput(group.ID))
	require.NoError(t, err)
	require.NotEmpty(t, dataset.ID)
	require.Equal(t, models.StateUploaded, dataset.State)
	require.Equal(t, user.ID, dataset.UploadedBy)
	require.Equal(t, "s3://data-registry-qa/"+dataset.ID+"/raw/sumstats.tsv.gz", dataset.StoragePath)

	// the raw bytes landed under the GUID prefix
	require.Contains(t, store.uploads, dataset.ID+"/raw/sumstats.tsv.gz")

	// exactly one QC submission carrying the normalised column map
	require.Len(t, submitter.submissions, 1)
	sub := submitter.submissions[0]
	require.Equal(t, dataset.ID, sub.DatasetID)
	require.Equal(t, dataset.StoragePath, sub.StoragePath)
	require.Equal(t, "--plots", sub.Options)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(sub.ColumnMap), &decoded))
	require.Equal(t, "CHR", decoded["chromosome"])

	// the admission is audited
	var logs []models.AuditLog
	require.NoError(t, db.Find(&logs, "action = ?", "dataset.admit").Error)
	require.Len(t, logs, 1)
}

func TestAdmitRejectsIncompleteColumnMap(t *testing.T) {
	db := openTestDB(t)
	user, group := seedMember(t, db, permissions.CreateDataset)
	store := newFakeStore()
	submitter := &fakeSubmitter{}
	svc, err := NewAdmissionService(db, newChecker(t, db), store, submitter, newAudit(t, db))
	require.NoError(t, err)

	input := validAdmitInput(group.ID)
	delete(input.ColumnMap, "pValue")

	_, err = svc.Admit(context.Background(), user.ID, input)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pValue")

	// nothing stored, nothing submitted, no registry row
	require.Empty(t, store.uploads)
	require.Empty(t, submitter.submissions)

	var count int64
	require.NoError(t, db.Model(&models.Dataset{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestAdmitRejectsMissingMetadata(t *testing.T) {
	db := openTestDB(t)
	user, group := seedMember(t, db, permissions.CreateDataset)
	store := newFakeStore()
	svc, err := NewAdmissionService(db, newChecker(t, db), store, &fakeSubmitter{}, newAudit(t, db))
	require.NoError(t, err)

	input := validAdmitInput(group.ID)
	input.Phenotype = ""

	_, err = svc.Admit(context.Background(), user.ID, input)
	require.Error(t, err)
	require.Empty(t, store.uploads)
}

func TestAdmitDeniesWithoutCreatePermission(t *testing.T) {
	db := openTestDB(t)
	user, group := seedMember(t, db, permissions.ViewDataset)
	store := newFakeStore()
	svc, err := NewAdmissionService(db, newChecker(t, db), store, &fakeSubmitter{}, newAudit(t, db))
	require.NoError(t, err)

	_, err = svc.Admit(context.Background(), user.ID, validAdmitInput(group.ID))
	require.Error(t, err)

	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
	require.Empty(t, store.uploads)
}

func TestAdmitDeniesForeignGroup(t *testing.T) {
	db := openTestDB(t)
	user, _ := seedMember(t, db, permissions.CreateDataset)
	other := models.Group{Name: "OTHER-" + t.Name()}
	require.NoError(t, db.Create(&other).Error)

	svc, err := NewAdmissionService(db, newChecker(t, db), newFakeStore(), &fakeSubmitter{}, newAudit(t, db))
	require.NoError(t, err)

	_, err = svc.Admit(context.Background(), user.ID, validAdmitInput(other.ID))
	require.Error(t, err)

	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestAdmitRollsBackWhenQCSubmissionFails(t *testing.T) {
	db := openTestDB(t)
	user, group := seedMember(t, db, permissions.CreateDataset)
	submitter := &fakeSubmitter{err: appErrors.ErrDispatch.WithInternal(errors.New("cluster unavailable"))}
	svc, err := NewAdmissionService(db, newChecker(t, db), newFakeStore(), submitter, newAudit(t, db))
	require.NoError(t, err)

	_, err = svc.Admit(context.Background(), user.ID, validAdmitInput(group.ID))
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Dataset{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestAdmitDuplicateNameConflicts(t *testing.T) {
	db := openTestDB(t)
	user, group := seedMember(t, db, permissions.CreateDataset)
	svc, err := NewAdmissionService(db, newChecker(t, db), newFakeStore(), &fakeSubmitter{}, newAudit(t, db))
	require.NoError(t, err)

	_, err = svc.Admit(context.Background(), user.ID, validAdmitInput(group.ID))
	require.NoError(t, err)

	input := validAdmitInput(group.ID)
	input.File = strings.NewReader("chr\tbp\n")
	_, err = svc.Admit(context.Background(), user.ID, input)
	require.Error(t, err)

	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}
