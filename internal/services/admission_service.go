package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/colmap"
	"github.com/broadbio/dataregistry/internal/dispatch"
	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/permissions"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/logger"
	"github.com/broadbio/dataregistry/pkg/metrics"
	"github.com/broadbio/dataregistry/pkg/validator"
)

// UploadStore persists the raw upload under the dataset's GUID prefix.
type UploadStore interface {
	PutRawUpload(ctx context.Context, datasetID, filename string, body io.Reader) (string, error)
}

// JobSubmitter hands the admission's quality-control job to the dispatcher.
type JobSubmitter interface {
	Submit(ctx context.Context, kind models.JobKind, datasetID string, params dispatch.Params) (*models.Job, error)
}

// AdmitInput is one candidate upload. ColumnMap maps canonical field names to
// the column headers of the uploaded file.
type AdmitInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=4000"`

	Phenotype   string `json:"phenotype" validate:"required,max=255"`
	Ancestry    string `json:"ancestry" validate:"max=255"`
	Cohort      string `json:"cohort" validate:"max=255"`
	GenomeBuild string `json:"genome_build" validate:"max=32"`
	Sex         string `json:"sex" validate:"omitempty,oneof=male female both"`

	Participants int `json:"participants" validate:"omitempty,min=0"`
	Cases        int `json:"cases" validate:"omitempty,min=0"`

	GroupID string `json:"group_id" validate:"required,uuid"`

	ColumnMap       map[string]string `json:"column_map" validate:"required"`
	QCScriptOptions string            `json:"qc_script_options" validate:"max=1024"`

	Filename string    `json:"filename" validate:"required"`
	File     io.Reader `json:"-" validate:"required"`
}

// AdmissionService is the single entry point for new datasets. An admission
// either completes fully, with the raw file stored, the registry row created
// and a quality-control job in flight, or leaves no registry row behind.
type AdmissionService struct {
	db         *gorm.DB
	checker    *permissions.Checker
	store      UploadStore
	dispatcher JobSubmitter
	audit      *AuditService
	log        *zap.Logger
}

// NewAdmissionService constructs an AdmissionService.
func NewAdmissionService(db *gorm.DB, checker *permissions.Checker, store UploadStore, dispatcher JobSubmitter, audit *AuditService) (*AdmissionService, error) {
	if db == nil {
		return nil, errors.New("admission service: db is required")
	}
	if checker == nil {
		return nil, errors.New("admission service: permission checker is required")
	}
	if store == nil {
		return nil, errors.New("admission service: upload store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("admission service: dispatcher is required")
	}
	if audit == nil {
		return nil, errors.New("admission service: audit service is required")
	}
	return &AdmissionService{
		db:         db,
		checker:    checker,
		store:      store,
		dispatcher: dispatcher,
		audit:      audit,
		log:        logger.WithModule("admission"),
	}, nil
}

// Admit validates, stores and registers one upload, then submits its
// quality-control job.
//
// The column map is validated before any byte is written, so a malformed
// admission costs nothing. If the QC submission ultimately fails the registry
// row is removed again; the uploaded object stays behind under its GUID and
// is overwritten by the next attempt.
func (s *AdmissionService) Admit(ctx context.Context, userID string, input AdmitInput) (*models.Dataset, error) {
	ctx = ensureContext(ctx)

	if err := validator.ValidateStruct(input); err != nil {
		metrics.Admissions.WithLabelValues("validation_failed").Inc()
		return nil, err
	}

	allowed, err := s.checker.Authorize(ctx, userID, permissions.CreateDataset, input.GroupID)
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		return nil, err
	}
	if !allowed {
		metrics.Admissions.WithLabelValues("denied").Inc()
		return nil, appErrors.ErrForbidden
	}

	normalized, err := colmap.Validate(input.ColumnMap, colmap.QCSchema())
	if err != nil {
		metrics.Admissions.WithLabelValues("validation_failed").Inc()
		return nil, err
	}
	serializedMap, err := normalized.JSON()
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("admission service: serialize column map: %w", err)
	}

	dataset := &models.Dataset{
		Name:            strings.TrimSpace(input.Name),
		Description:     strings.TrimSpace(input.Description),
		Phenotype:       strings.TrimSpace(input.Phenotype),
		Ancestry:        strings.TrimSpace(input.Ancestry),
		Cohort:          strings.TrimSpace(input.Cohort),
		GenomeBuild:     strings.TrimSpace(input.GenomeBuild),
		Sex:             strings.TrimSpace(input.Sex),
		Participants:    input.Participants,
		Cases:           input.Cases,
		GroupID:         input.GroupID,
		State:           models.StateUploaded,
		ColumnMap:       datatypes.JSON(serializedMap),
		QCScriptOptions: strings.TrimSpace(input.QCScriptOptions),
		UploadedBy:      userID,
	}
	// the GUID is minted here so the upload can be keyed by it before the
	// registry row exists
	dataset.ID = uuid.NewString()

	storagePath, err := s.store.PutRawUpload(ctx, dataset.ID, input.Filename, input.File)
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		return nil, appErrors.ErrInternalServer.WithInternal(fmt.Errorf("store upload: %w", err))
	}
	dataset.StoragePath = storagePath

	if err := s.db.WithContext(ctx).Create(dataset).Error; err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		if isUniqueConstraintError(err) {
			return nil, appErrors.NewConflict("a dataset with this name already exists in the group")
		}
		return nil, fmt.Errorf("admission service: create dataset: %w", err)
	}

	if _, err := s.dispatcher.Submit(ctx, models.JobKindQC, dataset.ID, dispatch.Params{
		StoragePath: storagePath,
		ColumnMap:   serializedMap,
		Options:     dataset.QCScriptOptions,
	}); err != nil {
		s.rollbackAdmission(ctx, dataset.ID)
		metrics.Admissions.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.Admissions.WithLabelValues("accepted").Inc()
	s.auditAdmission(ctx, userID, dataset)
	s.log.Info("dataset admitted",
		zap.String("dataset_id", dataset.ID),
		zap.String("name", dataset.Name),
		zap.String("group_id", dataset.GroupID))

	return s.reload(ctx, dataset.ID)
}

func (s *AdmissionService) reload(ctx context.Context, datasetID string) (*models.Dataset, error) {
	var dataset models.Dataset
	if err := s.db.WithContext(ctx).First(&dataset, "id = ?", datasetID).Error; err != nil {
		return nil, fmt.Errorf("admission service: reload dataset: %w", err)
	}
	return &dataset, nil
}

func (s *AdmissionService) rollbackAdmission(ctx context.Context, datasetID string) {
	if err := s.db.WithContext(ctx).Delete(&models.Dataset{}, "id = ?", datasetID).Error; err != nil {
		s.log.Error("rollback: delete dataset row",
			zap.String("dataset_id", datasetID),
			zap.Error(err))
	}
}

func (s *AdmissionService) auditAdmission(ctx context.Context, userID string, dataset *models.Dataset) {
	entry := AuditEntry{
		UserID:   &userID,
		Action:   "dataset.admit",
		Resource: "dataset:" + dataset.ID,
		Result:   "success",
		Metadata: map[string]any{
			"name":     dataset.Name,
			"group_id": dataset.GroupID,
		},
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", "dataset.admit"), zap.Error(err))
	}
}
