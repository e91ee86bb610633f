package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/permissions"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/logger"
)

// ObjectStore is the slice of the storage layer the dataset service needs:
// placing the retirement marker next to the raw upload.
type ObjectStore interface {
	MarkRetired(ctx context.Context, datasetID string) error
}

// DatasetListOptions controls filtering and pagination for dataset queries.
type DatasetListOptions struct {
	Page     int
	PageSize int
	State    models.DatasetState
	GroupID  string
}

// UpdateDatasetInput carries the mutable display and scientific metadata.
// Nil fields are left untouched. Lifecycle state, storage location and the
// column map are deliberately absent; they change only through their own
// operations.
type UpdateDatasetInput struct {
	Name            *string `json:"name"`
	Description     *string `json:"description"`
	Phenotype       *string `json:"phenotype"`
	Ancestry        *string `json:"ancestry"`
	Cohort          *string `json:"cohort"`
	GenomeBuild     *string `json:"genome_build"`
	Sex             *string `json:"sex"`
	Participants    *int    `json:"participants"`
	Cases           *int    `json:"cases"`
	QCScriptOptions *string `json:"qc_script_options"`
}

// DatasetService exposes the registry's read and curation operations. Every
// entry point authorizes against the dataset's owning group before touching
// the row.
type DatasetService struct {
	db      *gorm.DB
	checker *permissions.Checker
	store   ObjectStore
	audit   *AuditService
	log     *zap.Logger
}

// NewDatasetService constructs a DatasetService.
func NewDatasetService(db *gorm.DB, checker *permissions.Checker, store ObjectStore, audit *AuditService) (*DatasetService, error) {
	if db == nil {
		return nil, errors.New("dataset service: db is required")
	}
	if checker == nil {
		return nil, errors.New("dataset service: permission checker is required")
	}
	if store == nil {
		return nil, errors.New("dataset service: object store is required")
	}
	if audit == nil {
		return nil, errors.New("dataset service: audit service is required")
	}
	return &DatasetService{
		db:      db,
		checker: checker,
		store:   store,
		audit:   audit,
		log:     logger.WithModule("datasets"),
	}, nil
}

func (s *DatasetService) load(ctx context.Context, datasetID string) (*models.Dataset, error) {
	var dataset models.Dataset
	if err := s.db.WithContext(ctx).First(&dataset, "id = ?", datasetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.ErrNotFound
		}
		return nil, fmt.Errorf("dataset service: load dataset: %w", err)
	}
	return &dataset, nil
}

func (s *DatasetService) authorize(ctx context.Context, userID, permissionID, groupID string) error {
	allowed, err := s.checker.Authorize(ctx, userID, permissionID, groupID)
	if err != nil {
		return err
	}
	if !allowed {
		return appErrors.ErrForbidden
	}
	return nil
}

// Get returns one dataset with its job history.
func (s *DatasetService) Get(ctx context.Context, userID, datasetID string) (*models.Dataset, error) {
	ctx = ensureContext(ctx)

	dataset, err := s.load(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, permissions.ViewDataset, dataset.GroupID); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).
		Preload("Jobs", func(db *gorm.DB) *gorm.DB {
			return db.Order("submitted_at DESC")
		}).
		First(dataset, "id = ?", datasetID).Error; err != nil {
		return nil, fmt.Errorf("dataset service: load jobs: %w", err)
	}
	return dataset, nil
}

// List returns the datasets visible to the user: those owned by groups the
// user is a member of, narrowed by the optional state and group filters.
func (s *DatasetService) List(ctx context.Context, userID string, opts DatasetListOptions) ([]models.Dataset, int64, error) {
	ctx = ensureContext(ctx)

	var user models.User
	if err := s.db.WithContext(ctx).Preload("Groups").First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, appErrors.ErrForbidden
		}
		return nil, 0, fmt.Errorf("dataset service: load user: %w", err)
	}

	groupIDs := make([]string, 0, len(user.Groups))
	for _, group := range user.Groups {
		groupIDs = append(groupIDs, group.ID)
	}
	if len(groupIDs) == 0 {
		return []models.Dataset{}, 0, nil
	}

	if groupID := strings.TrimSpace(opts.GroupID); groupID != "" {
		if err := s.authorize(ctx, userID, permissions.ViewDataset, groupID); err != nil {
			return nil, 0, err
		}
		groupIDs = []string{groupID}
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	query := s.db.WithContext(ctx).Model(&models.Dataset{}).Where("group_id IN ?", groupIDs)
	if opts.State != "" {
		query = query.Where("state = ?", opts.State)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dataset service: count datasets: %w", err)
	}

	var datasets []models.Dataset
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&datasets).Error
	if err != nil {
		return nil, 0, fmt.Errorf("dataset service: list datasets: %w", err)
	}
	return datasets, total, nil
}

// UpdateMetadata applies a partial metadata update. It never touches the
// lifecycle state, the storage path or the column map.
func (s *DatasetService) UpdateMetadata(ctx context.Context, userID, datasetID string, input UpdateDatasetInput) (*models.Dataset, error) {
	ctx = ensureContext(ctx)

	dataset, err := s.load(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, permissions.EditDataset, dataset.GroupID); err != nil {
		return nil, err
	}
	if dataset.State == models.StateRetired {
		return nil, appErrors.NewConflict("retired datasets cannot be edited")
	}

	updates := map[string]any{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, appErrors.NewBadRequest("you must specify name")
		}
		updates["name"] = name
	}
	if input.Description != nil {
		updates["description"] = strings.TrimSpace(*input.Description)
	}
	if input.Phenotype != nil {
		updates["phenotype"] = strings.TrimSpace(*input.Phenotype)
	}
	if input.Ancestry != nil {
		updates["ancestry"] = strings.TrimSpace(*input.Ancestry)
	}
	if input.Cohort != nil {
		updates["cohort"] = strings.TrimSpace(*input.Cohort)
	}
	if input.GenomeBuild != nil {
		updates["genome_build"] = strings.TrimSpace(*input.GenomeBuild)
	}
	if input.Sex != nil {
		updates["sex"] = strings.TrimSpace(*input.Sex)
	}
	if input.Participants != nil {
		updates["participants"] = *input.Participants
	}
	if input.Cases != nil {
		updates["cases"] = *input.Cases
	}
	if input.QCScriptOptions != nil {
		updates["qc_script_options"] = strings.TrimSpace(*input.QCScriptOptions)
	}
	if len(updates) == 0 {
		return dataset, nil
	}

	if err := s.db.WithContext(ctx).Model(dataset).Updates(updates).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, appErrors.NewConflict("a dataset with this name already exists in the group")
		}
		return nil, fmt.Errorf("dataset service: update metadata: %w", err)
	}
	return s.load(ctx, datasetID)
}

// Approve moves a dataset that passed quality control into the approved state.
func (s *DatasetService) Approve(ctx context.Context, userID, datasetID string) (*models.Dataset, error) {
	return s.decide(ctx, userID, datasetID, models.StateApproved, "dataset.approve")
}

// Reject moves a dataset that passed quality control into the rejected state.
func (s *DatasetService) Reject(ctx context.Context, userID, datasetID string) (*models.Dataset, error) {
	return s.decide(ctx, userID, datasetID, models.StateRejected, "dataset.reject")
}

// decide applies a curation decision. Only datasets sitting in qc_passed are
// eligible; the compare-and-set keeps two concurrent reviewers from both
// winning.
func (s *DatasetService) decide(ctx context.Context, userID, datasetID string, to models.DatasetState, action string) (*models.Dataset, error) {
	ctx = ensureContext(ctx)

	dataset, err := s.load(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, permissions.ApproveUpload, dataset.GroupID); err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&models.Dataset{}).
		Where("id = ? AND state = ?", datasetID, models.StateQCPassed).
		Update("state", to)
	if res.Error != nil {
		return nil, fmt.Errorf("dataset service: apply decision: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, appErrors.NewConflict(
			fmt.Sprintf("dataset is %s; only datasets that passed quality control can be approved or rejected", dataset.State))
	}

	s.auditAction(ctx, userID, action, datasetID, map[string]any{"state": string(to)})
	s.log.Info("curation decision applied",
		zap.String("dataset_id", datasetID),
		zap.String("state", string(to)))

	return s.load(ctx, datasetID)
}

// Retire removes a dataset from circulation. The row survives with its full
// history; a retirement marker is placed next to the raw upload so downstream
// consumers skip the object.
func (s *DatasetService) Retire(ctx context.Context, userID, datasetID string) (*models.Dataset, error) {
	ctx = ensureContext(ctx)

	dataset, err := s.load(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, permissions.DeleteDataset, dataset.GroupID); err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&models.Dataset{}).
		Where("id = ? AND state <> ?", datasetID, models.StateRetired).
		Update("state", models.StateRetired)
	if res.Error != nil {
		return nil, fmt.Errorf("dataset service: retire: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, appErrors.NewConflict("dataset is already retired")
	}

	// The registry row is the source of truth; a failed marker write is
	// retried by hand, not by resurrecting the dataset.
	if err := s.store.MarkRetired(ctx, datasetID); err != nil {
		s.log.Error("retirement marker write failed",
			zap.String("dataset_id", datasetID),
			zap.Error(err))
	}

	s.auditAction(ctx, userID, "dataset.retire", datasetID, nil)
	s.log.Info("dataset retired", zap.String("dataset_id", datasetID))

	return s.load(ctx, datasetID)
}

func (s *DatasetService) auditAction(ctx context.Context, userID, action, datasetID string, metadata map[string]any) {
	entry := AuditEntry{
		UserID:   &userID,
		Action:   action,
		Resource: "dataset:" + datasetID,
		Result:   "success",
		Metadata: metadata,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
