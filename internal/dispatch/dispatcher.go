package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/models"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/logger"
	"github.com/broadbio/dataregistry/pkg/metrics"
)

// BatchAPI is the subset of the AWS Batch client the dispatcher uses.
type BatchAPI interface {
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
}

// Config tunes submission retries, reconciliation polling, and the per-kind
// queue/definition/resource pinning.
type Config struct {
	QC          KindConfig
	Aggregation KindConfig

	// SubmitAttempts bounds the dispatcher's own retry of transient remote
	// submission failures. Validation and authorization errors never reach
	// this path.
	SubmitAttempts int
	SubmitBackoff  time.Duration

	// PollInterval paces Await loops; the background poller has its own cron
	// schedule.
	PollInterval time.Duration
}

func (c Config) forKind(kind models.JobKind) KindConfig {
	if kind == models.JobKindAggregation {
		return c.Aggregation
	}
	return c.QC
}

// Dispatcher hands work descriptors to the remote compute cluster and
// reconciles their outcome back into the dataset registry.
type Dispatcher struct {
	db     *gorm.DB
	client BatchAPI
	cfg    Config
	log    *zap.Logger

	sleep func(context.Context, time.Duration) error
}

// New constructs a Dispatcher.
func New(db *gorm.DB, client BatchAPI, cfg Config) (*Dispatcher, error) {
	if db == nil {
		return nil, errors.New("dispatch: db is required")
	}
	if client == nil {
		return nil, errors.New("dispatch: batch client is required")
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 3
	}
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.QC.MaxPollAttempts <= 0 {
		cfg.QC.MaxPollAttempts = 90
	}
	if cfg.Aggregation.MaxPollAttempts <= 0 {
		cfg.Aggregation.MaxPollAttempts = 900
	}

	return &Dispatcher{
		db:     db,
		client: client,
		cfg:    cfg,
		log:    logger.WithModule("dispatch"),
		sleep:  sleepContext,
	}, nil
}

// submitTransition lists which dataset states may enter the in-flight state
// for a given kind, and which in-flight state they move to.
func submitTransition(kind models.JobKind) (from []models.DatasetState, to models.DatasetState) {
	if kind == models.JobKindAggregation {
		return []models.DatasetState{
			models.StateApproved, models.StateProcessed, models.StateProcessingFailed,
		}, models.StateProcessing
	}
	return []models.DatasetState{
		models.StateUploaded, models.StateQCFailed,
	}, models.StateValidating
}

func successState(kind models.JobKind) models.DatasetState {
	if kind == models.JobKindAggregation {
		return models.StateProcessed
	}
	return models.StateQCPassed
}

func failureState(kind models.JobKind) models.DatasetState {
	if kind == models.JobKindAggregation {
		return models.StateProcessingFailed
	}
	return models.StateQCFailed
}

// Submit registers a job row, moves the dataset into its in-flight state, and
// hands the descriptor to the remote cluster with bounded-backoff retries.
//
// A second submission while a job of the same kind is non-terminal yields a
// conflict, never a queue. If the remote submission ultimately fails, the job
// row is removed and the dataset returns to its prior state, so a dataset is
// only ever observed in validating/processing with a submitted job behind it.
func (d *Dispatcher) Submit(ctx context.Context, kind models.JobKind, datasetID string, params Params) (*models.Job, error) {
	params.DatasetID = datasetID

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal params: %w", err)
	}

	var (
		job       models.Job
		fromState models.DatasetState
	)

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dataset models.Dataset
		if err := tx.First(&dataset, "id = ?", datasetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return appErrors.ErrNotFound
			}
			return fmt.Errorf("dispatch: load dataset: %w", err)
		}

		var inFlight int64
		if err := tx.Model(&models.Job{}).
			Where("dataset_id = ? AND kind = ? AND status IN ?", datasetID, kind,
				[]models.JobStatus{models.JobSubmitted, models.JobRunning}).
			Count(&inFlight).Error; err != nil {
			return fmt.Errorf("dispatch: count in-flight jobs: %w", err)
		}
		if inFlight > 0 {
			return appErrors.NewConflict(fmt.Sprintf("a %s job is already in flight for this dataset", kind))
		}

		allowedFrom, to := submitTransition(kind)
		moved := false
		for _, from := range allowedFrom {
			res := tx.Model(&models.Dataset{}).
				Where("id = ? AND state = ?", datasetID, from).
				Update("state", to)
			if res.Error != nil {
				return fmt.Errorf("dispatch: transition dataset: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				fromState = from
				moved = true
				break
			}
		}
		if !moved {
			return appErrors.NewConflict(fmt.Sprintf("dataset is not in a state that accepts a %s job", kind))
		}

		job = models.Job{
			Kind:        kind,
			DatasetID:   datasetID,
			Params:      datatypes.JSON(rawParams),
			Status:      models.JobSubmitted,
			SubmittedAt: time.Now().UTC(),
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("dispatch: create job: %w", err)
		}
		return nil
	})
	if err != nil {
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) && appErr.Code == appErrors.ErrConflict.Code {
			metrics.JobSubmissions.WithLabelValues(string(kind), "conflict").Inc()
		}
		return nil, err
	}

	remoteID, err := d.submitRemote(ctx, kind, params)
	if err != nil {
		d.rollbackSubmit(ctx, &job, fromState)
		metrics.JobSubmissions.WithLabelValues(string(kind), "error").Inc()
		return nil, appErrors.ErrDispatch.WithInternal(err)
	}

	if err := d.db.WithContext(ctx).Model(&job).Update("remote_id", remoteID).Error; err != nil {
		return nil, fmt.Errorf("dispatch: record remote handle: %w", err)
	}
	job.RemoteID = remoteID

	metrics.JobSubmissions.WithLabelValues(string(kind), "ok").Inc()
	metrics.JobsInFlight.WithLabelValues(string(kind)).Inc()
	d.log.Info("job submitted",
		zap.String("dataset_id", datasetID),
		zap.String("kind", string(kind)),
		zap.String("remote_id", remoteID))

	return &job, nil
}

func (d *Dispatcher) submitRemote(ctx context.Context, kind models.JobKind, params Params) (string, error) {
	input := buildSubmitInput(kind, d.cfg.forKind(kind), params)

	var lastErr error
	backoff := d.cfg.SubmitBackoff
	for attempt := 1; attempt <= d.cfg.SubmitAttempts; attempt++ {
		out, err := d.client.SubmitJob(ctx, input)
		if err == nil {
			return aws.ToString(out.JobId), nil
		}
		lastErr = err
		d.log.Warn("remote submission failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == d.cfg.SubmitAttempts {
			break
		}
		if err := d.sleep(ctx, backoff); err != nil {
			return "", err
		}
		backoff *= 2
	}
	return "", fmt.Errorf("dispatch: submit after %d attempts: %w", d.cfg.SubmitAttempts, lastErr)
}

func (d *Dispatcher) rollbackSubmit(ctx context.Context, job *models.Job, fromState models.DatasetState) {
	if err := d.db.WithContext(ctx).Delete(&models.Job{}, "id = ?", job.ID).Error; err != nil {
		d.log.Error("rollback: delete job row", zap.Error(err))
	}
	_, to := submitTransition(job.Kind)
	res := d.db.WithContext(ctx).Model(&models.Dataset{}).
		Where("id = ? AND state = ?", job.DatasetID, to).
		Update("state", fromState)
	if res.Error != nil {
		d.log.Error("rollback: revert dataset state", zap.Error(res.Error))
	}
}

// Reconcile polls the remote status of one job and, on a terminal outcome,
// applies the compare-and-set dataset transition. It returns true once the
// job is terminal locally.
//
// A missing or ambiguous remote status counts against the poll budget; when
// the budget is exhausted the job is marked timed_out and the dataset moves to
// the kind's failure state. The remote cluster's own timeout can fire silently,
// so a dataset is never left in validating or processing indefinitely.
func (d *Dispatcher) Reconcile(ctx context.Context, job *models.Job) (bool, error) {
	if job == nil {
		return false, errors.New("dispatch: job is required")
	}
	if job.Status.Terminal() {
		return true, nil
	}

	maxAttempts := d.cfg.forKind(job.Kind).MaxPollAttempts

	out, err := d.client.DescribeJobs(ctx, &batch.DescribeJobsInput{
		Jobs: []string{job.RemoteID},
	})
	if err != nil || len(out.Jobs) == 0 {
		if err != nil {
			d.log.Warn("describe remote job failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return d.recordPollMiss(ctx, job, maxAttempts)
	}

	detail := out.Jobs[0]
	switch detail.Status {
	case types.JobStatusSucceeded:
		return true, d.finish(ctx, job, models.JobSucceeded, aws.ToString(detail.StatusReason))
	case types.JobStatusFailed:
		return true, d.finish(ctx, job, models.JobFailed, aws.ToString(detail.StatusReason))
	default:
		if err := d.db.WithContext(ctx).Model(job).Updates(map[string]any{
			"status":        models.JobRunning,
			"poll_attempts": gorm.Expr("poll_attempts + 1"),
		}).Error; err != nil {
			return false, fmt.Errorf("dispatch: record poll: %w", err)
		}
		job.Status = models.JobRunning
		job.PollAttempts++
		if job.PollAttempts >= maxAttempts {
			return true, d.finish(ctx, job, models.JobTimedOut,
				fmt.Sprintf("no terminal status after %d polls", job.PollAttempts))
		}
		return false, nil
	}
}

func (d *Dispatcher) recordPollMiss(ctx context.Context, job *models.Job, maxAttempts int) (bool, error) {
	if err := d.db.WithContext(ctx).Model(job).
		Update("poll_attempts", gorm.Expr("poll_attempts + 1")).Error; err != nil {
		return false, fmt.Errorf("dispatch: record poll miss: %w", err)
	}
	job.PollAttempts++
	if job.PollAttempts >= maxAttempts {
		return true, d.finish(ctx, job, models.JobTimedOut,
			fmt.Sprintf("remote status unavailable after %d polls", job.PollAttempts))
	}
	return false, nil
}

// finish marks the job terminal and applies the dataset registry CAS. A lost
// CAS means a newer actor already moved the dataset on; the job outcome is
// still recorded and the stale transition is deliberately dropped.
func (d *Dispatcher) finish(ctx context.Context, job *models.Job, status models.JobStatus, reason string) error {
	now := time.Now().UTC()
	if err := d.db.WithContext(ctx).Model(job).Updates(map[string]any{
		"status":        status,
		"status_reason": reason,
		"completed_at":  now,
	}).Error; err != nil {
		return fmt.Errorf("dispatch: finalize job: %w", err)
	}
	job.Status = status
	job.StatusReason = reason
	job.CompletedAt = &now

	metrics.JobOutcomes.WithLabelValues(string(job.Kind), string(status)).Inc()
	metrics.JobsInFlight.WithLabelValues(string(job.Kind)).Dec()

	target := failureState(job.Kind)
	if status == models.JobSucceeded {
		target = successState(job.Kind)
	}
	_, inFlight := submitTransition(job.Kind)

	res := d.db.WithContext(ctx).Model(&models.Dataset{}).
		Where("id = ? AND state = ?", job.DatasetID, inFlight).
		Update("state", target)
	if res.Error != nil {
		return fmt.Errorf("dispatch: apply dataset transition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		d.log.Warn("dataset transition lost compare-and-set",
			zap.String("dataset_id", job.DatasetID),
			zap.String("target", string(target)))
	}

	d.log.Info("job reconciled",
		zap.String("dataset_id", job.DatasetID),
		zap.String("kind", string(job.Kind)),
		zap.String("status", string(status)))
	return nil
}

// Await polls Reconcile until the job reaches a terminal status or the
// context is cancelled. The pipeline orchestrator uses this to enforce strict
// stage ordering.
func (d *Dispatcher) Await(ctx context.Context, jobID string) (*models.Job, error) {
	for {
		var job models.Job
		if err := d.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
			return nil, fmt.Errorf("dispatch: load job: %w", err)
		}

		done, err := d.Reconcile(ctx, &job)
		if err != nil {
			return nil, err
		}
		if done {
			return &job, nil
		}

		if err := d.sleep(ctx, d.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// ListNonTerminal returns every job the poller still needs to reconcile.
func (d *Dispatcher) ListNonTerminal(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	err := d.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{models.JobSubmitted, models.JobRunning}).
		Order("submitted_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("dispatch: list non-terminal jobs: %w", err)
	}
	return jobs, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
