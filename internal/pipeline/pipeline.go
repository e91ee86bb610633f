package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/dispatch"
	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/permissions"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/logger"
)

// StageRef names one aggregation invocation: an analysis method and,
// optionally, a single stage within it. The wire form is "method" or
// "method:Stage", e.g. "intake" or "bottom-line:PartitionStage".
type StageRef struct {
	Method string `json:"method"`
	Stage  string `json:"stage,omitempty"`
}

func (r StageRef) String() string {
	if r.Stage == "" {
		return r.Method
	}
	return r.Method + ":" + r.Stage
}

// ParseStageRef parses a single method[:stage] token.
func ParseStageRef(token string) (StageRef, error) {
	token = strings.TrimSpace(token)
	method, stage, found := strings.Cut(token, ":")
	method = strings.TrimSpace(method)
	stage = strings.TrimSpace(stage)
	if method == "" {
		return StageRef{}, fmt.Errorf("empty method in stage reference %q", token)
	}
	if found && stage == "" {
		return StageRef{}, fmt.Errorf("empty stage in stage reference %q", token)
	}
	if strings.Contains(stage, ":") {
		return StageRef{}, fmt.Errorf("malformed stage reference %q", token)
	}
	return StageRef{Method: method, Stage: stage}, nil
}

// ParseStageRefs parses every token, rejecting the whole list on the first
// malformed entry so a run never starts with a partially understood plan.
func ParseStageRefs(tokens []string) ([]StageRef, error) {
	if len(tokens) == 0 {
		return nil, appErrors.NewBadRequest("you must specify at least one pipeline stage")
	}
	refs := make([]StageRef, 0, len(tokens))
	for _, token := range tokens {
		ref, err := ParseStageRef(token)
		if err != nil {
			return nil, appErrors.NewBadRequest(err.Error())
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// StageStatus is the per-stage outcome of a run.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageTimedOut  StageStatus = "timed_out"
	// StageSkipped marks stages after the first failure; they were never
	// submitted to the cluster.
	StageSkipped StageStatus = "skipped"
)

// StageOutcome records what happened to one stage of a run.
type StageOutcome struct {
	Ref    StageRef    `json:"ref"`
	Status StageStatus `json:"status"`
	JobID  string      `json:"job_id,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// RunResult is the full report for one pipeline run.
type RunResult struct {
	DatasetID string         `json:"dataset_id"`
	Branch    string         `json:"branch"`
	Succeeded bool           `json:"succeeded"`
	Stages    []StageOutcome `json:"stages"`
}

// JobRunner is the slice of the dispatcher the orchestrator drives.
type JobRunner interface {
	Submit(ctx context.Context, kind models.JobKind, datasetID string, params dispatch.Params) (*models.Job, error)
	Await(ctx context.Context, jobID string) (*models.Job, error)
}

// Config pins the aggregator code line for every run started by this server.
type Config struct {
	// Branch is the aggregator branch or tag submitted with every stage.
	// Callers cannot override it per run.
	Branch string
}

// Orchestrator runs aggregation stages strictly in order: each stage is
// submitted only after the previous one succeeded, and the first failure
// stops the run with the remaining stages recorded as skipped.
type Orchestrator struct {
	db      *gorm.DB
	runner  JobRunner
	checker *permissions.Checker
	cfg     Config
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(db *gorm.DB, runner JobRunner, checker *permissions.Checker, cfg Config) (*Orchestrator, error) {
	if db == nil {
		return nil, errors.New("pipeline: db is required")
	}
	if runner == nil {
		return nil, errors.New("pipeline: job runner is required")
	}
	if checker == nil {
		return nil, errors.New("pipeline: permission checker is required")
	}
	if cfg.Branch == "" {
		return nil, errors.New("pipeline: aggregator branch is required")
	}
	return &Orchestrator{
		db:      db,
		runner:  runner,
		checker: checker,
		cfg:     cfg,
	}, nil
}

// Run executes the given stages against one dataset on behalf of userID.
//
// The caller must hold runAnalysis for the dataset's group. Stage synchrony is
// deliberate: the aggregator stages feed each other's outputs, so a stage is
// only submitted once its predecessor reported success.
func (o *Orchestrator) Run(ctx context.Context, userID, datasetID string, tokens []string, reprocess bool) (*RunResult, error) {
	refs, err := ParseStageRefs(tokens)
	if err != nil {
		return nil, err
	}

	var dataset models.Dataset
	if err := o.db.WithContext(ctx).First(&dataset, "id = ?", datasetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.ErrNotFound
		}
		return nil, fmt.Errorf("pipeline: load dataset: %w", err)
	}

	allowed, err := o.checker.Authorize(ctx, userID, permissions.RunAnalysis, dataset.GroupID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, appErrors.ErrForbidden
	}

	result := &RunResult{
		DatasetID: datasetID,
		Branch:    o.cfg.Branch,
		Stages:    make([]StageOutcome, 0, len(refs)),
	}

	runLog := logger.WithDataset(datasetID).Named("pipeline")
	runLog.Info("pipeline run started",
		zap.String("branch", o.cfg.Branch),
		zap.Int("stages", len(refs)),
		zap.Bool("reprocess", reprocess))

	for i, ref := range refs {
		job, err := o.runner.Submit(ctx, models.JobKindAggregation, datasetID, dispatch.Params{
			Branch:    o.cfg.Branch,
			Method:    ref.Method,
			Stage:     ref.Stage,
			Reprocess: reprocess,
		})
		if err != nil {
			return nil, err
		}

		terminal, err := o.runner.Await(ctx, job.ID)
		if err != nil {
			return nil, err
		}

		outcome := StageOutcome{
			Ref:    ref,
			JobID:  job.ID,
			Reason: terminal.StatusReason,
		}
		switch terminal.Status {
		case models.JobSucceeded:
			outcome.Status = StageSucceeded
		case models.JobTimedOut:
			outcome.Status = StageTimedOut
		default:
			outcome.Status = StageFailed
		}
		result.Stages = append(result.Stages, outcome)

		if outcome.Status != StageSucceeded {
			for _, rest := range refs[i+1:] {
				result.Stages = append(result.Stages, StageOutcome{
					Ref:    rest,
					Status: StageSkipped,
					Reason: fmt.Sprintf("stage %s did not succeed", ref),
				})
			}
			runLog.Warn("pipeline run stopped",
				zap.String("stage", ref.String()),
				zap.String("status", string(outcome.Status)))
			return result, nil
		}
	}

	result.Succeeded = true
	runLog.Info("pipeline run completed")
	return result, nil
}
