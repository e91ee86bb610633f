package dispatch

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/broadbio/dataregistry/internal/models"
)

// Params are the opaque key/value pairs forwarded to the remote job. The
// dispatcher does not interpret them beyond building the submission
// descriptor; the remote job parses them literally.
type Params struct {
	// StoragePath is the s3:// location of the input file.
	StoragePath string `json:"storage_path,omitempty"`
	// DatasetID is the dataset GUID.
	DatasetID string `json:"dataset_id"`
	// ColumnMap is the serialized, normalised column map.
	ColumnMap string `json:"column_map,omitempty"`
	// Options is a free-form option string appended to the QC command line.
	Options string `json:"options,omitempty"`

	// Aggregator-only parameters.
	Branch    string `json:"branch,omitempty"`
	Method    string `json:"method,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Reprocess bool   `json:"reprocess,omitempty"`
}

// KindConfig pins the queue, definition, and resource shape for one job kind.
// The resource shape is fixed per kind, not per submission.
type KindConfig struct {
	Queue           string
	Definition      string
	JobName         string
	VCPUs           string
	MemoryMiB       string
	MaxPollAttempts int
}

// buildSubmitInput renders the exact submission descriptor for the remote
// cluster. The QC container parses positional flags, so argument order and
// spelling must not drift.
func buildSubmitInput(kind models.JobKind, cfg KindConfig, p Params) *batch.SubmitJobInput {
	input := &batch.SubmitJobInput{
		JobName:       aws.String(cfg.JobName),
		JobQueue:      aws.String(cfg.Queue),
		JobDefinition: aws.String(cfg.Definition),
	}

	overrides := &types.ContainerOverrides{}
	if cfg.VCPUs != "" {
		overrides.ResourceRequirements = append(overrides.ResourceRequirements, types.ResourceRequirement{
			Type:  types.ResourceTypeVcpu,
			Value: aws.String(cfg.VCPUs),
		})
	}
	if cfg.MemoryMiB != "" {
		overrides.ResourceRequirements = append(overrides.ResourceRequirements, types.ResourceRequirement{
			Type:  types.ResourceTypeMemory,
			Value: aws.String(cfg.MemoryMiB),
		})
	}

	switch kind {
	case models.JobKindQC:
		command := []string{
			"--s3_path", p.StoragePath,
			"--file_guid", p.DatasetID,
			"--column_map", p.ColumnMap,
		}
		if opts := strings.Fields(p.Options); len(opts) > 0 {
			command = append(command, opts...)
		}
		overrides.Command = command
	case models.JobKindAggregation:
		parameters := map[string]string{
			"branch": p.Branch,
			"method": p.Method,
			"args":   aggregatorArgs(p),
		}
		input.Parameters = parameters
	}

	if len(overrides.Command) > 0 || len(overrides.ResourceRequirements) > 0 {
		input.ContainerOverrides = overrides
	}

	return input
}

// aggregatorArgs renders the stage selector and reprocess override as the
// free-form argument string the aggregator entrypoint expects.
func aggregatorArgs(p Params) string {
	var args []string
	if p.Stage != "" {
		args = append(args, "--stage", p.Stage)
	}
	if p.Reprocess {
		args = append(args, "--reprocess")
	}
	if p.Options != "" {
		args = append(args, strings.Fields(p.Options)...)
	}
	return strings.Join(args, " ")
}
