package models

import "gorm.io/datatypes"

// DatasetState is the lifecycle state of a dataset in the registry.
type DatasetState string

const (
	StateUploaded         DatasetState = "uploaded"
	StateValidating       DatasetState = "validating"
	StateQCPassed         DatasetState = "qc_passed"
	StateQCFailed         DatasetState = "qc_failed"
	StateApproved         DatasetState = "approved"
	StateRejected         DatasetState = "rejected"
	StateProcessing       DatasetState = "processing"
	StateProcessed        DatasetState = "processed"
	StateProcessingFailed DatasetState = "processing_failed"
	StateRetired          DatasetState = "retired"
)

// stateGraph declares every forward edge of the lifecycle. Retirement is
// handled separately: it is reachable from every state and terminal.
var stateGraph = map[DatasetState][]DatasetState{
	StateUploaded:         {StateValidating},
	StateValidating:       {StateQCPassed, StateQCFailed},
	StateQCPassed:         {StateApproved, StateRejected},
	StateQCFailed:         {StateValidating}, // explicit re-submission of QC
	StateApproved:         {StateProcessing},
	StateRejected:         {},
	StateProcessing:       {StateProcessed, StateProcessingFailed},
	StateProcessed:        {StateProcessing}, // selective reprocessing
	StateProcessingFailed: {StateProcessing}, // explicit re-run
	StateRetired:          {},
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s DatasetState) CanTransitionTo(next DatasetState) bool {
	if s == StateRetired {
		return false
	}
	if next == StateRetired {
		return true
	}
	for _, allowed := range stateGraph[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s DatasetState) Terminal() bool {
	return s == StateRetired
}

// Dataset is the canonical record of an admitted summary-statistics file.
// The GUID (BaseModel.ID) is minted at admission and never changes; rows are
// never deleted, they are retired so the audit history survives.
type Dataset struct {
	BaseModel

	Name        string `gorm:"not null;uniqueIndex:idx_datasets_group_name" json:"name"`
	Description string `json:"description"`

	Phenotype   string `json:"phenotype"`
	Ancestry    string `json:"ancestry"`
	Cohort      string `json:"cohort"`
	GenomeBuild string `json:"genome_build"`
	Sex         string `json:"sex"`

	Participants int `json:"participants"`
	Cases        int `json:"cases"`

	GroupID string `gorm:"type:uuid;not null;index;uniqueIndex:idx_datasets_group_name" json:"group_id"`
	Group   *Group `json:"group,omitempty"`

	State DatasetState `gorm:"not null;index;default:uploaded" json:"state"`

	// StoragePath is the s3:// location of the raw upload, keyed by the GUID
	// so downstream jobs can locate derived output without a side channel.
	StoragePath string `json:"storage_path"`

	ColumnMap datatypes.JSON `json:"column_map"`
	Metadata  datatypes.JSON `json:"metadata"`

	// QCScriptOptions is a free-form option string forwarded verbatim to the
	// QC job command line.
	QCScriptOptions string `json:"qc_script_options"`

	UploadedBy string `gorm:"type:uuid;index" json:"uploaded_by"`
	Uploader   *User  `gorm:"foreignKey:UploadedBy" json:"uploader,omitempty"`

	Jobs []Job `gorm:"foreignKey:DatasetID" json:"jobs,omitempty"`
}
