package model

// Job types
type JobType string

const (
	JobTypeMerge      JobType = "merge"
	JobTypeAIGenerate JobType = "ai_generate"
)

var ValidJobTypes = []JobType{JobTypeMerge, JobTypeAIGenerate}

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether a job in this status may never change again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Step status — independent sub-state-machine per pipeline step
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// Pipeline step names
type StepName string

const (
	StepScriptGeneration StepName = "script_generation"
	StepVoiceGeneration  StepName = "voice_generation"
	StepImageGeneration  StepName = "image_generation"
	StepMerge            StepName = "merge"
	StepPublishing       StepName = "publishing"
)

// CancelledByUser is the sentinel error message written to a job and its
// in-flight steps when the user cancels. Components detect cancellation by
// the job being terminal, not by matching this text.
const CancelledByUser = "Cancelled by user"

// Scene count bounds for ai_generate jobs
const (
	MinSceneCount = 1
	MaxSceneCount = 20
)
