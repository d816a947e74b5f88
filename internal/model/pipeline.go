package model

import "time"

// SubmitJobRequest is the request body for job submission.
type SubmitJobRequest struct {
	Type         JobType  `json:"type" validate:"required,oneof=merge ai_generate"`
	Title        string   `json:"title" validate:"required_if=Type ai_generate,max=200"`
	Description  string   `json:"description,omitempty" validate:"max=2000"`
	DurationSec  int      `json:"durationSec,omitempty" validate:"omitempty,min=5,max=300"`
	SceneCount   int      `json:"sceneCount,omitempty" validate:"omitempty,min=1,max=20"`
	VoiceID      string   `json:"voiceId,omitempty"`
	OutputFormat string   `json:"outputFormat,omitempty" validate:"omitempty,oneof=mp4 webm"`
	ImageURLs    []string `json:"imageUrls,omitempty" validate:"omitempty,dive,url"`
	VideoURLs    []string `json:"videoUrls,omitempty" validate:"omitempty,dive,url"`
	AudioURL     string   `json:"audioUrl,omitempty" validate:"omitempty,url"`
}

// SubmitJobResponse is returned on successful submission.
type SubmitJobResponse struct {
	JobID     string    `json:"jobId"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// StepView is the per-step slice of a status snapshot.
type StepView struct {
	StepName     StepName   `json:"stepName"`
	StepOrder    int        `json:"stepOrder"`
	Status       StepStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// JobStatusResponse is the full snapshot returned by every status poll. It is
// the sole read contract the dashboard depends on.
type JobStatusResponse struct {
	JobID        string     `json:"jobId"`
	Type         JobType    `json:"type"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	OutputURL    string     `json:"outputUrl,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Steps        []StepView `json:"steps"`
	Logs         []string   `json:"logs"`
	IsStuck      bool       `json:"isStuck"`
	StuckWarning string     `json:"stuckWarning,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// JobResultResponse is returned for completed jobs.
type JobResultResponse struct {
	JobID     string  `json:"jobId"`
	Type      JobType `json:"type"`
	OutputURL string  `json:"outputUrl"`
}

// CancelJobResponse is returned on successful cancellation.
type CancelJobResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
