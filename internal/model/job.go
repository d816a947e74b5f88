package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is an opaque structured payload stored as a JSON column.
// JobStep.OutputData uses it as the handoff channel between pipeline
// invocations, so writers must merge into it rather than replace it.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Job represents one user-initiated video production request tracked end-to-end.
type Job struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Type         JobType   `gorm:"size:32;index" json:"type"`
	Status       JobStatus `gorm:"size:16;index" json:"status"`
	Progress     int       `json:"progress"`
	InputData    JSONMap   `gorm:"type:text" json:"inputData,omitempty"`
	OutputURL    string    `json:"outputUrl,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// JobStep is one named stage of a job's pipeline with its own status, timing
// and output. (job_id, step_name) is the upsert key; step creation is idempotent.
type JobStep struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	JobID        string     `gorm:"size:36;uniqueIndex:idx_job_step,priority:1" json:"jobId"`
	StepName     StepName   `gorm:"size:32;uniqueIndex:idx_job_step,priority:2" json:"stepName"`
	StepOrder    int        `json:"stepOrder"`
	Status       StepStatus `gorm:"size:16" json:"status"`
	OutputData   JSONMap    `gorm:"type:text" json:"outputData,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// GenerateInput is the input_data payload for ai_generate jobs.
type GenerateInput struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	DurationSec  int    `json:"durationSec,omitempty"`
	SceneCount   int    `json:"sceneCount,omitempty"`
	VoiceID      string `json:"voiceId,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
}

// MergeInput is the input_data payload for merge jobs: media already uploaded,
// only the external render remains.
type MergeInput struct {
	ImageURLs    []string `json:"imageUrls"`
	VideoURLs    []string `json:"videoUrls,omitempty"`
	AudioURL     string   `json:"audioUrl"`
	OutputFormat string   `json:"outputFormat,omitempty"`
}

// DecodeInput unmarshals the job's input_data into dst.
func (j *Job) DecodeInput(dst interface{}) error {
	b, err := json.Marshal(j.InputData)
	if err != nil {
		return fmt.Errorf("failed to encode input data: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("failed to decode input data: %w", err)
	}
	return nil
}

// ToJSONMap converts any JSON-serializable value to a JSONMap.
func ToJSONMap(v interface{}) (JSONMap, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m JSONMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
