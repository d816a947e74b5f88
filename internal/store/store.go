package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clipdeck/api/internal/model"
)

var (
	// ErrNotFound is returned when a job or step does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalJob is returned when a write would overwrite a completed or
	// failed job.
	ErrTerminalJob = errors.New("job is in a terminal state")
)

// Store is the single point through which components read or mutate Job and
// JobStep rows, so every component shares identical transition rules.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and test fixtures.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates the jobs and job_steps tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Job{}, &model.JobStep{})
}

// CreateJob inserts a new job. Status defaults to pending.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// JobUpdate carries the optional fields of a job transition.
type JobUpdate struct {
	Progress     *int
	OutputURL    string
	ErrorMessage string
}

// TransitionJob moves a job to a new status. It refuses to overwrite a job
// already in a terminal state: the UPDATE is conditioned on the current status
// being non-terminal, so two racing writers cannot both finalize.
func (s *Store) TransitionJob(ctx context.Context, jobID string, status model.JobStatus, upd JobUpdate) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if upd.Progress != nil {
		updates["progress"] = *upd.Progress
	}
	if upd.OutputURL != "" {
		updates["output_url"] = upd.OutputURL
	}
	if upd.ErrorMessage != "" {
		updates["error_message"] = upd.ErrorMessage
	}

	result := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ?", jobID).
		Where("status NOT IN ?", []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed}).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrTerminalJob
	}
	return nil
}

// UpdateJobProgress bumps a processing job's progress. The condition keeps
// progress monotonic: a stale writer with a smaller value is a no-op.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	return s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ?", jobID).
		Where("status = ?", model.JobStatusProcessing).
		Where("progress < ?", progress).
		Update("progress", progress).Error
}

// CreateStep inserts a step, or returns the existing step's ID when one with
// the same (job_id, step_name) already exists. Idempotent so the driver and
// poller can be safely re-invoked for the same job.
func (s *Store) CreateStep(ctx context.Context, jobID string, name model.StepName, order int) (string, error) {
	step := model.JobStep{
		ID:        uuid.New().String(),
		JobID:     jobID,
		StepName:  name,
		StepOrder: order,
		Status:    model.StepStatusPending,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "step_name"}},
			DoNothing: true,
		}).
		Create(&step).Error
	if err != nil {
		return "", err
	}

	var existing model.JobStep
	if err := s.db.WithContext(ctx).
		First(&existing, "job_id = ? AND step_name = ?", jobID, name).Error; err != nil {
		return "", err
	}
	return existing.ID, nil
}

// GetStep retrieves a step by ID.
func (s *Store) GetStep(ctx context.Context, stepID string) (*model.JobStep, error) {
	var step model.JobStep
	err := s.db.WithContext(ctx).First(&step, "id = ?", stepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// GetStepByName retrieves a job's step by name. Returns ErrNotFound when the
// step does not exist.
func (s *Store) GetStepByName(ctx context.Context, jobID string, name model.StepName) (*model.JobStep, error) {
	var step model.JobStep
	err := s.db.WithContext(ctx).First(&step, "job_id = ? AND step_name = ?", jobID, name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// GetSteps retrieves all steps of a job in display order.
func (s *Store) GetSteps(ctx context.Context, jobID string) ([]model.JobStep, error) {
	var steps []model.JobStep
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// StepUpdate carries the optional fields of a step transition. Output is
// merged key-by-key into the existing output_data unless ReplaceOutput is set:
// output_data is the handoff channel accumulated across invocations, so blind
// overwrites would clobber concurrently written continuation state.
type StepUpdate struct {
	Output        model.JSONMap
	ReplaceOutput bool
	ErrorMessage  string
}

// TransitionStep moves a step to a new status, setting started_at on entering
// processing and completed_at on entering completed or failed.
func (s *Store) TransitionStep(ctx context.Context, stepID string, status model.StepStatus, upd StepUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step model.JobStep
		if err := tx.First(&step, "id = ?", stepID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := time.Now()
		if status == model.StepStatusProcessing && step.StartedAt == nil {
			step.StartedAt = &now
		}
		if (status == model.StepStatusCompleted || status == model.StepStatusFailed) && step.CompletedAt == nil {
			step.CompletedAt = &now
		}
		step.Status = status
		if upd.ErrorMessage != "" {
			step.ErrorMessage = upd.ErrorMessage
		}
		step.OutputData = mergeOutput(step.OutputData, upd.Output, upd.ReplaceOutput)

		return tx.Save(&step).Error
	})
}

// MergeStepOutput merges keys into a step's output_data without changing its
// status. Used for continuation-state writes (provider job id, failure
// counters) between transitions.
func (s *Store) MergeStepOutput(ctx context.Context, stepID string, output model.JSONMap) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step model.JobStep
		if err := tx.First(&step, "id = ?", stepID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		step.OutputData = mergeOutput(step.OutputData, output, false)
		return tx.Save(&step).Error
	})
}

// ClaimStep atomically moves a step from one status to another, returning
// false if another writer got there first. This is the optimistic-lock guard
// on the merge start transition: at most one poller invocation wins the claim,
// so at most one provider job is ever started per merge step.
func (s *Store) ClaimStep(ctx context.Context, stepID string, from, to model.StepStatus) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if to == model.StepStatusProcessing {
		updates["started_at"] = time.Now()
	}
	result := s.db.WithContext(ctx).
		Model(&model.JobStep{}).
		Where("id = ? AND status = ?", stepID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FailActiveSteps marks every pending or processing step of a job as failed
// with the given message. Called when a job fails or is cancelled so the
// dashboard never shows a step stuck in processing under a terminal job.
func (s *Store) FailActiveSteps(ctx context.Context, jobID, errMsg string) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&model.JobStep{}).
		Where("job_id = ?", jobID).
		Where("status IN ?", []model.StepStatus{model.StepStatusPending, model.StepStatusProcessing}).
		Updates(map[string]interface{}{
			"status":        model.StepStatusFailed,
			"error_message": errMsg,
			"completed_at":  now,
			"updated_at":    now,
		}).Error
}

func mergeOutput(existing, incoming model.JSONMap, replace bool) model.JSONMap {
	if replace {
		return incoming
	}
	if len(incoming) == 0 {
		return existing
	}
	merged := make(model.JSONMap, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// ProcessingStepCount reports how many steps of a job are currently
// processing. The intended invariant is at most one.
func (s *Store) ProcessingStepCount(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.JobStep{}).
		Where("job_id = ? AND status = ?", jobID, model.StepStatusProcessing).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count processing steps: %w", err)
	}
	return count, nil
}
