package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipdeck/api/internal/model"
	"github.com/clipdeck/api/internal/store"
)

// TaskTypePipeline is the asynq task type for pipeline runs.
const TaskTypePipeline = "pipeline:run"

// ErrNotCompleted is returned when a result is requested for a job that has
// not (or never will have) an output.
var ErrNotCompleted = errors.New("job has not completed")

// PipelineTaskPayload is the asynq task payload. It carries only the job ID;
// everything else is read back from the store so re-deliveries always see
// current state.
type PipelineTaskPayload struct {
	JobID string `json:"jobId"`
}

// TaskEnqueuer is the slice of asynq.Client the job service needs.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobService owns the job lifecycle edges: submission and cancellation.
// Everything in between belongs to the worker and the status service.
type JobService struct {
	store    *store.Store
	enqueuer TaskEnqueuer
}

func NewJobService(st *store.Store, enqueuer TaskEnqueuer) *JobService {
	return &JobService{store: st, enqueuer: enqueuer}
}

// Submit validates nothing (the handler already did), persists a pending job
// and enqueues the pipeline task.
func (s *JobService) Submit(ctx context.Context, req *model.SubmitJobRequest) (*model.SubmitJobResponse, error) {
	input, err := inputFor(req)
	if err != nil {
		return nil, err
	}

	job := &model.Job{
		Type:      req.Type,
		Status:    model.JobStatusPending,
		InputData: input,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	payload, err := json.Marshal(PipelineTaskPayload{JobID: job.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := asynq.NewTask(TaskTypePipeline, payload)
	info, err := s.enqueuer.Enqueue(task,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue("pipeline"),
	)
	if err != nil {
		// The job row exists but will never run; fail it so status polls
		// don't show an eternally pending job.
		if ferr := s.store.TransitionJob(ctx, job.ID, model.JobStatusFailed, store.JobUpdate{
			ErrorMessage: "Failed to enqueue pipeline task",
		}); ferr != nil {
			log.Printf("Failed to fail unenqueued job %s: %v", job.ID, ferr)
		}
		return nil, fmt.Errorf("failed to enqueue pipeline task: %w", err)
	}

	log.Printf("Job %s submitted (type=%s, task=%s)", job.ID, job.Type, info.ID)
	return &model.SubmitJobResponse{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// GetResult returns the output of a completed job. Non-completed jobs are a
// conflict, missing jobs pass ErrNotFound through.
func (s *JobService) GetResult(ctx context.Context, jobID string) (*model.JobResultResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrNotCompleted)
	}
	return &model.JobResultResponse{
		JobID:     job.ID,
		Type:      job.Type,
		OutputURL: job.OutputURL,
	}, nil
}

// Cancel marks a job failed with the cancellation sentinel and sweeps its
// active steps. Terminal jobs cannot be cancelled: the transition's own
// terminal guard rejects the write, so a cancel racing a completion loses.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.CancelJobResponse, error) {
	err := s.store.TransitionJob(ctx, jobID, model.JobStatusFailed, store.JobUpdate{
		ErrorMessage: model.CancelledByUser,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.FailActiveSteps(ctx, jobID, model.CancelledByUser); err != nil {
		log.Printf("Failed to sweep steps of cancelled job %s: %v", jobID, err)
	}

	log.Printf("Job %s cancelled by user", jobID)
	return &model.CancelJobResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusFailed,
	}, nil
}

func inputFor(req *model.SubmitJobRequest) (model.JSONMap, error) {
	switch req.Type {
	case model.JobTypeAIGenerate:
		return model.ToJSONMap(model.GenerateInput{
			Title:        req.Title,
			Description:  req.Description,
			DurationSec:  req.DurationSec,
			SceneCount:   req.SceneCount,
			VoiceID:      req.VoiceID,
			OutputFormat: req.OutputFormat,
		})
	case model.JobTypeMerge:
		return model.ToJSONMap(model.MergeInput{
			ImageURLs:    req.ImageURLs,
			VideoURLs:    req.VideoURLs,
			AudioURL:     req.AudioURL,
			OutputFormat: req.OutputFormat,
		})
	default:
		return nil, fmt.Errorf("unsupported job type: %s", req.Type)
	}
}
