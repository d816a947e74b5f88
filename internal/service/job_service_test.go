package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clipdeck/api/internal/model"
	"github.com/clipdeck/api/internal/service"
	"github.com/clipdeck/api/internal/store"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks)), Queue: "pipeline"}, nil
}

func setupJobTest(t *testing.T, enq *fakeEnqueuer) (*store.Store, *service.JobService) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))
	return st, service.NewJobService(st, enq)
}

func TestSubmit_CreatesPendingJobAndEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	st, svc := setupJobTest(t, enq)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, &model.SubmitJobRequest{
		Type:       model.JobTypeAIGenerate,
		Title:      "Lighthouses of the North Sea",
		SceneCount: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, resp.Status)
	assert.NotEmpty(t, resp.JobID)

	job, err := st.GetJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeAIGenerate, job.Type)
	assert.Equal(t, "Lighthouses of the North Sea", job.InputData["title"])

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, service.TaskTypePipeline, enq.tasks[0].Type())

	var payload service.PipelineTaskPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, resp.JobID, payload.JobID)
}

func TestSubmit_EnqueueFailureFailsJob(t *testing.T) {
	enq := &fakeEnqueuer{err: fmt.Errorf("redis down")}
	st, svc := setupJobTest(t, enq)
	ctx := context.Background()

	_, err := svc.Submit(ctx, &model.SubmitJobRequest{
		Type:  model.JobTypeAIGenerate,
		Title: "Never runs",
	})
	require.Error(t, err)

	// The orphaned job row must not linger as eternally pending.
	var jobs []model.Job
	require.NoError(t, st.DB().Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
}

func TestCancel_ProcessingJob(t *testing.T) {
	st, svc := setupJobTest(t, &fakeEnqueuer{})
	ctx := context.Background()

	job := &model.Job{Type: model.JobTypeAIGenerate, Status: model.JobStatusProcessing}
	require.NoError(t, st.CreateJob(ctx, job))
	liveID, err := st.CreateStep(ctx, job.ID, model.StepImageGeneration, 3)
	require.NoError(t, err)
	require.NoError(t, st.TransitionStep(ctx, liveID, model.StepStatusProcessing, store.StepUpdate{}))
	pendingID, err := st.CreateStep(ctx, job.ID, model.StepMerge, 4)
	require.NoError(t, err)

	resp, err := svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, model.JobStatusFailed, resp.Status)

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.CancelledByUser, got.ErrorMessage)

	for _, id := range []string{liveID, pendingID} {
		step, err := st.GetStep(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StepStatusFailed, step.Status)
		assert.Equal(t, model.CancelledByUser, step.ErrorMessage)
	}
}

func TestCancel_CompletedJobRejected(t *testing.T) {
	st, svc := setupJobTest(t, &fakeEnqueuer{})
	ctx := context.Background()

	job := &model.Job{
		Type:      model.JobTypeAIGenerate,
		Status:    model.JobStatusCompleted,
		OutputURL: "https://cdn.clipdeck.local/jobs/x/final.mp4",
	}
	require.NoError(t, st.CreateJob(ctx, job))

	_, err := svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrTerminalJob)

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status, "completed output must stay reachable")
	assert.NotEmpty(t, got.OutputURL)
}

func TestCancel_UnknownJob(t *testing.T) {
	_, svc := setupJobTest(t, &fakeEnqueuer{})

	_, err := svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetResult(t *testing.T) {
	st, svc := setupJobTest(t, &fakeEnqueuer{})
	ctx := context.Background()

	done := &model.Job{
		Type:      model.JobTypeMerge,
		Status:    model.JobStatusCompleted,
		OutputURL: "https://cdn.clipdeck.local/jobs/x/final.mp4",
	}
	require.NoError(t, st.CreateJob(ctx, done))

	resp, err := svc.GetResult(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, done.OutputURL, resp.OutputURL)

	live := &model.Job{Type: model.JobTypeMerge, Status: model.JobStatusProcessing}
	require.NoError(t, st.CreateJob(ctx, live))
	_, err = svc.GetResult(ctx, live.ID)
	assert.ErrorIs(t, err, service.ErrNotCompleted)

	_, err = svc.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
