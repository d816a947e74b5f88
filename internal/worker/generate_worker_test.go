package worker_test

import (
	"bytes"
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

	"github.com/clipdeck/api/internal/client"
	"github.com/clipdeck/api/internal/model"
	"github.com/clipdeck/api/internal/service"
	"github.com/clipdeck/api/internal/store"
	"github.com/clipdeck/api/internal/worker"
)

type fakeText struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeText) Complete(ctx context.Context, system, user string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.responses) {
		return "", fmt.Errorf("unexpected text call %d", f.calls+1)
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

type fakeTTS struct {
	err error
}

func (f *fakeTTS) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return bytes.Repeat([]byte{0x01}, 2048), nil
}

type fakeImages struct {
	failPrompt string // prompts containing this substring fail
	failAll    bool
}

func (f *fakeImages) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if f.failAll || (f.failPrompt != "" && strings.Contains(prompt, f.failPrompt)) {
		return nil, client.ErrImageGenerationFailed
	}
	return bytes.Repeat([]byte{0x02}, 8192), nil
}

func setupWorkerTest(t *testing.T, text *fakeText, tts *fakeTTS, images *fakeImages) (*store.Store, *worker.GenerateWorker, *client.MockStorage) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))

	storage := client.NewMockStorage("")
	w := worker.NewGenerateWorker(st, text, tts, images, storage, nil)
	return st, w, storage
}

func pipelineTask(t *testing.T, jobID string) *asynq.Task {
	payload, err := json.Marshal(service.PipelineTaskPayload{JobID: jobID})
	require.NoError(t, err)
	return asynq.NewTask(service.TaskTypePipeline, payload)
}

func createGenerateJob(t *testing.T, st *store.Store, sceneCount int) *model.Job {
	input, err := model.ToJSONMap(model.GenerateInput{
		Title:       "Lighthouses of the North Sea",
		Description: "A short documentary teaser.",
		DurationSec: 45,
		SceneCount:  sceneCount,
	})
	require.NoError(t, err)

	job := &model.Job{Type: model.JobTypeAIGenerate, InputData: input}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func TestProcessTask_FullPipelineStagesMerge(t *testing.T) {
	text := &fakeText{responses: []string{
		"Narration about lighthouses.",
		"a lighthouse at dawn\na storm over the sea\na keeper climbing stairs",
	}}
	st, w, _ := setupWorkerTest(t, text, &fakeTTS{}, &fakeImages{})
	ctx := context.Background()

	job := createGenerateJob(t, st, 3)
	require.NoError(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status, "job stays live until the poller finishes the merge")
	assert.Equal(t, 72, got.Progress)

	steps, err := st.GetSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 5)

	byName := map[model.StepName]model.JobStep{}
	for _, s := range steps {
		byName[s.StepName] = s
	}
	assert.Equal(t, model.StepStatusCompleted, byName[model.StepScriptGeneration].Status)
	assert.Equal(t, model.StepStatusCompleted, byName[model.StepVoiceGeneration].Status)
	assert.Equal(t, model.StepStatusCompleted, byName[model.StepImageGeneration].Status)
	assert.Equal(t, model.StepStatusPending, byName[model.StepMerge].Status)
	assert.Equal(t, model.StepStatusPending, byName[model.StepPublishing].Status)

	assert.Equal(t, "Narration about lighthouses.", byName[model.StepScriptGeneration].OutputData["script"])

	state, err := model.DecodeMergeState(byName[model.StepMerge].OutputData)
	require.NoError(t, err)
	assert.Equal(t, model.MergePhaseReady, state.Phase)
	assert.True(t, state.ReadyForMerge)
	assert.Len(t, state.ImageURLs, 3)
	assert.NotEmpty(t, state.AudioURL)
}

func TestProcessTask_PartialImageFailureStillStages(t *testing.T) {
	text := &fakeText{responses: []string{
		"Narration.",
		"a lighthouse at dawn\na storm over the sea\na keeper climbing stairs\na storm lantern\na calm morning",
	}}
	// 2 of 5 prompts fail; the step must complete with what it got.
	st, w, _ := setupWorkerTest(t, text, &fakeTTS{}, &fakeImages{failPrompt: "storm"})
	ctx := context.Background()

	job := createGenerateJob(t, st, 5)
	require.NoError(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))

	imgStep, err := st.GetStepByName(ctx, job.ID, model.StepImageGeneration)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, imgStep.Status)
	assert.EqualValues(t, 3, imgStep.OutputData["generated"])
	assert.EqualValues(t, 5, imgStep.OutputData["requested"])

	mergeStep, err := st.GetStepByName(ctx, job.ID, model.StepMerge)
	require.NoError(t, err)
	state, err := model.DecodeMergeState(mergeStep.OutputData)
	require.NoError(t, err)
	assert.Len(t, state.ImageURLs, 3)
}

func TestProcessTask_AllImagesFailingFailsJob(t *testing.T) {
	text := &fakeText{responses: []string{
		"Narration.",
		"a lighthouse at dawn\na storm over the sea",
	}}
	st, w, _ := setupWorkerTest(t, text, &fakeTTS{}, &fakeImages{failAll: true})
	ctx := context.Background()

	job := createGenerateJob(t, st, 2)
	err := w.ProcessTask(ctx, pipelineTask(t, job.ID))
	require.Error(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "image")

	// Every non-completed step must be swept.
	steps, err := st.GetSteps(ctx, job.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.NotEqual(t, model.StepStatusPending, s.Status, "step %s left pending", s.StepName)
		assert.NotEqual(t, model.StepStatusProcessing, s.Status, "step %s left processing", s.StepName)
	}
}

func TestProcessTask_VoiceFailureFailsJob(t *testing.T) {
	text := &fakeText{responses: []string{"Narration."}}
	st, w, _ := setupWorkerTest(t, text, &fakeTTS{err: fmt.Errorf("tts service error (status 503)")}, &fakeImages{})
	ctx := context.Background()

	job := createGenerateJob(t, st, 2)
	require.Error(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)

	voiceStep, err := st.GetStepByName(ctx, job.ID, model.StepVoiceGeneration)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusFailed, voiceStep.Status)
	assert.Contains(t, voiceStep.ErrorMessage, "Voice synthesis failed")
}

func TestProcessTask_CancelledJobIsNotResurrected(t *testing.T) {
	st, w, _ := setupWorkerTest(t, &fakeText{}, &fakeTTS{}, &fakeImages{})
	ctx := context.Background()

	job := createGenerateJob(t, st, 2)
	require.NoError(t, st.TransitionJob(ctx, job.ID, model.JobStatusFailed, store.JobUpdate{
		ErrorMessage: model.CancelledByUser,
	}))

	require.NoError(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.CancelledByUser, got.ErrorMessage)

	steps, err := st.GetSteps(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, steps, "a terminal job must not gain steps")
}

func TestProcessTask_MergeJobSkipsGenerationSteps(t *testing.T) {
	st, w, _ := setupWorkerTest(t, &fakeText{}, &fakeTTS{}, &fakeImages{})
	ctx := context.Background()

	input, err := model.ToJSONMap(model.MergeInput{
		ImageURLs: []string{"https://cdn.example.com/1.jpg", "https://cdn.example.com/2.jpg"},
		AudioURL:  "https://cdn.example.com/voice.mp3",
	})
	require.NoError(t, err)
	job := &model.Job{Type: model.JobTypeMerge, InputData: input}
	require.NoError(t, st.CreateJob(ctx, job))

	require.NoError(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))

	steps, err := st.GetSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepMerge, steps[0].StepName)
	assert.Equal(t, model.StepPublishing, steps[1].StepName)

	state, err := model.DecodeMergeState(steps[0].OutputData)
	require.NoError(t, err)
	assert.True(t, state.ReadyForMerge)
	assert.Equal(t, "https://cdn.example.com/voice.mp3", state.AudioURL)
	assert.Len(t, state.ImageURLs, 2)
}

func TestProcessTask_MergeJobWithoutMediaFails(t *testing.T) {
	st, w, _ := setupWorkerTest(t, &fakeText{}, &fakeTTS{}, &fakeImages{})
	ctx := context.Background()

	input, err := model.ToJSONMap(model.MergeInput{AudioURL: "https://cdn.example.com/voice.mp3"})
	require.NoError(t, err)
	job := &model.Job{Type: model.JobTypeMerge, InputData: input}
	require.NoError(t, st.CreateJob(ctx, job))

	require.Error(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
}

func TestProcessTask_ReinvocationReusesCompletedSteps(t *testing.T) {
	text := &fakeText{responses: []string{
		"Narration.",
		"a lighthouse at dawn\na storm over the sea",
	}}
	st, w, _ := setupWorkerTest(t, text, &fakeTTS{}, &fakeImages{})
	ctx := context.Background()

	job := createGenerateJob(t, st, 2)
	require.NoError(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))
	require.Equal(t, 2, text.calls)

	// A redelivered task must reuse completed step outputs, not redo the work.
	require.NoError(t, w.ProcessTask(ctx, pipelineTask(t, job.ID)))
	assert.Equal(t, 2, text.calls, "re-invocation must not call the text API again")

	mergeStep, err := st.GetStepByName(ctx, job.ID, model.StepMerge)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusPending, mergeStep.Status)

	state, err := model.DecodeMergeState(mergeStep.OutputData)
	require.NoError(t, err)
	assert.True(t, state.ReadyForMerge)
	assert.Len(t, state.ImageURLs, 2)
}
