package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/clipdeck/api/internal/client"
	"github.com/clipdeck/api/internal/model"
	"github.com/clipdeck/api/internal/service"
	"github.com/clipdeck/api/internal/store"
	ws "github.com/clipdeck/api/internal/websocket"
)

// Job progress checkpoints. The driver owns 0–72; the poller owns the rest.
const (
	progressScriptDone  = 15
	progressVoiceDone   = 35
	progressImagesDone  = 70
	progressMergeStaged = 72
)

// imageBatchSize bounds concurrent image generations so total wall-clock time
// stays inside the invocation budget.
const imageBatchSize = 5

type stepDef struct {
	name  model.StepName
	order int
}

// stepSequences fixes the pipeline per job type. Dispatch happens here, not
// in scattered branches.
var stepSequences = map[model.JobType][]stepDef{
	model.JobTypeAIGenerate: {
		{model.StepScriptGeneration, 1},
		{model.StepVoiceGeneration, 2},
		{model.StepImageGeneration, 3},
		{model.StepMerge, 4},
		{model.StepPublishing, 5},
	},
	model.JobTypeMerge: {
		{model.StepMerge, 1},
		{model.StepPublishing, 2},
	},
}

// GenerateWorker is the pipeline driver: one task invocation per job. It runs
// the generation steps synchronously to a safe stopping point, then stages
// the merge step for the status poller. Actually starting and polling the
// external render would outlive this invocation's budget, so it never does.
type GenerateWorker struct {
	store   *store.Store
	text    client.TextGenerator
	tts     client.SpeechSynthesizer
	images  client.ImageGenerator
	storage client.StorageClient
	hub     *ws.Hub
}

// NewGenerateWorker creates a new pipeline driver.
func NewGenerateWorker(
	st *store.Store,
	text client.TextGenerator,
	tts client.SpeechSynthesizer,
	images client.ImageGenerator,
	storage client.StorageClient,
	hub *ws.Hub,
) *GenerateWorker {
	return &GenerateWorker{
		store:   st,
		text:    text,
		tts:     tts,
		images:  images,
		storage: storage,
		hub:     hub,
	}
}

// ProcessTask handles one pipeline task.
func (w *GenerateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.PipelineTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := w.store.GetJob(ctx, payload.JobID)
	if err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("job %s not found: %w", payload.JobID, asynq.SkipRetry)
		}
		return err
	}

	// Cancelled or already finalized jobs are never resurrected.
	if job.Status.IsTerminal() {
		log.Printf("Pipeline job %s already %s, skipping", job.ID, job.Status)
		return nil
	}

	seq, ok := stepSequences[job.Type]
	if !ok {
		w.failJob(ctx, job.ID, "", fmt.Sprintf("unknown job type: %s", job.Type))
		return fmt.Errorf("unknown job type %q: %w", job.Type, asynq.SkipRetry)
	}

	stepIDs := make(map[model.StepName]string, len(seq))
	for _, def := range seq {
		id, err := w.store.CreateStep(ctx, job.ID, def.name, def.order)
		if err != nil {
			return fmt.Errorf("failed to create step %s: %w", def.name, err)
		}
		stepIDs[def.name] = id
	}

	if err := w.store.TransitionJob(ctx, job.ID, model.JobStatusProcessing, store.JobUpdate{}); err != nil {
		if err == store.ErrTerminalJob {
			return nil
		}
		return err
	}

	log.Printf("Pipeline job %s started (type=%s)", job.ID, job.Type)

	switch job.Type {
	case model.JobTypeAIGenerate:
		return w.runGeneratePipeline(ctx, job, stepIDs)
	default:
		return w.stageMergeFromInput(ctx, job, stepIDs)
	}
}

// runGeneratePipeline drives script → voice → images, then stages the merge.
func (w *GenerateWorker) runGeneratePipeline(ctx context.Context, job *model.Job, stepIDs map[model.StepName]string) error {
	var input model.GenerateInput
	if err := job.DecodeInput(&input); err != nil {
		w.failJob(ctx, job.ID, stepIDs[model.StepScriptGeneration], "Invalid job input: "+err.Error())
		return fmt.Errorf("invalid input for job %s: %w", job.ID, asynq.SkipRetry)
	}

	script, err := w.runScriptStep(ctx, job, stepIDs[model.StepScriptGeneration], &input)
	if err != nil {
		return err
	}
	if cancelled, err := w.jobTerminal(ctx, job.ID); cancelled || err != nil {
		return err
	}

	audioURL, err := w.runVoiceStep(ctx, job, stepIDs[model.StepVoiceGeneration], script, input.VoiceID)
	if err != nil {
		return err
	}
	if cancelled, err := w.jobTerminal(ctx, job.ID); cancelled || err != nil {
		return err
	}

	imageURLs, err := w.runImageStep(ctx, job, stepIDs[model.StepImageGeneration], script, &input)
	if err != nil {
		return err
	}
	if cancelled, err := w.jobTerminal(ctx, job.ID); cancelled || err != nil {
		return err
	}

	state := model.MergeState{
		Phase:         model.MergePhaseReady,
		ReadyForMerge: true,
		ImageURLs:     imageURLs,
		AudioURL:      audioURL,
		OutputFormat:  input.OutputFormat,
	}
	return w.stageMerge(ctx, job.ID, stepIDs[model.StepMerge], state)
}

// stageMergeFromInput handles merge-type jobs: media is already uploaded, so
// the driver only records the continuation state for the poller.
func (w *GenerateWorker) stageMergeFromInput(ctx context.Context, job *model.Job, stepIDs map[model.StepName]string) error {
	var input model.MergeInput
	if err := job.DecodeInput(&input); err != nil {
		w.failJob(ctx, job.ID, stepIDs[model.StepMerge], "Invalid job input: "+err.Error())
		return fmt.Errorf("invalid input for job %s: %w", job.ID, asynq.SkipRetry)
	}
	if input.AudioURL == "" || (len(input.ImageURLs) == 0 && len(input.VideoURLs) == 0) {
		w.failJob(ctx, job.ID, stepIDs[model.StepMerge], "Merge job requires an audio URL and at least one image or video")
		return fmt.Errorf("incomplete merge input for job %s: %w", job.ID, asynq.SkipRetry)
	}

	state := model.MergeState{
		Phase:         model.MergePhaseReady,
		ReadyForMerge: true,
		ImageURLs:     input.ImageURLs,
		VideoURLs:     input.VideoURLs,
		AudioURL:      input.AudioURL,
		OutputFormat:  input.OutputFormat,
	}
	return w.stageMerge(ctx, job.ID, stepIDs[model.StepMerge], state)
}

func (w *GenerateWorker) stageMerge(ctx context.Context, jobID, mergeStepID string, state model.MergeState) error {
	encoded, err := state.Encode()
	if err != nil {
		w.failJob(ctx, jobID, mergeStepID, "Failed to stage merge: "+err.Error())
		return err
	}
	// The merge step stays pending: the poller owns starting the render.
	if err := w.store.MergeStepOutput(ctx, mergeStepID, encoded); err != nil {
		return fmt.Errorf("failed to stage merge state: %w", err)
	}
	w.updateProgress(ctx, jobID, progressMergeStaged, model.StepMerge)
	log.Printf("Pipeline job %s staged for merge (%d images)", jobID, len(state.ImageURLs))
	return nil
}

func (w *GenerateWorker) runScriptStep(ctx context.Context, job *model.Job, stepID string, input *model.GenerateInput) (string, error) {
	if done, out, err := w.stepAlreadyDone(ctx, stepID); err != nil {
		return "", err
	} else if done {
		if script, ok := out["script"].(string); ok && script != "" {
			return script, nil
		}
	}

	if err := w.claimStep(ctx, job.ID, stepID); err != nil {
		return "", err
	}

	duration := input.DurationSec
	if duration <= 0 {
		duration = 45
	}
	system := "You are a scriptwriter for short social videos. Write tight, spoken-word narration with no stage directions, no markdown and no scene labels."
	user := fmt.Sprintf("Write a narration script for a %d second video titled %q. %s", duration, input.Title, input.Description)

	script, err := w.text.Complete(ctx, system, user)
	if err != nil {
		w.failJob(ctx, job.ID, stepID, "Script generation failed: "+err.Error())
		return "", err
	}
	script = strings.TrimSpace(script)
	if script == "" {
		w.failJob(ctx, job.ID, stepID, "Script generation returned empty text")
		return "", fmt.Errorf("empty script for job %s", job.ID)
	}

	err = w.store.TransitionStep(ctx, stepID, model.StepStatusCompleted, store.StepUpdate{
		Output: model.JSONMap{"script": script},
	})
	if err != nil {
		return "", err
	}
	w.updateProgress(ctx, job.ID, progressScriptDone, model.StepScriptGeneration)
	return script, nil
}

func (w *GenerateWorker) runVoiceStep(ctx context.Context, job *model.Job, stepID, script, voiceID string) (string, error) {
	if done, out, err := w.stepAlreadyDone(ctx, stepID); err != nil {
		return "", err
	} else if done {
		if url, ok := out["audio_url"].(string); ok && url != "" {
			return url, nil
		}
	}

	if err := w.claimStep(ctx, job.ID, stepID); err != nil {
		return "", err
	}

	audio, err := w.tts.Synthesize(ctx, script, voiceID)
	if err != nil {
		w.failJob(ctx, job.ID, stepID, "Voice synthesis failed: "+err.Error())
		return "", err
	}

	key := fmt.Sprintf("jobs/%s/voice.mp3", job.ID)
	audioURL, err := w.storage.Upload(ctx, key, bytes.NewReader(audio), "audio/mpeg")
	if err != nil {
		w.failJob(ctx, job.ID, stepID, "Voice upload failed: "+err.Error())
		return "", err
	}

	err = w.store.TransitionStep(ctx, stepID, model.StepStatusCompleted, store.StepUpdate{
		Output: model.JSONMap{"audio_url": audioURL},
	})
	if err != nil {
		return "", err
	}
	w.updateProgress(ctx, job.ID, progressVoiceDone, model.StepVoiceGeneration)
	return audioURL, nil
}

// runImageStep generates one image per scene prompt in bounded concurrent
// batches. A single image's failure only drops that slot; the step fails only
// when every image failed.
func (w *GenerateWorker) runImageStep(ctx context.Context, job *model.Job, stepID, script string, input *model.GenerateInput) ([]string, error) {
	if done, out, err := w.stepAlreadyDone(ctx, stepID); err != nil {
		return nil, err
	} else if done {
		if urls := stringSlice(out["image_urls"]); len(urls) > 0 {
			return urls, nil
		}
	}

	if err := w.claimStep(ctx, job.ID, stepID); err != nil {
		return nil, err
	}

	count := clampSceneCount(input.SceneCount)
	prompts, err := w.scenePrompts(ctx, script, input.Title, count)
	if err != nil {
		w.failJob(ctx, job.ID, stepID, "Image prompt generation failed: "+err.Error())
		return nil, err
	}

	total := len(prompts)
	urls := make([]string, total)
	var mu sync.Mutex

	for start := 0; start < total; start += imageBatchSize {
		end := start + imageBatchSize
		if end > total {
			end = total
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				data, err := w.images.Generate(ctx, prompts[i])
				if err != nil {
					log.Printf("Image %d/%d failed for job %s: %v", i+1, total, job.ID, err)
					return
				}
				key := fmt.Sprintf("jobs/%s/images/%03d.jpg", job.ID, i)
				url, err := w.storage.Upload(ctx, key, bytes.NewReader(data), "image/jpeg")
				if err != nil {
					log.Printf("Image %d/%d upload failed for job %s: %v", i+1, total, job.ID, err)
					return
				}
				mu.Lock()
				urls[i] = url
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		progress := progressVoiceDone + (progressImagesDone-progressVoiceDone)*end/total
		w.updateProgress(ctx, job.ID, progress, model.StepImageGeneration)
	}

	var generated []string
	for _, u := range urls {
		if u != "" {
			generated = append(generated, u)
		}
	}

	if len(generated) == 0 {
		w.failJob(ctx, job.ID, stepID, "All image generations failed")
		return nil, fmt.Errorf("all %d image generations failed for job %s", total, job.ID)
	}

	err = w.store.TransitionStep(ctx, stepID, model.StepStatusCompleted, store.StepUpdate{
		Output: model.JSONMap{
			"image_urls": generated,
			"generated":  len(generated),
			"requested":  total,
		},
	})
	if err != nil {
		return nil, err
	}
	return generated, nil
}

// scenePrompts asks the text capability for one visual prompt per scene.
func (w *GenerateWorker) scenePrompts(ctx context.Context, script, title string, count int) ([]string, error) {
	system := "You write visual prompts for an AI image generator. Answer with one prompt per line, no numbering, no commentary."
	user := fmt.Sprintf("Write %d visual scene prompts for a video titled %q with this narration:\n\n%s", count, title, script)

	text, err := w.text.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}

	var prompts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.-) ")
		if line == "" {
			continue
		}
		prompts = append(prompts, line)
		if len(prompts) == count {
			break
		}
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no usable prompts in response")
	}
	return prompts, nil
}

// stepAlreadyDone lets a re-invoked driver reuse a completed step's output
// instead of redoing the work.
func (w *GenerateWorker) stepAlreadyDone(ctx context.Context, stepID string) (bool, model.JSONMap, error) {
	step, err := w.store.GetStep(ctx, stepID)
	if err != nil {
		return false, nil, err
	}
	if step.Status == model.StepStatusCompleted {
		return true, step.OutputData, nil
	}
	return false, nil, nil
}

func (w *GenerateWorker) claimStep(ctx context.Context, jobID, stepID string) error {
	claimed, err := w.store.ClaimStep(ctx, stepID, model.StepStatusPending, model.StepStatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("step %s of job %s already claimed", stepID, jobID)
	}
	// The pipeline runs one step at a time; more than one processing step
	// means a duplicate driver invocation slipped past the claims.
	if n, err := w.store.ProcessingStepCount(ctx, jobID); err == nil && n > 1 {
		log.Printf("Job %s has %d steps processing at once", jobID, n)
	}
	return nil
}

// jobTerminal re-reads the job between steps so a cancellation lands before
// the next external call, not after.
func (w *GenerateWorker) jobTerminal(ctx context.Context, jobID string) (bool, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		log.Printf("Pipeline job %s became %s mid-run, stopping", jobID, job.Status)
		return true, nil
	}
	return false, nil
}

func (w *GenerateWorker) updateProgress(ctx context.Context, jobID string, progress int, step model.StepName) {
	if err := w.store.UpdateJobProgress(ctx, jobID, progress); err != nil {
		log.Printf("Failed to update progress for job %s: %v", jobID, err)
	}
	if w.hub != nil {
		w.hub.BroadcastProgress(jobID, progress, model.JobStatusProcessing, step)
	}
}

// failJob marks the current step failed, sweeps every other pending or
// processing step, then finalizes the job, so the dashboard never shows a
// live step under a dead job.
func (w *GenerateWorker) failJob(ctx context.Context, jobID, stepID, msg string) {
	if stepID != "" {
		if err := w.store.TransitionStep(ctx, stepID, model.StepStatusFailed, store.StepUpdate{ErrorMessage: msg}); err != nil {
			log.Printf("Failed to fail step %s: %v", stepID, err)
		}
	}
	if err := w.store.FailActiveSteps(ctx, jobID, msg); err != nil {
		log.Printf("Failed to sweep active steps for job %s: %v", jobID, err)
	}
	if err := w.store.TransitionJob(ctx, jobID, model.JobStatusFailed, store.JobUpdate{ErrorMessage: msg}); err != nil && err != store.ErrTerminalJob {
		log.Printf("Failed to fail job %s: %v", jobID, err)
	}
	if w.hub != nil {
		w.hub.BroadcastError(jobID, "PIPELINE_FAILED", msg)
	}
}

func clampSceneCount(n int) int {
	if n < model.MinSceneCount {
		return 5 // sensible default for unset scene counts
	}
	if n > model.MaxSceneCount {
		return model.MaxSceneCount
	}
	return n
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
