package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/clipdeck/api/internal/client"
	"github.com/clipdeck/api/internal/model"
	"github.com/clipdeck/api/internal/store"
	ws "github.com/clipdeck/api/internal/websocket"
)

// Merge-phase progress mapping. The driver hands off at 72; the start of the
// provider job is 78; provider-reported progress maps into 75–89 so the bar
// never appears to finish before the output is re-hosted.
const (
	progressMergeStarted = 78
	progressMergeFloor   = 75
	progressMergeCeil    = 89
	progressDone         = 100
)

// maxOutputDownload caps the final video download during re-hosting.
const maxOutputDownload = 512 << 20

// StatusService answers status polls. Each poll is also the engine's clock:
// for a live job it advances the merge step one increment (start the provider
// job, check it once, or finalize) before building the snapshot. No background
// scheduler exists; a job nobody polls does not advance past the staged merge.
type StatusService struct {
	store   *store.Store
	render  client.RenderProvider
	storage client.StorageClient
	hub     *ws.Hub

	stuckAfter      time.Duration
	maxPollFailures int

	// fetchClient downloads the provider's finished video for re-hosting.
	fetchClient *http.Client
}

func NewStatusService(
	st *store.Store,
	render client.RenderProvider,
	storage client.StorageClient,
	hub *ws.Hub,
	stuckAfter time.Duration,
	maxPollFailures int,
) *StatusService {
	if stuckAfter <= 0 {
		stuckAfter = 3 * time.Minute
	}
	if maxPollFailures <= 0 {
		maxPollFailures = 20
	}
	return &StatusService{
		store:           st,
		render:          render,
		storage:         storage,
		hub:             hub,
		stuckAfter:      stuckAfter,
		maxPollFailures: maxPollFailures,
		fetchClient:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// Tick handles one status poll: advance the job if it is live, then snapshot.
func (s *StatusService) Tick(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.IsTerminal() {
		if err := s.advanceMerge(ctx, job); err != nil {
			log.Printf("Failed to advance job %s: %v", jobID, err)
		}
		// Re-read: the advance may have moved the job.
		if job, err = s.store.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}

	steps, err := s.store.GetSteps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, job, steps), nil
}

// advanceMerge performs at most one merge increment for a live job.
func (s *StatusService) advanceMerge(ctx context.Context, job *model.Job) error {
	mergeStep, err := s.store.GetStepByName(ctx, job.ID, model.StepMerge)
	if err != nil {
		if err == store.ErrNotFound {
			return nil // driver hasn't created the steps yet
		}
		return err
	}

	state, err := model.DecodeMergeState(mergeStep.OutputData)
	if err != nil {
		return err
	}

	switch {
	case mergeStep.Status == model.StepStatusPending && state.ReadyForMerge:
		return s.startMerge(ctx, job, mergeStep, state)
	case mergeStep.Status == model.StepStatusProcessing && state.OutputURL != "":
		// The render is done but re-hosting has not succeeded yet.
		return s.retryFinalize(ctx, job, mergeStep, state)
	case mergeStep.Status == model.StepStatusProcessing && state.ProviderJobID != "":
		return s.pollMerge(ctx, job, mergeStep, state)
	default:
		return nil
	}
}

// startMerge claims the staged merge step and starts the provider job. The
// claim is the only gate: whoever loses it does nothing, so concurrent polls
// can never start two provider jobs for one step.
func (s *StatusService) startMerge(ctx context.Context, job *model.Job, step *model.JobStep, state model.MergeState) error {
	claimed, err := s.store.ClaimStep(ctx, step.ID, model.StepStatusPending, model.StepStatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	log.Printf("Starting merge for job %s (%d images, %d videos)", job.ID, len(state.ImageURLs), len(state.VideoURLs))

	result := s.render.StartMerge(ctx, &client.MergeRequest{
		Images:       state.ImageURLs,
		Videos:       state.VideoURLs,
		AudioURL:     state.AudioURL,
		OutputFormat: state.OutputFormat,
	})

	switch {
	case result.Status == client.MergeStatusFailed:
		s.failJob(ctx, job.ID, step.ID, "Merge failed: "+result.Error)
		return nil
	case result.OutputURL != "":
		// Some provider deployments render synchronously. Persist the output
		// URL before re-hosting so a failed re-host is retried on later ticks
		// instead of wedging the step.
		if err := s.store.MergeStepOutput(ctx, step.ID, model.JSONMap{
			"phase":      model.MergePhaseStarted,
			"output_url": result.OutputURL,
		}); err != nil {
			return err
		}
		state.OutputURL = result.OutputURL
		return s.retryFinalize(ctx, job, step, state)
	case result.JobID != "":
		err := s.store.MergeStepOutput(ctx, step.ID, model.JSONMap{
			"phase":                model.MergePhaseStarted,
			"provider_job_id":      result.JobID,
			"consecutive_failures": 0,
		})
		if err != nil {
			return err
		}
		s.updateProgress(ctx, job.ID, progressMergeStarted)
		return nil
	default:
		s.failJob(ctx, job.ID, step.ID, "Provider accepted the merge but returned no job ID")
		return nil
	}
}

// pollMerge checks the running provider job exactly once.
func (s *StatusService) pollMerge(ctx context.Context, job *model.Job, step *model.JobStep, state model.MergeState) error {
	result, err := s.render.CheckStatus(ctx, state.ProviderJobID)
	if err != nil {
		return s.countPollFailure(ctx, job, step, state, err.Error())
	}

	switch result.Status {
	case client.MergeStatusFailed:
		s.failJob(ctx, job.ID, step.ID, "Merge failed: "+result.Error)
		return nil

	case client.MergeStatusCompleted:
		if result.OutputURL == "" {
			s.failJob(ctx, job.ID, step.ID, "Provider reported completion without an output URL")
			return nil
		}
		// Persist the output URL first: the provider may forget the job after
		// completing it, so later re-host retries must not depend on another
		// successful status check.
		if err := s.store.MergeStepOutput(ctx, step.ID, model.JSONMap{"output_url": result.OutputURL}); err != nil {
			return err
		}
		state.OutputURL = result.OutputURL
		return s.retryFinalize(ctx, job, step, state)

	default:
		if state.ConsecutiveFailures > 0 {
			if err := s.store.MergeStepOutput(ctx, step.ID, model.JSONMap{"consecutive_failures": 0}); err != nil {
				return err
			}
		}
		progress := progressMergeFloor + result.Progress*(progressMergeCeil-progressMergeFloor)/100
		if progress > progressMergeCeil {
			progress = progressMergeCeil
		}
		s.updateProgress(ctx, job.ID, progress)
		return nil
	}
}

// retryFinalize attempts the re-host of an already-rendered output. The
// provider's side is done; only our download/upload can fail here, and every
// failure counts toward the same circuit breaker as a status poll so the job
// can never wedge in processing with a known output URL.
func (s *StatusService) retryFinalize(ctx context.Context, job *model.Job, step *model.JobStep, state model.MergeState) error {
	if err := s.finalize(ctx, job, step, state.OutputURL); err != nil {
		return s.countPollFailure(ctx, job, step, state, err.Error())
	}
	return nil
}

// countPollFailure bumps the persisted failure counter and trips the circuit
// breaker at the ceiling. The counter lives in the step's output_data so it
// survives process restarts.
func (s *StatusService) countPollFailure(ctx context.Context, job *model.Job, step *model.JobStep, state model.MergeState, reason string) error {
	failures := state.ConsecutiveFailures + 1
	if err := s.store.MergeStepOutput(ctx, step.ID, model.JSONMap{"consecutive_failures": failures}); err != nil {
		return err
	}
	log.Printf("Merge poll failure %d/%d for job %s: %s", failures, s.maxPollFailures, job.ID, reason)

	if failures >= s.maxPollFailures {
		s.failJob(ctx, job.ID, step.ID,
			fmt.Sprintf("Render provider unreachable for %d consecutive polls: %s", failures, reason))
	}
	return nil
}

// finalize re-hosts the provider's output under this system's storage, then
// completes the merge step, the publishing step and the job. The provider's
// container is ephemeral; its URLs are not durable and must never be handed
// to users directly.
func (s *StatusService) finalize(ctx context.Context, job *model.Job, mergeStep *model.JobStep, providerURL string) error {
	hostedURL, err := s.rehost(ctx, job.ID, providerURL)
	if err != nil {
		return fmt.Errorf("failed to re-host output: %w", err)
	}

	err = s.store.TransitionStep(ctx, mergeStep.ID, model.StepStatusCompleted, store.StepUpdate{
		Output: model.JSONMap{
			"phase":      model.MergePhaseDone,
			"output_url": hostedURL,
		},
	})
	if err != nil {
		return err
	}

	if pub, err := s.store.GetStepByName(ctx, job.ID, model.StepPublishing); err == nil {
		if _, err := s.store.ClaimStep(ctx, pub.ID, model.StepStatusPending, model.StepStatusProcessing); err != nil {
			log.Printf("Failed to claim publishing step for job %s: %v", job.ID, err)
		}
		err = s.store.TransitionStep(ctx, pub.ID, model.StepStatusCompleted, store.StepUpdate{
			Output: model.JSONMap{"output_url": hostedURL},
		})
		if err != nil {
			log.Printf("Failed to complete publishing step for job %s: %v", job.ID, err)
		}
	}

	progress := progressDone
	err = s.store.TransitionJob(ctx, job.ID, model.JobStatusCompleted, store.JobUpdate{
		Progress:  &progress,
		OutputURL: hostedURL,
	})
	if err != nil {
		if err == store.ErrTerminalJob {
			return nil // cancelled while the render finished; do not resurrect
		}
		return err
	}

	if s.hub != nil {
		s.hub.BroadcastComplete(job.ID, hostedURL)
	}
	log.Printf("Job %s completed: %s", job.ID, hostedURL)
	return nil
}

// rehost downloads the finished video and uploads it to durable storage.
func (s *StatusService) rehost(ctx context.Context, jobID, providerURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("output download returned status %d", resp.StatusCode)
	}

	key := fmt.Sprintf("jobs/%s/final.mp4", jobID)
	body := io.LimitReader(resp.Body, maxOutputDownload)
	return s.storage.Upload(ctx, key, body, "video/mp4")
}

func (s *StatusService) updateProgress(ctx context.Context, jobID string, progress int) {
	if err := s.store.UpdateJobProgress(ctx, jobID, progress); err != nil {
		log.Printf("Failed to update progress for job %s: %v", jobID, err)
	}
	if s.hub != nil {
		s.hub.BroadcastProgress(jobID, progress, model.JobStatusProcessing, model.StepMerge)
	}
}

func (s *StatusService) failJob(ctx context.Context, jobID, stepID, msg string) {
	if stepID != "" {
		if err := s.store.TransitionStep(ctx, stepID, model.StepStatusFailed, store.StepUpdate{ErrorMessage: msg}); err != nil {
			log.Printf("Failed to fail step %s: %v", stepID, err)
		}
	}
	if err := s.store.FailActiveSteps(ctx, jobID, msg); err != nil {
		log.Printf("Failed to sweep active steps for job %s: %v", jobID, err)
	}
	if err := s.store.TransitionJob(ctx, jobID, model.JobStatusFailed, store.JobUpdate{ErrorMessage: msg}); err != nil && err != store.ErrTerminalJob {
		log.Printf("Failed to fail job %s: %v", jobID, err)
	}
	if s.hub != nil {
		s.hub.BroadcastError(jobID, "MERGE_FAILED", msg)
	}
}

// snapshot builds the full status response the dashboard depends on.
func (s *StatusService) snapshot(ctx context.Context, job *model.Job, steps []model.JobStep) *model.JobStatusResponse {
	resp := &model.JobStatusResponse{
		JobID:        job.ID,
		Type:         job.Type,
		Status:       job.Status,
		Progress:     job.Progress,
		OutputURL:    job.OutputURL,
		ErrorMessage: job.ErrorMessage,
		Steps:        make([]model.StepView, 0, len(steps)),
		Logs:         make([]string, 0, len(steps)+1),
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}

	for _, step := range steps {
		resp.Steps = append(resp.Steps, model.StepView{
			StepName:     step.StepName,
			StepOrder:    step.StepOrder,
			Status:       step.Status,
			ErrorMessage: step.ErrorMessage,
			StartedAt:    step.StartedAt,
			CompletedAt:  step.CompletedAt,
		})
		resp.Logs = append(resp.Logs, stepLogLine(&step))
	}

	if job.Status == model.JobStatusProcessing {
		if warn := s.stuckWarning(ctx, steps); warn != "" {
			resp.IsStuck = true
			resp.StuckWarning = warn
			resp.Logs = append(resp.Logs, warn)
		}
	}
	return resp
}

// stuckWarning flags a processing step that has been running past the
// threshold. Advisory only: it never mutates the job, because a slow render is
// not a dead one. For a stuck merge the live provider health is included so
// the dashboard can show what the provider is actually doing.
func (s *StatusService) stuckWarning(ctx context.Context, steps []model.JobStep) string {
	for _, step := range steps {
		if step.Status != model.StepStatusProcessing || step.StartedAt == nil {
			continue
		}
		elapsed := time.Since(*step.StartedAt)
		if elapsed < s.stuckAfter {
			continue
		}

		warn := fmt.Sprintf("Step %s has been processing for %s", step.StepName, elapsed.Round(time.Second))
		if step.StepName == model.StepMerge && s.render != nil {
			hs := s.render.HealthCheck(ctx)
			switch {
			case hs.Healthy:
				warn += " — render provider is healthy, the job may just be slow"
			case hs.IsSleeping:
				warn += " — render provider appears to be sleeping"
			default:
				warn += fmt.Sprintf(" — render provider is unhealthy: %s", hs.Error)
			}
		}
		return warn
	}
	return ""
}

func stepLogLine(step *model.JobStep) string {
	switch step.Status {
	case model.StepStatusCompleted:
		if step.StartedAt != nil && step.CompletedAt != nil {
			return fmt.Sprintf("[%s] completed in %s", step.StepName, step.CompletedAt.Sub(*step.StartedAt).Round(time.Second))
		}
		return fmt.Sprintf("[%s] completed", step.StepName)
	case model.StepStatusFailed:
		return fmt.Sprintf("[%s] failed: %s", step.StepName, step.ErrorMessage)
	case model.StepStatusProcessing:
		if step.StartedAt != nil {
			return fmt.Sprintf("[%s] processing (started %s ago)", step.StepName, time.Since(*step.StartedAt).Round(time.Second))
		}
		return fmt.Sprintf("[%s] processing", step.StepName)
	default:
		return fmt.Sprintf("[%s] pending", step.StepName)
	}
}
