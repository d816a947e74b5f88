package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clipdeck/api/internal/model"
	"github.com/clipdeck/api/internal/service"
	"github.com/clipdeck/api/internal/store"
	"github.com/clipdeck/api/pkg/response"
)

// JobHandler exposes the pipeline over HTTP.
type JobHandler struct {
	jobs     *service.JobService
	status   *service.StatusService
	validate *validator.Validate
}

func NewJobHandler(jobs *service.JobService, status *service.StatusService) *JobHandler {
	return &JobHandler{
		jobs:     jobs,
		status:   status,
		validate: validator.New(),
	}
}

// Submit handles POST /api/jobs.
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validate.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	if req.Type == model.JobTypeMerge && req.AudioURL == "" {
		return response.ValidationError(c, "Merge jobs require an audioUrl", nil)
	}
	if req.Type == model.JobTypeMerge && len(req.ImageURLs) == 0 && len(req.VideoURLs) == 0 {
		return response.ValidationError(c, "Merge jobs require at least one imageUrl or videoUrl", nil)
	}

	resp, err := h.jobs.Submit(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, "Failed to submit job")
	}
	return response.Accepted(c, resp)
}

// Status handles GET /api/jobs/:jobId/status. This is the poll tick: it
// advances a live job before responding.
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	resp, err := h.status.Tick(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to fetch job status")
	}
	return response.OK(c, resp)
}

// Result handles GET /api/jobs/:jobId/result.
func (h *JobHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	resp, err := h.jobs.GetResult(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		if errors.Is(err, service.ErrNotCompleted) {
			return response.Conflict(c, response.CodeJobFailed, "Job has not completed")
		}
		return response.ServiceError(c, "Failed to fetch job result")
	}
	return response.OK(c, resp)
}

// Cancel handles POST /api/jobs/:jobId/cancel.
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	resp, err := h.jobs.Cancel(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		if errors.Is(err, store.ErrTerminalJob) {
			return response.Conflict(c, response.CodeJobTerminal, "Job already finished and cannot be cancelled")
		}
		return response.ServiceError(c, "Failed to cancel job")
	}
	return response.OK(c, resp)
}

func formatValidationErrors(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		switch fe.Tag() {
		case "required", "required_if":
			out = append(out, fmt.Sprintf("%s is required", field))
		case "oneof":
			out = append(out, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "min":
			out = append(out, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			out = append(out, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "url":
			out = append(out, fmt.Sprintf("%s must be a valid URL", field))
		default:
			out = append(out, fmt.Sprintf("%s is invalid", field))
		}
	}
	return out
}
