package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mealsnap/internal/domain"
	"mealsnap/internal/middleware"
)

type taskIDResponse struct {
	TaskID string `json:"task_id"`
}

type taskStatusResponse struct {
	ID        string            `json:"id"`
	Status    domain.TaskStatus `json:"status"`
	Result    []domain.Dish     `json:"result"`
	Error     *string           `json:"error"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func statusResponse(task *domain.RecognitionTask) taskStatusResponse {
	resp := taskStatusResponse{
		ID:        task.ID,
		Status:    task.Status,
		Result:    task.Result,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}
	if task.Error != "" {
		msg := task.Error
		resp.Error = &msg
	}
	return resp
}

// SessionInit creates a task record in uploading status so the client holds
// a stable id before starting the chunked transfer.
func (a *App) SessionInit(w http.ResponseWriter, r *http.Request) {
	task := &domain.RecognitionTask{
		ID:       uuid.NewString(),
		Status:   domain.TaskStatusUploading,
		Language: middleware.LocaleFromContext(r.Context()),
	}
	if err := a.Tasks.Create(r.Context(), task); err != nil {
		a.Logger.Error().Err(err).Msg("tasks: create session task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create task")
		return
	}
	a.json(w, http.StatusCreated, taskIDResponse{TaskID: task.ID})
}

type recognizeRequest struct {
	Image      string `json:"image"`
	UserPrompt string `json:"user_prompt"`
}

// Recognize accepts an inline (non-chunked) image and queues recognition
// immediately, returning the task id while the dispatcher does the work.
func (a *App) Recognize(w http.ResponseWriter, r *http.Request) {
	var req recognizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.Image = strings.TrimSpace(req.Image)
	if req.Image == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "image is required")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.Image); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "image must be base64")
		return
	}
	task := &domain.RecognitionTask{
		ID:         uuid.NewString(),
		Status:     domain.TaskStatusPending,
		PayloadB64: req.Image,
		UserPrompt: req.UserPrompt,
		Language:   middleware.LocaleFromContext(r.Context()),
	}
	if err := a.Tasks.Create(r.Context(), task); err != nil {
		a.Logger.Error().Err(err).Msg("tasks: create recognition task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create task")
		return
	}
	a.json(w, http.StatusAccepted, taskIDResponse{TaskID: task.ID})
}

// Status is the poll endpoint the client queue reconciles against.
func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "task id required")
		return
	}
	task, err := a.Tasks.GetByID(r.Context(), taskID)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("tasks: load task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load task")
		return
	}
	a.json(w, http.StatusOK, statusResponse(task))
}

type retryRequest struct {
	UserPrompt string `json:"user_prompt"`
}

// Retry re-enqueues a terminal task under a fresh id using its stored
// payload, optionally with new guidance. The old record stays observable
// for any poller still watching it.
func (a *App) Retry(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "task id required")
		return
	}
	var req retryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
	}
	prior, err := a.Tasks.GetByID(r.Context(), taskID)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("tasks: load task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load task")
		return
	}
	if !prior.Status.Terminal() {
		a.error(w, http.StatusConflict, "conflict", "task is still in progress")
		return
	}
	if prior.PayloadB64 == "" {
		a.error(w, http.StatusConflict, "conflict", "task has no stored payload")
		return
	}
	prompt := req.UserPrompt
	if prompt == "" {
		prompt = prior.UserPrompt
	}
	fresh := &domain.RecognitionTask{
		ID:         uuid.NewString(),
		Status:     domain.TaskStatusPending,
		PayloadB64: prior.PayloadB64,
		UserPrompt: prompt,
		Language:   prior.Language,
	}
	if err := a.Tasks.Create(r.Context(), fresh); err != nil {
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("tasks: create retry task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create task")
		return
	}
	a.json(w, http.StatusAccepted, taskIDResponse{TaskID: fresh.ID})
}
