package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"mealsnap/internal/domain"
)

// App is the handler container: task repository plus logging.
type App struct {
	Tasks  domain.TaskRepository
	Logger zerolog.Logger
}

func NewApp(tasks domain.TaskRepository, logger zerolog.Logger) *App {
	return &App{Tasks: tasks, Logger: logger}
}

// HandleUploadComplete is the resumable-upload hand-off: the assembled image
// moves the task out of uploading into pending. A task the client never
// initialized via the session endpoint is created on the spot.
func (a *App) HandleUploadComplete(ctx context.Context, taskID, payloadB64, userPrompt string) error {
	err := a.Tasks.MarkPending(ctx, taskID, payloadB64, userPrompt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := a.Tasks.Create(ctx, &domain.RecognitionTask{
		ID:         taskID,
		Status:     domain.TaskStatusUploading,
		UserPrompt: userPrompt,
	}); err != nil {
		return err
	}
	return a.Tasks.MarkPending(ctx, taskID, payloadB64, userPrompt)
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, codeStr, msg string) {
	a.json(w, code, map[string]string{"error": codeStr, "message": msg})
}
