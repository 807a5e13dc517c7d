package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"mealsnap/internal/domain"
)

// MemoryTaskRepository is a map-backed domain.TaskRepository. It backs tests
// and the storage-less development mode of the API server.
type MemoryTaskRepository struct {
	mu    sync.Mutex
	tasks map[string]*domain.RecognitionTask
}

func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{tasks: make(map[string]*domain.RecognitionTask)}
}

func (r *MemoryTaskRepository) Create(ctx context.Context, task *domain.RecognitionTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	stored := *task
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.tasks[task.ID] = &stored
	return nil
}

func (r *MemoryTaskRepository) GetByID(ctx context.Context, taskID string) (*domain.RecognitionTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *task
	copied.Result = append([]domain.Dish(nil), task.Result...)
	return &copied, nil
}

func (r *MemoryTaskRepository) MarkPending(ctx context.Context, taskID, payloadB64, userPrompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if task.Status == domain.TaskStatusProcessing {
		return domain.ErrInvalidTransition
	}
	task.Status = domain.TaskStatusPending
	task.PayloadB64 = payloadB64
	if userPrompt != "" {
		task.UserPrompt = userPrompt
	}
	task.Result = nil
	task.Error = ""
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryTaskRepository) ClaimPending(ctx context.Context) (*domain.RecognitionTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *domain.RecognitionTask
	for _, task := range r.tasks {
		if task.Status != domain.TaskStatusPending {
			continue
		}
		if oldest == nil || task.CreatedAt.Before(oldest.CreatedAt) {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	oldest.Status = domain.TaskStatusProcessing
	oldest.Attempts++
	oldest.UpdatedAt = time.Now().UTC()
	copied := *oldest
	return &copied, nil
}

func (r *MemoryTaskRepository) MarkProcessing(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	task.Status = domain.TaskStatusProcessing
	task.Result = nil
	task.Error = ""
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryTaskRepository) Complete(ctx context.Context, taskID string, result []domain.Dish) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	task.Status = domain.TaskStatusCompleted
	task.Result = append([]domain.Dish(nil), result...)
	task.Error = ""
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryTaskRepository) Fail(ctx context.Context, taskID string, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	task.Status = domain.TaskStatusFailed
	task.Result = nil
	task.Error = message
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns all tasks ordered newest first. Not part of the repository
// contract; used by tests.
func (r *MemoryTaskRepository) List(ctx context.Context) ([]*domain.RecognitionTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.RecognitionTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		copied := *task
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
