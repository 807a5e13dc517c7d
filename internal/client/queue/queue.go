// Package queue tracks recognition tasks on the client across restarts:
// it owns the local task list, drives uploads, polls the server for status
// and persists every mutation so an interrupted session resumes where it
// stopped.
package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mealsnap/internal/client/api"
	"mealsnap/internal/domain"
)

// Task is the client-side view of a recognition task. ImageB64 is kept until
// the task is removed so a stalled upload or a retry never needs the original
// file again.
type Task struct {
	ID         string            `json:"id"`
	Status     domain.TaskStatus `json:"status"`
	Result     []domain.Dish     `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	ImageB64   string            `json:"image_b64,omitempty"`
	UserPrompt string            `json:"user_prompt,omitempty"`
	Progress   float64           `json:"progress"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// UploadStuck reports whether the task never made it past the upload phase.
// Retry for such a task restarts the transfer instead of asking the server
// to re-run recognition it never received.
func (t *Task) UploadStuck() bool {
	return t.Status == domain.TaskStatusUploading
}

// Persistence stores the full task list. Implementations overwrite the
// previous snapshot on every Save.
type Persistence interface {
	Save(tasks []Task) error
	Load() ([]Task, error)
}

// TaskAPI is the server surface the queue needs. *api.Client satisfies it.
type TaskAPI interface {
	InitSession(ctx context.Context) (string, error)
	StartRecognition(ctx context.Context, imageB64, userPrompt string) (string, error)
	RetryTask(ctx context.Context, taskID, userPrompt string) (string, error)
	GetTask(ctx context.Context, taskID string) (*api.TaskStatus, error)
}

// Uploader transfers image bytes for a task. *uploader.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, taskID string, data []byte, userPrompt string, onProgress func(float64)) error
}

// Options configures a Queue.
type Options struct {
	API          TaskAPI
	Uploader     Uploader
	Store        Persistence
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Queue is the persistent client task list. All mutations are serialized
// through one mutex, persisted immediately and fanned out to subscribers.
type Queue struct {
	api       TaskAPI
	uploader  Uploader
	store     Persistence
	pollEvery time.Duration
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	tasks     map[string]*Task
	order     []string
	pollers   map[string]context.CancelFunc
	uploading map[string]bool
	subs      []func(Task)
}

// New builds a queue and rehydrates it from the store. Tasks that were
// pending or processing when the previous session ended get their pollers
// back immediately; tasks stuck in upload wait for Resume or OnOnline, since
// re-transferring bytes on a possibly-offline start would just burn retries.
func New(opts Options) (*Queue, error) {
	pollEvery := opts.PollInterval
	if pollEvery <= 0 {
		pollEvery = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		api:       opts.API,
		uploader:  opts.Uploader,
		store:     opts.Store,
		pollEvery: pollEvery,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]*Task),
		pollers:   make(map[string]context.CancelFunc),
		uploading: make(map[string]bool),
	}

	saved, err := opts.Store.Load()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("queue: load tasks: %w", err)
	}
	q.mu.Lock()
	for i := range saved {
		t := saved[i]
		q.tasks[t.ID] = &t
		q.order = append(q.order, t.ID)
		if t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusProcessing {
			q.startPollerLocked(t.ID)
		}
	}
	q.mu.Unlock()
	return q, nil
}

// Close stops every poller and in-flight upload driver.
func (q *Queue) Close() {
	q.cancel()
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, stop := range q.pollers {
		stop()
		delete(q.pollers, id)
	}
}

// Subscribe registers a callback invoked with a snapshot after every task
// mutation. Callbacks run outside the queue lock.
func (q *Queue) Subscribe(fn func(Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, fn)
}

// List returns the tasks in insertion order.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// Get returns a snapshot of one task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Add registers a new image for recognition: it reserves a task id on the
// server, stores the task locally and starts the upload in the background.
// The returned id is stable for the life of the queue entry unless a server
// retry later swaps it.
func (q *Queue) Add(ctx context.Context, imageB64, userPrompt string) (string, error) {
	if imageB64 == "" {
		return "", errors.New("queue: image is required")
	}
	if _, err := base64.StdEncoding.DecodeString(imageB64); err != nil {
		return "", fmt.Errorf("queue: image is not valid base64: %w", err)
	}
	id, err := q.api.InitSession(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: init session: %w", err)
	}

	now := time.Now().UTC()
	q.mu.Lock()
	q.tasks[id] = &Task{
		ID:         id,
		Status:     domain.TaskStatusUploading,
		ImageB64:   imageB64,
		UserPrompt: userPrompt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// Newest first: the task just photographed is the one being watched.
	q.order = append([]string{id}, q.order...)
	q.persistLocked()
	snapshot := *q.tasks[id]
	q.mu.Unlock()
	q.notify(snapshot)

	q.startUpload(id)
	return id, nil
}

// Remove drops the task from the queue and stops its poller. The server-side
// record, if any, is left alone.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if stop, ok := q.pollers[id]; ok {
		stop()
		delete(q.pollers, id)
	}
	if _, ok := q.tasks[id]; !ok {
		return
	}
	delete(q.tasks, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.persistLocked()
}

// Retry re-drives a task. A task stuck in upload gets a fresh transfer
// attempt. A terminal task is re-enqueued server-side, which issues a fresh
// id; the queue entry keeps its slot but starts tracking the new id, and the
// old poller is torn down as the new one starts. When userPrompt is
// non-empty it replaces the stored guidance.
func (q *Queue) Retry(ctx context.Context, id, userPrompt string) (string, error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return "", domain.ErrNotFound
	}
	if userPrompt != "" {
		t.UserPrompt = userPrompt
	}

	if t.UploadStuck() {
		t.Error = ""
		t.UpdatedAt = time.Now().UTC()
		q.persistLocked()
		snapshot := *t
		q.mu.Unlock()
		q.notify(snapshot)
		q.startUpload(id)
		return id, nil
	}

	if !t.Status.Terminal() {
		q.mu.Unlock()
		return "", fmt.Errorf("queue: task %s is still %s", id, t.Status)
	}
	prompt := t.UserPrompt
	imageB64 := t.ImageB64
	q.mu.Unlock()

	freshID, err := q.api.RetryTask(ctx, id, prompt)
	if errors.Is(err, domain.ErrNotFound) && imageB64 != "" {
		// The server dropped the task but the image is still held locally,
		// so submit it as a brand-new recognition instead of giving up.
		freshID, err = q.api.StartRecognition(ctx, imageB64, prompt)
	}
	if err != nil {
		return "", fmt.Errorf("queue: retry task: %w", err)
	}

	q.mu.Lock()
	t, ok = q.tasks[id]
	if !ok {
		// Removed while the request was in flight; track the fresh task anyway.
		now := time.Now().UTC()
		t = &Task{ID: freshID, CreatedAt: now}
		q.order = append(q.order, freshID)
	} else {
		if stop, exists := q.pollers[id]; exists {
			stop()
			delete(q.pollers, id)
		}
		delete(q.tasks, id)
		for i, oid := range q.order {
			if oid == id {
				q.order[i] = freshID
				break
			}
		}
		t.ID = freshID
	}
	t.Status = domain.TaskStatusPending
	t.Result = nil
	t.Error = ""
	t.Progress = 0
	t.UpdatedAt = time.Now().UTC()
	q.tasks[freshID] = t
	q.startPollerLocked(freshID)
	q.persistLocked()
	snapshot := *t
	q.mu.Unlock()
	q.notify(snapshot)
	return freshID, nil
}

// OnOnline re-evaluates every task after connectivity returns: stuck uploads
// get exactly one new transfer attempt each, and tasks awaiting results get
// their pollers back. Multiple online events in a row are harmless; the
// per-task upload guard collapses them into a single attempt.
func (q *Queue) OnOnline() {
	q.mu.Lock()
	var stuck, waiting []string
	for id, t := range q.tasks {
		switch {
		case t.UploadStuck() && t.ImageB64 != "":
			stuck = append(stuck, id)
		case t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusProcessing:
			waiting = append(waiting, id)
		}
	}
	for _, id := range waiting {
		q.startPollerLocked(id)
	}
	q.mu.Unlock()

	for _, id := range stuck {
		q.startUpload(id)
	}
}

// startUpload drives the transfer for one task in the background. At most
// one driver runs per task id; further calls while it runs are no-ops, so a
// flapping network cannot stack duplicate transfers.
func (q *Queue) startUpload(id string) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || q.uploading[id] || t.ImageB64 == "" {
		q.mu.Unlock()
		return
	}
	q.uploading[id] = true
	imageB64 := t.ImageB64
	prompt := t.UserPrompt
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			delete(q.uploading, id)
			q.mu.Unlock()
		}()

		data, err := base64.StdEncoding.DecodeString(imageB64)
		if err != nil {
			q.setUploadError(id, fmt.Errorf("decode stored image: %w", err))
			return
		}
		err = q.uploader.Upload(q.ctx, id, data, prompt, func(p float64) {
			q.setProgress(id, p)
		})
		if err != nil {
			q.logger.Warn().Err(err).Str("task_id", id).Msg("queue: upload failed")
			q.setUploadError(id, err)
			return
		}

		q.mu.Lock()
		t, ok := q.tasks[id]
		if !ok {
			q.mu.Unlock()
			return
		}
		t.Status = domain.TaskStatusPending
		t.Error = ""
		t.Progress = 100
		t.UpdatedAt = time.Now().UTC()
		q.startPollerLocked(id)
		q.persistLocked()
		snapshot := *t
		q.mu.Unlock()
		q.notify(snapshot)
	}()
}

func (q *Queue) setUploadError(id string, cause error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	t.Error = cause.Error()
	t.UpdatedAt = time.Now().UTC()
	q.persistLocked()
	snapshot := *t
	q.mu.Unlock()
	q.notify(snapshot)
}

func (q *Queue) setProgress(id string, p float64) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	t.Progress = p
	t.UpdatedAt = time.Now().UTC()
	snapshot := *t
	q.mu.Unlock()
	q.notify(snapshot)
}

// startPollerLocked launches the status poller for a task unless one is
// already running. Callers must hold q.mu.
func (q *Queue) startPollerLocked(id string) {
	if _, running := q.pollers[id]; running {
		return
	}
	ctx, stop := context.WithCancel(q.ctx)
	q.pollers[id] = stop
	go q.poll(ctx, id)
}

// poll watches one task until it reaches a terminal status. Transient poll
// failures are skipped; the next tick tries again.
func (q *Queue) poll(ctx context.Context, id string) {
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	defer func() {
		q.mu.Lock()
		if stop, ok := q.pollers[id]; ok {
			stop()
			delete(q.pollers, id)
		}
		q.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := q.api.GetTask(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			q.applyServerLoss(id)
			return
		}
		if err != nil {
			q.logger.Debug().Err(err).Str("task_id", id).Msg("queue: poll failed")
			continue
		}
		if done := q.applyStatus(id, status); done {
			return
		}
	}
}

func (q *Queue) applyStatus(id string, status *api.TaskStatus) bool {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.ID != id {
		// Removed or swapped by a retry while this poll was in flight.
		q.mu.Unlock()
		return true
	}
	changed := t.Status != status.Status
	t.Status = status.Status
	t.Result = status.Result
	if status.Error != nil {
		t.Error = *status.Error
	} else {
		t.Error = ""
	}
	if changed {
		t.UpdatedAt = time.Now().UTC()
		q.persistLocked()
	}
	terminal := t.Status.Terminal()
	snapshot := *t
	q.mu.Unlock()
	if changed {
		q.notify(snapshot)
	}
	return terminal
}

// applyServerLoss marks a task the server no longer knows about. The image
// is still held locally, so the user can retry from scratch.
func (q *Queue) applyServerLoss(id string) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	t.Status = domain.TaskStatusFailed
	t.Error = "task no longer exists on the server"
	t.UpdatedAt = time.Now().UTC()
	q.persistLocked()
	snapshot := *t
	q.mu.Unlock()
	q.notify(snapshot)
}

// persistLocked snapshots the list into the store. Callers must hold q.mu.
// Persistence failures are logged, not surfaced; the in-memory state stays
// authoritative for the session.
func (q *Queue) persistLocked() {
	out := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	if err := q.store.Save(out); err != nil {
		q.logger.Error().Err(err).Msg("queue: persist tasks failed")
	}
}

func (q *Queue) notify(t Task) {
	q.mu.Lock()
	subs := make([]func(Task), len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}
