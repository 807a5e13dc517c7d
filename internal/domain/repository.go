package domain

import "context"

// TaskRepository defines persistence for recognition tasks. The logical task
// record is never deleted; terminal states stay observable for polling
// clients.
type TaskRepository interface {
	Create(ctx context.Context, task *RecognitionTask) error
	GetByID(ctx context.Context, taskID string) (*RecognitionTask, error)
	// MarkPending moves a task out of uploading (or a terminal state, on
	// retry) into pending, storing the assembled image payload and optional
	// user guidance and clearing any previous result or error.
	MarkPending(ctx context.Context, taskID, payloadB64, userPrompt string) error
	// ClaimPending atomically transitions the oldest pending task to
	// processing and returns it, or ErrNotFound when nothing is pending.
	ClaimPending(ctx context.Context) (*RecognitionTask, error)
	MarkProcessing(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string, result []Dish) error
	Fail(ctx context.Context, taskID string, message string) error
}
