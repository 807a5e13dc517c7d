package recognition

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mealsnap/internal/domain"
	"mealsnap/internal/providers/vision"
)

// Executor runs one recognition attempt for a claimed task. It side-effects
// only through the task repository: every attempt starts from processing and
// ends in a terminal state, so re-invocation after a failure simply
// overwrites the previous outcome.
type Executor struct {
	repo            domain.TaskRepository
	recognizer      vision.Recognizer
	energyUnit      domain.EnergyUnit
	weightUnit      domain.WeightUnit
	defaultLanguage string
	logger          zerolog.Logger
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Repo            domain.TaskRepository
	Recognizer      vision.Recognizer
	EnergyUnit      domain.EnergyUnit
	WeightUnit      domain.WeightUnit
	DefaultLanguage string
	Logger          zerolog.Logger
}

func NewExecutor(opts ExecutorOptions) *Executor {
	energy := opts.EnergyUnit
	if energy == "" {
		energy = domain.EnergyKcal
	}
	weight := opts.WeightUnit
	if weight == "" {
		weight = domain.WeightGrams
	}
	return &Executor{
		repo:            opts.Repo,
		recognizer:      opts.Recognizer,
		energyUnit:      energy,
		weightUnit:      weight,
		defaultLanguage: opts.DefaultLanguage,
		logger:          opts.Logger,
	}
}

// Execute runs recognition for the task's stored payload. Failures are
// recorded on the task before the error is returned, so the dispatcher's
// retry policy and an offline client both observe the same outcome.
func (e *Executor) Execute(ctx context.Context, task *domain.RecognitionTask) error {
	if task.PayloadB64 == "" {
		err := domain.ErrMissingPayload
		_ = e.repo.Fail(ctx, task.ID, err.Error())
		return err
	}
	if err := e.repo.MarkProcessing(ctx, task.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	language := task.Language
	if language == "" {
		language = e.defaultLanguage
	}
	instruction := BuildInstruction(InstructionParams{
		EnergyUnit: e.energyUnit,
		WeightUnit: e.weightUnit,
		Language:   language,
		UserPrompt: task.UserPrompt,
	})

	text, err := e.recognizer.Recognize(ctx, task.PayloadB64, "", instruction)
	if err != nil {
		return e.fail(ctx, task.ID, fmt.Errorf("model invocation: %w", err))
	}
	dishes, err := ParseDishes(text)
	if err != nil {
		return e.fail(ctx, task.ID, err)
	}
	for i := range dishes {
		dishes[i].EnergyUnit = e.energyUnit
		dishes[i].WeightUnit = e.weightUnit
	}
	if err := e.repo.Complete(ctx, task.ID, dishes); err != nil {
		return e.fail(ctx, task.ID, fmt.Errorf("persist result: %w", err))
	}
	e.logger.Info().Str("task_id", task.ID).Int("dishes", len(dishes)).Msg("recognition: task completed")
	return nil
}

func (e *Executor) fail(ctx context.Context, taskID string, cause error) error {
	e.logger.Error().Err(cause).Str("task_id", taskID).Msg("recognition: attempt failed")
	if err := e.repo.Fail(ctx, taskID, cause.Error()); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("recognition: record failure failed")
	}
	return cause
}
