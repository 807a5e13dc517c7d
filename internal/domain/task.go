package domain

import "time"

// TaskStatus enumerates recognition task lifecycle states.
type TaskStatus string

const (
	TaskStatusUploading  TaskStatus = "uploading"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further automatic transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// EnergyUnit is the unit dishes report energy in.
type EnergyUnit string

const (
	EnergyKcal EnergyUnit = "kcal"
	EnergyKJ   EnergyUnit = "kJ"
)

// WeightUnit is the unit dishes report weight in.
type WeightUnit string

const (
	WeightGrams  WeightUnit = "g"
	WeightOunces WeightUnit = "oz"
)

// Dish is a single recognized dish with per-100g macros. Each dish carries a
// locally generated stable id so edits and deletions can be keyed by identity
// rather than list position.
type Dish struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	CaloriesPer100g float64    `json:"calories_per_100g"`
	ProteinPer100g  float64    `json:"protein_per_100g"`
	FatPer100g      float64    `json:"fat_per_100g"`
	CarbsPer100g    float64    `json:"carbs_per_100g"`
	WeightGrams     float64    `json:"weight_grams"`
	Description     string     `json:"description,omitempty"`
	EnergyUnit      EnergyUnit `json:"energy_unit,omitempty"`
	WeightUnit      WeightUnit `json:"weight_unit,omitempty"`
}

// RecognitionTask encapsulates the lifecycle of one photographed meal from
// upload through recognition. The id shares a namespace with the resumable
// upload session carrying its image.
//
// Invariants: Result is non-nil only when Status is completed; Error is
// non-empty only when Status is failed. A retry re-enters at pending and
// clears both.
type RecognitionTask struct {
	ID         string
	Status     TaskStatus
	Result     []Dish
	Error      string
	PayloadB64 string
	UserPrompt string
	Language   string
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
