package recognition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mealsnap/internal/domain"
)

type dishPayload struct {
	Name            string  `json:"name"`
	CaloriesPer100g float64 `json:"calories_per_100g"`
	ProteinPer100g  float64 `json:"protein_per_100g"`
	FatPer100g      float64 `json:"fat_per_100g"`
	CarbsPer100g    float64 `json:"carbs_per_100g"`
	WeightGrams     float64 `json:"weight_grams"`
	Description     string  `json:"description"`
}

// ParseDishes decodes the model's response text into dish records. Code
// fence markers are stripped first; anything that then fails strict JSON
// decoding is a fatal parse error for the attempt. Malformed output is never
// guess-repaired.
func ParseDishes(text string) ([]domain.Dish, error) {
	cleaned := StripCodeFence(text)
	if cleaned == "" {
		return nil, fmt.Errorf("recognition: empty model response")
	}
	var payload []dishPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("recognition: decode model response: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("recognition: model returned no dishes")
	}
	dishes := make([]domain.Dish, 0, len(payload))
	for i, p := range payload {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("recognition: dish %d has no name", i)
		}
		dishes = append(dishes, domain.Dish{
			ID:              uuid.NewString(),
			Name:            strings.TrimSpace(p.Name),
			CaloriesPer100g: p.CaloriesPer100g,
			ProteinPer100g:  p.ProteinPer100g,
			FatPer100g:      p.FatPer100g,
			CarbsPer100g:    p.CarbsPer100g,
			WeightGrams:     p.WeightGrams,
			Description:     strings.TrimSpace(p.Description),
		})
	}
	return dishes, nil
}

// StripCodeFence removes a surrounding markdown code fence, with or without
// a language tag, leaving other text untouched.
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
