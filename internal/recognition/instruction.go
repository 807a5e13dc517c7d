package recognition

import (
	"strings"

	"mealsnap/internal/domain"
)

// InstructionParams carries the display preferences embedded into the model
// instruction.
type InstructionParams struct {
	EnergyUnit domain.EnergyUnit
	WeightUnit domain.WeightUnit
	Language   string
	UserPrompt string
}

var languageNames = map[string]string{
	"en": "English",
	"id": "Indonesian",
	"ru": "Russian",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
}

// BuildInstruction renders the natural-language instruction sent to the
// vision model together with the meal photo. The user's free-text guidance,
// when present, is appended last as a prioritized override.
func BuildInstruction(p InstructionParams) string {
	energy := p.EnergyUnit
	if energy == "" {
		energy = domain.EnergyKcal
	}
	weight := p.WeightUnit
	if weight == "" {
		weight = domain.WeightGrams
	}

	parts := []string{
		"Identify every distinct dish in this meal photo.",
		"Respond with a JSON array only, no prose and no markdown fences.",
		"Each element must have exactly these fields: " +
			`"name", "calories_per_100g", "protein_per_100g", "fat_per_100g", "carbs_per_100g", "weight_grams", "description".`,
		"Report energy in " + string(energy) + " per 100g and estimate the portion weight in " + string(weight) + ".",
	}
	if name := languageName(p.Language); name != "" {
		parts = append(parts, "Write dish names and descriptions in "+name+".")
	}
	if prompt := strings.TrimSpace(p.UserPrompt); prompt != "" {
		parts = append(parts, "The user adds the following correction, which overrides anything the photo suggests: "+prompt)
	}
	return strings.Join(parts, " ")
}

func languageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if name, ok := languageNames[code]; ok {
		return name
	}
	// Unknown codes are passed through so the model can still honor them.
	return code
}
