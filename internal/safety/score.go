package safety

// Score weights. These are a compatibility contract with historically
// stored scores, not a tuning surface. Do not adjust them.
const (
	weightCoverage    = 0.30
	weightSemantic    = 0.25
	weightConsistency = 0.20
	weightQuality     = 0.15
	weightValidation  = 0.10
	criticalDampener  = 0.5
)

// DefaultMinScore is the minimum safety score a content unit must reach
// to be accepted for persistence.
const DefaultMinScore = 0.8

// ScoreInput carries the per-unit counts the scorer combines.
type ScoreInput struct {
	TotalDetected      int     // reference occurrences found in the raw content
	TotalAbstracted    int     // occurrences replaced by placeholders
	TotalMappings      int     // distinct mappings recorded for the unit
	ShapePreserved     int     // mappings whose structural shape survived
	RepeatedTotal      int     // originals that occur more than once
	RepeatedConsistent int     // of those, mapped to a single placeholder
	ConfidenceSum      float64 // sum of contributing match confidences
	ChecksPassed       int     // validation sub-checks that passed
	ChecksTotal        int
	CriticalViolations int // completeness or critical consistency failures
}

// Components is the per-axis breakdown behind a score, kept for audit
// detail and metrics explanations.
type Components struct {
	Coverage           float64 `json:"coverage"`
	SemanticPreserved  float64 `json:"semantic_preservation"`
	Consistency        float64 `json:"consistency"`
	PatternQuality     float64 `json:"pattern_quality"`
	ValidationPassRate float64 `json:"validation_pass_rate"`
}

// Score computes the weighted safety score in [0,1].
//
// When nothing was detected there is nothing to cover, preserve, or keep
// consistent, so the four detection-derived components default to 1.0:
// empty content is perfectly safe content.
func Score(in ScoreInput) (float64, Components) {
	var c Components
	if in.TotalDetected == 0 {
		c.Coverage = 1
		c.SemanticPreserved = 1
		c.Consistency = 1
		c.PatternQuality = 1
	} else {
		c.Coverage = float64(in.TotalAbstracted) / float64(max(1, in.TotalDetected))
		// Semantic preservation is per mapping: repeated occurrences share
		// one placeholder and are not double-counted.
		if in.TotalMappings > 0 {
			c.SemanticPreserved = float64(in.ShapePreserved) / float64(in.TotalMappings)
		}
		if in.RepeatedTotal == 0 {
			c.Consistency = 1
		} else {
			c.Consistency = float64(in.RepeatedConsistent) / float64(in.RepeatedTotal)
		}
		c.PatternQuality = in.ConfidenceSum / float64(max(1, in.TotalDetected))
	}
	if in.ChecksTotal == 0 {
		c.ValidationPassRate = 1
	} else {
		c.ValidationPassRate = float64(in.ChecksPassed) / float64(in.ChecksTotal)
	}

	score := weightCoverage*c.Coverage +
		weightSemantic*c.SemanticPreserved +
		weightConsistency*c.Consistency +
		weightQuality*c.PatternQuality +
		weightValidation*c.ValidationPassRate

	// Punitive dampener, not a hard zero: a critically broken unit keeps
	// a meaningful score for triage.
	if in.CriticalViolations > 0 {
		score *= criticalDampener
	}

	return clamp01(score), c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
