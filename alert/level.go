package alert

import (
	"fmt"
	"strings"
)

// Level is the discrete tier derived from a risk score.
type Level string

const (
	LevelSafe   Level = "safe"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

const (
	DefaultLowThreshold  = 30
	DefaultHighThreshold = 90
)

// ParseLevel normalizes stored or user supplied level strings:
// - safe/low/none/0 -> safe
// - medium/warn/warning/1 -> medium
// - high/critical/danger/2 -> high
// - else -> error
func ParseLevel(v string) (Level, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "safe", "low", "none", "0":
		return LevelSafe, nil
	case "medium", "warn", "warning", "1":
		return LevelMedium, nil
	case "high", "critical", "danger", "2":
		return LevelHigh, nil
	default:
		return "", fmt.Errorf("unknown alert level %q", v)
	}
}

func (l Level) IsSafe() bool { return l == LevelSafe }

// Classifier maps a risk score to a Level using two ordered thresholds.
// Scores are not clamped: anything below Low is safe, anything at or above
// High is high.
type Classifier struct {
	Low  float64
	High float64
}

func DefaultClassifier() Classifier {
	return Classifier{Low: DefaultLowThreshold, High: DefaultHighThreshold}
}

func NewClassifier(low, high float64) (Classifier, error) {
	if low > high {
		return Classifier{}, fmt.Errorf("low threshold %v is above high threshold %v", low, high)
	}
	return Classifier{Low: low, High: high}, nil
}

func (c Classifier) Classify(score float64) Level {
	if score < c.Low {
		return LevelSafe
	}
	if score < c.High {
		return LevelMedium
	}
	return LevelHigh
}
