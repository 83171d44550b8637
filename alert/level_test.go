package alert

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_DefaultBoundaries(t *testing.T) {
	c := DefaultClassifier()
	cases := []struct {
		score float64
		want  Level
	}{
		{0, LevelSafe},
		{29, LevelSafe},
		{29.99, LevelSafe},
		{30, LevelMedium},
		{89, LevelMedium},
		{90, LevelHigh},
		{100, LevelHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.score), "score=%v", tc.score)
	}
}

func TestClassify_CustomHighThreshold(t *testing.T) {
	c, err := NewClassifier(30, 70)
	require.NoError(t, err)

	assert.Equal(t, LevelMedium, c.Classify(69))
	assert.Equal(t, LevelHigh, c.Classify(70))
	assert.Equal(t, LevelSafe, c.Classify(29))
	assert.Equal(t, LevelMedium, c.Classify(30))
}

func TestClassify_OutOfRangeScores(t *testing.T) {
	c := DefaultClassifier()
	assert.Equal(t, LevelSafe, c.Classify(-15))
	assert.Equal(t, LevelHigh, c.Classify(250))
	assert.Equal(t, LevelHigh, c.Classify(math.NaN()))
}

func TestNewClassifier_RejectsInvertedThresholds(t *testing.T) {
	_, err := NewClassifier(90, 30)
	require.Error(t, err)

	c, err := NewClassifier(50, 50)
	require.NoError(t, err)
	assert.Equal(t, LevelSafe, c.Classify(49))
	assert.Equal(t, LevelHigh, c.Classify(50))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"safe":     LevelSafe,
		" SAFE ":   LevelSafe,
		"warning":  LevelMedium,
		"Medium":   LevelMedium,
		"critical": LevelHigh,
		"high":     LevelHigh,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("unknown")
	assert.Error(t, err)
}
