package analysis

import (
	"context"
	"math/rand/v2"
)

const MockReason = "This is a mock analysis."

// MockAnalyzer scores every message without a network call. With a nil Score
// it returns a random score in [0, 100).
type MockAnalyzer struct {
	Score *float64
}

// FixedScore returns a MockAnalyzer that always answers score.
func FixedScore(score float64) MockAnalyzer {
	return MockAnalyzer{Score: &score}
}

func (m MockAnalyzer) Analyze(ctx context.Context, _ Request) Result {
	if err := ctx.Err(); err != nil {
		return Failure{Code: CodeNetworkError, Message: err.Error()}
	}
	score := rand.Float64() * 100
	if m.Score != nil {
		score = *m.Score
	}
	return Success{RiskScore: score, Reason: MockReason}
}
