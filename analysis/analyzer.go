// Package analysis submits message text to the remote risk scoring service.
package analysis

import (
	"context"
	"math"
)

// Request is the payload sent to the scoring service.
type Request struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Result is either a Success or a Failure.
type Result interface {
	isResult()
}

// Success is a scored message.
type Success struct {
	RiskScore float64
	Reason    string
	Message   string
}

// Score returns the risk score rounded to the nearest integer.
func (s Success) Score() int {
	if math.IsNaN(s.RiskScore) {
		return 0
	}
	return int(math.Round(s.RiskScore))
}

const (
	CodeNetworkError    = "NETWORK_ERROR"
	CodeInvalidResponse = "INVALID_RESPONSE"
)

// Failure describes why a message could not be scored. Code is the HTTP
// status text for service errors, CodeNetworkError for transport errors and
// CodeInvalidResponse for unreadable 2xx bodies.
type Failure struct {
	Code       string
	Message    string
	StatusCode int
}

func (f Failure) Error() string {
	if f.Message == "" {
		return "analysis failed: " + f.Code
	}
	return "analysis failed: " + f.Code + ": " + f.Message
}

func (Success) isResult() {}
func (Failure) isResult() {}

// Analyzer scores one message. Implementations never return a nil Result.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) Result
}
