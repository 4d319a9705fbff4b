// Package risk decides whether an account-creation request comes from a bot.
//
// An Engine runs an ordered pipeline of stages over each request: rate
// limit, challenge verification, behavioral and user-agent signals, then
// suspicion thresholds. Any stage may end the evaluation early. Whatever
// happens inside, Evaluate returns a well-formed RiskAssessment; internal
// faults fail open with ReasonEvaluationError.
package risk

import (
	"context"
	"time"

	"github.com/mbd888/abuseguard/internal/events"
	"github.com/mbd888/abuseguard/internal/pagination"
	"github.com/mbd888/abuseguard/internal/telemetry"
)

// ReasonCode explains the verdict.
type ReasonCode string

const (
	ReasonRateLimitExceeded   ReasonCode = "RATE_LIMIT_EXCEEDED"
	ReasonChallengeFailed     ReasonCode = "CHALLENGE_FAILED"
	ReasonLowTrustScore       ReasonCode = "LOW_TRUST_SCORE"
	ReasonMissingChallenge    ReasonCode = "MISSING_CHALLENGE"
	ReasonChallengePassed     ReasonCode = "CHALLENGE_PASSED"
	ReasonDevChallengeSkipped ReasonCode = "DEV_CHALLENGE_SKIPPED"
	ReasonHighSuspicion       ReasonCode = "HIGH_SUSPICION"
	ReasonModerateSuspicion   ReasonCode = "MODERATE_SUSPICION_MONITORED"
	ReasonEvaluationError     ReasonCode = "EVALUATION_ERROR"
)

// RiskLevel is the ordinal classification of the suspicion score.
type RiskLevel string

const (
	RiskMinimal RiskLevel = "MINIMAL"
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
)

// Recommendation is the suggested action for the caller.
type Recommendation string

const (
	RecommendAllow                  Recommendation = "ALLOW"
	RecommendAdditionalVerification Recommendation = "ADDITIONAL_VERIFICATION"
	RecommendManualReview           Recommendation = "MANUAL_REVIEW"
	RecommendBlock                  Recommendation = "BLOCK"
)

// Confidence assigned to each terminal verdict.
const (
	ConfidenceRateLimited      = 90
	ConfidenceChallengeFailed  = 85
	ConfidenceLowTrust         = 80
	ConfidenceMissingChallenge = 95
	ConfidenceModerate         = 30
	ConfidenceHighBase         = 50
	ConfidenceHighCap          = 95
)

// Score cut points for risk level and recommendation.
const (
	CutHigh   = 70
	CutMedium = 40
	CutLow    = 20
)

// UserAgentPenalty is added to the telemetry score when the User-Agent is
// suspicious.
const UserAgentPenalty = 20

// RiskAssessment is the verdict for one request. It is never mutated after
// Evaluate returns.
type RiskAssessment struct {
	ID             string         `json:"id"`
	Identifier     string         `json:"identifier"`
	IsBot          bool           `json:"isBot"`
	Confidence     int            `json:"confidence"`
	ReasonCode     ReasonCode     `json:"reasonCode"`
	SuspicionScore int            `json:"suspicionScore"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Recommendation Recommendation `json:"recommendation"`
	Flags          []string       `json:"flags"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`

	// Err carries the internal fault behind an EVALUATION_ERROR verdict.
	Err error `json:"-"`
}

// Event converts the assessment into its audit event.
func (a *RiskAssessment) Event() events.Assessment {
	return events.Assessment{
		ID:             a.ID,
		Identifier:     a.Identifier,
		IsBot:          a.IsBot,
		Confidence:     a.Confidence,
		SuspicionScore: a.SuspicionScore,
		ReasonCode:     string(a.ReasonCode),
		RiskLevel:      string(a.RiskLevel),
		Recommendation: string(a.Recommendation),
		Flags:          append([]string(nil), a.Flags...),
		EvaluatedAt:    a.EvaluatedAt,
	}
}

// Classify maps a suspicion score to its risk level and recommendation.
func Classify(score int) (RiskLevel, Recommendation) {
	switch {
	case score >= CutHigh:
		return RiskHigh, RecommendBlock
	case score >= CutMedium:
		return RiskMedium, RecommendManualReview
	case score >= CutLow:
		return RiskLow, RecommendAdditionalVerification
	default:
		return RiskMinimal, RecommendAllow
	}
}

// Input is one request to evaluate.
type Input struct {
	Identifier     string
	UserAgent      string
	Submission     telemetry.Submission
	ChallengeToken string
}

// RequestContext is what the transport knows about the caller.
type RequestContext struct {
	ClientAddress string
	UserAgent     string
}

// Payload is the client-supplied body of an evaluation request.
type Payload struct {
	Submission     telemetry.Submission `json:"submission"`
	ChallengeToken string               `json:"challengeToken"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, assessment *RiskAssessment) error
	// ListByIdentifier returns up to limit assessments newest first,
	// starting after before when it is non-nil.
	ListByIdentifier(ctx context.Context, identifier string, before *pagination.Cursor, limit int) ([]*RiskAssessment, error)
}
