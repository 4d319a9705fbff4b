package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/abuseguard/internal/challenge"
	"github.com/mbd888/abuseguard/internal/ratelimit"
	"github.com/mbd888/abuseguard/internal/telemetry"
	"github.com/mbd888/abuseguard/internal/useragent"
)

// RateChecker admits or denies an identifier within a fixed window.
type RateChecker interface {
	Check(ctx context.Context, identifier string, maxAttempts int, window time.Duration) (ratelimit.Decision, error)
}

// ChallengeVerifier verifies a challenge token. It must never return nil.
type ChallengeVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) *challenge.Result
}

// TelemetryAnalyzer scores a submission.
type TelemetryAnalyzer interface {
	Analyze(sub telemetry.Submission) telemetry.Analysis
}

// UserAgentClassifier scores a User-Agent string.
type UserAgentClassifier interface {
	Classify(ua string) useragent.Classification
}

// Evaluation is the state shared by the stages of one evaluation.
type Evaluation struct {
	Input  Input
	Policy Policy

	RateLimit ratelimit.Decision
	Challenge *challenge.Result
	Telemetry telemetry.Analysis
	UserAgent useragent.Classification

	IsBot          bool
	Confidence     int
	ReasonCode     ReasonCode
	SuspicionScore int
	Flags          []string
}

func newEvaluation(in Input, p Policy) *Evaluation {
	return &Evaluation{Input: in, Policy: p, Flags: []string{}}
}

func (ev *Evaluation) set(isBot bool, confidence int, reason ReasonCode) {
	ev.IsBot = isBot
	ev.Confidence = confidence
	ev.ReasonCode = reason
}

// block ends the evaluation before any signal scoring.
func (ev *Evaluation) block(confidence int, reason ReasonCode) *RiskAssessment {
	ev.set(true, confidence, reason)
	return &RiskAssessment{
		IsBot:          true,
		Confidence:     confidence,
		ReasonCode:     reason,
		SuspicionScore: ev.SuspicionScore,
		RiskLevel:      RiskHigh,
		Recommendation: RecommendBlock,
		Flags:          append([]string{}, ev.Flags...),
	}
}

// conclude derives the final assessment from the accumulated state.
func (ev *Evaluation) conclude() *RiskAssessment {
	level, rec := Classify(ev.SuspicionScore)
	return &RiskAssessment{
		IsBot:          ev.IsBot,
		Confidence:     ev.Confidence,
		ReasonCode:     ev.ReasonCode,
		SuspicionScore: ev.SuspicionScore,
		RiskLevel:      level,
		Recommendation: rec,
		Flags:          append([]string{}, ev.Flags...),
	}
}

// Stage is one step of the pipeline. A non-nil assessment ends the
// evaluation; nil continues with ev updated.
type Stage interface {
	Name() string
	Run(ctx context.Context, ev *Evaluation) (*RiskAssessment, error)
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, ev *Evaluation) (*RiskAssessment, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Run(ctx context.Context, ev *Evaluation) (*RiskAssessment, error) {
	return s.Fn(ctx, ev)
}

// RateLimitStage denies identifiers over the policy attempt budget.
type RateLimitStage struct {
	Limiter RateChecker
}

func (RateLimitStage) Name() string { return "rate_limit" }

func (s RateLimitStage) Run(ctx context.Context, ev *Evaluation) (*RiskAssessment, error) {
	d, err := s.Limiter.Check(ctx, ev.Input.Identifier, ev.Policy.RateLimitMaxAttempts, ev.Policy.RateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	ev.RateLimit = d
	if !d.Allowed {
		return ev.block(ConfidenceRateLimited, ReasonRateLimitExceeded), nil
	}
	return nil, nil
}

// ChallengeStage verifies the challenge token, or handles its absence.
type ChallengeStage struct {
	Verifier ChallengeVerifier
}

func (ChallengeStage) Name() string { return "challenge" }

func (s ChallengeStage) Run(ctx context.Context, ev *Evaluation) (*RiskAssessment, error) {
	if ev.Input.ChallengeToken == "" {
		if ev.Policy.Production {
			return ev.block(ConfidenceMissingChallenge, ReasonMissingChallenge), nil
		}
		ev.set(false, 0, ReasonDevChallengeSkipped)
		return nil, nil
	}

	res := s.Verifier.Verify(ctx, ev.Input.ChallengeToken, ev.Input.Identifier)
	if res == nil {
		return nil, fmt.Errorf("challenge verifier returned no result")
	}
	ev.Challenge = res
	if !res.Success {
		return ev.block(ConfidenceChallengeFailed, ReasonChallengeFailed), nil
	}
	// A provider that reports no score (Turnstile) is judged on success alone.
	if res.HasScore() && res.Score() < ev.Policy.MinTrustScore && !ev.Policy.isTestHostname(res.Hostname) {
		return ev.block(ConfidenceLowTrust, ReasonLowTrustScore), nil
	}
	ev.set(false, 0, ReasonChallengePassed)
	return nil, nil
}

// SignalsStage runs the telemetry analyzer and the user-agent classifier.
type SignalsStage struct {
	Analyzer   TelemetryAnalyzer
	Classifier UserAgentClassifier
}

func (SignalsStage) Name() string { return "signals" }

func (s SignalsStage) Run(_ context.Context, ev *Evaluation) (*RiskAssessment, error) {
	ev.Telemetry = s.Analyzer.Analyze(ev.Input.Submission)
	ev.UserAgent = s.Classifier.Classify(ev.Input.UserAgent)

	total := ev.Telemetry.Score
	if ev.UserAgent.Suspicious {
		total += UserAgentPenalty
	}
	ev.SuspicionScore = total
	ev.Flags = append(ev.Flags, ev.Telemetry.Flags...)
	ev.Flags = append(ev.Flags, ev.UserAgent.Flags...)
	return nil, nil
}

// ThresholdStage applies the policy suspicion thresholds.
type ThresholdStage struct{}

func (ThresholdStage) Name() string { return "thresholds" }

func (ThresholdStage) Run(_ context.Context, ev *Evaluation) (*RiskAssessment, error) {
	total := ev.SuspicionScore
	switch {
	case total >= ev.Policy.HighThreshold:
		ev.set(true, min(ConfidenceHighCap, ConfidenceHighBase+total), ReasonHighSuspicion)
		return ev.conclude(), nil
	case total >= ev.Policy.ModerateThreshold:
		ev.set(false, ConfidenceModerate, ReasonModerateSuspicion)
	}
	return nil, nil
}

// DefaultStages returns the standard pipeline in order.
func DefaultStages(limiter RateChecker, verifier ChallengeVerifier, analyzer TelemetryAnalyzer, classifier UserAgentClassifier) []Stage {
	return []Stage{
		RateLimitStage{Limiter: limiter},
		ChallengeStage{Verifier: verifier},
		SignalsStage{Analyzer: analyzer, Classifier: classifier},
		ThresholdStage{},
	}
}
