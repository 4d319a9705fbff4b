// Package challenge verifies challenge-response tokens (Cloudflare Turnstile
// and siteverify-compatible providers). Verification never returns an error:
// every failure mode is normalized into an unsuccessful Result.
package challenge

import (
	"time"
)

// DefaultVerifyURL is the Cloudflare Turnstile siteverify endpoint.
const DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// DefaultTimeout bounds a single siteverify round trip.
const DefaultTimeout = 5 * time.Second

// Error codes. Provider codes are passed through unchanged; the ones below
// marked local are produced by this package.
const (
	CodeMissingInput  = "missing-input-response"
	CodeInvalidInput  = "invalid-input-response"
	CodeMissingSecret = "missing-input-secret"
	CodeDuplicate     = "timeout-or-duplicate"
	CodeCircuitOpen   = "circuit-open"     // local
	CodeTimeout       = "request-timeout"  // local
	CodeRequestFailed = "request-failed"   // local
	CodeBadStatus     = "bad-status"       // local
	CodeBadResponse   = "invalid-response" // local
)

// Outcome labels for metrics and spans.
const (
	OutcomePassed      = "passed"
	OutcomeRejected    = "rejected"
	OutcomeMissing     = "missing"
	OutcomeMalformed   = "malformed"
	OutcomeDuplicate   = "duplicate"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

// Result is the normalized verification outcome.
type Result struct {
	Success     bool     `json:"success"`
	TrustScore  *float64 `json:"score,omitempty"`
	Action      string   `json:"action,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
}

// HasScore reports whether the provider returned a trust score.
func (r *Result) HasScore() bool { return r != nil && r.TrustScore != nil }

// Score returns the trust score, or 0 when absent.
func (r *Result) Score() float64 {
	if !r.HasScore() {
		return 0
	}
	return *r.TrustScore
}

// Failed builds an unsuccessful result with a zero trust score.
func Failed(codes ...string) *Result {
	zero := 0.0
	return &Result{Success: false, TrustScore: &zero, ErrorCodes: codes}
}
