// Package telemetry scores a form submission against behavioral and
// content rules. Every rule adds a fixed weight and a flag when it fires;
// weights are additive and uncapped.
package telemetry

import (
	"strings"

	"github.com/mbd888/abuseguard/internal/validation"
)

// Telemetry is behavioral metadata captured while the form was filled in.
// Absent fields decode to zero and are scored as zero.
type Telemetry struct {
	FormDurationMs       int64   `json:"formDurationMs"`
	KeystrokeCount       int     `json:"keystrokeCount"`
	MouseMovementCount   int     `json:"mouseMovementCount"`
	FocusEventCount      int     `json:"focusEventCount"`
	KeystrokeIntervalsMs []int64 `json:"keystrokeIntervalsMs,omitempty"`
}

// Submission is the registration payload under evaluation.
type Submission struct {
	DisplayName   string    `json:"displayName"`
	EmailAddress  string    `json:"emailAddress"`
	PhoneNumber   string    `json:"phoneNumber"`
	HoneypotValue string    `json:"honeypotValue"`
	Telemetry     Telemetry `json:"telemetry"`
}

// Normalize returns a copy safe to hand to the rules: strings trimmed and
// length-capped, negative counters clamped to zero, intervals bounded.
func (s Submission) Normalize() Submission {
	out := Submission{
		DisplayName:   validation.SanitizeString(s.DisplayName, validation.MaxNameLength),
		EmailAddress:  capEmail(s.EmailAddress),
		PhoneNumber:   validation.SanitizeString(s.PhoneNumber, validation.MaxPhoneLength),
		HoneypotValue: validation.SanitizeString(s.HoneypotValue, validation.MaxHoneypotLength),
		Telemetry: Telemetry{
			FormDurationMs:     max(s.Telemetry.FormDurationMs, 0),
			KeystrokeCount:     max(s.Telemetry.KeystrokeCount, 0),
			MouseMovementCount: max(s.Telemetry.MouseMovementCount, 0),
			FocusEventCount:    max(s.Telemetry.FocusEventCount, 0),
		},
	}

	intervals := s.Telemetry.KeystrokeIntervalsMs
	if len(intervals) > validation.MaxKeystrokeIntervals {
		intervals = intervals[:validation.MaxKeystrokeIntervals]
	}
	if len(intervals) > 0 {
		out.Telemetry.KeystrokeIntervalsMs = make([]int64, len(intervals))
		for i, v := range intervals {
			out.Telemetry.KeystrokeIntervalsMs[i] = max(v, 0)
		}
	}
	return out
}

// Analysis is the outcome of running every rule over a submission.
type Analysis struct {
	Score int      `json:"score"`
	Flags []string `json:"flags"`
}

// HasFlag reports whether flag was raised.
func (a Analysis) HasFlag(flag string) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// capEmail bounds an address to MaxEmailLength by shortening the local
// part, so an oversized address keeps the domain the disposable-mail rule
// matches on.
func capEmail(email string) string {
	email = validation.SanitizeString(email, len(email))
	if len(email) <= validation.MaxEmailLength {
		return email
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return validation.SanitizeString(email, validation.MaxEmailLength)
	}
	domain := validation.SanitizeString(email[at+1:], validation.MaxEmailDomainLength)
	local := validation.SanitizeString(email[:at], validation.MaxEmailLength-len(domain)-1)
	return local + "@" + domain
}
