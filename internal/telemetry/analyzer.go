package telemetry

import (
	"regexp"
	"strings"

	"github.com/mbd888/abuseguard/internal/rules"
)

// Thresholds used by the default rule set.
const (
	TooQuickMs        = 5000
	QuickMs           = 10000
	MinKeystrokes     = 20
	MinMouseMovements = 5
	RoboticIntervalMs = 50
	EmailRepeatRun    = 4
	PhoneRepeatRun    = 5
)

var generatedName = regexp.MustCompile(`^[A-Za-z]+[0-9]+$`)

// Rule is one independent check. Match must be pure.
type Rule struct {
	Flag   string
	Weight int
	Match  func(Submission) bool
}

// DefaultRules builds the standard rule list with weights and pattern
// tables taken from t.
func DefaultRules(t *rules.Compiled) []Rule {
	rule := func(flag string, match func(Submission) bool) Rule {
		return Rule{Flag: flag, Weight: t.Weight(flag), Match: match}
	}
	return []Rule{
		rule(rules.FlagHoneypotFilled, func(s Submission) bool {
			return s.HoneypotValue != ""
		}),
		rule(rules.FlagFormFilledTooQuickly, func(s Submission) bool {
			return s.Telemetry.FormDurationMs < TooQuickMs
		}),
		rule(rules.FlagFormFilledQuickly, func(s Submission) bool {
			d := s.Telemetry.FormDurationMs
			return d >= TooQuickMs && d < QuickMs
		}),
		rule(rules.FlagInsufficientKeystrokes, func(s Submission) bool {
			return s.Telemetry.KeystrokeCount < MinKeystrokes
		}),
		rule(rules.FlagInsufficientMouse, func(s Submission) bool {
			return s.Telemetry.MouseMovementCount < MinMouseMovements
		}),
		rule(rules.FlagTemporaryEmail, func(s Submission) bool {
			return t.IsDisposableEmail(s.EmailAddress)
		}),
		rule(rules.FlagRepetitiveEmail, func(s Submission) bool {
			return hasRun(localPart(s.EmailAddress), EmailRepeatRun, nil)
		}),
		rule(rules.FlagGeneratedName, func(s Submission) bool {
			return generatedName.MatchString(strings.ReplaceAll(s.DisplayName, " ", ""))
		}),
		rule(rules.FlagKeyboardPatternName, func(s Submission) bool {
			_, ok := t.KeyboardWalk(s.DisplayName)
			return ok
		}),
		rule(rules.FlagRepetitivePhone, func(s Submission) bool {
			return hasRun(s.PhoneNumber, PhoneRepeatRun, isDigit)
		}),
		rule(rules.FlagRoboticTyping, func(s Submission) bool {
			iv := s.Telemetry.KeystrokeIntervalsMs
			if len(iv) == 0 {
				return false
			}
			var sum int64
			for _, v := range iv {
				sum += v
			}
			return float64(sum)/float64(len(iv)) < RoboticIntervalMs
		}),
	}
}

// Analyzer evaluates a fixed rule list. Safe for concurrent use.
type Analyzer struct {
	rules []Rule
}

// NewAnalyzer returns an analyzer running DefaultRules(t).
func NewAnalyzer(t *rules.Compiled) *Analyzer {
	return &Analyzer{rules: DefaultRules(t)}
}

// NewAnalyzerWithRules returns an analyzer over an explicit rule list.
func NewAnalyzerWithRules(rs []Rule) *Analyzer {
	return &Analyzer{rules: append([]Rule(nil), rs...)}
}

// Rules returns a copy of the rule list.
func (a *Analyzer) Rules() []Rule {
	return append([]Rule(nil), a.rules...)
}

// Analyze runs every rule over the normalized submission.
func (a *Analyzer) Analyze(sub Submission) Analysis {
	sub = sub.Normalize()
	res := Analysis{Flags: []string{}}
	for _, r := range a.rules {
		if r.Match(sub) {
			res.Score += r.Weight
			res.Flags = append(res.Flags, r.Flag)
		}
	}
	return res
}

func localPart(email string) string {
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		return email[:at]
	}
	return email
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// hasRun reports whether s holds n or more consecutive identical runes that
// satisfy keep (any rune when keep is nil).
func hasRun(s string, n int, keep func(rune) bool) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if keep != nil && !keep(r) {
			run = 0
			continue
		}
		if run > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run >= n {
			return true
		}
		prev = r
	}
	return false
}
