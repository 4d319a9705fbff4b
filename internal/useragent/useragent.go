// Package useragent flags automation clients from the User-Agent header.
package useragent

import (
	"strings"
	"unicode/utf8"

	"github.com/mbd888/abuseguard/internal/rules"
)

// Length bounds outside of which a User-Agent is unusual.
const (
	MinLength = 20
	MaxLength = 500

	// SuspiciousAbove is the score a User-Agent must exceed to be suspicious.
	SuspiciousAbove = 20
)

// Classification is the classifier verdict for one User-Agent string.
type Classification struct {
	Suspicious bool     `json:"suspicious"`
	Score      int      `json:"score"`
	Flags      []string `json:"flags"`
	// Pattern is the bot substring that matched, if any.
	Pattern string `json:"pattern,omitempty"`
}

type check struct {
	flag   string
	weight int
	match  func(ua string) (string, bool)
}

// Classifier scores User-Agent strings. Safe for concurrent use.
type Classifier struct {
	checks []check
}

// NewClassifier builds a classifier from the compiled rule tables.
func NewClassifier(t *rules.Compiled) *Classifier {
	return &Classifier{checks: []check{
		{
			flag:   rules.FlagBotPattern,
			weight: t.Weight(rules.FlagBotPattern),
			match:  t.BotPattern,
		},
		{
			flag:   rules.FlagMissingMozilla,
			weight: t.Weight(rules.FlagMissingMozilla),
			match: func(ua string) (string, bool) {
				return "", !strings.Contains(ua, "Mozilla")
			},
		},
		{
			flag:   rules.FlagUnusualLength,
			weight: t.Weight(rules.FlagUnusualLength),
			match: func(ua string) (string, bool) {
				n := utf8.RuneCountInString(ua)
				return "", n < MinLength || n > MaxLength
			},
		},
	}}
}

// Classify scores ua. An empty string is missing Mozilla and too short.
func (c *Classifier) Classify(ua string) Classification {
	res := Classification{Flags: []string{}}
	for _, chk := range c.checks {
		pattern, ok := chk.match(ua)
		if !ok {
			continue
		}
		res.Score += chk.weight
		res.Flags = append(res.Flags, chk.flag)
		if pattern != "" && res.Pattern == "" {
			res.Pattern = pattern
		}
	}
	res.Suspicious = res.Score > SuspiciousAbove
	return res
}
