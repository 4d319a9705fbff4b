// Package rules holds the data-driven tables behind the telemetry and
// user-agent analyzers: pattern lists, keyboard walks and per-flag weights.
// Tables load from YAML and compile once at startup.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Signal flags raised by the analyzers. Weights are keyed by these names.
const (
	FlagHoneypotFilled         = "honeypot_filled"
	FlagFormFilledTooQuickly   = "form_filled_too_quickly"
	FlagFormFilledQuickly      = "form_filled_quickly"
	FlagInsufficientKeystrokes = "insufficient_keystrokes"
	FlagInsufficientMouse      = "insufficient_mouse_movement"
	FlagTemporaryEmail         = "temporary_email"
	FlagRepetitiveEmail        = "repetitive_email_pattern"
	FlagGeneratedName          = "generated_name_pattern"
	FlagKeyboardPatternName    = "keyboard_pattern_name"
	FlagRepetitivePhone        = "repetitive_phone_pattern"
	FlagRoboticTyping          = "robotic_typing_pattern"

	FlagBotPattern     = "bot_pattern_detected"
	FlagMissingMozilla = "missing_mozilla"
	FlagUnusualLength  = "unusual_length"
)

var (
	// ErrInvalidPattern is returned when a table pattern does not compile.
	ErrInvalidPattern = errors.New("rules: invalid pattern")
	// ErrInvalidWeight is returned for negative or unknown weights.
	ErrInvalidWeight = errors.New("rules: invalid weight")
)

// Tables is the YAML shape of the rule configuration.
type Tables struct {
	DisposableEmailPatterns []string       `yaml:"disposable_email_patterns"`
	BotUserAgentPatterns    []string       `yaml:"bot_user_agent_patterns"`
	KeyboardWalks           []string       `yaml:"keyboard_walks"`
	Weights                 map[string]int `yaml:"weights"`
}

// Default returns the built-in tables.
func Default() Tables {
	return Tables{
		DisposableEmailPatterns: []string{
			`10minutemail`,
			`temp-?mail`,
			`guerrillamail`,
			`mailinator`,
			`throwaway`,
			`yopmail`,
			`trashmail`,
			`fakeinbox`,
			`sharklasers`,
			`getnada`,
			`dispostable`,
			`maildrop`,
			`mailnesia`,
			`mohmal`,
		},
		BotUserAgentPatterns: []string{
			"bot", "crawler", "spider", "scraper",
			"headless", "phantom", "selenium", "webdriver",
			"puppeteer", "playwright",
			"curl", "wget", "httpie",
			"python", "java/", "go-http-client", "node-fetch", "axios",
			"okhttp", "ruby", "perl", "php", "libwww",
		},
		KeyboardWalks: []string{
			"qwerty", "asdfgh", "zxcvbn", "qazwsx", "azerty",
			"123456", "abcdef", "abc123",
		},
		Weights: defaultWeights(),
	}
}

func defaultWeights() map[string]int {
	return map[string]int{
		FlagHoneypotFilled:         50,
		FlagFormFilledTooQuickly:   30,
		FlagFormFilledQuickly:      15,
		FlagInsufficientKeystrokes: 20,
		FlagInsufficientMouse:      20,
		FlagTemporaryEmail:         40,
		FlagRepetitiveEmail:        20,
		FlagGeneratedName:          25,
		FlagKeyboardPatternName:    30,
		FlagRepetitivePhone:        20,
		FlagRoboticTyping:          25,
		FlagBotPattern:             40,
		FlagMissingMozilla:         20,
		FlagUnusualLength:          15,
	}
}

// KnownFlags lists every flag a weight may be configured for, sorted.
func KnownFlags() []string {
	w := defaultWeights()
	flags := make([]string, 0, len(w))
	for f := range w {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

// Parse decodes YAML tables and merges them over Default. A list present in
// the document replaces the built-in list; weights merge per flag.
func Parse(data []byte) (Tables, error) {
	var doc Tables
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Tables{}, fmt.Errorf("rules: decode: %w", err)
	}

	t := Default()
	if doc.DisposableEmailPatterns != nil {
		t.DisposableEmailPatterns = doc.DisposableEmailPatterns
	}
	if doc.BotUserAgentPatterns != nil {
		t.BotUserAgentPatterns = doc.BotUserAgentPatterns
	}
	if doc.KeyboardWalks != nil {
		t.KeyboardWalks = doc.KeyboardWalks
	}
	for flag, w := range doc.Weights {
		t.Weights[flag] = w
	}
	return t, t.Validate()
}

// Load reads and parses a YAML rules file.
func Load(path string) (Tables, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return Tables{}, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal renders tables as YAML.
func Marshal(t Tables) ([]byte, error) {
	return yaml.Marshal(t)
}

// Validate rejects unknown flags and negative weights. Weights must stay
// non-negative so adding a triggered rule never lowers a score.
func (t Tables) Validate() error {
	known := defaultWeights()
	for flag, w := range t.Weights {
		if _, ok := known[flag]; !ok {
			return fmt.Errorf("%w: unknown flag %q", ErrInvalidWeight, flag)
		}
		if w < 0 {
			return fmt.Errorf("%w: %s=%d is negative", ErrInvalidWeight, flag, w)
		}
	}
	return nil
}

// Compiled is the ready-to-match form of Tables. Safe for concurrent use.
type Compiled struct {
	source     Tables
	disposable []*regexp.Regexp
	botUA      []string
	walks      []string
	weights    map[string]int
}

// Compile validates t and compiles its patterns.
func (t Tables) Compile() (*Compiled, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	c := &Compiled{
		source:  t,
		weights: make(map[string]int, len(t.Weights)),
	}
	for _, p := range t.DisposableEmailPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, p, err)
		}
		c.disposable = append(c.disposable, re)
	}
	for _, p := range t.BotUserAgentPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.botUA = append(c.botUA, p)
		}
	}
	for _, w := range t.KeyboardWalks {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			c.walks = append(c.walks, w)
		}
	}
	for flag, w := range t.Weights {
		c.weights[flag] = w
	}
	return c, nil
}

// MustCompileDefault compiles the built-in tables. It panics only if the
// built-in tables are broken.
func MustCompileDefault() *Compiled {
	c, err := Default().Compile()
	if err != nil {
		panic(err)
	}
	return c
}

// Source returns the tables c was compiled from.
func (c *Compiled) Source() Tables { return c.source }

// Weight returns the configured weight for flag, 0 when unset.
func (c *Compiled) Weight(flag string) int { return c.weights[flag] }

// IsDisposableEmail reports whether the domain of email matches a
// disposable-mail pattern.
func (c *Compiled) IsDisposableEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return false
	}
	domain := email[at+1:]
	for _, re := range c.disposable {
		if re.MatchString(domain) {
			return true
		}
	}
	return false
}

// BotPattern returns the first bot pattern contained in ua, case-insensitively.
func (c *Compiled) BotPattern(ua string) (string, bool) {
	lower := strings.ToLower(ua)
	for _, p := range c.botUA {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// KeyboardWalk returns the first keyboard-walk substring found in s.
func (c *Compiled) KeyboardWalk(s string) (string, bool) {
	lower := strings.ToLower(s)
	for _, w := range c.walks {
		if strings.Contains(lower, w) {
			return w, true
		}
	}
	return "", false
}
