package risk

import (
	"strings"
	"time"
)

// Policy holds the environment-dependent knobs of an evaluation.
type Policy struct {
	Environment string `json:"environment"`
	Production  bool   `json:"production"`

	RateLimitMaxAttempts int           `json:"rateLimitMaxAttempts"`
	RateLimitWindow      time.Duration `json:"rateLimitWindow"`

	// MinTrustScore is the lowest acceptable challenge trust score.
	MinTrustScore float64 `json:"minTrustScore"`
	// TestHostnames are challenge hostnames let through below MinTrustScore
	// outside production (provider test keys report a fixed hostname).
	TestHostnames []string `json:"testHostnames"`

	HighThreshold     int `json:"highThreshold"`
	ModerateThreshold int `json:"moderateThreshold"`
}

// Defaults shared by every environment.
const (
	DefaultMaxAttempts = 3
	DefaultWindow      = 15 * time.Minute
)

// DefaultTestHostnames are the hostnames reported by provider test keys.
var DefaultTestHostnames = []string{"example.com", "localhost"}

// ProductionPolicy requires a challenge and applies strict thresholds.
func ProductionPolicy() Policy {
	return Policy{
		Environment:          "production",
		Production:           true,
		RateLimitMaxAttempts: DefaultMaxAttempts,
		RateLimitWindow:      DefaultWindow,
		MinTrustScore:        0.3,
		HighThreshold:        80,
		ModerateThreshold:    50,
	}
}

// DevelopmentPolicy skips missing challenges and relaxes thresholds.
func DevelopmentPolicy() Policy {
	return Policy{
		Environment:          "development",
		RateLimitMaxAttempts: DefaultMaxAttempts,
		RateLimitWindow:      DefaultWindow,
		MinTrustScore:        0.0,
		TestHostnames:        append([]string(nil), DefaultTestHostnames...),
		HighThreshold:        90,
		ModerateThreshold:    70,
	}
}

// PolicyFor returns ProductionPolicy for "production" and
// DevelopmentPolicy, labelled with env, for anything else.
func PolicyFor(env string) Policy {
	if strings.EqualFold(strings.TrimSpace(env), "production") {
		return ProductionPolicy()
	}
	p := DevelopmentPolicy()
	if env != "" {
		p.Environment = env
	}
	return p
}

// withDefaults fills zero rate-limit and threshold fields.
func (p Policy) withDefaults() Policy {
	if p.RateLimitMaxAttempts <= 0 {
		p.RateLimitMaxAttempts = DefaultMaxAttempts
	}
	if p.RateLimitWindow <= 0 {
		p.RateLimitWindow = DefaultWindow
	}
	if p.HighThreshold <= 0 || p.ModerateThreshold <= 0 {
		base := PolicyFor(p.Environment)
		if p.Production {
			base = ProductionPolicy()
		}
		if p.HighThreshold <= 0 {
			p.HighThreshold = base.HighThreshold
		}
		if p.ModerateThreshold <= 0 {
			p.ModerateThreshold = base.ModerateThreshold
		}
	}
	return p
}

func (p Policy) isTestHostname(host string) bool {
	if p.Production || host == "" {
		return false
	}
	for _, h := range p.TestHostnames {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
