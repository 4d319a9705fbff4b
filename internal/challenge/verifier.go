package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mbd888/abuseguard/internal/circuitbreaker"
	"github.com/mbd888/abuseguard/internal/metrics"
	"github.com/mbd888/abuseguard/internal/traces"
	"github.com/mbd888/abuseguard/internal/validation"
)

// maxResponseBytes caps how much of a siteverify response is read.
const maxResponseBytes = 64 << 10

// Config configures a Verifier.
type Config struct {
	VerifyURL string
	Secret    string
	Timeout   time.Duration

	// ReplayCacheSize is the number of recently seen token hashes kept to
	// reject reuse on this instance. Zero uses 10000; negative disables.
	ReplayCacheSize int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// HTTPClient overrides the default client. Its own Timeout, if any,
	// still applies in addition to Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Verifier calls a siteverify endpoint. Safe for concurrent use.
type Verifier struct {
	verifyURL string
	secret    string
	timeout   time.Duration
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	seen      *lru.Cache[string, struct{}]
	logger    *slog.Logger
	breakerID string
}

// NewVerifier builds a Verifier, filling unset fields with defaults.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultVerifyURL
	}
	u, err := url.Parse(cfg.VerifyURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("challenge: invalid verify url %q", cfg.VerifyURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReplayCacheSize == 0 {
		cfg.ReplayCacheSize = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	v := &Verifier{
		verifyURL: cfg.VerifyURL,
		secret:    cfg.Secret,
		timeout:   cfg.Timeout,
		client:    client,
		breaker:   circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:    cfg.Logger,
		breakerID: u.Host,
	}
	if cfg.ReplayCacheSize > 0 {
		v.seen, err = lru.New[string, struct{}](cfg.ReplayCacheSize)
		if err != nil {
			return nil, fmt.Errorf("challenge: replay cache: %w", err)
		}
	}
	return v, nil
}

// BreakerState reports the provider circuit state.
func (v *Verifier) BreakerState() circuitbreaker.State {
	return v.breaker.State(v.breakerID)
}

// Verify checks token with the provider on behalf of remoteIP. It never
// returns nil.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) *Result {
	ctx, span := traces.StartSpan(ctx, "challenge.Verify")
	defer span.End()

	res, outcome := v.verify(ctx, token, remoteIP)
	span.SetAttributes(traces.ChallengeOutcome(outcome))
	metrics.ChallengeVerificationsTotal.WithLabelValues(outcome).Inc()
	return res
}

func (v *Verifier) verify(ctx context.Context, token, remoteIP string) (*Result, string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Failed(CodeMissingInput), OutcomeMissing
	}
	if !wellFormed(token) {
		return Failed(CodeInvalidInput), OutcomeMalformed
	}
	if v.secret == "" {
		v.logger.Error("challenge secret not configured")
		return Failed(CodeMissingSecret), OutcomeError
	}
	// The token is marked before the call so concurrent reuse is caught,
	// and released again if the provider never got to judge it.
	key := ""
	if v.seen != nil {
		sum := sha256.Sum256([]byte(token))
		key = hex.EncodeToString(sum[:])
		if seen, _ := v.seen.ContainsOrAdd(key, struct{}{}); seen {
			return Failed(CodeDuplicate), OutcomeDuplicate
		}
	}
	if !v.breaker.Allow(v.breakerID) {
		v.forget(key)
		return Failed(CodeCircuitOpen), OutcomeCircuitOpen
	}

	start := time.Now()
	res, outcome, err := v.roundTrip(ctx, token, remoteIP)
	metrics.ChallengeVerificationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		v.breaker.RecordFailure(v.breakerID)
		v.forget(key)
		v.logger.Warn("challenge verification failed", "outcome", outcome, "error", err)
		return res, outcome
	}
	v.breaker.RecordSuccess(v.breakerID)

	if !res.Success {
		zero := 0.0
		res.TrustScore = &zero
		return res, OutcomeRejected
	}
	return res, OutcomePassed
}

func (v *Verifier) forget(key string) {
	if v.seen != nil && key != "" {
		v.seen.Remove(key)
	}
}

func (v *Verifier) roundTrip(ctx context.Context, token, remoteIP string) (*Result, string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Failed(CodeRequestFailed), OutcomeError, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "abuseguard/1.0")

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Failed(CodeTimeout), OutcomeTimeout, err
		}
		return Failed(CodeRequestFailed), OutcomeError, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Failed(CodeBadStatus), OutcomeError, fmt.Errorf("siteverify status %d", resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Failed(CodeTimeout), OutcomeTimeout, err
		}
		return Failed(CodeBadResponse), OutcomeError, fmt.Errorf("decode siteverify response: %w", err)
	}
	return &out, "", nil
}

// wellFormed rejects oversized tokens and tokens with whitespace or
// control characters. Provider tokens are opaque printable strings.
func wellFormed(token string) bool {
	if len(token) > validation.MaxChallengeTokenLen {
		return false
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
