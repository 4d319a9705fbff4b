package risk

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/abuseguard/internal/clock"
	"github.com/mbd888/abuseguard/internal/events"
	"github.com/mbd888/abuseguard/internal/logging"
	"github.com/mbd888/abuseguard/internal/metrics"
	"github.com/mbd888/abuseguard/internal/pagination"
	"github.com/mbd888/abuseguard/internal/traces"
)

// auditTimeout bounds the background store write and publish of one event.
const auditTimeout = 5 * time.Second

// Engine evaluates requests through an ordered stage pipeline.
type Engine struct {
	stages    []Stage
	policy    Policy
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
	clock     clock.Clock
	newID     func() string

	audits sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the policy used by Evaluate and EvaluateRequest.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p.withDefaults() }
}

// WithStore records every assessment in s.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithPublisher emits an audit event per assessment to p.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source stamped on assessments.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithStages replaces the pipeline.
func WithStages(stages ...Stage) Option {
	return func(e *Engine) { e.stages = stages }
}

// WithIDGenerator overrides assessment ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine builds an engine running DefaultStages over the given
// collaborators, with a development policy unless WithPolicy is passed.
func NewEngine(limiter RateChecker, verifier ChallengeVerifier, analyzer TelemetryAnalyzer, classifier UserAgentClassifier, opts ...Option) *Engine {
	e := &Engine{
		stages: DefaultStages(limiter, verifier, analyzer, classifier),
		policy: DevelopmentPolicy(),
		logger: slog.Default(),
		clock:  clock.Real{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's default policy.
func (e *Engine) Policy() Policy { return e.policy }

// EvaluateRequest evaluates a transport request under the engine policy.
func (e *Engine) EvaluateRequest(ctx context.Context, rc RequestContext, p Payload) *RiskAssessment {
	return e.Evaluate(ctx, Input{
		Identifier:     rc.ClientAddress,
		UserAgent:      rc.UserAgent,
		Submission:     p.Submission,
		ChallengeToken: p.ChallengeToken,
	})
}

// Evaluate evaluates in under the engine policy.
func (e *Engine) Evaluate(ctx context.Context, in Input) *RiskAssessment {
	return e.EvaluateWithPolicy(ctx, in, e.policy)
}

// EvaluateWithPolicy evaluates in under p. It never panics and never
// returns nil.
func (e *Engine) EvaluateWithPolicy(ctx context.Context, in Input, p Policy) *RiskAssessment {
	ctx = logging.WithIdentifier(ctx, in.Identifier)
	ctx, span := traces.StartSpan(ctx, "risk.Evaluate", traces.Identifier(in.Identifier))
	defer span.End()

	start := time.Now()
	a := e.run(ctx, in, p.withDefaults())
	a.ID = e.newID()
	a.Identifier = in.Identifier
	a.EvaluatedAt = e.clock.Now().UTC()

	span.SetAttributes(
		traces.ReasonCode(string(a.ReasonCode)),
		traces.SuspicionScore(a.SuspicionScore),
		traces.Confidence(a.Confidence),
		traces.IsBot(a.IsBot),
	)
	traces.RecordError(span, a.Err)

	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	metrics.EvaluationsTotal.WithLabelValues(string(a.ReasonCode), strconv.FormatBool(a.IsBot)).Inc()
	metrics.SuspicionScore.Observe(float64(a.SuspicionScore))
	for _, f := range a.Flags {
		metrics.SignalFlagsTotal.WithLabelValues(f).Inc()
	}

	log := logging.L(ctx).With(
		"assessment_id", a.ID,
		"reason_code", a.ReasonCode,
		"is_bot", a.IsBot,
		"confidence", a.Confidence,
		"suspicion_score", a.SuspicionScore,
		"risk_level", a.RiskLevel,
	)
	if a.Err != nil {
		log.Error("risk evaluation failed open", "error", a.Err)
	} else {
		log.Info("risk evaluated", "flags", a.Flags)
	}

	e.audit(ctx, a)
	return a
}

func (e *Engine) run(ctx context.Context, in Input, p Policy) (out *RiskAssessment) {
	ev := newEvaluation(in, p)
	stage := ""
	defer func() {
		if r := recover(); r != nil {
			out = failOpen(fmt.Errorf("panic in %s stage: %v\n%s", stage, r, debug.Stack()))
		}
	}()

	for _, s := range e.stages {
		stage = s.Name()
		res, err := s.Run(ctx, ev)
		if err != nil {
			return failOpen(fmt.Errorf("%s stage: %w", stage, err))
		}
		if res != nil {
			return res
		}
	}
	return ev.conclude()
}

func failOpen(err error) *RiskAssessment {
	return &RiskAssessment{
		IsBot:          false,
		Confidence:     0,
		ReasonCode:     ReasonEvaluationError,
		RiskLevel:      RiskMinimal,
		Recommendation: RecommendAllow,
		Flags:          []string{},
		Err:            err,
	}
}

// audit records and publishes a in the background. Failures are logged only.
func (e *Engine) audit(ctx context.Context, a *RiskAssessment) {
	if e.store == nil && e.publisher == nil {
		return
	}
	snapshot := *a
	snapshot.Flags = append([]string(nil), a.Flags...)
	logger := logging.L(ctx)
	bg := context.WithoutCancel(ctx)

	e.audits.Add(1)
	go func() {
		defer e.audits.Done()
		ctx, cancel := context.WithTimeout(bg, auditTimeout)
		defer cancel()

		if e.store != nil {
			if err := e.store.Record(ctx, &snapshot); err != nil {
				logger.Warn("failed to record assessment", "assessment_id", snapshot.ID, "error", err)
			}
		}
		if e.publisher != nil {
			if err := e.publisher.Publish(ctx, snapshot.Event()); err != nil {
				logger.Warn("failed to publish assessment", "assessment_id", snapshot.ID, "error", err)
			}
		}
	}()
}

// Wait blocks until in-flight audit writes finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.audits.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns assessments for identifier, newest first, resuming after
// before when it is non-nil.
func (e *Engine) History(ctx context.Context, identifier string, before *pagination.Cursor, limit int) ([]*RiskAssessment, error) {
	if e.store == nil {
		return []*RiskAssessment{}, nil
	}
	return e.store.ListByIdentifier(ctx, identifier, before, limit)
}
