package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/abuseguard/internal/challenge"
	"github.com/mbd888/abuseguard/internal/events"
	"github.com/mbd888/abuseguard/internal/logging"
	"github.com/mbd888/abuseguard/internal/ratelimit"
	"github.com/mbd888/abuseguard/internal/risk"
	"github.com/mbd888/abuseguard/internal/telemetry"
	"github.com/mbd888/abuseguard/internal/useragent"
)

// EvaluateInput is the file format read by `abusectl evaluate`: the request
// body of POST /v1/abuse/evaluate plus the transport fields.
type EvaluateInput struct {
	Identifier     string               `json:"identifier"`
	UserAgent      string               `json:"userAgent"`
	ChallengeToken string               `json:"challengeToken"`
	Submission     telemetry.Submission `json:"submission"`
}

// offlineVerifier answers every token with a fixed verdict.
type offlineVerifier struct {
	pass  bool
	score *float64
}

func (v offlineVerifier) Verify(context.Context, string, string) *challenge.Result {
	if !v.pass {
		return challenge.Failed("invalid-input-response")
	}
	return &challenge.Result{Success: true, TrustScore: v.score, Hostname: "abusectl.local"}
}

func newEvaluateCmd() *cobra.Command {
	var (
		env        string
		rulesFile  string
		userAgent  string
		outcome    string
		trustScore float64
		secret     string
		verifyURL  string
		attempts   int
		outputJSON bool
		audit      bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate <file|->",
		Short: "Run the risk pipeline over a JSON submission",
		Long: `Reads an EvaluateInput document and prints the resulting assessment.

Challenge tokens are not sent anywhere unless --secret is given; by default
the token is answered with --challenge (pass or fail) and --trust-score.
--attempts repeats the evaluation for the same identifier to show when the
rate limit engages. --audit prints the audit event the server would publish.`,
		Example: `  abusectl evaluate signup.json
  abusectl evaluate --env production --trust-score 0.1 signup.json
  cat signup.json | abusectl evaluate --attempts 4 --json -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if userAgent != "" {
				in.UserAgent = userAgent
			}
			if in.Identifier == "" {
				in.Identifier = "abusectl"
			}

			tables, err := loadTables(rulesFile)
			if err != nil {
				return err
			}

			var verifier risk.ChallengeVerifier
			switch {
			case secret != "":
				v, err := challenge.NewVerifier(challenge.Config{
					VerifyURL: verifyURL,
					Secret:    secret,
					Logger:    logging.Discard(),
				})
				if err != nil {
					return err
				}
				verifier = v
			case outcome == "pass" || outcome == "fail":
				ov := offlineVerifier{pass: outcome == "pass"}
				if cmd.Flags().Changed("trust-score") {
					ov.score = &trustScore
				}
				verifier = ov
			default:
				return fmt.Errorf("--challenge must be pass or fail, got %q", outcome)
			}

			opts := []risk.Option{
				risk.WithPolicy(risk.PolicyFor(env)),
				risk.WithLogger(logging.Discard()),
			}
			if audit {
				auditLog := logging.NewWithWriter(cmd.ErrOrStderr(), "info", "json")
				opts = append(opts, risk.WithPublisher(events.NewLogPublisher(auditLog)))
			}
			engine := risk.NewEngine(
				ratelimit.NewLimiter(ratelimit.NewMemoryStore()),
				verifier,
				telemetry.NewAnalyzer(tables),
				useragent.NewClassifier(tables),
				opts...,
			)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			n := max(attempts, 1)
			results := make([]*risk.RiskAssessment, 0, n)
			for i := 0; i < n; i++ {
				results = append(results, engine.Evaluate(ctx, risk.Input{
					Identifier:     in.Identifier,
					UserAgent:      in.UserAgent,
					Submission:     in.Submission,
					ChallengeToken: in.ChallengeToken,
				}))
			}
			if err := engine.Wait(ctx); err != nil {
				return fmt.Errorf("flush audit events: %w", err)
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if len(results) == 1 {
					return enc.Encode(results[0])
				}
				return enc.Encode(results)
			}
			for i, a := range results {
				printAssessment(out, i+1, a)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&env, "env", "development", "policy environment (production or anything else)")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rules file merged over the built-in tables")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "override the userAgent in the input")
	cmd.Flags().StringVar(&outcome, "challenge", "pass", "offline challenge outcome: pass or fail")
	cmd.Flags().Float64Var(&trustScore, "trust-score", 0, "offline challenge trust score (omitted when not set)")
	cmd.Flags().StringVar(&secret, "secret", "", "verify the token for real with this provider secret")
	cmd.Flags().StringVar(&verifyURL, "verify-url", challenge.DefaultVerifyURL, "siteverify endpoint used with --secret")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "number of evaluations for the same identifier")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	cmd.Flags().BoolVar(&audit, "audit", false, "write each audit event to stderr as a JSON log line")

	return cmd
}

func readInput(stdin io.Reader, path string) (EvaluateInput, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return EvaluateInput{}, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var in EvaluateInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return EvaluateInput{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return in, nil
}

func printAssessment(w io.Writer, n int, a *risk.RiskAssessment) {
	verdict := "human"
	if a.IsBot {
		verdict = "bot"
	}
	fmt.Fprintf(w, "#%d  %-28s %-5s confidence=%d%%\n", n, a.ReasonCode, verdict, a.Confidence)
	fmt.Fprintf(w, "    score=%d level=%s recommendation=%s\n", a.SuspicionScore, a.RiskLevel, a.Recommendation)
	if len(a.Flags) > 0 {
		fmt.Fprintf(w, "    flags: %s\n", strings.Join(a.Flags, ", "))
	}
	if a.Err != nil {
		fmt.Fprintf(w, "    error: %v\n", a.Err)
	}
}
