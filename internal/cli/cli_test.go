package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/abuseguard/internal/risk"
	"github.com/mbd888/abuseguard/internal/rules"
	"github.com/mbd888/abuseguard/internal/useragent"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const botInput = `{
  "identifier": "203.0.113.5",
  "userAgent": "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
  "challengeToken": "tok",
  "submission": {
    "honeypotValue": "bot",
    "telemetry": {"formDurationMs": 1500, "keystrokeCount": 3, "mouseMovementCount": 0}
  }
}`

func TestEvaluate_JSONFromFile(t *testing.T) {
	path := writeFile(t, "signup.json", botInput)

	out, err := run(t, "", "evaluate", "--env", "production", "--trust-score", "0.9", "--json", path)
	require.NoError(t, err)

	var a risk.RiskAssessment
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.True(t, a.IsBot)
	assert.Equal(t, risk.ReasonHighSuspicion, a.ReasonCode)
	assert.GreaterOrEqual(t, a.SuspicionScore, 120)
	assert.Equal(t, "203.0.113.5", a.Identifier)
}

func TestEvaluate_LowTrustScore(t *testing.T) {
	out, err := run(t, botInput, "evaluate", "--env", "production", "--trust-score", "0.1", "--json", "-")
	require.NoError(t, err)

	var a risk.RiskAssessment
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, risk.ReasonLowTrustScore, a.ReasonCode)
}

func TestEvaluate_FailedChallenge(t *testing.T) {
	out, err := run(t, botInput, "evaluate", "--challenge", "fail", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "CHALLENGE_FAILED")
	assert.Contains(t, out, "confidence=85%")
}

func TestEvaluate_AttemptsShowRateLimit(t *testing.T) {
	out, err := run(t, `{"submission":{}}`, "evaluate", "--attempts", "4", "--json", "-")
	require.NoError(t, err)

	var results []risk.RiskAssessment
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 4)
	assert.NotEqual(t, risk.ReasonRateLimitExceeded, results[2].ReasonCode)
	assert.Equal(t, risk.ReasonRateLimitExceeded, results[3].ReasonCode)
}

func TestEvaluate_AuditWritesOneEventPerEvaluation(t *testing.T) {
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(botInput))
	root.SetArgs([]string{"evaluate", "--audit", "--attempts", "2", "-"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(stderr.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Equal(t, "abuse assessment", ev["msg"])
		assert.Equal(t, "203.0.113.5", ev["identifier"])
		assert.Equal(t, true, ev["is_bot"])
	}
}

func TestEvaluate_Errors(t *testing.T) {
	_, err := run(t, `{"submission":{}, "extra": 1}`, "evaluate", "-")
	assert.Error(t, err, "unknown fields are rejected")

	_, err = run(t, `{}`, "evaluate", "--challenge", "maybe", "-")
	assert.Error(t, err)

	_, err = run(t, "", "evaluate", "/nonexistent.json")
	assert.Error(t, err)

	_, err = run(t, "", "evaluate")
	assert.Error(t, err)
}

func TestClassifyUA(t *testing.T) {
	out, err := run(t, "", "classify-ua", "--json", "curl/8.4.0")
	require.NoError(t, err)

	var c useragent.Classification
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.True(t, c.Suspicious)
	assert.Equal(t, "curl", c.Pattern)

	out, err = run(t, "", "classify-ua", "Mozilla/5.0", "(Windows NT 10.0; Win64; x64)")
	require.NoError(t, err)
	assert.Contains(t, out, "suspicious=false")
}

func TestRulesDump_RoundTrips(t *testing.T) {
	out, err := run(t, "", "rules", "dump")
	require.NoError(t, err)

	parsed, err := rules.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, rules.Default(), parsed)
}

func TestRulesDump_MergesOverrides(t *testing.T) {
	path := writeFile(t, "rules.yaml", "weights:\n  honeypot_filled: 80\n")

	out, err := run(t, "", "rules", "dump", "--rules", path)
	require.NoError(t, err)
	assert.Contains(t, out, "honeypot_filled: 80")
}

func TestRulesValidate(t *testing.T) {
	good := writeFile(t, "good.yaml", "keyboard_walks: [qwerty]\n")
	out, err := run(t, "", "rules", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := writeFile(t, "bad.yaml", "disposable_email_patterns: ['([']\n")
	_, err = run(t, "", "rules", "validate", bad)
	assert.Error(t, err)
}
