package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRulesRejectsBadRules(t *testing.T) {
	_, err := CompileRules([]Rule{{Name: "broken", Expr: "action ==", Outcome: Deny}})
	assert.Error(t, err)

	_, err = CompileRules([]Rule{{Name: "not-bool", Expr: `action`, Outcome: Deny}})
	assert.Error(t, err)

	_, err = CompileRules([]Rule{{Name: "bad-outcome", Expr: `action == "x"`, Outcome: Allow}})
	assert.Error(t, err)
}

func TestRuleSetEval(t *testing.T) {
	rs, err := CompileRules([]Rule{
		{
			Name:       "no-shell-in-prod-room",
			Expr:       `tool == "shell" && room_id == "room_prod"`,
			Outcome:    Deny,
			ReasonCode: "rule_no_shell_in_prod",
		},
		{
			Name:       "night-writes-need-approval",
			Expr:       `action == "external.write" && target_host.endsWith(".internal")`,
			Outcome:    RequireApproval,
			ReasonCode: "rule_internal_host_approval",
		},
	})
	require.NoError(t, err)

	matched, err := rs.Eval(&Input{Tool: "shell", RoomID: "room_prod"})
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, Deny, matched.Outcome)
	assert.Equal(t, "rule_no_shell_in_prod", matched.ReasonCode)

	matched, err = rs.Eval(&Input{Action: "external.write", TargetURL: "https://svc.internal/path"})
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, RequireApproval, matched.Outcome)

	matched, err = rs.Eval(&Input{Tool: "browser", RoomID: "room_dev"})
	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "api.example.com", hostOf("https://API.example.com:443/v1/x"))
	assert.Equal(t, "example.com", hostOf("example.com"))
	assert.Equal(t, "", hostOf(""))
	assert.Equal(t, "", hostOf("not a url/with/path"))
}

func TestMaskSecrets(t *testing.T) {
	assert.Equal(t, "call REDACTED", maskSecrets("call Bearer abc.def-123"))
	assert.Equal(t, "REDACTED", maskSecrets("api_key=sk_live_12345"))
	assert.NotContains(t, maskSecrets("postgres://user:pw@host/db"), "user:pw")
	assert.Equal(t, "external.write:example.com", maskSecrets("external.write:example.com"))
}
