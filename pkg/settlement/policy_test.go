package settlement_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropledger-labs/cropledger/pkg/settlement"
)

func TestDecisionPolicyEvaluate(t *testing.T) {
	policy, err := settlement.NewDecisionPolicy(settlement.Policy{
		Version:    "1.2.0",
		Expression: "result >= threshold",
		Threshold:  50,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", policy.Version())

	d, err := policy.Evaluate(75)
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionApproved, d)

	d, err = policy.Evaluate(49.9)
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionRejected, d)

	// Boundary sits on the approved side of >=.
	d, err = policy.Evaluate(50)
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionApproved, d)
}

func TestDecisionPolicyOperatorIsConfiguration(t *testing.T) {
	// The same threshold with an inverted comparison, as a drought policy
	// would use.
	policy, err := settlement.NewDecisionPolicy(settlement.Policy{
		Version:    "1.0.0",
		Expression: "result < threshold",
		Threshold:  50,
	})
	require.NoError(t, err)

	d, err := policy.Evaluate(10)
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionApproved, d)

	d, err = policy.Evaluate(80)
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionRejected, d)
}

func TestDecisionPolicyRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		policy settlement.Policy
	}{
		{"bad version", settlement.Policy{Version: "not-semver", Expression: "result >= threshold"}},
		{"bad expression", settlement.Policy{Version: "1.0.0", Expression: "result >="}},
		{"non-bool expression", settlement.Policy{Version: "1.0.0", Expression: "result + threshold"}},
		{"unknown variable", settlement.Policy{Version: "1.0.0", Expression: "rainfall >= threshold"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := settlement.NewDecisionPolicy(tc.policy)
			require.Error(t, err)
		})
	}
}

func TestSelectLatest(t *testing.T) {
	policy, err := settlement.SelectLatest([]settlement.Policy{
		{Version: "1.0.0", Expression: "result >= threshold", Threshold: 40},
		{Version: "2.1.0", Expression: "result >= threshold", Threshold: 60},
		{Version: "2.0.3", Expression: "result >= threshold", Threshold: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", policy.Version())

	// The active threshold is the newest one.
	d, err := policy.Evaluate(55)
	require.NoError(t, err)
	assert.Equal(t, settlement.DecisionRejected, d)
}

func TestSelectLatestEmpty(t *testing.T) {
	_, err := settlement.SelectLatest(nil)
	require.Error(t, err)
}
