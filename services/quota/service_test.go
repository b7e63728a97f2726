package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLedger_EstimateTokensForRequest(t *testing.T) {
	ledger := NewLedger(1000, zap.NewNop())

	tests := []struct {
		name     string
		chars    int
		expected int
	}{
		{"zero length", 0, 0},
		{"negative length", -5, 0},
		{"rounds up", 5, 2},
		{"exact multiple", 8, 2},
		{"single char", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ledger.EstimateTokensForRequest(tt.chars))
		})
	}
}

func TestLedger_CanUserMakeRequest(t *testing.T) {
	ledger := NewLedger(100, zap.NewNop())
	ctx := context.Background()

	decision, err := ledger.CanUserMakeRequest(ctx, "u1", 50)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = ledger.CanUserMakeRequest(ctx, "u1", 101)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "exceeds balance")
}

func TestLedger_DeductTokens(t *testing.T) {
	ledger := NewLedger(100, zap.NewNop())
	ctx := context.Background()

	result, err := ledger.DeductTokens(ctx, "u1", UsageRecord{
		Provider:    "openai",
		Model:       "gpt-4o",
		TotalTokens: 30,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 70, ledger.Balance("u1"))

	records := ledger.Usage("u1")
	require.Len(t, records, 1)
	assert.Equal(t, "openai", records[0].Provider)
	assert.False(t, records[0].OccurredAt.IsZero())
}

func TestLedger_DeductFloorsAtZero(t *testing.T) {
	ledger := NewLedger(10, zap.NewNop())

	result, err := ledger.DeductTokens(context.Background(), "u1", UsageRecord{TotalTokens: 50})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, ledger.Balance("u1"))
}

func TestLedger_DeductRejectsNegativeUsage(t *testing.T) {
	ledger := NewLedger(10, zap.NewNop())

	result, err := ledger.DeductTokens(context.Background(), "u1", UsageRecord{TotalTokens: -1})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 10, ledger.Balance("u1"))
}

func TestLedger_SetBalanceOverridesDefault(t *testing.T) {
	ledger := NewLedger(100, zap.NewNop())
	ledger.SetBalance("u1", 5)

	decision, err := ledger.CanUserMakeRequest(context.Background(), "u1", 6)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}
