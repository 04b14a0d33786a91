package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fundedManager(t *testing.T, leverage int) *CapitalManager {
	t.Helper()
	cm := NewCapitalManager("u1", leverage, "USDC")
	cm.UpdateBalance(10000, 12000)
	return cm
}

func TestUsableBalanceAppliesSafetyBuffer(t *testing.T) {
	cm := fundedManager(t, 4)
	usable, err := cm.UsableBalance()
	require.NoError(t, err)
	assert.InDelta(t, 9500.0, usable, 1e-9)
}

func TestUnfundedManagerRejectsSizing(t *testing.T) {
	cm := NewCapitalManager("u1", 4, "USDC")
	_, err := cm.UsableBalance()
	assert.Error(t, err)
	_, err = cm.MarginPerSymbol(5)
	assert.Error(t, err)
}

func TestMarginPerSymbol(t *testing.T) {
	cm := fundedManager(t, 4)
	margin, err := cm.MarginPerSymbol(5)
	require.NoError(t, err)
	assert.InDelta(t, 1900.0, margin, 1e-9)

	_, err = cm.MarginPerSymbol(0)
	assert.Error(t, err)
}

func TestPositionSize(t *testing.T) {
	cm := fundedManager(t, 4)

	// (2000 × 1.0 × 4) / 1.0
	size, err := cm.PositionSize(2000, 1.0, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 8000.0, size, 1e-9)

	// Half the capital.
	size, err = cm.PositionSize(2000, 1.0, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 4000.0, size, 1e-9)

	_, err = cm.PositionSize(2000, 0, 1.0)
	assert.Error(t, err)
	_, err = cm.PositionSize(2000, 1.0, 1.5)
	assert.Error(t, err)
	_, err = cm.PositionSize(0, 1.0, 1.0)
	assert.Error(t, err)
}

func TestGridOrderSize(t *testing.T) {
	cm := fundedManager(t, 4)

	// (2000 × 1.0 × 4) / 1.0 / 10
	size, err := cm.GridOrderSize(2000, 1.0, 10, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 800.0, size, 1e-9)

	_, err = cm.GridOrderSize(2000, 1.0, 0, 1.0)
	assert.Error(t, err)
}
