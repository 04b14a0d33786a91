package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridPrices(t *testing.T) {
	prices, err := GridPrices(0.95, 1.05, 10)
	require.NoError(t, err)
	require.Len(t, prices, 11)
	assert.InDelta(t, 0.95, prices[0], 1e-9)
	assert.InDelta(t, 1.05, prices[10], 1e-9)
	assert.InDelta(t, 0.96, prices[1], 1e-9)

	_, err = GridPrices(1.05, 0.95, 10)
	assert.Error(t, err, "inverted band must be rejected")
	_, err = GridPrices(0.95, 1.05, 0)
	assert.Error(t, err, "zero levels must be rejected")
}

func TestPriceInterval(t *testing.T) {
	interval, err := PriceInterval(0.95, 1.05, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, interval, 1e-9)
}

func TestPlanSplitsAroundEntry(t *testing.T) {
	book, err := newGridBook(0.95, 1.05, 10, 100, false, false)
	require.NoError(t, err)

	plans := book.plan(1.0)
	var buys, sells int
	for _, p := range plans {
		switch p.Side {
		case "BUY":
			buys++
			assert.Less(t, p.Price, 1.0)
		case "SELL":
			sells++
			assert.Greater(t, p.Price, 1.0)
		}
		assert.InDelta(t, 100.0, p.Quantity, 1e-9)
	}
	assert.Equal(t, 5, buys)
	assert.Equal(t, 5, sells)
}

// Scenario: buy at 0.95 fills, its paired sell at 0.96 fills; the pair
// profit is (0.96 − 0.95) × 100 − fees.
func TestPairCompletionProfit(t *testing.T) {
	book, err := newGridBook(0.95, 1.05, 10, 100, false, false)
	require.NoError(t, err)

	book.register("buy-1", "BUY", 0.95, 100)
	book.register("sell-1", "SELL", 0.96, 100)
	require.NotEmpty(t, book.orders["buy-1"].PairID, "adjacent sides must pair")
	require.Equal(t, book.orders["buy-1"].PairID, book.orders["sell-1"].PairID)

	out, ok := book.onFill("buy-1")
	require.True(t, ok)
	assert.False(t, out.PairDone, "one leg does not complete a pair")
	require.NotNil(t, out.Replacement)
	assert.Equal(t, "SELL", out.Replacement.Side)
	assert.InDelta(t, 0.96, out.Replacement.Price, 1e-9)

	out, ok = book.onFill("sell-1")
	require.True(t, ok)
	require.True(t, out.PairDone)

	wantProfit := (0.96-0.95)*100 - (0.95*100*DefaultFeeRate + 0.96*100*DefaultFeeRate)
	assert.InDelta(t, wantProfit, out.PairProfit, 1e-9)
}

func TestUnpairedFillOpensPairViaReplacement(t *testing.T) {
	book, err := newGridBook(0.95, 1.05, 10, 100, false, false)
	require.NoError(t, err)

	book.register("buy-lone", "BUY", 0.97, 100)
	out, ok := book.onFill("buy-lone")
	require.True(t, ok)
	assert.False(t, out.PairDone)
	require.NotNil(t, out.Replacement)
	assert.InDelta(t, 0.98, out.Replacement.Price, 1e-9)

	// The replacement sell completes the pair created by the lone buy.
	book.register("sell-repl", "SELL", 0.98, 100)
	book.orders["sell-repl"].PairID = out.PairID
	out2, ok := book.onFill("sell-repl")
	require.True(t, ok)
	assert.True(t, out2.PairDone)
	wantProfit := (0.98-0.97)*100 - (0.97*100*DefaultFeeRate + 0.98*100*DefaultFeeRate)
	assert.InDelta(t, wantProfit, out2.PairProfit, 1e-9)
}

func TestReplacementStaysInsideBand(t *testing.T) {
	book, err := newGridBook(0.95, 1.05, 10, 100, false, false)
	require.NoError(t, err)

	book.register("sell-top", "SELL", 1.05, 100)
	out, ok := book.onFill("sell-top")
	require.True(t, ok)
	require.NotNil(t, out.Replacement)
	assert.InDelta(t, 1.04, out.Replacement.Price, 1e-9)

	book.register("buy-bottom", "BUY", 0.95, 100)
	out, ok = book.onFill("buy-bottom")
	require.True(t, ok)
	require.NotNil(t, out.Replacement)
	assert.InDelta(t, 0.96, out.Replacement.Price, 1e-9)
}

func TestBandMove(t *testing.T) {
	book, err := newGridBook(0.95, 1.05, 10, 100, true, true)
	require.NoError(t, err)

	assert.Equal(t, 0, book.needsMove(1.0))
	assert.Equal(t, 1, book.needsMove(1.06))
	assert.Equal(t, -1, book.needsMove(0.94))

	book.shift(1)
	assert.InDelta(t, 0.96, book.lower, 1e-9)
	assert.InDelta(t, 1.06, book.upper, 1e-9)

	book.shift(-1)
	assert.InDelta(t, 0.95, book.lower, 1e-9)
	assert.InDelta(t, 1.05, book.upper, 1e-9)
}

func TestMoveDisabledByConfig(t *testing.T) {
	book, err := newGridBook(0.95, 1.05, 10, 100, false, false)
	require.NoError(t, err)
	assert.Equal(t, 0, book.needsMove(2.0))
	assert.Equal(t, 0, book.needsMove(0.5))
}
