package costs

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestOrderQuantityBasic(t *testing.T) {
	s := NewSizer(20, 10, testLogger())

	acct := domain.AccountState{TotalBalance: 1000, AvailableBalance: 1000}
	rules := domain.SymbolRules{Symbol: "SOLUSDT", StepSize: 0.1, MinQuantity: 0.1, MinNotional: 10}

	qty, err := s.OrderQuantity(context.Background(), acct, rules, 50)
	require.NoError(t, err)
	assert.Equal(t, 40.0, qty)
}

func TestOrderQuantityReducedToAvailableMargin(t *testing.T) {
	s := NewSizer(20, 10, testLogger())

	// Full sizing needs 200 margin but only 100 is free.
	acct := domain.AccountState{TotalBalance: 1000, AvailableBalance: 100}
	rules := domain.SymbolRules{Symbol: "SOLUSDT", StepSize: 0.1, MinQuantity: 0.1, MinNotional: 10}

	qty, err := s.OrderQuantity(context.Background(), acct, rules, 50)
	require.NoError(t, err)
	// 100 * 0.95 * 10 / 50 = 19
	assert.Equal(t, 19.0, qty)
}

func TestOrderQuantityRaisedToMinNotional(t *testing.T) {
	s := NewSizer(1, 10, testLogger())

	acct := domain.AccountState{TotalBalance: 100, AvailableBalance: 100}
	rules := domain.SymbolRules{Symbol: "SOLUSDT", StepSize: 0.1, MinQuantity: 0.1, MinNotional: 100}

	qty, err := s.OrderQuantity(context.Background(), acct, rules, 50)
	require.NoError(t, err)
	// 110% of the 100 minimum at price 50 is 2.2.
	assert.Equal(t, 2.2, qty)
}

func TestOrderQuantityMinNotionalExceedsBalance(t *testing.T) {
	s := NewSizer(10, 2, testLogger())

	acct := domain.AccountState{TotalBalance: 10, AvailableBalance: 10}
	rules := domain.SymbolRules{Symbol: "SOLUSDT", StepSize: 0.01, MinQuantity: 0.01, MinNotional: 100}

	_, err := s.OrderQuantity(context.Background(), acct, rules, 50)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestOrderQuantityRejectsBadInputs(t *testing.T) {
	s := NewSizer(20, 10, testLogger())
	acct := domain.AccountState{TotalBalance: 1000, AvailableBalance: 1000}
	rules := domain.SymbolRules{Symbol: "SOLUSDT", StepSize: 0.1, MinQuantity: 0.1, MinNotional: 10}

	_, err := s.OrderQuantity(context.Background(), acct, rules, 0)
	assert.Error(t, err)

	zero := NewSizer(20, 0, testLogger())
	_, err = zero.OrderQuantity(context.Background(), acct, rules, 50)
	assert.Error(t, err)
}

func TestRoundToStepRoundsDown(t *testing.T) {
	assert.Equal(t, 1.2, RoundToStep(1.29, 0.1))
	assert.Equal(t, 0.003, RoundToStep(0.0039, 0.001))
	assert.Equal(t, 7.0, RoundToStep(7.9, 1))
	// Zero step passes through.
	assert.Equal(t, 1.29, RoundToStep(1.29, 0))
}
