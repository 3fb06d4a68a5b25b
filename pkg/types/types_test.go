package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"aapl", "AAPL", false},
		{"  msft ", "MSFT", false},
		{"BRK.B", "BRK.B", false},
		{"BF-B", "BF-B", false},
		{"SPY", "SPY", false},
		{"", "", true},
		{"1AAPL", "", true},
		{".SPX", "", true},
		{"TOOLONGSYMBOL", "", true},
		{"aa pl", "", true},
	}

	for _, tc := range cases {
		got, err := NormalizeSymbol(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %q", tc.in)
			assert.True(t, IsValidation(err), "input %q should fail validation", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestOrderStatusSets(t *testing.T) {
	working := []OrderStatus{OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled}
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected}

	for _, s := range working {
		assert.True(t, s.IsWorking(), "%s", s)
		assert.False(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
		assert.False(t, s.IsWorking(), "%s", s)
	}
}

func TestErrorKinds(t *testing.T) {
	ve := NewValidationError("qty must be positive")
	re := NewRiskError("circuit_breaker", "Circuit breaker is active")
	be := NewBrokerError("submit_order", errors.New("connection reset"))
	ie := NewIntegrityError("update position", errors.New("row vanished"))
	ce := NewCancelledError("candidate 3")

	assert.True(t, IsValidation(ve))
	assert.True(t, IsValidation(re), "risk errors surface as validation")
	assert.True(t, IsRisk(re))
	assert.False(t, IsRisk(ve))
	assert.True(t, IsBroker(be))
	assert.True(t, IsIntegrity(ie))
	assert.True(t, IsCancelled(ce))

	// Kinds survive wrapping.
	wrapped := fmt.Errorf("submit failed: %w", be)
	assert.True(t, IsBroker(wrapped))
	var target *BrokerError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "submit_order", target.Op)
	assert.EqualError(t, re, "Circuit breaker is active")
}

func TestOrderTypeRequiresPrice(t *testing.T) {
	assert.False(t, OrderTypeMarket.RequiresPrice())
	assert.True(t, OrderTypeLimit.RequiresPrice())
	assert.True(t, OrderTypeStop.RequiresPrice())
	assert.True(t, OrderTypeStopLimit.RequiresPrice())
}
