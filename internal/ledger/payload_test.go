package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patronage/internal/money"
)

func TestDecodePayload_CashContribution(t *testing.T) {
	ev, err := DecodePayload([]byte(`{
		"eventId": "evt-1",
		"eventType": "capital_contribution",
		"timestamp": "2024-03-01T10:00:00-05:00",
		"memberId": "alice",
		"amount": "1234.56"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "alice", ev.MemberID)
	assert.Equal(t, money.MustParse("1234.56"), ev.Amount)
	assert.Equal(t, time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, EventCapitalContribution, ev.Type())

	k, ok := ev.Kind.(CapitalContribution)
	require.True(t, ok)
	assert.False(t, k.IsProperty())
}

func TestDecodePayload_PropertyRequiresBasis(t *testing.T) {
	_, err := DecodePayload([]byte(`{"eventId":"e","eventType":"capital_contribution","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"500.00","contributionKind":"property"}`))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "adjustedBasis")

	ev, err := DecodePayload([]byte(`{"eventId":"e","eventType":"capital_contribution","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"500.00","contributionKind":"property","adjustedBasis":"200.00"}`))
	require.NoError(t, err)
	k := ev.Kind.(CapitalContribution)
	assert.True(t, k.IsProperty())
	assert.Equal(t, "200.00", k.AdjustedBasis.String())
}

func TestDecodePayload_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"not json", `{`, ""},
		{"numeric amount", `{"eventId":"e","eventType":"allocation_approved","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":12.5}`, ""},
		{"missing id", `{"eventType":"allocation_approved","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"1.00"}`, "eventId"},
		{"missing member", `{"eventId":"e","eventType":"allocation_approved","timestamp":"2024-01-01T00:00:00Z","amount":"1.00"}`, "memberId"},
		{"bad timestamp", `{"eventId":"e","eventType":"allocation_approved","timestamp":"yesterday","memberId":"m","amount":"1.00"}`, "timestamp"},
		{"unknown type", `{"eventId":"e","eventType":"refund","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"1.00"}`, "eventType"},
		{"negative amount", `{"eventId":"e","eventType":"allocation_approved","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"-1.00"}`, "amount"},
		{"sub-cent amount", `{"eventId":"e","eventType":"allocation_approved","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"1.005"}`, "amount"},
		{"unknown contribution kind", `{"eventId":"e","eventType":"capital_contribution","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"1.00","contributionKind":"labor"}`, "contributionKind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload([]byte(tt.input))
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			if tt.field != "" {
				assert.Equal(t, tt.field, ve.Field)
			}
		})
	}
}

func TestDecodePayload_Overflow(t *testing.T) {
	_, err := DecodePayload([]byte(`{"eventId":"e","eventType":"allocation_approved","timestamp":"2024-01-01T00:00:00Z","memberId":"m","amount":"1000000000000000.00"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, money.ErrOverflow)
	assert.False(t, IsValidationError(err))
}

func TestEncodePayload_RoundTrip(t *testing.T) {
	events := []Event{
		{ID: "a", MemberID: "m", Amount: money.MustParse("10.00"), Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Kind: CapitalContribution{Contribution: ContributionProperty, AdjustedBasis: money.MustParse("4.00")}},
		{ID: "b", MemberID: "m", Amount: money.MustParse("3.50"), Timestamp: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			Kind: AllocationApproved{PeriodID: "2024"}},
		{ID: "c", MemberID: "m", Amount: money.MustParse("1.25"), Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			Kind: DistributionCompleted{PeriodID: "2024"}},
		{ID: "d", MemberID: "m", Amount: money.MustParse("0.75"), Timestamp: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			Kind: AllocationReversed{PeriodID: "2024"}},
	}

	for _, ev := range events {
		t.Run(string(ev.Type()), func(t *testing.T) {
			data, err := EncodePayload(ev)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"amount":"`+ev.Amount.String()+`"`)

			got, err := DecodePayload(data)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}
