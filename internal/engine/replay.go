package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/patronage/internal/balance"
	"github.com/roach88/patronage/internal/ledger"
)

// ReplaySource is a log that also keeps an incremental projection.
// Implemented by store.Store.
type ReplaySource interface {
	ReadEvents(ctx context.Context) ([]ledger.Event, error)
	Accounts(ctx context.Context) ([]ledger.CapitalAccountState, error)
}

// ReplayReport is the outcome of replaying the full log.
type ReplayReport struct {
	Events   int                                   `json:"events"`
	AsOf     time.Time                             `json:"asOf"`
	Balances map[string]ledger.CapitalAccountState `json:"balances"`
	Result   ledger.Result                         `json:"result"`
}

// Replay recomputes every capital account from the log and checks that
//   - two independent replays agree (serial and parallel),
//   - the stored projection matches the replay,
//   - every replayed account satisfies the book balance identity.
//
// limit bounds the members replayed concurrently. Findings are reported in
// the Result; the error is reserved for read and fold failures.
func Replay(ctx context.Context, src ReplaySource, limit int) (ReplayReport, error) {
	events, err := src.ReadEvents(ctx)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay: read events: %w", err)
	}

	// Cut off at the latest event so the projection is comparable.
	var asOf time.Time
	for _, ev := range events {
		if ev.Timestamp.After(asOf) {
			asOf = ev.Timestamp
		}
	}

	serial, err := balance.ComputeAllBalances(events, asOf)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay: %w", err)
	}
	parallel, err := balance.ComputeAllBalancesParallel(ctx, events, asOf, limit)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay: %w", err)
	}

	report := ReplayReport{
		Events:   len(events),
		AsOf:     asOf,
		Balances: serial,
		Result:   ledger.NewResult(),
	}

	for _, id := range unionKeys(serial, parallel) {
		a, b := serial[id], parallel[id]
		if !sameComponents(a, b) {
			report.Result.Addf(ledger.CodeNondeterministicReplay, id,
				"replays disagree: book %s vs %s", a.BookBalance, b.BookBalance)
		}
	}

	accounts, err := src.Accounts(ctx)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay: read projection: %w", err)
	}
	projected := make(map[string]ledger.CapitalAccountState, len(accounts))
	for _, acct := range accounts {
		projected[acct.MemberID] = acct
	}
	for _, id := range unionKeys(serial, projected) {
		want, replayed := serial[id]
		got, stored := projected[id]
		switch {
		case !stored:
			report.Result.Addf(ledger.CodeProjectionMismatch, id, "member missing from projection")
		case !replayed:
			report.Result.Addf(ledger.CodeProjectionMismatch, id, "projection has member with no events")
		case !sameComponents(want, got):
			delta, _ := got.BookBalance.Sub(want.BookBalance)
			report.Result.Add(ledger.Violation{
				Code:    ledger.CodeProjectionMismatch,
				Subject: id,
				Message: fmt.Sprintf("projected book %s, replayed %s", got.BookBalance, want.BookBalance),
				Delta:   ledger.DeltaOf(delta),
				Details: map[string]string{
					"projected_events": fmt.Sprint(got.EventCount),
					"replayed_events":  fmt.Sprint(want.EventCount),
				},
			})
		}
	}

	for _, id := range balance.MemberIDs(serial) {
		report.Result.Merge(balance.VerifyBalanceIntegrity(serial[id]))
	}
	return report, nil
}

// sameComponents compares two states ignoring AsOf.
func sameComponents(a, b ledger.CapitalAccountState) bool {
	return a.MemberID == b.MemberID &&
		a.EventCount == b.EventCount &&
		a.BookBalance.Equal(b.BookBalance) &&
		a.TaxBalance.Equal(b.TaxBalance) &&
		a.ContributedCapital.Equal(b.ContributedCapital) &&
		a.RetainedPatronage.Equal(b.RetainedPatronage) &&
		a.DistributedPatronage.Equal(b.DistributedPatronage)
}

func unionKeys(a, b map[string]ledger.CapitalAccountState) []string {
	merged := make(map[string]ledger.CapitalAccountState, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return balance.MemberIDs(merged)
}
