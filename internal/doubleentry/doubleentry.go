// Package doubleentry checks that every transaction's debits equal its
// credits, and builds the journal postings for a period's allocations.
package doubleentry

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/patronage/internal/ledger"
	"github.com/roach88/patronage/internal/money"
)

// Account names used by AllocationJournal.
const (
	AccountAllocableSurplus  = "allocable_surplus"
	AccountPatronagePayable  = "patronage_payable"
	AccountRetainedPatronage = "retained_patronage"
)

// Entry is a single journal line.
type Entry struct {
	Account  string       `json:"account"`
	MemberID string       `json:"memberId,omitempty"`
	Amount   money.Amount `json:"amount"`
}

// Transaction is a balanced set of journal lines.
type Transaction struct {
	ID      string  `json:"id"`
	Debits  []Entry `json:"debits"`
	Credits []Entry `json:"credits"`
}

// VerifyDoubleEntry checks every transaction and reports all findings.
// Multi-line transactions are valid as long as the sides total the same.
func VerifyDoubleEntry(transactions []Transaction) ledger.Result {
	r := ledger.NewResult()
	for _, tx := range transactions {
		r.Merge(verifyTransaction(tx))
	}
	return r
}

func verifyTransaction(tx Transaction) ledger.Result {
	r := ledger.NewResult()
	if len(tx.Debits) == 0 && len(tx.Credits) == 0 {
		r.Addf(ledger.CodeEmptyTransaction, tx.ID, "transaction has no entries")
		return r
	}

	debits, err := sumSide(tx.ID, "debit", tx.Debits, &r)
	if err != nil {
		r.Addf(ledger.CodeUnbalancedEntry, tx.ID, "cannot total debits: %v", err)
		return r
	}
	credits, err := sumSide(tx.ID, "credit", tx.Credits, &r)
	if err != nil {
		r.Addf(ledger.CodeUnbalancedEntry, tx.ID, "cannot total credits: %v", err)
		return r
	}

	if !debits.Equal(credits) {
		delta, _ := debits.Sub(credits)
		r.Add(ledger.Violation{
			Code:    ledger.CodeUnbalancedEntry,
			Subject: tx.ID,
			Message: fmt.Sprintf("debits %s != credits %s", debits, credits),
			Delta:   ledger.DeltaOf(delta.Abs()),
			Details: map[string]string{
				"debits":  debits.String(),
				"credits": credits.String(),
			},
		})
	}
	return r
}

func sumSide(txID, side string, entries []Entry, r *ledger.Result) (money.Amount, error) {
	total := money.Zero
	for i, e := range entries {
		if e.Amount.IsNegative() {
			r.Add(ledger.Violation{
				Code:    ledger.CodeNegativeAmount,
				Subject: txID,
				Message: fmt.Sprintf("%s line %d (%s) is negative: %s", side, i, e.Account, e.Amount),
			})
		}
		var err error
		if total, err = total.Add(e.Amount); err != nil {
			return money.Zero, err
		}
	}
	return total, nil
}

// AllocationJournal posts each allocation as one transaction: a debit to
// allocable surplus for the total, credited to patronage payable (cash) and
// retained patronage equity. Zero-value lines are omitted. Transaction ids are
// deterministic in (periodID, memberID).
func AllocationJournal(allocs []ledger.Allocation, periodID string) []Transaction {
	out := make([]Transaction, 0, len(allocs))
	for _, a := range allocs {
		tx := Transaction{
			ID:      JournalID(periodID, a.MemberID),
			Debits:  []Entry{{Account: AccountAllocableSurplus, MemberID: a.MemberID, Amount: a.TotalPatronage}},
			Credits: []Entry{},
		}
		if !a.CashDistribution.IsZero() {
			tx.Credits = append(tx.Credits, Entry{Account: AccountPatronagePayable, MemberID: a.MemberID, Amount: a.CashDistribution})
		}
		if !a.RetainedAllocation.IsZero() {
			tx.Credits = append(tx.Credits, Entry{Account: AccountRetainedPatronage, MemberID: a.MemberID, Amount: a.RetainedAllocation})
		}
		out = append(out, tx)
	}
	return out
}

// journalNamespace scopes the name-based UUIDs of journal transactions.
var journalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:patronage:journal"))

// JournalID returns a stable UUIDv5 for a member's posting in a period.
func JournalID(periodID, memberID string) string {
	return uuid.NewSHA1(journalNamespace, []byte(periodID+"\x00"+memberID)).String()
}
