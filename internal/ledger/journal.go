package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"ForwardLedger/internal/types"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeBurn
	JournalTypeTransfer
	JournalTypeRefund
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeRefund:
		return "refund"
	default:
		return fmt.Sprintf("journal_type_%d", int32(t))
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	Token         types.AccountID
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        sdkmath.Int
	JournalType   JournalType
	Memo          string
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID  uuid.UUID
	Token    types.AccountID
	Journals []Journal
}

func newBatch(token types.AccountID, entries ...Journal) *Batch {
	b := &Batch{BatchID: uuid.New(), Token: token}
	for _, j := range entries {
		j.JournalID = uuid.New()
		j.BatchID = b.BatchID
		j.Token = token
		b.Journals = append(b.Journals, j)
	}
	return b
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from credit to debit, so every entry is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsNil() || !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.Token != b.Token {
			return fmt.Errorf("journal %s has mismatched token %s", j.JournalID, j.Token)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
