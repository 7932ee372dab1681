package ledger

import (
	"context"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/types"
)

// Receiver is implemented by accounts that accept TransferAndNotify. It
// returns the portion of amount it did not use; the ledger refunds it.
type Receiver interface {
	OnTransfer(ctx context.Context, token, sender types.AccountID, amount sdkmath.Int, msg string) (sdkmath.Int, error)
}

// Directory resolves token ledgers and transfer receivers by account id.
type Directory struct {
	mu        sync.RWMutex
	ledgers   map[types.AccountID]*TokenLedger
	receivers map[types.AccountID]Receiver
	onAdd     func(*TokenLedger)
}

func NewDirectory() *Directory {
	return &Directory{
		ledgers:   make(map[types.AccountID]*TokenLedger),
		receivers: make(map[types.AccountID]Receiver),
	}
}

func (d *Directory) AddLedger(l *TokenLedger) {
	d.mu.Lock()
	d.ledgers[l.ID()] = l
	hook := d.onAdd
	d.mu.Unlock()
	if hook != nil {
		hook(l)
	}
}

// SetLedgerHook installs fn for ledgers added from now on and applies it
// to every ledger already present.
func (d *Directory) SetLedgerHook(fn func(*TokenLedger)) {
	d.mu.Lock()
	d.onAdd = fn
	d.mu.Unlock()
	if fn == nil {
		return
	}
	for _, l := range d.Ledgers() {
		fn(l)
	}
}

func (d *Directory) Ledger(id types.AccountID) (*TokenLedger, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.ledgers[id]
	return l, ok
}

// Ledgers returns every ledger ordered by id.
func (d *Directory) Ledgers() []*TokenLedger {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*TokenLedger, 0, len(d.ledgers))
	for _, l := range d.ledgers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (d *Directory) RegisterReceiver(account types.AccountID, r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[account] = r
}

func (d *Directory) Receiver(account types.AccountID) (Receiver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.receivers[account]
	return r, ok
}
