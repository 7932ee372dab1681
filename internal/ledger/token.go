package ledger

import (
	"context"
	"sort"
	"sync"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/types"
)

// Metadata describes a fungible token.
type Metadata struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// TokenLedger is a fungible-balance ledger. Accounts must be registered
// through StorageDeposit before they can hold a balance. Only the minter
// may mint or burn.
type TokenLedger struct {
	mu         sync.Mutex
	id         types.AccountID
	meta       Metadata
	minter     types.AccountID
	registered map[types.AccountID]struct{}
	tracker    *BalanceTracker
	validator  *InvariantValidator
	directory  *Directory
	onBatch    func(*Batch)
	log        zerolog.Logger
}

func NewTokenLedger(id types.AccountID, meta Metadata, minter types.AccountID, directory *Directory, log zerolog.Logger) *TokenLedger {
	tracker := NewBalanceTracker()
	l := &TokenLedger{
		id:         id,
		meta:       meta,
		minter:     minter,
		registered: make(map[types.AccountID]struct{}),
		tracker:    tracker,
		validator:  NewInvariantValidator(tracker),
		directory:  directory,
		log:        log.With().Str("token", string(id)).Logger(),
	}
	if minter != "" {
		l.registered[minter] = struct{}{}
	}
	if directory != nil {
		directory.AddLedger(l)
	}
	return l
}

func (l *TokenLedger) ID() types.AccountID { return l.id }

func (l *TokenLedger) Metadata() Metadata { return l.meta }

func (l *TokenLedger) Minter() types.AccountID { return l.minter }

// SetJournalHook installs a callback invoked with every applied batch.
func (l *TokenLedger) SetJournalHook(fn func(*Batch)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBatch = fn
}

// StorageDeposit registers account. Returns false if it was already registered.
func (l *TokenLedger) StorageDeposit(_ context.Context, account types.AccountID) (bool, error) {
	if err := account.Validate(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.registered[account]; ok {
		return false, nil
	}
	l.registered[account] = struct{}{}
	return true, nil
}

func (l *TokenLedger) IsRegistered(account types.AccountID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.registered[account]
	return ok
}

func (l *TokenLedger) BalanceOf(account types.AccountID) sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(HolderKey(account))
}

func (l *TokenLedger) TotalSupply() sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(IssuanceAccount).Neg()
}

// Transfer moves amount from sender to receiver.
func (l *TokenLedger) Transfer(_ context.Context, sender, receiver types.AccountID, amount sdkmath.Int, memo string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(sender, receiver, amount, JournalTypeTransfer, memo)
}

// TransferAndNotify moves amount to receiver and then calls the receiver's
// OnTransfer with msg. Whatever the receiver reports as unused is refunded
// to sender, capped by the receiver's balance. Returns the amount used.
// The ledger lock is not held while the receiver runs.
func (l *TokenLedger) TransferAndNotify(ctx context.Context, sender, receiver types.AccountID, amount sdkmath.Int, memo, msg string) (sdkmath.Int, error) {
	var handler Receiver
	if l.directory != nil {
		handler, _ = l.directory.Receiver(receiver)
	}
	if handler == nil {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(types.ErrInvalidAccount, "%s does not accept transfer calls", receiver)
	}

	l.mu.Lock()
	err := l.transferLocked(sender, receiver, amount, JournalTypeTransfer, memo)
	l.mu.Unlock()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}

	unused, cbErr := handler.OnTransfer(ctx, l.id, sender, amount, msg)
	if cbErr != nil {
		l.log.Warn().Err(cbErr).Str("receiver", string(receiver)).Msg("receiver failed, refunding transfer")
		unused = amount
	}
	if unused.IsNil() || unused.IsNegative() {
		unused = sdkmath.ZeroInt()
	}
	if unused.GT(amount) {
		unused = amount
	}
	if unused.IsZero() {
		return amount, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	refund := sdkmath.MinInt(unused, l.tracker.GetBalance(HolderKey(receiver)))
	if refund.IsPositive() {
		if err := l.transferLocked(receiver, sender, refund, JournalTypeRefund, "refund"); err != nil {
			return amount, err
		}
	}
	return amount.Sub(refund), cbErr
}

// Mint credits amount to account. Caller must be the minter.
func (l *TokenLedger) Mint(_ context.Context, caller, account types.AccountID, amount sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller == "" || caller != l.minter {
		return errorsmod.Wrapf(types.ErrNotMinter, "%s on %s", caller, l.id)
	}
	if err := l.checkAmount(amount); err != nil {
		return err
	}
	if _, ok := l.registered[account]; !ok {
		return errorsmod.Wrapf(types.ErrAccountNotRegistered, "%s on %s", account, l.id)
	}
	return l.post(Journal{
		DebitAccount:  HolderKey(account),
		CreditAccount: IssuanceAccount,
		Amount:        amount,
		JournalType:   JournalTypeMint,
	})
}

// Burn debits amount from account. Caller must be the minter.
func (l *TokenLedger) Burn(_ context.Context, caller, account types.AccountID, amount sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller == "" || caller != l.minter {
		return errorsmod.Wrapf(types.ErrNotMinter, "%s on %s", caller, l.id)
	}
	if err := l.checkAmount(amount); err != nil {
		return err
	}
	if bal := l.tracker.GetBalance(HolderKey(account)); bal.LT(amount) {
		return errorsmod.Wrapf(types.ErrInsufficientBalance, "%s has %s %s, needs %s", account, bal, l.id, amount)
	}
	return l.post(Journal{
		DebitAccount:  IssuanceAccount,
		CreditAccount: HolderKey(account),
		Amount:        amount,
		JournalType:   JournalTypeBurn,
	})
}

func (l *TokenLedger) transferLocked(sender, receiver types.AccountID, amount sdkmath.Int, jt JournalType, memo string) error {
	if err := l.checkAmount(amount); err != nil {
		return err
	}
	if sender == receiver {
		return errorsmod.Wrapf(types.ErrInvalidAccount, "sender and receiver are both %s", sender)
	}
	if _, ok := l.registered[sender]; !ok {
		return errorsmod.Wrapf(types.ErrAccountNotRegistered, "%s on %s", sender, l.id)
	}
	if _, ok := l.registered[receiver]; !ok {
		return errorsmod.Wrapf(types.ErrAccountNotRegistered, "%s on %s", receiver, l.id)
	}
	if bal := l.tracker.GetBalance(HolderKey(sender)); bal.LT(amount) {
		return errorsmod.Wrapf(types.ErrInsufficientBalance, "%s has %s %s, needs %s", sender, bal, l.id, amount)
	}
	return l.post(Journal{
		DebitAccount:  HolderKey(receiver),
		CreditAccount: HolderKey(sender),
		Amount:        amount,
		JournalType:   jt,
		Memo:          memo,
	})
}

func (l *TokenLedger) checkAmount(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return errorsmod.Wrapf(types.ErrZeroAmount, "token %s", l.id)
	}
	return nil
}

// post validates and applies a single-entry batch. Caller holds mu.
func (l *TokenLedger) post(j Journal) error {
	batch := newBatch(l.id, j)
	if err := l.validator.ValidateBatchBalance(batch); err != nil {
		return err
	}
	if err := l.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	if err := l.validator.ValidateGlobalBalance(); err != nil {
		panic("FATAL: " + err.Error())
	}
	if l.onBatch != nil {
		l.onBatch(batch)
	}
	return nil
}

// CheckInvariants verifies zero-sum and non-negative holder balances.
func (l *TokenLedger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return l.validator.ValidateHolders()
}

// State is the serializable form of a ledger.
type State struct {
	ID         types.AccountID                 `json:"id"`
	Metadata   Metadata                        `json:"metadata"`
	Minter     types.AccountID                 `json:"minter"`
	Registered []types.AccountID               `json:"registered"`
	Balances   map[types.AccountID]sdkmath.Int `json:"balances"`
}

func (l *TokenLedger) Export() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := State{
		ID:       l.id,
		Metadata: l.meta,
		Minter:   l.minter,
		Balances: make(map[types.AccountID]sdkmath.Int),
	}
	for a := range l.registered {
		st.Registered = append(st.Registered, a)
	}
	sort.Slice(st.Registered, func(i, j int) bool { return st.Registered[i] < st.Registered[j] })
	for key, bal := range l.tracker.Snapshot() {
		if key.IsSystem() || bal.IsZero() {
			continue
		}
		st.Balances[key.Account] = bal
	}
	return st
}

// Restore replaces registrations and balances. The issuance account is
// rebuilt so the ledger stays zero-sum.
func (l *TokenLedger) Restore(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered = make(map[types.AccountID]struct{}, len(st.Registered))
	for _, a := range st.Registered {
		l.registered[a] = struct{}{}
	}
	balances := make(map[AccountKey]sdkmath.Int, len(st.Balances)+1)
	supply := sdkmath.ZeroInt()
	for a, bal := range st.Balances {
		balances[HolderKey(a)] = bal
		supply = supply.Add(bal)
	}
	balances[IssuanceAccount] = supply.Neg()
	l.tracker.Reset(balances)
}
