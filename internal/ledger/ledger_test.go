package ledger_test

import (
	"context"
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/ledger"
	"ForwardLedger/internal/types"
)

func amt(v int64) sdkmath.Int { return sdkmath.NewInt(v) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_HolderPath(t *testing.T) {
	key := ledger.HolderKey("alice.near")
	if got := key.AccountPath(); got != "holder:alice.near" {
		t.Errorf("got %q, want %q", got, "holder:alice.near")
	}
}

func TestAccountKey_IssuancePath(t *testing.T) {
	if got := ledger.IssuanceAccount.AccountPath(); got != "system:issuance" {
		t.Errorf("got %q, want %q", got, "system:issuance")
	}
	if !ledger.IssuanceAccount.IsSystem() {
		t.Error("issuance account should be a system account")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if got := bt.GetBalance(ledger.HolderKey("alice.near")); !got.IsZero() {
		t.Errorf("initial balance should be 0, got %s", got)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Token:   "usdc.near",
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				Token:         "usdc.near",
				DebitAccount:  ledger.HolderKey("alice.near"),
				CreditAccount: ledger.IssuanceAccount,
				Amount:        amt(500_000),
			},
		},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.GetBalance(ledger.HolderKey("alice.near")); !got.Equal(amt(500_000)) {
		t.Errorf("got %s, want 500000", got)
	}
	if got := bt.ComputeGlobalBalance(); !got.IsZero() {
		t.Errorf("global balance should be zero, got %s", got)
	}
}

func TestBatch_ValidateRejects(t *testing.T) {
	batchID := uuid.New()
	base := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		Token:         "usdc.near",
		DebitAccount:  ledger.HolderKey("alice.near"),
		CreditAccount: ledger.HolderKey("bob.near"),
		Amount:        amt(10),
	}

	zero := base
	zero.Amount = sdkmath.ZeroInt()
	self := base
	self.CreditAccount = self.DebitAccount
	foreign := base
	foreign.BatchID = uuid.New()
	otherToken := base
	otherToken.Token = "wrap.near"

	tests := []struct {
		name string
		j    []ledger.Journal
	}{
		{"empty", nil},
		{"zero amount", []ledger.Journal{zero}},
		{"self transfer", []ledger.Journal{self}},
		{"mismatched batch", []ledger.Journal{foreign}},
		{"mismatched token", []ledger.Journal{otherToken}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &ledger.Batch{BatchID: batchID, Token: "usdc.near", Journals: tt.j}
			if err := b.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// ============================================================================
// Test: TokenLedger
// ============================================================================

func newToken(t *testing.T, dir *ledger.Directory) *ledger.TokenLedger {
	t.Helper()
	l := ledger.NewTokenLedger("usdc.near", ledger.Metadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6}, "minter.near", dir, zerolog.Nop())
	ctx := context.Background()
	for _, a := range []types.AccountID{"alice.near", "bob.near"} {
		if _, err := l.StorageDeposit(ctx, a); err != nil {
			t.Fatalf("storage deposit %s: %v", a, err)
		}
	}
	return l
}

func TestTokenLedger_MintBurnSupply(t *testing.T) {
	ctx := context.Background()
	l := newToken(t, nil)

	if err := l.Mint(ctx, "minter.near", "alice.near", amt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Burn(ctx, "minter.near", "alice.near", amt(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	if got := l.TotalSupply(); !got.Equal(amt(600)) {
		t.Errorf("supply: got %s, want 600", got)
	}
	if got := l.BalanceOf("alice.near"); !got.Equal(amt(600)) {
		t.Errorf("balance: got %s, want 600", got)
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestTokenLedger_OnlyMinterMints(t *testing.T) {
	ctx := context.Background()
	l := newToken(t, nil)

	err := l.Mint(ctx, "alice.near", "alice.near", amt(1))
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("mint by holder: got %v, want Unauthorized", err)
	}
	err = l.Burn(ctx, "", "alice.near", amt(1))
	if !errors.Is(err, types.ErrNotMinter) {
		t.Errorf("burn by empty caller: got %v, want ErrNotMinter", err)
	}
}

func TestTokenLedger_BurnInsufficient(t *testing.T) {
	ctx := context.Background()
	l := newToken(t, nil)
	_ = l.Mint(ctx, "minter.near", "alice.near", amt(5))

	err := l.Burn(ctx, "minter.near", "alice.near", amt(6))
	if !errors.Is(err, types.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
	if got := l.BalanceOf("alice.near"); !got.Equal(amt(5)) {
		t.Errorf("failed burn changed balance to %s", got)
	}
}

func TestTokenLedger_TransferRequiresRegistration(t *testing.T) {
	ctx := context.Background()
	l := newToken(t, nil)
	_ = l.Mint(ctx, "minter.near", "alice.near", amt(100))

	err := l.Transfer(ctx, "alice.near", "carol.near", amt(10), "")
	if !errors.Is(err, types.ErrAccountNotRegistered) {
		t.Fatalf("got %v, want ErrAccountNotRegistered", err)
	}

	registered, err := l.StorageDeposit(ctx, "carol.near")
	if err != nil || !registered {
		t.Fatalf("storage deposit: registered=%v err=%v", registered, err)
	}
	again, _ := l.StorageDeposit(ctx, "carol.near")
	if again {
		t.Error("second storage deposit should report already registered")
	}

	if err := l.Transfer(ctx, "alice.near", "carol.near", amt(10), "memo"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf("carol.near"); !got.Equal(amt(10)) {
		t.Errorf("got %s, want 10", got)
	}
}

func TestTokenLedger_TransferValidation(t *testing.T) {
	ctx := context.Background()
	l := newToken(t, nil)
	_ = l.Mint(ctx, "minter.near", "alice.near", amt(100))

	if err := l.Transfer(ctx, "alice.near", "bob.near", sdkmath.ZeroInt(), ""); !errors.Is(err, types.ErrZeroAmount) {
		t.Errorf("zero: got %v", err)
	}
	if err := l.Transfer(ctx, "alice.near", "alice.near", amt(1), ""); !errors.Is(err, types.ErrValidation) {
		t.Errorf("self: got %v", err)
	}
	if err := l.Transfer(ctx, "alice.near", "bob.near", amt(101), ""); !errors.Is(err, types.ErrInsufficientBalance) {
		t.Errorf("overdraw: got %v", err)
	}
}

type stubReceiver struct {
	unused sdkmath.Int
	err    error
	calls  int
	msg    string
}

func (s *stubReceiver) OnTransfer(_ context.Context, _, _ types.AccountID, _ sdkmath.Int, msg string) (sdkmath.Int, error) {
	s.calls++
	s.msg = msg
	return s.unused, s.err
}

func TestTokenLedger_TransferAndNotify(t *testing.T) {
	tests := []struct {
		name      string
		receiver  *stubReceiver
		wantUsed  int64
		wantAlice int64
		wantErr   bool
	}{
		{"fully used", &stubReceiver{unused: amt(0)}, 100, 900, false},
		{"partial refund", &stubReceiver{unused: amt(30)}, 70, 930, false},
		{"over-reported unused is capped", &stubReceiver{unused: amt(500)}, 0, 1000, false},
		{"receiver error refunds all", &stubReceiver{unused: amt(0), err: errors.New("boom")}, 0, 1000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := ledger.NewDirectory()
			l := newToken(t, dir)
			_ = l.Mint(ctx, "minter.near", "alice.near", amt(1_000))
			dir.RegisterReceiver("bob.near", tt.receiver)

			used, err := l.TransferAndNotify(ctx, "alice.near", "bob.near", amt(100), "", "mint_1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !used.Equal(amt(tt.wantUsed)) {
				t.Errorf("used: got %s, want %d", used, tt.wantUsed)
			}
			if got := l.BalanceOf("alice.near"); !got.Equal(amt(tt.wantAlice)) {
				t.Errorf("alice: got %s, want %d", got, tt.wantAlice)
			}
			if tt.receiver.msg != "mint_1" {
				t.Errorf("receiver msg: got %q", tt.receiver.msg)
			}
			if err := l.CheckInvariants(); err != nil {
				t.Errorf("invariants: %v", err)
			}
		})
	}
}

func TestTokenLedger_TransferAndNotifyWithoutReceiver(t *testing.T) {
	ctx := context.Background()
	dir := ledger.NewDirectory()
	l := newToken(t, dir)
	_ = l.Mint(ctx, "minter.near", "alice.near", amt(10))

	if _, err := l.TransferAndNotify(ctx, "alice.near", "bob.near", amt(5), "", ""); err == nil {
		t.Fatal("expected error for account without receiver")
	}
	if got := l.BalanceOf("alice.near"); !got.Equal(amt(10)) {
		t.Errorf("balance moved: %s", got)
	}
}

func TestTokenLedger_ExportRestore(t *testing.T) {
	ctx := context.Background()
	l := newToken(t, nil)
	_ = l.Mint(ctx, "minter.near", "alice.near", amt(70))
	_ = l.Transfer(ctx, "alice.near", "bob.near", amt(20), "")

	var journals int
	l.SetJournalHook(func(*ledger.Batch) { journals++ })

	st := l.Export()
	restored := ledger.NewTokenLedger(st.ID, st.Metadata, st.Minter, nil, zerolog.Nop())
	restored.Restore(st)

	if got := restored.TotalSupply(); !got.Equal(amt(70)) {
		t.Errorf("supply: got %s, want 70", got)
	}
	if got := restored.BalanceOf("bob.near"); !got.Equal(amt(20)) {
		t.Errorf("bob: got %s, want 20", got)
	}
	if !restored.IsRegistered("alice.near") {
		t.Error("registration lost on restore")
	}
	if err := restored.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
	if journals != 0 {
		t.Errorf("export must not post journals, got %d", journals)
	}
}
