package market

import (
	"context"
	"fmt"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/event"
	"ForwardLedger/internal/fees"
	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/types"
)

type pendingAction struct {
	account types.AccountID
	amount  sdkmath.Int

	// set by the transfer callback
	done    bool
	outcome Position
	err     error
}

// Position is the outcome of a successful CreatePosition.
type Position struct {
	ActionID string          `json:"action_id"`
	Account  types.AccountID `json:"account"`
	Amount   sdkmath.Int     `json:"amount"`
	Fee      sdkmath.Int     `json:"fee"`
	Minted   sdkmath.Int     `json:"minted"`
}

// Redemption is the outcome of a successful Redeem.
type Redemption struct {
	Account     types.AccountID `json:"account"`
	LongAmount  sdkmath.Int     `json:"long_amount"`
	ShortAmount sdkmath.Int     `json:"short_amount"`
	Payout      sdkmath.Int     `json:"payout"`
	Fee         sdkmath.Int     `json:"fee"`
	NetPayout   sdkmath.Int     `json:"net_payout"`
}

// CreatePosition pulls amount of quote collateral from caller and mints
// the net amount of both LONG and SHORT to caller once the collateral has
// arrived. The mint fee is routed to the fee collector afterwards.
func (m *Market) CreatePosition(ctx context.Context, caller types.AccountID, amount sdkmath.Int) (Position, error) {
	if err := caller.Validate(); err != nil {
		return Position{}, err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return Position{}, types.ErrZeroAmount
	}
	if amount.GT(fpmath.MaxAmount) {
		return Position{}, errorsmod.Wrapf(types.ErrInvalidAmount, "%s", amount)
	}

	m.mu.Lock()
	if err := m.checkMintableLocked(); err != nil {
		m.mu.Unlock()
		return Position{}, err
	}
	m.nextAction++
	actionID := fmt.Sprintf("mint_%d", m.nextAction)
	action := &pendingAction{account: caller, amount: amount}
	m.pending[actionID] = action
	m.mu.Unlock()

	used, err := m.quote.TransferAndNotify(ctx, caller, m.info.MarketID, amount, "create_position", actionID)

	m.mu.Lock()
	delete(m.pending, actionID)
	done, outcome, cbErr := action.done, action.outcome, action.err
	m.mu.Unlock()

	switch {
	case err != nil && !done:
		return Position{}, err
	case cbErr != nil:
		return Position{}, cbErr
	case err != nil:
		return Position{}, err
	case !done:
		return Position{}, errorsmod.Wrapf(types.ErrNoPendingAction, "%s was not delivered", actionID)
	case !used.Equal(amount):
		// the callback accepted, so the ledger could not have refunded
		return Position{}, fmt.Errorf("market %s: %s used %s of %s", m.info.MarketID, actionID, used, amount)
	}

	m.routeFee(ctx, fees.KindMint, outcome.Fee)
	return outcome, nil
}

func (m *Market) checkMintableLocked() error {
	switch {
	case m.st.PausedMint:
		return types.ErrMintPaused
	case m.st.IsSettled:
		return types.ErrAlreadySettled
	case !m.clock().Before(m.info.Params.Maturity):
		return errorsmod.Wrapf(types.ErrMarketExpired, "matured at %s", m.info.Params.Maturity)
	}
	return nil
}

// OnTransfer receives collateral for a pending action. Anything that does
// not match a pending action exactly is refunded in full.
func (m *Market) OnTransfer(ctx context.Context, token, sender types.AccountID, amount sdkmath.Int, msg string) (sdkmath.Int, error) {
	if token != m.info.Params.Quote {
		m.log.Warn().Str("token", token.String()).Str("sender", sender.String()).Msg("refunding transfer of wrong token")
		return amount, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.pending[msg]
	if !ok || action.done || action.account != sender || !action.amount.Equal(amount) {
		m.log.Warn().Str("msg", msg).Str("sender", sender.String()).Str("amount", amount.String()).Msg("refunding transfer without matching action")
		return amount, nil
	}
	action.done = true

	if err := m.checkMintableLocked(); err != nil {
		action.err = err
		m.rejectLocked(msg, action, err)
		return amount, nil
	}

	fee := fpmath.FeeFromBps(amount, m.info.Params.MintFeeBps)
	net := amount.Sub(fee)
	if err := m.mintPairLocked(ctx, sender, net); err != nil {
		action.err = err
		m.rejectLocked(msg, action, err)
		return amount, nil
	}

	m.st.TotalCollateral = m.st.TotalCollateral.Add(net)
	m.st.LongTokenSupply = m.st.LongTokenSupply.Add(net)
	m.st.ShortTokenSupply = m.st.ShortTokenSupply.Add(net)
	if prev, ok := m.deposits[sender]; ok {
		m.deposits[sender] = prev.Add(net)
	} else {
		m.deposits[sender] = net
	}

	action.outcome = Position{ActionID: msg, Account: sender, Amount: amount, Fee: fee, Minted: net}

	m.log.Info().
		Str("action", msg).
		Str("account", sender.String()).
		Str("amount", amount.String()).
		Str("fee", fee.String()).
		Msg("position created")
	m.sink.Emit(&event.PositionCreated{
		Base:     m.base(),
		ActionID: msg,
		Account:  sender.String(),
		Amount:   amount,
		Fee:      fee,
		Minted:   net,
	})
	return sdkmath.ZeroInt(), nil
}

func (m *Market) rejectLocked(actionID string, action *pendingAction, reason error) {
	m.log.Warn().Err(reason).Str("action", actionID).Str("account", action.account.String()).Msg("position rejected, refunding")
	m.sink.Emit(&event.PositionRejected{
		Base:     m.base(),
		ActionID: actionID,
		Account:  action.account.String(),
		Amount:   action.amount,
		Reason:   reason.Error(),
	})
}

// mintPairLocked is the only place claims are minted. Both sides move
// together or not at all.
func (m *Market) mintPairLocked(ctx context.Context, account types.AccountID, amount sdkmath.Int) error {
	if _, err := m.long.StorageDeposit(ctx, account); err != nil {
		return err
	}
	if _, err := m.short.StorageDeposit(ctx, account); err != nil {
		return err
	}
	if err := m.long.Mint(ctx, m.info.MarketID, account, amount); err != nil {
		return err
	}
	if err := m.short.Mint(ctx, m.info.MarketID, account, amount); err != nil {
		if undo := m.long.Burn(ctx, m.info.MarketID, account, amount); undo != nil {
			panic(fmt.Sprintf("FATAL: market %s: cannot unwind long mint: %v", m.info.MarketID, undo))
		}
		return err
	}
	return nil
}

// Redeem burns the given claim amounts and pays their settled value, net
// of the redeem fee, from the collateral pool.
func (m *Market) Redeem(ctx context.Context, caller types.AccountID, longAmount, shortAmount sdkmath.Int) (Redemption, error) {
	if longAmount.IsNil() {
		longAmount = sdkmath.ZeroInt()
	}
	if shortAmount.IsNil() {
		shortAmount = sdkmath.ZeroInt()
	}
	if longAmount.IsNegative() || shortAmount.IsNegative() {
		return Redemption{}, errorsmod.Wrap(types.ErrInvalidAmount, "negative redeem amount")
	}
	if longAmount.IsZero() && shortAmount.IsZero() {
		return Redemption{}, errorsmod.Wrap(types.ErrZeroAmount, "nothing to redeem")
	}

	m.mu.Lock()
	r, err := m.redeemLocked(ctx, caller, longAmount, shortAmount)
	m.mu.Unlock()
	if err != nil {
		return Redemption{}, err
	}

	m.routeFee(ctx, fees.KindRedeem, r.Fee)
	return r, nil
}

func (m *Market) redeemLocked(ctx context.Context, caller types.AccountID, longAmount, shortAmount sdkmath.Int) (Redemption, error) {
	if !m.st.IsSettled {
		return Redemption{}, types.ErrNotSettled
	}
	if bal := m.long.BalanceOf(caller); bal.LT(longAmount) {
		return Redemption{}, errorsmod.Wrapf(types.ErrInsufficientBalance, "%s holds %s LONG, redeeming %s", caller, bal, longAmount)
	}
	if bal := m.short.BalanceOf(caller); bal.LT(shortAmount) {
		return Redemption{}, errorsmod.Wrapf(types.ErrInsufficientBalance, "%s holds %s SHORT, redeeming %s", caller, bal, shortAmount)
	}

	factor := *m.st.SettlementFactor
	gross := fpmath.LongValue(longAmount, factor).Add(fpmath.ShortValue(shortAmount, factor))
	payout := m.scaleToPoolLocked(gross)
	fee := fpmath.FeeFromBps(payout, m.info.Params.RedeemFeeBps)
	net := payout.Sub(fee)
	if payout.GT(m.st.TotalCollateral) {
		return Redemption{}, errorsmod.Wrapf(types.ErrInsufficientCollateral, "payout %s, collateral %s", payout, m.st.TotalCollateral)
	}

	if err := m.burnLocked(ctx, caller, longAmount, shortAmount); err != nil {
		return Redemption{}, err
	}
	prev := m.st.clone()
	m.st.TotalCollateral = m.st.TotalCollateral.Sub(payout)
	m.st.LongTokenSupply = m.st.LongTokenSupply.Sub(longAmount)
	m.st.ShortTokenSupply = m.st.ShortTokenSupply.Sub(shortAmount)

	if net.IsPositive() {
		if err := m.quote.Transfer(ctx, m.info.MarketID, caller, net, "redeem"); err != nil {
			// undo the burn and the decrement as one unit
			m.st = prev
			m.remintLocked(ctx, caller, longAmount, shortAmount)
			m.log.Warn().Err(err).Str("account", caller.String()).Msg("redemption payout failed, reverted")
			return Redemption{}, err
		}
	}

	r := Redemption{
		Account:     caller,
		LongAmount:  longAmount,
		ShortAmount: shortAmount,
		Payout:      payout,
		Fee:         fee,
		NetPayout:   net,
	}
	m.log.Info().
		Str("account", caller.String()).
		Str("long", longAmount.String()).
		Str("short", shortAmount.String()).
		Str("payout", payout.String()).
		Msg("position redeemed")
	m.sink.Emit(&event.PositionRedeemed{
		Base:        m.base(),
		Account:     caller.String(),
		LongAmount:  longAmount,
		ShortAmount: shortAmount,
		Payout:      payout,
		Fee:         fee,
		NetPayout:   net,
	})
	return r, nil
}

func (m *Market) burnLocked(ctx context.Context, account types.AccountID, longAmount, shortAmount sdkmath.Int) error {
	if longAmount.IsPositive() {
		if err := m.long.Burn(ctx, m.info.MarketID, account, longAmount); err != nil {
			return err
		}
	}
	if shortAmount.IsPositive() {
		if err := m.short.Burn(ctx, m.info.MarketID, account, shortAmount); err != nil {
			if longAmount.IsPositive() {
				m.remintLocked(ctx, account, longAmount, sdkmath.ZeroInt())
			}
			return err
		}
	}
	return nil
}

func (m *Market) remintLocked(ctx context.Context, account types.AccountID, longAmount, shortAmount sdkmath.Int) {
	if longAmount.IsPositive() {
		if err := m.long.Mint(ctx, m.info.MarketID, account, longAmount); err != nil {
			panic(fmt.Sprintf("FATAL: market %s: cannot restore burned LONG: %v", m.info.MarketID, err))
		}
	}
	if shortAmount.IsPositive() {
		if err := m.short.Mint(ctx, m.info.MarketID, account, shortAmount); err != nil {
			panic(fmt.Sprintf("FATAL: market %s: cannot restore burned SHORT: %v", m.info.MarketID, err))
		}
	}
}
