package core

import (
	"context"

	errorsmod "cosmossdk.io/errors"

	"ForwardLedger/internal/ledger"
	"ForwardLedger/internal/market"
	"ForwardLedger/internal/types"
)

func (e *Engine) dispatch(ctx context.Context, cmd Command) (interface{}, error) {
	switch cmd.Type {
	case CmdDeployMarket:
		var p DeployMarketPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		info, created, err := e.factory.DeployMarket(ctx, cmd.Caller, p.Params, p.Deposit)
		if err != nil {
			return nil, err
		}
		return DeployResult{Market: info, Created: created}, nil

	case CmdCreatePosition:
		var p CreatePositionPayload
		m, err := e.decodeMarket(cmd, &p, func() string { return p.Market })
		if err != nil {
			return nil, err
		}
		return m.CreatePosition(ctx, cmd.Caller, p.Amount)

	case CmdSettle:
		var p MarketRef
		m, err := e.decodeMarket(cmd, &p, func() string { return p.Market })
		if err != nil {
			return nil, err
		}
		return m.Settle(ctx)

	case CmdRedeem:
		var p RedeemPayload
		m, err := e.decodeMarket(cmd, &p, func() string { return p.Market })
		if err != nil {
			return nil, err
		}
		return m.Redeem(ctx, cmd.Caller, p.LongAmount, p.ShortAmount)

	case CmdSetMarketPaused:
		var p SetMarketPausedPayload
		m, err := e.decodeMarket(cmd, &p, func() string { return p.Market })
		if err != nil {
			return nil, err
		}
		if err := m.SetPaused(ctx, cmd.Caller, p.PauseMint, p.PauseSettle); err != nil {
			return nil, err
		}
		return m.State(), nil

	case CmdRetryFeeRouting:
		var p MarketRef
		m, err := e.decodeMarket(cmd, &p, func() string { return p.Market })
		if err != nil {
			return nil, err
		}
		return AmountResult{Amount: m.RetryFeeRouting(ctx)}, nil

	case CmdSetFactoryPaused:
		var p PausePayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		return nil, e.factory.SetPaused(ctx, cmd.Caller, p.Paused)

	case CmdUpdateOracle:
		var p AccountPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		return nil, e.factory.UpdateOracle(ctx, cmd.Caller, p.Account)

	case CmdUpdateFeeCollector:
		var p AccountPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		return nil, e.factory.UpdateFeeCollector(ctx, cmd.Caller, p.Account)

	case CmdUpdateGuardian:
		var p AccountPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		return nil, e.factory.UpdateGuardian(ctx, cmd.Caller, p.Account)

	case CmdConfigureOracle:
		var p ConfigureOraclePayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		return nil, e.router.ConfigureOracle(ctx, cmd.Caller, p.Pair, p.Config)

	case CmdFetchPrice:
		var p FetchPricePayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		if p.Persist {
			return e.router.FetchAndCachePrice(ctx, p.Pair)
		}
		return e.router.FetchPrice(ctx, p.Pair)

	case CmdSetOraclePaused:
		var p PausePayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		return nil, e.router.SetPaused(ctx, cmd.Caller, p.Paused)

	case CmdWithdrawFees:
		var p WithdrawFeesPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		amount, err := e.collector.WithdrawFees(ctx, cmd.Caller, p.Token, p.Amount)
		if err != nil {
			return nil, err
		}
		return AmountResult{Amount: amount}, nil

	case CmdSetTreasury:
		var p AccountPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		return nil, e.collector.SetTreasury(ctx, cmd.Caller, p.Account)

	case CmdRecordObservation:
		return e.recordObservation(cmd)

	case CmdStorageDeposit:
		var p StorageDepositPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		l, err := e.tokenLedger(p.Token)
		if err != nil {
			return nil, err
		}
		account := p.Account
		if account == "" {
			account = cmd.Caller
		}
		registered, err := l.StorageDeposit(ctx, account)
		if err != nil {
			return nil, err
		}
		return RegisteredResult{Registered: registered}, nil

	case CmdTransfer:
		var p TransferPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		l, err := e.tokenLedger(p.Token)
		if err != nil {
			return nil, err
		}
		return nil, l.Transfer(ctx, cmd.Caller, p.Receiver, p.Amount, p.Memo)

	case CmdMint:
		var p MintPayload
		if err := cmd.decode(&p); err != nil {
			return nil, err
		}
		l, err := e.tokenLedger(p.Token)
		if err != nil {
			return nil, err
		}
		return nil, l.Mint(ctx, cmd.Caller, p.Account, p.Amount)
	}
	return nil, errorsmod.Wrapf(types.ErrMalformedCommand, "unhandled command %q", cmd.Type)
}

// decodeMarket decodes the payload and resolves the market it references.
func (e *Engine) decodeMarket(cmd Command, into interface{}, ref func() string) (*market.Market, error) {
	if err := cmd.decode(into); err != nil {
		return nil, err
	}
	return e.factory.Resolve(ref())
}

func (e *Engine) tokenLedger(id types.AccountID) (*ledger.TokenLedger, error) {
	l, ok := e.directory.Ledger(id)
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrUnknownToken, "%s", id)
	}
	return l, nil
}

func (e *Engine) recordObservation(cmd Command) (interface{}, error) {
	if e.cfg.Reporter != "" && cmd.Caller != e.cfg.Reporter {
		return nil, errorsmod.Wrapf(types.ErrUnauthorized, "%s may not report prices", cmd.Caller)
	}
	var p ObservationPayload
	if err := cmd.decode(&p); err != nil {
		return nil, err
	}
	u := p.Update
	if u.PoolID == 0 {
		return nil, errorsmod.Wrap(types.ErrMalformedCommand, "pool id is required")
	}
	if err := u.Pair.Validate(); err != nil {
		return nil, err
	}
	if err := e.sequenceValidator.ValidateObservationSequence(u.PoolID, p.Sequence); err != nil {
		if e.metrics != nil {
			e.metrics.ObservationStale.WithLabelValues(poolPartition(u.PoolID)).Inc()
		}
		return nil, err
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = cmd.At
	}
	accepted := e.feed.Record(u)
	if !accepted && e.metrics != nil {
		e.metrics.ObservationStale.WithLabelValues(poolPartition(u.PoolID)).Inc()
	}
	return ObservationResult{Accepted: accepted}, nil
}
