package factory

import (
	"context"

	errorsmod "cosmossdk.io/errors"

	"ForwardLedger/internal/access"
	"ForwardLedger/internal/event"
	"ForwardLedger/internal/market"
	"ForwardLedger/internal/types"
)

// GetMarket looks a market up by its params key.
func (f *Factory) GetMarket(key string) (market.Info, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.byKey[key]
	if !ok {
		return market.Info{}, false
	}
	return e.info, true
}

func (f *Factory) GetMarketByParams(params market.Params) (market.Info, bool) {
	return f.GetMarket(params.Key())
}

// Market returns the live market for key.
func (f *Factory) Market(key string) (*market.Market, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.byKey[key]
	if !ok {
		return nil, false
	}
	return e.market, true
}

// MarketByID resolves a market account id.
func (f *Factory) MarketByID(id types.AccountID) (*market.Market, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	key, ok := f.byID[id]
	if !ok {
		return nil, false
	}
	return f.byKey[key].market, true
}

// Resolve accepts either a params key or a market id.
func (f *Factory) Resolve(ref string) (*market.Market, error) {
	if m, ok := f.Market(ref); ok {
		return m, nil
	}
	if m, ok := f.MarketByID(types.AccountID(ref)); ok {
		return m, nil
	}
	return nil, errorsmod.Wrapf(types.ErrUnknownMarket, "%s", ref)
}

func (f *Factory) GetMarketsByCreator(creator types.AccountID) []market.Info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := f.byCreator[creator]
	out := make([]market.Info, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.byKey[k].info)
	}
	return out
}

// GetAllMarkets returns up to limit markets in deployment order starting
// at sequence index from. A zero limit means DefaultPageLimit; larger
// limits are capped at the configured maximum.
func (f *Factory) GetAllMarkets(from, limit uint64) []market.Info {
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit > f.cfg.MaxPageLimit {
		limit = f.cfg.MaxPageLimit
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	total := uint64(len(f.sequence))
	if from >= total {
		return []market.Info{}
	}
	end := from + limit
	if end > total || end < from {
		end = total
	}
	out := make([]market.Info, 0, end-from)
	for _, k := range f.sequence[from:end] {
		out = append(out, f.byKey[k].info)
	}
	return out
}

func (f *Factory) GetMarketCount() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.sequence))
}

// Markets returns every live market in deployment order.
func (f *Factory) Markets() []*market.Market {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*market.Market, 0, len(f.sequence))
	for _, k := range f.sequence {
		out = append(out, f.byKey[k].market)
	}
	return out
}

func (f *Factory) Paused() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.paused
}

// Oracle is the oracle new markets are bound to.
func (f *Factory) Oracle() types.AccountID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.oracleID
}

// FeeCollector is the collector new markets route fees to.
func (f *Factory) FeeCollector() types.AccountID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.feeCollector
}

// SetPaused blocks or allows deployments. Owner or guardian.
func (f *Factory) SetPaused(_ context.Context, caller types.AccountID, paused bool) error {
	if err := f.roles.RequirePrivileged(caller); err != nil {
		return err
	}
	f.mu.Lock()
	f.paused = paused
	f.mu.Unlock()

	f.log.Info().Bool("paused", paused).Str("by", caller.String()).Msg("factory pause changed")
	f.sink.Emit(&event.PauseChanged{
		Base:   event.NewBase("", f.clock()),
		Scope:  "factory",
		Paused: paused,
		By:     caller.String(),
	})
	return nil
}

// UpdateOracle rebinds future deployments to another oracle. Existing
// markets keep the oracle they were deployed with. Owner only.
func (f *Factory) UpdateOracle(_ context.Context, caller, oracleID types.AccountID) error {
	if err := f.roles.RequireOwner(caller); err != nil {
		return err
	}
	if err := oracleID.Validate(); err != nil {
		return err
	}
	if _, ok := f.resolver.Oracle(oracleID); !ok {
		return errorsmod.Wrapf(types.ErrInvalidAccount, "oracle %s is not reachable", oracleID)
	}
	f.mu.Lock()
	f.oracleID = oracleID
	f.mu.Unlock()
	f.adminUpdated("oracle", oracleID, caller)
	return nil
}

// UpdateFeeCollector rebinds future deployments to another collector.
// Owner only.
func (f *Factory) UpdateFeeCollector(_ context.Context, caller, collector types.AccountID) error {
	if err := f.roles.RequireOwner(caller); err != nil {
		return err
	}
	if err := collector.Validate(); err != nil {
		return err
	}
	if _, ok := f.resolver.FeeCollector(collector); !ok {
		return errorsmod.Wrapf(types.ErrInvalidAccount, "fee collector %s is not reachable", collector)
	}
	f.mu.Lock()
	f.feeCollector = collector
	f.mu.Unlock()
	f.adminUpdated("fee_collector", collector, caller)
	return nil
}

// UpdateGuardian replaces the guardian of the factory and of every market
// it deployed. Owner only.
func (f *Factory) UpdateGuardian(_ context.Context, caller, guardian types.AccountID) error {
	if err := f.roles.RequireOwner(caller); err != nil {
		return err
	}
	if err := guardian.Validate(); err != nil {
		return err
	}
	f.roles.Assign(access.RoleGuardian, guardian)
	f.adminUpdated("guardian", guardian, caller)
	return nil
}

func (f *Factory) adminUpdated(field string, value, by types.AccountID) {
	f.log.Info().Str("field", field).Str("value", value.String()).Str("by", by.String()).Msg("factory admin updated")
	f.sink.Emit(&event.AdminUpdated{
		Base:  event.NewBase("", f.clock()),
		Field: field,
		Value: value.String(),
		By:    by.String(),
	})
}
