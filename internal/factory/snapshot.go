package factory

import (
	"fmt"

	"ForwardLedger/internal/access"
	"ForwardLedger/internal/ledger"
	"ForwardLedger/internal/market"
	"ForwardLedger/internal/types"
)

// MarketSnapshot carries a market together with its claim ledgers.
type MarketSnapshot struct {
	Market market.Snapshot `json:"market"`
	Long   ledger.State    `json:"long"`
	Short  ledger.State    `json:"short"`
}

type State struct {
	Roles        map[access.Role]types.AccountID `json:"roles"`
	Paused       bool                            `json:"paused"`
	Oracle       types.AccountID                 `json:"oracle"`
	FeeCollector types.AccountID                 `json:"fee_collector"`
	Markets      []MarketSnapshot                `json:"markets"`
}

func (f *Factory) Export() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := State{
		Roles:        f.roles.Snapshot(),
		Paused:       f.paused,
		Oracle:       f.oracleID,
		FeeCollector: f.feeCollector,
	}
	for _, k := range f.sequence {
		e := f.byKey[k]
		ms := MarketSnapshot{Market: e.market.Export()}
		if l, ok := f.directory.Ledger(e.info.LongToken); ok {
			ms.Long = l.Export()
		}
		if l, ok := f.directory.Ledger(e.info.ShortToken); ok {
			ms.Short = l.Export()
		}
		st.Markets = append(st.Markets, ms)
	}
	return st
}

// Restore rebuilds every market from a snapshot into an empty factory.
// Quote ledgers must already be present in the directory.
func (f *Factory) Restore(st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sequence) > 0 {
		return fmt.Errorf("factory %s: restore into a non-empty registry", f.cfg.ID)
	}
	if len(st.Roles) > 0 {
		f.roles.Restore(st.Roles)
	}
	f.paused = st.Paused
	if st.Oracle != "" {
		f.oracleID = st.Oracle
	}
	if st.FeeCollector != "" {
		f.feeCollector = st.FeeCollector
	}

	for _, ms := range st.Markets {
		info := ms.Market.Info
		quote, ok := f.directory.Ledger(info.Params.Quote)
		if !ok {
			return fmt.Errorf("factory %s: quote ledger %s missing for %s", f.cfg.ID, info.Params.Quote, info.MarketID)
		}
		priceOracle, ok := f.resolver.Oracle(info.Oracle)
		if !ok {
			return fmt.Errorf("factory %s: oracle %s missing for %s", f.cfg.ID, info.Oracle, info.MarketID)
		}
		m, err := f.instantiateRestored(ms, quote, priceOracle)
		if err != nil {
			return err
		}
		m.Restore(ms.Market)
		f.indexLocked(&entry{info: info, market: m})
	}
	f.log.Info().Int("markets", len(st.Markets)).Msg("registry restored")
	return nil
}

func (f *Factory) instantiateRestored(ms MarketSnapshot, quote *ledger.TokenLedger, priceOracle market.PriceOracle) (*market.Market, error) {
	info := ms.Market.Info
	long := ledger.NewTokenLedger(info.LongToken, ms.Long.Metadata, info.MarketID, f.directory, f.log)
	long.Restore(ms.Long)
	short := ledger.NewTokenLedger(info.ShortToken, ms.Short.Metadata, info.MarketID, f.directory, f.log)
	short.Restore(ms.Short)
	return market.New(info, market.Deps{
		Quote:     quote,
		Long:      long,
		Short:     short,
		Oracle:    priceOracle,
		Roles:     f.roles,
		Directory: f.directory,
		Sink:      f.sink,
		Clock:     f.clock,
		Log:       f.log,
	})
}
