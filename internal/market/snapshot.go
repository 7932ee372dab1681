package market

import (
	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/fees"
	"ForwardLedger/internal/types"
)

// Snapshot is the serializable form of a market. Pending actions are
// never captured: they only live for the duration of one call.
type Snapshot struct {
	Info       Info                            `json:"info"`
	State      State                           `json:"state"`
	Deposits   map[types.AccountID]sdkmath.Int `json:"deposits"`
	Unrouted   map[fees.Kind]sdkmath.Int       `json:"unrouted"`
	NextAction uint64                          `json:"next_action"`
}

func (m *Market) Export() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Info:       m.info,
		State:      m.st.clone(),
		Deposits:   make(map[types.AccountID]sdkmath.Int, len(m.deposits)),
		Unrouted:   make(map[fees.Kind]sdkmath.Int, len(m.unrouted)),
		NextAction: m.nextAction,
	}
	for k, v := range m.deposits {
		s.Deposits[k] = v
	}
	for k, v := range m.unrouted {
		s.Unrouted[k] = v
	}
	return s
}

// Restore replaces the mutable state. Info is fixed at construction and
// is not touched.
func (m *Market) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = s.State.clone()
	if m.st.TotalCollateral.IsNil() {
		m.st.TotalCollateral = sdkmath.ZeroInt()
	}
	if m.st.LongTokenSupply.IsNil() {
		m.st.LongTokenSupply = sdkmath.ZeroInt()
	}
	if m.st.ShortTokenSupply.IsNil() {
		m.st.ShortTokenSupply = sdkmath.ZeroInt()
	}
	m.deposits = make(map[types.AccountID]sdkmath.Int, len(s.Deposits))
	for k, v := range s.Deposits {
		m.deposits[k] = v
	}
	m.unrouted = make(map[fees.Kind]sdkmath.Int, len(s.Unrouted))
	for k, v := range s.Unrouted {
		m.unrouted[k] = v
	}
	m.nextAction = s.NextAction
	m.pending = make(map[string]*pendingAction)
}
