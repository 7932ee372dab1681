package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/ingestion"
	"ForwardLedger/internal/market"
	fpmath "ForwardLedger/internal/math"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/query"
	"ForwardLedger/internal/types"
)

const (
	CallerHeader      = "X-Account-Id"
	IdempotencyHeader = "Idempotency-Key"
	RequestIDHeader   = "X-Request-Id"

	maxBodyBytes     = 1 << 20
	defaultPageLimit = 50
	maxPageLimit     = 500
)

type requestIDKey struct{}

// handlerFunc returns the status and body of a successful call, or an
// error rendered by writeError.
type handlerFunc func(r *http.Request, p map[string]string) (int, interface{}, error)

type route struct {
	method  string
	pattern string
	name    string
	h       handlerFunc
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []route{
		// markets
		{"POST", "/v1/markets", "deploy_market", s.deployMarket},
		{"GET", "/v1/markets", "list_markets", s.listMarkets},
		{"POST", "/v1/markets/lookup", "lookup_market", s.lookupMarket},
		{"GET", "/v1/markets/{market}", "get_market", s.getMarket},
		{"POST", "/v1/markets/{market}/positions", "create_position", s.createPosition},
		{"POST", "/v1/markets/{market}/settle", "settle", s.settle},
		{"POST", "/v1/markets/{market}/redeem", "redeem", s.redeem},
		{"GET", "/v1/markets/{market}/preview", "preview_settlement", s.previewSettlement},
		{"GET", "/v1/markets/{market}/deposits/{account}", "user_deposit", s.userDeposit},
		{"POST", "/v1/markets/{market}/pause", "set_market_paused", s.setMarketPaused},
		{"POST", "/v1/markets/{market}/retry-fees", "retry_fee_routing", s.retryFeeRouting},
		{"GET", "/v1/markets/{market}/summary", "market_summary", s.marketSummary},
		{"GET", "/v1/creators/{account}/markets", "markets_by_creator", s.marketsByCreator},
		{"GET", "/v1/summaries", "list_summaries", s.listSummaries},
		{"GET", "/v1/stats", "stats", s.stats},

		// factory administration
		{"POST", "/v1/admin/factory/pause", "set_factory_paused", s.setFactoryPaused},
		{"POST", "/v1/admin/factory/oracle", "update_oracle", s.accountCommand(core.CmdUpdateOracle)},
		{"POST", "/v1/admin/factory/fee-collector", "update_fee_collector", s.accountCommand(core.CmdUpdateFeeCollector)},
		{"POST", "/v1/admin/factory/guardian", "update_guardian", s.accountCommand(core.CmdUpdateGuardian)},

		// operations
		{"POST", "/v1/admin/snapshots", "create_snapshot", s.createSnapshot},
		{"GET", "/v1/admin/snapshots", "list_snapshots", s.listSnapshots},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", s.rebuildProjections},
		{"GET", "/v1/admin/integrity", "verify_integrity", s.verifyIntegrity},

		// oracle
		{"POST", "/v1/oracle/configs", "configure_oracle", s.configureOracle},
		{"GET", "/v1/oracle/configs/{underlying}/{quote}", "get_oracle_config", s.getOracleConfig},
		{"GET", "/v1/oracle/prices/{underlying}/{quote}", "get_price", s.getPrice},
		{"POST", "/v1/oracle/prices/{underlying}/{quote}/fetch", "fetch_price", s.fetchPrice},
		{"POST", "/v1/oracle/prices/{underlying}/{quote}/observations", "record_observation", s.recordObservation},
		{"POST", "/v1/oracle/pause", "set_oracle_paused", s.setOraclePaused},

		// fees
		{"GET", "/v1/fees", "collected_fees", s.collectedFees},
		{"GET", "/v1/fees/markets/{market}", "market_fees", s.marketFees},
		{"POST", "/v1/fees/withdraw", "withdraw_fees", s.withdrawFees},
		{"POST", "/v1/fees/treasury", "set_treasury", s.accountCommand(core.CmdSetTreasury)},

		// tokens
		{"GET", "/v1/tokens", "list_tokens", s.listTokens},
		{"GET", "/v1/tokens/{token}/balances/{account}", "balance_of", s.balanceOf},
		{"POST", "/v1/tokens/{token}/storage-deposit", "storage_deposit", s.storageDeposit},
		{"POST", "/v1/tokens/{token}/transfer", "transfer", s.transfer},
		{"POST", "/v1/tokens/{token}/mint", "mint", s.mint},

		// accounts
		{"GET", "/v1/accounts/{account}/activity", "account_activity", s.accountActivity},
		{"GET", "/v1/accounts/{account}/commands", "command_history", s.commandHistory},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.name, rt.h)); err != nil {
			return errorsmod.Wrapf(err, "register %s %s", rt.method, rt.pattern)
		}
	}
	return nil
}

// wrap assigns the request id, renders the result and records metrics.
func (s *Server) wrap(name string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		rid := r.Header.Get(IdempotencyHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, rid))
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		status, body, err := h(r, p)
		if err != nil {
			status = writeError(w, err)
			if status == http.StatusInternalServerError {
				s.log.Error().Err(err).Str("route", name).Str("request_id", rid).Msg("request failed")
			} else {
				s.log.Debug().Err(err).Str("route", name).Str("request_id", rid).Int("status", status).Msg("request rejected")
			}
		} else {
			writeJSON(w, status, body)
		}

		if m := s.deps.Metrics; m != nil {
			m.APIRequests.WithLabelValues(name, strconv.Itoa(status)).Inc()
			m.APIDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// --- request helpers ---

func requestID(r *http.Request) string {
	if rid, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return rid
	}
	return uuid.NewString()
}

func callerOf(r *http.Request) (types.AccountID, error) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		return "", errorsmod.Wrapf(types.ErrUnauthorized, "missing %s header", CallerHeader)
	}
	caller := types.AccountID(raw)
	if err := caller.Validate(); err != nil {
		return "", errorsmod.Wrapf(types.ErrInvalidAccount, "caller: %v", err)
	}
	return caller, nil
}

// decode reads a JSON body. An empty body leaves into untouched when
// optional is set.
func decode(r *http.Request, into interface{}, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errorsmod.Wrap(types.ErrMalformedCommand, "request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return errorsmod.Wrapf(types.ErrMalformedCommand, "decode body: %v", err)
	}
	return nil
}

func amount(field, s string) (sdkmath.Int, error) {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return sdkmath.Int{}, errorsmod.Wrapf(err, "%s", field)
	}
	return v, nil
}

// optionalAmount treats an empty string as zero.
func optionalAmount(field, s string) (sdkmath.Int, error) {
	if s == "" {
		return sdkmath.ZeroInt(), nil
	}
	return amount(field, s)
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errorsmod.Wrapf(types.ErrInvalidPage, "%s=%q", name, raw)
	}
	return v, nil
}

func pageLimit(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		return 0, err
	}
	if limit == 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	return int(limit), nil
}

func pathPair(p map[string]string) (oracle.Pair, error) {
	pair := oracle.Pair{Underlying: types.AccountID(p["underlying"]), Quote: types.AccountID(p["quote"])}
	return pair, pair.Validate()
}

// execute runs one command for the calling account.
func (s *Server) execute(r *http.Request, typ core.CommandType, payload interface{}) (interface{}, error) {
	caller, err := callerOf(r)
	if err != nil {
		return nil, err
	}
	cmd, err := core.NewCommand(requestID(r), typ, caller, payload)
	if err != nil {
		return nil, err
	}
	return s.deps.Engine.Execute(r.Context(), cmd)
}

// requireOwner guards operational routes that are not engine commands.
func (s *Server) requireOwner(r *http.Request) error {
	caller, err := callerOf(r)
	if err != nil {
		return err
	}
	return s.deps.Engine.Factory().Roles().RequireOwner(caller)
}

func (s *Server) resolve(ref string) (*market.Market, error) {
	return s.deps.Engine.Factory().Resolve(ref)
}

// --- markets ---

type deployRequest struct {
	Underlying   string    `json:"underlying"`
	Quote        string    `json:"quote"`
	Maturity     time.Time `json:"maturity"`
	StrikeK      string    `json:"strike_k"`
	LowerBoundL  string    `json:"lower_bound_l"`
	UpperBoundU  string    `json:"upper_bound_u"`
	MintFeeBps   uint16    `json:"mint_fee_bps"`
	SettleFeeBps uint16    `json:"settle_fee_bps"`
	RedeemFeeBps uint16    `json:"redeem_fee_bps"`
	// Deposit is the attached storage deposit in native token base units.
	Deposit string `json:"deposit"`
}

func (d deployRequest) params() (market.Params, error) {
	p := market.Params{
		Underlying:   types.AccountID(d.Underlying),
		Quote:        types.AccountID(d.Quote),
		Maturity:     d.Maturity.UTC(),
		MintFeeBps:   d.MintFeeBps,
		SettleFeeBps: d.SettleFeeBps,
		RedeemFeeBps: d.RedeemFeeBps,
	}
	var err error
	if p.StrikeK, err = amount("strike_k", d.StrikeK); err != nil {
		return market.Params{}, err
	}
	if p.LowerBoundL, err = amount("lower_bound_l", d.LowerBoundL); err != nil {
		return market.Params{}, err
	}
	if p.UpperBoundU, err = amount("upper_bound_u", d.UpperBoundU); err != nil {
		return market.Params{}, err
	}
	return p, nil
}

func (s *Server) deployMarket(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req deployRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	params, err := req.params()
	if err != nil {
		return 0, nil, err
	}
	deposit, err := optionalAmount("deposit", req.Deposit)
	if err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdDeployMarket, core.DeployMarketPayload{Params: params, Deposit: deposit})
	if err != nil {
		return 0, nil, err
	}
	status := http.StatusOK
	if dr, ok := res.(core.DeployResult); ok && dr.Created {
		status = http.StatusCreated
	}
	return status, res, nil
}

type marketList struct {
	Markets []market.Info `json:"markets"`
	Total   uint64        `json:"total"`
	Next    *uint64       `json:"next,omitempty"`
}

func (s *Server) listMarkets(r *http.Request, _ map[string]string) (int, interface{}, error) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		return 0, nil, err
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return 0, nil, err
	}
	f := s.deps.Engine.Factory()
	infos := f.GetAllMarkets(uint64(from), uint64(limit))
	out := marketList{Markets: infos, Total: f.GetMarketCount()}
	if next := uint64(from) + uint64(len(infos)); len(infos) > 0 && next < out.Total {
		out.Next = &next
	}
	return http.StatusOK, out, nil
}

func (s *Server) lookupMarket(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req deployRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	params, err := req.params()
	if err != nil {
		return 0, nil, err
	}
	info, ok := s.deps.Engine.Factory().GetMarketByParams(params)
	if !ok {
		return 0, nil, errorsmod.Wrapf(types.ErrUnknownMarket, "no market with key %s", params.Key())
	}
	return http.StatusOK, info, nil
}

type marketView struct {
	Info               market.Info  `json:"info"`
	State              market.State `json:"state"`
	UnroutedFees       sdkmath.Int  `json:"unrouted_fees"`
	Mature             bool         `json:"mature"`
	CollateralDisplay  string       `json:"collateral_display,omitempty"`
	SettlementDisplay  string       `json:"settlement_price_display,omitempty"`
	SettlementDecimals uint8        `json:"settlement_decimals,omitempty"`
}

func (s *Server) getMarket(r *http.Request, p map[string]string) (int, interface{}, error) {
	m, err := s.resolve(p["market"])
	if err != nil {
		return 0, nil, err
	}
	v := marketView{
		Info:         m.Info(),
		State:        m.State(),
		UnroutedFees: m.UnroutedFees(),
		Mature:       m.IsMature(s.deps.Engine.Now()),
	}
	// collateral and settlement price are both quote amounts
	if l, ok := s.deps.Engine.Directory().Ledger(v.Info.Params.Quote); ok {
		decimals := l.Metadata().Decimals
		v.CollateralDisplay = fpmath.FormatUnits(v.State.TotalCollateral, decimals)
		if v.State.SettlementPrice != nil {
			v.SettlementDecimals = decimals
			v.SettlementDisplay = fpmath.FormatUnits(*v.State.SettlementPrice, decimals)
		}
	}
	return http.StatusOK, v, nil
}

type positionRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) createPosition(r *http.Request, p map[string]string) (int, interface{}, error) {
	var req positionRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdCreatePosition, core.CreatePositionPayload{Market: p["market"], Amount: amt})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (s *Server) settle(r *http.Request, p map[string]string) (int, interface{}, error) {
	res, err := s.execute(r, core.CmdSettle, core.MarketRef{Market: p["market"]})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

type redeemRequest struct {
	LongAmount  string `json:"long_amount"`
	ShortAmount string `json:"short_amount"`
}

func (s *Server) redeem(r *http.Request, p map[string]string) (int, interface{}, error) {
	var req redeemRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	long, err := optionalAmount("long_amount", req.LongAmount)
	if err != nil {
		return 0, nil, err
	}
	short, err := optionalAmount("short_amount", req.ShortAmount)
	if err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdRedeem, core.RedeemPayload{Market: p["market"], LongAmount: long, ShortAmount: short})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

type previewResponse struct {
	Price      sdkmath.Int `json:"price"`
	LongValue  sdkmath.Int `json:"long_value"`
	ShortValue sdkmath.Int `json:"short_value"`
	// Scale is the claim amount the values are quoted for.
	Scale sdkmath.Int `json:"scale"`
}

func (s *Server) previewSettlement(r *http.Request, p map[string]string) (int, interface{}, error) {
	m, err := s.resolve(p["market"])
	if err != nil {
		return 0, nil, err
	}
	price, err := amount("price", r.URL.Query().Get("price"))
	if err != nil {
		return 0, nil, err
	}
	long, short, err := m.PreviewSettlement(price)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, previewResponse{Price: price, LongValue: long, ShortValue: short, Scale: fpmath.FactorScale}, nil
}

func (s *Server) userDeposit(r *http.Request, p map[string]string) (int, interface{}, error) {
	m, err := s.resolve(p["market"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, core.AmountResult{Amount: m.UserDeposit(types.AccountID(p["account"]))}, nil
}

type marketPauseRequest struct {
	PauseMint   bool `json:"pause_mint"`
	PauseSettle bool `json:"pause_settle"`
}

func (s *Server) setMarketPaused(r *http.Request, p map[string]string) (int, interface{}, error) {
	var req marketPauseRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdSetMarketPaused, core.SetMarketPausedPayload{
		Market:      p["market"],
		PauseMint:   req.PauseMint,
		PauseSettle: req.PauseSettle,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (s *Server) retryFeeRouting(r *http.Request, p map[string]string) (int, interface{}, error) {
	res, err := s.execute(r, core.CmdRetryFeeRouting, core.MarketRef{Market: p["market"]})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (s *Server) marketsByCreator(r *http.Request, p map[string]string) (int, interface{}, error) {
	infos := s.deps.Engine.Factory().GetMarketsByCreator(types.AccountID(p["account"]))
	return http.StatusOK, marketList{Markets: infos, Total: uint64(len(infos))}, nil
}

type statsResponse struct {
	MarketCount     uint64          `json:"market_count"`
	FactoryPaused   bool            `json:"factory_paused"`
	Oracle          types.AccountID `json:"oracle"`
	FeeCollector    types.AccountID `json:"fee_collector"`
	OraclePaused    bool            `json:"oracle_paused"`
	Sequence        int64           `json:"sequence"`
	CommandSequence int64           `json:"command_sequence"`
	StateHash       string          `json:"state_hash"`
	ProjectedUpTo   *int64          `json:"projected_up_to,omitempty"`
}

func (s *Server) stats(_ *http.Request, _ map[string]string) (int, interface{}, error) {
	e := s.deps.Engine
	f := e.Factory()
	hash := e.GetStateHash()
	out := statsResponse{
		MarketCount:     f.GetMarketCount(),
		FactoryPaused:   f.Paused(),
		Oracle:          f.Oracle(),
		FeeCollector:    f.FeeCollector(),
		OraclePaused:    e.Router().Paused(),
		Sequence:        e.GetSequence(),
		CommandSequence: e.GetCommandSequence(),
		StateHash:       hex.EncodeToString(hash[:]),
	}
	if s.deps.Projection != nil {
		seq := s.deps.Projection.LastSequence()
		out.ProjectedUpTo = &seq
	}
	return http.StatusOK, out, nil
}

// --- read models ---

func (s *Server) queryService() (*query.QueryService, error) {
	if s.deps.Query == nil {
		return nil, errorsmod.Wrap(errUnavailable, "read models")
	}
	return s.deps.Query, nil
}

func (s *Server) marketSummary(r *http.Request, p map[string]string) (int, interface{}, error) {
	qs, err := s.queryService()
	if err != nil {
		return 0, nil, err
	}
	sum, err := qs.GetMarketSummary(r.Context(), p["market"])
	if err != nil {
		return 0, nil, err
	}
	if sum == nil {
		return 0, nil, errorsmod.Wrapf(errNotFound, "summary for %s", p["market"])
	}
	return http.StatusOK, sum, nil
}

func (s *Server) listSummaries(r *http.Request, _ map[string]string) (int, interface{}, error) {
	qs, err := s.queryService()
	if err != nil {
		return 0, nil, err
	}
	limit, err := pageLimit(r)
	if err != nil {
		return 0, nil, err
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		return 0, nil, err
	}
	if r.URL.Query().Get("after") == "" {
		after = -1
	}

	q := r.URL.Query()
	filter := query.MarketFilter{
		Creator:    q.Get("creator"),
		Underlying: q.Get("underlying"),
		Quote:      q.Get("quote"),
	}
	if raw := q.Get("settled"); raw != "" {
		settled, err := strconv.ParseBool(raw)
		if err != nil {
			return 0, nil, errorsmod.Wrapf(types.ErrInvalidPage, "settled=%q", raw)
		}
		filter.Settled = &settled
	}
	if raw := q.Get("matured_by"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return 0, nil, errorsmod.Wrapf(types.ErrInvalidPage, "matured_by=%q", raw)
		}
		filter.MaturedBy = &t
	}

	rows, err := qs.ListMarketSummaries(r.Context(), filter, after, limit)
	if err != nil {
		return 0, nil, err
	}
	if rows == nil {
		rows = []query.MarketSummary{}
	}
	return http.StatusOK, map[string]interface{}{"summaries": rows}, nil
}

func (s *Server) accountActivity(r *http.Request, p map[string]string) (int, interface{}, error) {
	qs, err := s.queryService()
	if err != nil {
		return 0, nil, err
	}
	limit, err := pageLimit(r)
	if err != nil {
		return 0, nil, err
	}
	var (
		marketID *string
		before   *int64
	)
	if m := r.URL.Query().Get("market"); m != "" {
		marketID = &m
	}
	if r.URL.Query().Get("before") != "" {
		b, err := queryInt(r, "before", 0)
		if err != nil {
			return 0, nil, err
		}
		before = &b
	}
	rows, err := qs.GetAccountActivity(r.Context(), p["account"], marketID, limit, before)
	if err != nil {
		return 0, nil, err
	}
	if rows == nil {
		rows = []query.ActivityEntry{}
	}
	return http.StatusOK, map[string]interface{}{"activity": rows}, nil
}

func (s *Server) commandHistory(r *http.Request, p map[string]string) (int, interface{}, error) {
	qs, err := s.queryService()
	if err != nil {
		return 0, nil, err
	}
	limit, err := pageLimit(r)
	if err != nil {
		return 0, nil, err
	}
	var before *int64
	if r.URL.Query().Get("before") != "" {
		b, err := queryInt(r, "before", 0)
		if err != nil {
			return 0, nil, err
		}
		before = &b
	}
	rows, err := qs.GetCommandHistory(r.Context(), p["account"], limit, before)
	if err != nil {
		return 0, nil, err
	}
	if rows == nil {
		rows = []query.CommandEntry{}
	}
	return http.StatusOK, map[string]interface{}{"commands": rows}, nil
}

// --- administration ---

type pausedRequest struct {
	Paused bool `json:"paused"`
}

type accountRequest struct {
	Account string `json:"account"`
}

func (s *Server) setFactoryPaused(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req pausedRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	if _, err := s.execute(r, core.CmdSetFactoryPaused, core.PausePayload{Paused: req.Paused}); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, pausedRequest{Paused: s.deps.Engine.Factory().Paused()}, nil
}

// accountCommand serves the admin updates whose payload is one account.
func (s *Server) accountCommand(typ core.CommandType) handlerFunc {
	return func(r *http.Request, _ map[string]string) (int, interface{}, error) {
		var req accountRequest
		if err := decode(r, &req, false); err != nil {
			return 0, nil, err
		}
		if _, err := s.execute(r, typ, core.AccountPayload{Account: types.AccountID(req.Account)}); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, req, nil
	}
}

func (s *Server) createSnapshot(r *http.Request, _ map[string]string) (int, interface{}, error) {
	if err := s.requireOwner(r); err != nil {
		return 0, nil, err
	}
	if s.deps.Snapshots == nil {
		return 0, nil, errorsmod.Wrap(errUnavailable, "snapshots")
	}
	info, err := s.deps.Snapshots.SaveSnapshot(r.Context(), s.deps.Engine.CreateSnapshotState())
	if err != nil {
		return 0, nil, err
	}
	if s.deps.SnapshotKeep > 0 {
		if _, err := s.deps.Snapshots.Prune(r.Context(), s.deps.SnapshotKeep); err != nil {
			s.log.Warn().Err(err).Msg("snapshot prune failed")
		}
	}
	return http.StatusCreated, info, nil
}

func (s *Server) listSnapshots(r *http.Request, _ map[string]string) (int, interface{}, error) {
	if s.deps.Snapshots == nil {
		return 0, nil, errorsmod.Wrap(errUnavailable, "snapshots")
	}
	limit, err := pageLimit(r)
	if err != nil {
		return 0, nil, err
	}
	infos, err := s.deps.Snapshots.ListSnapshots(r.Context(), limit)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{"snapshots": infos}, nil
}

func (s *Server) rebuildProjections(r *http.Request, _ map[string]string) (int, interface{}, error) {
	if err := s.requireOwner(r); err != nil {
		return 0, nil, err
	}
	if s.deps.Projection == nil || s.deps.Snapshots == nil {
		return 0, nil, errorsmod.Wrap(errUnavailable, "projections")
	}
	n, err := s.deps.Projection.RebuildProjections(r.Context(), s.deps.Snapshots, 0)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]int{"events": n}, nil
}

func (s *Server) verifyIntegrity(r *http.Request, _ map[string]string) (int, interface{}, error) {
	qs, err := s.queryService()
	if err != nil {
		return 0, nil, err
	}
	report, err := qs.VerifyIntegrity(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, report, nil
}

// --- oracle ---

// oracleConfigRequest carries durations in seconds.
type oracleConfigRequest struct {
	Underlying          string `json:"underlying"`
	Quote               string `json:"quote"`
	PoolID              uint64 `json:"pool_id"`
	TwapWindowSeconds   int64  `json:"twap_window_seconds"`
	MaxStalenessSeconds int64  `json:"max_staleness_seconds"`
	MaxDeviationBps     uint16 `json:"max_deviation_bps"`
	UseStablePool       bool   `json:"use_stable_pool"`
	Decimals            uint8  `json:"decimals"`
}

type oracleConfigView struct {
	Pair                oracle.Pair `json:"pair"`
	PoolID              uint64      `json:"pool_id"`
	TwapWindowSeconds   int64       `json:"twap_window_seconds"`
	MaxStalenessSeconds int64       `json:"max_staleness_seconds"`
	MaxDeviationBps     uint16      `json:"max_deviation_bps"`
	UseStablePool       bool        `json:"use_stable_pool"`
	Decimals            uint8       `json:"decimals"`
}

func newOracleConfigView(pair oracle.Pair, c oracle.Config) oracleConfigView {
	return oracleConfigView{
		Pair:                pair,
		PoolID:              c.PoolID,
		TwapWindowSeconds:   int64(c.TwapWindow / time.Second),
		MaxStalenessSeconds: int64(c.MaxStaleness / time.Second),
		MaxDeviationBps:     c.MaxDeviationBps,
		UseStablePool:       c.UseStablePool,
		Decimals:            c.Decimals,
	}
}

func (s *Server) configureOracle(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req oracleConfigRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	pair := oracle.Pair{Underlying: types.AccountID(req.Underlying), Quote: types.AccountID(req.Quote)}
	cfg := oracle.Config{
		PoolID:          req.PoolID,
		TwapWindow:      time.Duration(req.TwapWindowSeconds) * time.Second,
		MaxStaleness:    time.Duration(req.MaxStalenessSeconds) * time.Second,
		MaxDeviationBps: req.MaxDeviationBps,
		UseStablePool:   req.UseStablePool,
		Decimals:        req.Decimals,
	}
	if _, err := s.execute(r, core.CmdConfigureOracle, core.ConfigureOraclePayload{Pair: pair, Config: cfg}); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newOracleConfigView(pair, cfg), nil
}

func (s *Server) getOracleConfig(_ *http.Request, p map[string]string) (int, interface{}, error) {
	pair, err := pathPair(p)
	if err != nil {
		return 0, nil, err
	}
	cfg, ok := s.deps.Engine.Router().GetOracleConfig(pair)
	if !ok {
		return 0, nil, errorsmod.Wrapf(errNotFound, "oracle config for %s", pair.Key())
	}
	return http.StatusOK, newOracleConfigView(pair, cfg), nil
}

type priceView struct {
	oracle.PriceData
	Display string `json:"display"`
}

func (s *Server) getPrice(_ *http.Request, p map[string]string) (int, interface{}, error) {
	pair, err := pathPair(p)
	if err != nil {
		return 0, nil, err
	}
	price, ok := s.deps.Engine.Router().GetPrice(pair)
	if !ok {
		return 0, nil, errorsmod.Wrapf(types.ErrPriceUnavailable, "%s", pair.Key())
	}
	return http.StatusOK, priceView{PriceData: price, Display: fpmath.FormatUnits(price.Price, price.Decimals)}, nil
}

type fetchRequest struct {
	Persist bool `json:"persist"`
}

func (s *Server) fetchPrice(r *http.Request, p map[string]string) (int, interface{}, error) {
	pair, err := pathPair(p)
	if err != nil {
		return 0, nil, err
	}
	var req fetchRequest
	if err := decode(r, &req, true); err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdFetchPrice, core.FetchPricePayload{Pair: pair, Persist: req.Persist})
	if err != nil {
		return 0, nil, err
	}
	if price, ok := res.(oracle.PriceData); ok {
		return http.StatusOK, priceView{PriceData: price, Display: fpmath.FormatUnits(price.Price, price.Decimals)}, nil
	}
	return http.StatusOK, res, nil
}

// recordObservation accepts the same body a feeder publishes on NATS. The
// caller must be the configured reporter.
func (s *Server) recordObservation(r *http.Request, p map[string]string) (int, interface{}, error) {
	pair, err := pathPair(p)
	if err != nil {
		return 0, nil, err
	}
	caller, err := callerOf(r)
	if err != nil {
		return 0, nil, err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, nil, errorsmod.Wrapf(types.ErrMalformedCommand, "read body: %v", err)
	}
	cmd, err := ingestion.ParseObservation(ingestion.PriceSubject(pair), body, caller)
	if err != nil {
		return 0, nil, err
	}
	res, err := s.deps.Engine.Execute(r.Context(), cmd)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (s *Server) setOraclePaused(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req pausedRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	if _, err := s.execute(r, core.CmdSetOraclePaused, core.PausePayload{Paused: req.Paused}); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, pausedRequest{Paused: s.deps.Engine.Router().Paused()}, nil
}

// --- fees ---

type feesView struct {
	Treasury  types.AccountID        `json:"treasury"`
	Collected map[string]sdkmath.Int `json:"collected"`
}

func (s *Server) collectedFees(_ *http.Request, _ map[string]string) (int, interface{}, error) {
	c := s.deps.Engine.Collector()
	out := feesView{Treasury: c.Treasury(), Collected: map[string]sdkmath.Int{}}
	for _, l := range s.deps.Engine.Directory().Ledgers() {
		if amt := c.CollectedFees(l.ID()); amt.IsPositive() {
			out.Collected[l.ID().String()] = amt
		}
	}
	return http.StatusOK, out, nil
}

func (s *Server) marketFees(_ *http.Request, p map[string]string) (int, interface{}, error) {
	m, err := s.resolve(p["market"])
	if err != nil {
		return 0, nil, err
	}
	c := s.deps.Engine.Collector()
	return http.StatusOK, map[string]interface{}{
		"market":     m.ID(),
		"authorized": c.IsMarketAuthorized(m.ID()),
		"fees":       c.MarketFees(m.ID()),
	}, nil
}

type withdrawRequest struct {
	Token string `json:"token"`
	// Amount is optional; empty withdraws everything collected.
	Amount string `json:"amount,omitempty"`
}

func (s *Server) withdrawFees(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req withdrawRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	payload := core.WithdrawFeesPayload{Token: types.AccountID(req.Token)}
	if req.Amount != "" {
		amt, err := amount("amount", req.Amount)
		if err != nil {
			return 0, nil, err
		}
		payload.Amount = &amt
	}
	res, err := s.execute(r, core.CmdWithdrawFees, payload)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

// --- tokens ---

func (s *Server) listTokens(_ *http.Request, _ map[string]string) (int, interface{}, error) {
	ledgers := s.deps.Engine.Directory().Ledgers()
	out := make([]query.SupplyResponse, 0, len(ledgers))
	for _, l := range ledgers {
		out = append(out, query.NewSupplyResponse(l))
	}
	return http.StatusOK, map[string]interface{}{"tokens": out}, nil
}

func (s *Server) balanceOf(_ *http.Request, p map[string]string) (int, interface{}, error) {
	l, ok := s.deps.Engine.Directory().Ledger(types.AccountID(p["token"]))
	if !ok {
		return 0, nil, errorsmod.Wrapf(types.ErrUnknownToken, "%s", p["token"])
	}
	return http.StatusOK, query.NewBalanceResponse(l, types.AccountID(p["account"]), s.deps.Engine.GetSequence()), nil
}

type storageDepositRequest struct {
	Account string `json:"account,omitempty"`
}

func (s *Server) storageDeposit(r *http.Request, p map[string]string) (int, interface{}, error) {
	var req storageDepositRequest
	if err := decode(r, &req, true); err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdStorageDeposit, core.StorageDepositPayload{
		Token:   types.AccountID(p["token"]),
		Account: types.AccountID(req.Account),
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

type transferRequest struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Memo     string `json:"memo,omitempty"`
}

func (s *Server) transfer(r *http.Request, p map[string]string) (int, interface{}, error) {
	var req transferRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdTransfer, core.TransferPayload{
		Token:    types.AccountID(p["token"]),
		Receiver: types.AccountID(req.Receiver),
		Amount:   amt,
		Memo:     req.Memo,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

type mintRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *Server) mint(r *http.Request, p map[string]string) (int, interface{}, error) {
	var req mintRequest
	if err := decode(r, &req, false); err != nil {
		return 0, nil, err
	}
	amt, err := amount("amount", req.Amount)
	if err != nil {
		return 0, nil, err
	}
	res, err := s.execute(r, core.CmdMint, core.MintPayload{
		Token:   types.AccountID(p["token"]),
		Account: types.AccountID(req.Account),
		Amount:  amt,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}
