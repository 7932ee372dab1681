package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueryService provides read-only access to the projection tables and the
// command log. All responses carry as_of_sequence, the projection
// checkpoint, for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const summaryColumns = `
	market_id, market_key, creator, underlying, quote, long_token, short_token,
	maturity, strike_k, lower_bound_l, upper_bound_u, total_collateral,
	positions_created, positions_redeemed, fees_routed, is_settled,
	settlement_price, settled_at, deployed_at, deploy_sequence, last_sequence`

// ListMarketSummaries returns summaries in deployment order. The cursor is
// the deploy_sequence of the last row of the previous page (-1 for the
// first page).
func (qs *QueryService) ListMarketSummaries(
	ctx context.Context,
	filter MarketFilter,
	afterSequence int64,
	limit int,
) ([]MarketSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `SELECT ` + summaryColumns + ` FROM projection.market_summaries m WHERE m.deploy_sequence > $1`
	args := []interface{}{afterSequence}
	argIdx := 2

	if filter.Creator != "" {
		query += fmt.Sprintf(" AND m.creator = $%d", argIdx)
		args = append(args, filter.Creator)
		argIdx++
	}
	if filter.Underlying != "" {
		query += fmt.Sprintf(" AND m.underlying = $%d", argIdx)
		args = append(args, filter.Underlying)
		argIdx++
	}
	if filter.Quote != "" {
		query += fmt.Sprintf(" AND m.quote = $%d", argIdx)
		args = append(args, filter.Quote)
		argIdx++
	}
	if filter.Settled != nil {
		query += fmt.Sprintf(" AND m.is_settled = $%d", argIdx)
		args = append(args, *filter.Settled)
		argIdx++
	}
	if filter.MaturedBy != nil {
		query += fmt.Sprintf(" AND m.maturity <= $%d", argIdx)
		args = append(args, *filter.MaturedBy)
		argIdx++
	}

	query += " ORDER BY m.deploy_sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MarketSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		s.AsOfSequence = asOfSeq
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetMarketSummary looks a summary up by market id or content key. It
// returns nil when the market is not projected (yet).
func (qs *QueryService) GetMarketSummary(ctx context.Context, ref string) (*MarketSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	row := qs.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM projection.market_summaries WHERE market_id = $1 OR market_key = $1`, ref)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.AsOfSequence = asOfSeq
	return &s, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(r scanner) (MarketSummary, error) {
	var (
		s         MarketSummary
		price     sql.NullString
		settledAt sql.NullTime
	)
	if err := r.Scan(
		&s.MarketID, &s.Key, &s.Creator, &s.Underlying, &s.Quote, &s.LongToken, &s.ShortToken,
		&s.Maturity, &s.StrikeK, &s.LowerBoundL, &s.UpperBoundU, &s.TotalCollateral,
		&s.PositionsCreated, &s.PositionsRedeemed, &s.FeesRouted, &s.IsSettled,
		&price, &settledAt, &s.DeployedAt, &s.DeploySequence, &s.LastSequence,
	); err != nil {
		return MarketSummary{}, err
	}
	if price.Valid {
		s.SettlementPrice = &price.String
	}
	if settledAt.Valid {
		t := settledAt.Time.UTC()
		s.SettledAt = &t
	}
	return s, nil
}

// GetAccountActivity returns an account's activity, newest first.
// Supports cursor-based pagination on sequence.
func (qs *QueryService) GetAccountActivity(
	ctx context.Context,
	account string,
	marketID *string,
	limit int,
	beforeSequence *int64,
) ([]ActivityEntry, error) {
	query := `
		SELECT sequence, account, market_id, activity, amount, detail, occurred_at
		FROM projection.account_activity
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var (
			e      ActivityEntry
			detail []byte
		)
		if err := rows.Scan(&e.Sequence, &e.Account, &e.MarketID, &e.Activity, &e.Amount, &detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode activity detail at seq=%d: %w", e.Sequence, err)
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetCommandHistory returns the commands a caller issued, newest first,
// including rejected ones.
func (qs *QueryService) GetCommandHistory(
	ctx context.Context,
	caller string,
	limit int,
	beforeSeq *int64,
) ([]CommandEntry, error) {
	query := `
		SELECT command_seq, request_id, command_type, caller, at, error, error_kind
		FROM event_log.commands
		WHERE caller = $1
	`
	args := []interface{}{caller}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND command_seq < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY command_seq DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CommandEntry
	for rows.Next() {
		var e CommandEntry
		if err := rows.Scan(&e.CommandSeq, &e.RequestID, &e.CommandType, &e.Caller, &e.At, &e.Error, &e.ErrorKind); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and sequence density of the
// persisted event log, and reports how far the projections lag.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LatestSequence: -1}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&latest); err != nil {
		return nil, err
	}
	if latest.Valid {
		report.LatestSequence = latest.Int64
	}
	if report.ProjectedUpTo, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// MaturedUnsettled lists ids of markets past maturity that the read model
// has not seen settle.
func (qs *QueryService) MaturedUnsettled(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id FROM projection.market_summaries
		WHERE NOT is_settled AND maturity <= $1
		ORDER BY maturity ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- helpers ---

// getWatermark returns the projection checkpoint, -1 before the first event.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projection.checkpoints WHERE name = 'read_models'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
