package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ForwardLedger/internal/core"
	"ForwardLedger/internal/observability"
)

// snapshotFormatVersion 1 is JSON-encoded core.SnapshotState.
const snapshotFormatVersion = 1

// Archiver copies snapshot documents to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

// SnapshotManager saves engine snapshots and reads the command log back
// for recovery. A snapshot is only used for recovery once verified against
// the persisted event chain.
type SnapshotManager struct {
	db       *sql.DB
	archiver Archiver
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// SnapshotInfo describes a stored snapshot without its data.
type SnapshotInfo struct {
	ID         uuid.UUID `json:"id"`
	Sequence   int64     `json:"sequence"`
	CommandSeq int64     `json:"command_seq"`
	SizeBytes  int       `json:"size_bytes"`
	Verified   bool      `json:"verified"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewSnapshotManager builds a manager. archiver may be nil.
func NewSnapshotManager(db *sql.DB, archiver Archiver, metrics *observability.Metrics, log zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, archiver: archiver, metrics: metrics, log: log}
}

// SaveSnapshot persists a snapshot and archives it when an archiver is set.
// An archive failure is logged and counted; the snapshot is still saved.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (SnapshotInfo, error) {
	start := time.Now()
	if snap.Sequence < 0 {
		return SnapshotInfo{}, errors.New("nothing to snapshot before the first event")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	info := SnapshotInfo{
		ID:         uuid.New(),
		Sequence:   snap.Sequence,
		CommandSeq: snap.CommandSeq,
		SizeBytes:  len(data),
		CreatedAt:  time.Now().UTC(),
	}
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, command_seq, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, info.ID, info.Sequence, info.CommandSeq, string(data), snap.StateHash[:],
		snapshotFormatVersion, info.SizeBytes, info.CreatedAt)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("insert snapshot: %w", err)
	}

	if sm.archiver != nil {
		key := fmt.Sprintf("snapshots/%020d-%s.json", snap.Sequence, info.ID)
		if err := sm.archiver.Archive(ctx, key, data); err != nil {
			sm.log.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot archive failed")
			if sm.metrics != nil {
				sm.metrics.SnapshotArchiveErrors.Inc()
			}
		} else {
			info.ArchiveKey = key
			if _, err := sm.db.ExecContext(ctx,
				`UPDATE event_log.snapshots SET archive_key = $1 WHERE snapshot_id = $2`, key, info.ID,
			); err != nil {
				sm.log.Warn().Err(err).Str("key", key).Msg("record archive key")
			}
		}
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(info.SizeBytes))
		sm.metrics.SnapshotLastSeq.Set(float64(info.Sequence))
	}
	sm.log.Info().
		Int64("sequence", info.Sequence).
		Int64("command_seq", info.CommandSeq).
		Int("bytes", info.SizeBytes).
		Msg("snapshot saved")
	return info, nil
}

// VerifyPending marks unverified snapshots whose state hash matches the
// persisted event at the same sequence. Snapshots ahead of the event log
// stay pending. Returns the number verified.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE NOT s.verified
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns the most recent snapshots, newest first.
func (sm *SnapshotManager) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT snapshot_id, sequence, command_seq, size_bytes, verified, COALESCE(archive_key, ''), created_at
		FROM event_log.snapshots
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var s SnapshotInfo
		if err := rows.Scan(&s.ID, &s.Sequence, &s.CommandSeq, &s.SizeBytes, &s.Verified, &s.ArchiveKey, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep verified snapshots and any
// unverified snapshot older than them.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence < (
			SELECT COALESCE(MIN(sequence), 0) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE verified
				ORDER BY sequence DESC
				LIMIT $1
			) newest
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadCommandsFrom loads command records from a command sequence on, in
// order, for replay.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSeq int64, limit int) ([]core.CommandRecord, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT command_seq, request_id, command_type, caller, at, payload,
		       producer, producer_seq, result, error, error_kind
		FROM event_log.commands
		WHERE command_seq >= $1
		ORDER BY command_seq ASC
		LIMIT $2
	`, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.CommandRecord
	for rows.Next() {
		var r CommandRow
		if err := rows.Scan(
			&r.CommandSeq, &r.RequestID, &r.CommandType, &r.Caller, &r.At, &r.Payload,
			&r.Producer, &r.ProducerSeq, &r.Result, &r.Error, &r.ErrorKind,
		); err != nil {
			return nil, err
		}
		out = append(out, CommandFromRow(r))
	}
	return out, rows.Err()
}

// LoadEventsFrom loads persisted events from a sequence on, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_seq, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandSeq, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest persisted event sequence, -1 when
// the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Recover restores engine from the latest verified snapshot, if any, and
// replays every later command in pages. Returns the number replayed.
func (sm *SnapshotManager) Recover(ctx context.Context, engine *core.Engine, pageSize int) (int, error) {
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	from := int64(0)
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.CommandSeq + 1
	}

	total := 0
	for {
		records, err := sm.LoadCommandsFrom(ctx, from, pageSize)
		if err != nil {
			return total, fmt.Errorf("load commands from %d: %w", from, err)
		}
		if len(records) == 0 {
			break
		}
		n, err := engine.Replay(ctx, records)
		total += n
		if err != nil {
			return total, err
		}
		from = records[len(records)-1].Seq + 1
	}
	if sm.metrics != nil {
		sm.metrics.ReplayEventsTotal.Add(float64(total))
	}
	sm.log.Info().
		Bool("from_snapshot", snap != nil).
		Int("commands_replayed", total).
		Int64("sequence", engine.GetSequence()).
		Msg("recovery complete")
	return total, nil
}
