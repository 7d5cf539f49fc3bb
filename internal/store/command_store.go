package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/werrors"
)

// CommandState is the lifecycle state of a persisted command.
type CommandState string

const (
	StateQueued       CommandState = "queued"
	StateSent         CommandState = "sent"
	StateAcknowledged CommandState = "acknowledged"
	StateFailed       CommandState = "failed"
	StateTimedOut     CommandState = "timed_out"
)

// IsTerminal reports whether s is one of the terminal states.
func (s CommandState) IsTerminal() bool {
	return s == StateAcknowledged || s == StateFailed || s == StateTimedOut
}

// CommandRecord is the authoritative, persisted state of one command.
type CommandRecord struct {
	ID             string
	NodeID         string
	Type           string
	Payload        string
	IdempotencyKey string // empty means none
	State          CommandState
	Error          string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
	CompletedAt    *time.Time
}

// CommandStore is the durable, transactional queue of command records.
type CommandStore struct {
	log zerolog.Logger
	db  *sql.DB
}

// NewCommandStore wraps an open database connection.
func NewCommandStore(log zerolog.Logger, db *sql.DB) *CommandStore {
	return &CommandStore{log: log.With().Str("component", "command_store").Logger(), db: db}
}

// Enqueue inserts a new queued command, or returns the existing row if
// (nodeId, idempotencyKey) already has one. Atomic against concurrent
// callers via the unique index on (node_id, idempotency_key); a unique
// constraint violation during INSERT is caught and converted to a lookup.
func (s *CommandStore) Enqueue(id, nodeID, cmdType, payload, idempotencyKey string) (*CommandRecord, error) {
	if idempotencyKey != "" {
		existing, err := s.FindByIdempotencyKey(nodeID, idempotencyKey)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO commands (id, node_id, type, payload, idempotency_key, state, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id, nodeID, cmdType, payload, nullString(idempotencyKey), string(StateQueued), now, now)
	if err != nil {
		if isUniqueViolation(err) && idempotencyKey != "" {
			existing, lookupErr := s.FindByIdempotencyKey(nodeID, idempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, werrors.Persistence("enqueue_failed", "failed to enqueue command", err)
	}

	return &CommandRecord{
		ID: id, NodeID: nodeID, Type: cmdType, Payload: payload, IdempotencyKey: idempotencyKey,
		State: StateQueued, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// MarkSent transitions a command to sent, bumping retryCount and setting
// sentAt. Safe to call repeatedly (crash recovery / reconnect re-dispatch).
func (s *CommandStore) MarkSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE commands SET state = ?, sent_at = ?, updated_at = ?, retry_count = retry_count + 1
		WHERE id = ?
	`, string(StateSent), now, now, id)
	if err != nil {
		return werrors.Persistence("mark_sent_failed", "failed to mark command sent", err)
	}
	return nil
}

// MarkAcknowledged transitions a command to acknowledged. Idempotent.
func (s *CommandStore) MarkAcknowledged(id string) error {
	return s.markTerminal(id, StateAcknowledged, "")
}

// MarkFailed transitions a command to failed with the given error message.
func (s *CommandStore) MarkFailed(id, errMsg string) error {
	return s.markTerminal(id, StateFailed, errMsg)
}

// MarkTimedOut transitions a command to timed_out with the given error message.
func (s *CommandStore) MarkTimedOut(id, errMsg string) error {
	return s.markTerminal(id, StateTimedOut, errMsg)
}

func (s *CommandStore) markTerminal(id string, state CommandState, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE commands SET state = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(state), nullString(errMsg), now, now, id)
	if err != nil {
		return werrors.Persistence("mark_terminal_failed", fmt.Sprintf("failed to mark command %s", state), err)
	}
	return nil
}

// FindByID looks up a command by id.
func (s *CommandStore) FindByID(id string) (*CommandRecord, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, updated_at, sent_at, completed_at
		FROM commands WHERE id = ?
	`, id))
}

// FindByIdempotencyKey looks up a command by (nodeId, idempotencyKey).
func (s *CommandStore) FindByIdempotencyKey(nodeID, key string) (*CommandRecord, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, updated_at, sent_at, completed_at
		FROM commands WHERE node_id = ? AND idempotency_key = ?
	`, nodeID, key))
}

func (s *CommandStore) scanOne(row *sql.Row) (*CommandRecord, error) {
	var r CommandRecord
	var idemKey, errStr sql.NullString
	var state string
	var sentAt, completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.NodeID, &r.Type, &r.Payload, &idemKey, &state, &errStr,
		&r.RetryCount, &r.CreatedAt, &r.UpdatedAt, &sentAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, werrors.NotFound("command_not_found", "command not found")
	}
	if err != nil {
		return nil, werrors.Persistence("find_command_failed", "failed to query command", err)
	}

	r.IdempotencyKey = strOrEmpty(idemKey)
	r.Error = strOrEmpty(errStr)
	r.State = CommandState(state)
	if sentAt.Valid {
		t := sentAt.Time
		r.SentAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

// ListQueuedByNode returns up to limit queued rows for nodeID, oldest first.
func (s *CommandStore) ListQueuedByNode(nodeID string, limit int) ([]*CommandRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, updated_at, sent_at, completed_at
		FROM commands WHERE node_id = ? AND state = ? ORDER BY created_at ASC LIMIT ?
	`, nodeID, string(StateQueued), limit)
	if err != nil {
		return nil, werrors.Persistence("list_queued_failed", "failed to list queued commands", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// ListRecent returns the most recently created commands, optionally scoped
// to one node, for observability.
func (s *CommandStore) ListRecent(limit int, nodeID string) ([]*CommandRecord, error) {
	var rows *sql.Rows
	var err error
	if nodeID != "" {
		rows, err = s.db.Query(`
			SELECT id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, updated_at, sent_at, completed_at
			FROM commands WHERE node_id = ? ORDER BY created_at DESC LIMIT ?
		`, nodeID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, updated_at, sent_at, completed_at
			FROM commands ORDER BY created_at DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, werrors.Persistence("list_recent_failed", "failed to list recent commands", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *CommandStore) scanAll(rows *sql.Rows) ([]*CommandRecord, error) {
	var out []*CommandRecord
	for rows.Next() {
		var r CommandRecord
		var idemKey, errStr sql.NullString
		var state string
		var sentAt, completedAt sql.NullTime

		if err := rows.Scan(&r.ID, &r.NodeID, &r.Type, &r.Payload, &idemKey, &state, &errStr,
			&r.RetryCount, &r.CreatedAt, &r.UpdatedAt, &sentAt, &completedAt); err != nil {
			continue
		}
		r.IdempotencyKey = strOrEmpty(idemKey)
		r.Error = strOrEmpty(errStr)
		r.State = CommandState(state)
		if sentAt.Valid {
			t := sentAt.Time
			r.SentAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		out = append(out, &r)
	}
	return out, nil
}

// ReconcileStaleInFlight transitions any row still "sent" whose createdAt is
// older than timeout to timed_out. Rows "queued" are left alone — that's
// the offline-queue TTL, a CommandRouter concern. Returns the count affected.
func (s *CommandStore) ReconcileStaleInFlight(timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE commands SET state = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE state = ? AND created_at < ?
	`, string(StateTimedOut), "stale in-flight command reconciled at startup", now, now, string(StateSent), cutoff)
	if err != nil {
		return 0, werrors.Persistence("reconcile_failed", "failed to reconcile stale in-flight commands", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("reconciled stale in-flight commands to timed_out")
	}
	return n, nil
}

// PruneOldCommands deletes rows older than retentionDays.
func (s *CommandStore) PruneOldCommands(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(`DELETE FROM commands WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, werrors.Persistence("prune_failed", "failed to prune old commands", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func isNotFound(err error) bool {
	return werrors.Is(err, werrors.KindNotFound)
}
