package store

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/werrors"
)

// HistoryRecord is one row of a host's status transition log.
type HistoryRecord struct {
	ID        int64
	HostFQN   string
	OldStatus string
	NewStatus string
	ChangedAt time.Time
}

// HistoryStore is the append-only log of host status transitions.
type HistoryStore struct {
	log zerolog.Logger
	db  *sql.DB
}

// NewHistoryStore wraps an open database connection.
func NewHistoryStore(log zerolog.Logger, db *sql.DB) *HistoryStore {
	return &HistoryStore{log: log.With().Str("component", "history_store").Logger(), db: db}
}

// Append records one status transition. Called only on meaningful
// transitions (old != new), never on heartbeat-only refreshes.
func (s *HistoryStore) Append(hostFQN, oldStatus, newStatus string) error {
	_, err := s.db.Exec(`
		INSERT INTO host_status_history (host_fqn, old_status, new_status, changed_at)
		VALUES (?, ?, ?, ?)
	`, hostFQN, oldStatus, newStatus, time.Now())
	if err != nil {
		return werrors.Persistence("append_history_failed", "failed to append host status history", err)
	}
	return nil
}

// ListByHost returns up to limit transitions for hostFQN, newest first.
func (s *HistoryStore) ListByHost(hostFQN string, limit int) ([]*HistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, host_fqn, old_status, new_status, changed_at
		FROM host_status_history WHERE host_fqn = ? ORDER BY changed_at DESC LIMIT ?
	`, hostFQN, limit)
	if err != nil {
		return nil, werrors.Persistence("list_history_failed", "failed to list host status history", err)
	}
	defer rows.Close()

	var out []*HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		if err := rows.Scan(&r.ID, &r.HostFQN, &r.OldStatus, &r.NewStatus, &r.ChangedAt); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// UptimeSince returns the total awake duration for hostFQN since since,
// computed by walking the transition log and summing awake intervals,
// counting the span from since to the oldest in-window transition as awake
// when that transition leaves "awake", and treating the host's current
// status (given as stillAwake) as covering
// the tail from the last recorded transition through now. statusAsOf is
// the host row's own updated_at, used to cap an open "into awake"
// interval when stillAwake is false and no closing history row exists
// (e.g. MarkNodeHostsUnreachable's bulk status flip, which never appends
// a status-history row) — without it, an unrecorded awake-to-asleep
// transition would otherwise be credited as awake all the way to now.
func (s *HistoryStore) UptimeSince(hostFQN string, since time.Time, stillAwake bool, statusAsOf time.Time) (time.Duration, error) {
	rows, err := s.db.Query(`
		SELECT old_status, new_status, changed_at
		FROM host_status_history WHERE host_fqn = ? AND changed_at >= ? ORDER BY changed_at ASC
	`, hostFQN, since)
	if err != nil {
		return 0, werrors.Persistence("uptime_query_failed", "failed to compute host uptime", err)
	}
	defer rows.Close()

	var total time.Duration
	var awakeSince *time.Time
	first := true
	for rows.Next() {
		var oldStatus, newStatus string
		var changedAt time.Time
		if err := rows.Scan(&oldStatus, &newStatus, &changedAt); err != nil {
			continue
		}
		if first && oldStatus == "awake" {
			// The host was awake from the window start up to this transition.
			total += changedAt.Sub(since)
		}
		first = false
		if newStatus == "awake" {
			t := changedAt
			awakeSince = &t
		} else if awakeSince != nil {
			total += changedAt.Sub(*awakeSince)
			awakeSince = nil
		}
	}
	if awakeSince != nil {
		if stillAwake {
			total += time.Since(*awakeSince)
		} else if statusAsOf.After(*awakeSince) {
			// Current status disagrees with the last recorded "into awake"
			// transition (e.g. MarkNodeHostsUnreachable flipped the host to
			// asleep without a matching history row). Cap the open interval
			// at the host's own last-updated time instead of crediting it
			// all the way to now.
			total += statusAsOf.Sub(*awakeSince)
		}
	} else if stillAwake {
		// No transition into "awake" recorded within the window but the
		// host is awake now (e.g. it was already awake at window start).
		total += time.Since(since)
	}
	return total, nil
}

// CountSince returns the number of transitions recorded for hostFQN at or
// after since, for HostAggregator.GetHostUptime's transition count.
func (s *HistoryStore) CountSince(hostFQN string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM host_status_history WHERE host_fqn = ? AND changed_at >= ?
	`, hostFQN, since).Scan(&n)
	if err != nil {
		return 0, werrors.Persistence("count_history_failed", "failed to count host status history", err)
	}
	return n, nil
}

// Prune deletes rows older than retentionDays.
func (s *HistoryStore) Prune(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(`DELETE FROM host_status_history WHERE changed_at < ?`, cutoff)
	if err != nil {
		return 0, werrors.Persistence("prune_history_failed", "failed to prune host status history", err)
	}
	return res.RowsAffected()
}
