package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/werrors"
)

// HostRecord is one row of the aggregated host table.
type HostRecord struct {
	ID             string
	NodeID         string
	Name           string
	Mac            string
	SecondaryMacs  []string
	IP             string
	WolPort        *int
	Status         string // "awake" | "asleep"
	Location       string
	FQN            string
	LastSeen       *time.Time
	Discovered     bool
	PingResponsive *bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HostStore is the raw CRUD surface over aggregated_hosts; reconciliation
// policy (MAC-first lookup, dedup cleanup, event emission) lives in the
// host package, which composes these primitives.
type HostStore struct {
	log zerolog.Logger
	db  *sql.DB
}

// NewHostStore wraps an open database connection.
func NewHostStore(log zerolog.Logger, db *sql.DB) *HostStore {
	return &HostStore{log: log.With().Str("component", "host_store").Logger(), db: db}
}

// Insert creates a new aggregated host row.
func (s *HostStore) Insert(h *HostRecord) error {
	now := time.Now()
	h.CreatedAt, h.UpdatedAt = now, now
	secMacs, _ := json.Marshal(h.SecondaryMacs)

	_, err := s.db.Exec(`
		INSERT INTO aggregated_hosts
			(id, node_id, name, mac, secondary_macs, ip, wol_port, status, location, fully_qualified_name,
			 last_seen, discovered, ping_responsive, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.NodeID, h.Name, h.Mac, string(secMacs), h.IP, h.WolPort, h.Status, h.Location, h.FQN,
		h.LastSeen, boolToInt(h.Discovered), nullableBool(h.PingResponsive), h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return werrors.Persistence("insert_host_failed", "failed to insert host", err)
	}
	return nil
}

// Update overwrites an existing row identified by ID.
func (s *HostStore) Update(h *HostRecord) error {
	h.UpdatedAt = time.Now()
	secMacs, _ := json.Marshal(h.SecondaryMacs)

	_, err := s.db.Exec(`
		UPDATE aggregated_hosts SET
			name = ?, mac = ?, secondary_macs = ?, ip = ?, wol_port = ?, status = ?, location = ?,
			fully_qualified_name = ?, last_seen = ?, discovered = ?, ping_responsive = ?, updated_at = ?
		WHERE id = ?
	`, h.Name, h.Mac, string(secMacs), h.IP, h.WolPort, h.Status, h.Location, h.FQN,
		h.LastSeen, boolToInt(h.Discovered), nullableBool(h.PingResponsive), h.UpdatedAt, h.ID)
	if err != nil {
		return werrors.Persistence("update_host_failed", "failed to update host", err)
	}
	return nil
}

// FindByNodeAndMac returns the row for (nodeID, mac), or a NotFound error.
func (s *HostStore) FindByNodeAndMac(nodeID, mac string) (*HostRecord, error) {
	return s.scanOne(s.db.QueryRow(hostSelect+` WHERE node_id = ? AND mac = ?`, nodeID, mac))
}

// FindByNodeAndName returns the row for (nodeID, name), or a NotFound error.
func (s *HostStore) FindByNodeAndName(nodeID, name string) (*HostRecord, error) {
	return s.scanOne(s.db.QueryRow(hostSelect+` WHERE node_id = ? AND name = ?`, nodeID, name))
}

// FindByFQN returns the row for the given fully qualified name.
func (s *HostStore) FindByFQN(fqn string) (*HostRecord, error) {
	return s.scanOne(s.db.QueryRow(hostSelect+` WHERE fully_qualified_name = ?`, fqn))
}

// DeleteByID removes one row by primary key.
func (s *HostStore) DeleteByID(id string) error {
	_, err := s.db.Exec(`DELETE FROM aggregated_hosts WHERE id = ?`, id)
	if err != nil {
		return werrors.Persistence("delete_host_failed", "failed to delete host", err)
	}
	return nil
}

// DeleteOtherByNodeAndMac removes every row for (nodeID, mac) except keepID;
// the MAC-dedup cleanup step in the reconciliation algorithm.
func (s *HostStore) DeleteOtherByNodeAndMac(nodeID, mac, keepID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM aggregated_hosts WHERE node_id = ? AND mac = ? AND id != ?`, nodeID, mac, keepID)
	if err != nil {
		return 0, werrors.Persistence("dedup_host_failed", "failed to remove duplicate host rows", err)
	}
	return res.RowsAffected()
}

// ListAll returns every aggregated host row.
func (s *HostStore) ListAll() ([]*HostRecord, error) {
	rows, err := s.db.Query(hostSelect + ` ORDER BY fully_qualified_name`)
	if err != nil {
		return nil, werrors.Persistence("list_hosts_failed", "failed to list hosts", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// ListByNode returns every aggregated host row for one node.
func (s *HostStore) ListByNode(nodeID string) ([]*HostRecord, error) {
	rows, err := s.db.Query(hostSelect+` WHERE node_id = ? ORDER BY name`, nodeID)
	if err != nil {
		return nil, werrors.Persistence("list_hosts_by_node_failed", "failed to list hosts for node", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// MarkNodeHostsUnreachable flips every awake row for nodeID to asleep and
// returns the count flipped. Does not emit per-host history rows — this is
// the one bulk status flip with no underlying transition log entry, matching
// host.Aggregator.MarkNodeHostsUnreachable's semantics.
func (s *HostStore) MarkNodeHostsUnreachable(nodeID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE aggregated_hosts SET status = 'asleep', updated_at = ? WHERE node_id = ? AND status = 'awake'
	`, time.Now(), nodeID)
	if err != nil {
		return 0, werrors.Persistence("mark_unreachable_failed", "failed to mark node hosts unreachable", err)
	}
	return res.RowsAffected()
}

// DeleteAllByNode removes every row for a node and returns the count removed.
func (s *HostStore) DeleteAllByNode(nodeID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM aggregated_hosts WHERE node_id = ?`, nodeID)
	if err != nil {
		return 0, werrors.Persistence("delete_node_hosts_failed", "failed to delete node hosts", err)
	}
	return res.RowsAffected()
}

const hostSelect = `
	SELECT id, node_id, name, mac, secondary_macs, ip, wol_port, status, location, fully_qualified_name,
	       last_seen, discovered, ping_responsive, created_at, updated_at
	FROM aggregated_hosts`

func (s *HostStore) scanOne(row *sql.Row) (*HostRecord, error) {
	h, err := scanHostRow(row)
	if err == sql.ErrNoRows {
		return nil, werrors.NotFound("host_not_found", "host not found")
	}
	if err != nil {
		return nil, werrors.Persistence("scan_host_failed", "failed to scan host row", err)
	}
	return h, nil
}

func (s *HostStore) scanAll(rows *sql.Rows) ([]*HostRecord, error) {
	var out []*HostRecord
	for rows.Next() {
		h, err := scanHostRow(rows)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanHostRow(row rowScanner) (*HostRecord, error) {
	var h HostRecord
	var secMacs sql.NullString
	var ip sql.NullString
	var wolPort sql.NullInt64
	var lastSeen sql.NullTime
	var discovered int
	var pingResponsive sql.NullBool

	if err := row.Scan(&h.ID, &h.NodeID, &h.Name, &h.Mac, &secMacs, &ip, &wolPort, &h.Status, &h.Location, &h.FQN,
		&lastSeen, &discovered, &pingResponsive, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}

	if secMacs.Valid && secMacs.String != "" {
		_ = json.Unmarshal([]byte(secMacs.String), &h.SecondaryMacs)
	}
	h.IP = ip.String
	if wolPort.Valid {
		p := int(wolPort.Int64)
		h.WolPort = &p
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		h.LastSeen = &t
	}
	h.Discovered = discovered != 0
	if pingResponsive.Valid {
		b := pingResponsive.Bool
		h.PingResponsive = &b
	}
	return &h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
