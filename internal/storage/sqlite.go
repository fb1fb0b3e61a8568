// Package storage handles database connections, schema migrations, and data
// operations using SQLite. Kick audit entries are the only durable artifact
// of the subsystem and must survive process restarts.
package storage

import (
	"database/sql"
	"time"

	"github.com/skaldin/vigil/internal/models"
	_ "modernc.org/sqlite" // Driver sqlite
)

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// New initializes a new SQLite connection, sets connection pool parameters,
// and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// InsertKickAudit writes one immutable audit row. Rows are never updated.
func (r *Repository) InsertKickAudit(entry models.KickAudit) error {
	_, err := r.db.Exec(`
		INSERT INTO kick_audit (id, target_user, node_id, initiated_by, reason, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TargetUser, entry.NodeID, entry.InitiatedBy, entry.Reason, entry.Outcome, entry.CreatedAt,
	)

	return err
}

// ListKickAudit returns the most recent audit entries, newest first.
func (r *Repository) ListKickAudit(limit int) ([]models.KickAudit, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(`
		SELECT id, target_user, node_id, initiated_by, reason, outcome, created_at
		FROM kick_audit
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []models.KickAudit
	for rows.Next() {
		var e models.KickAudit
		if err := rows.Scan(&e.ID, &e.TargetUser, &e.NodeID, &e.InitiatedBy, &e.Reason, &e.Outcome, &e.CreatedAt); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// DeleteOldAudit removes audit entries older than the cutoff and returns the
// number of rows deleted. Used by the prune maintenance task only.
func (r *Repository) DeleteOldAudit(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM kick_audit WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// UpsertNodeStatus inserts or refreshes the last known status of a node.
// first_seen survives updates; everything else reflects the latest poll.
func (r *Repository) UpsertNodeStatus(s models.NodeStatus) error {
	_, err := r.db.Exec(`
		INSERT INTO node_status (
			node_id, kind, session_count, bytes_recv, bytes_sent,
			mbps_up, mbps_down, reachable, last_error, observed_at, first_seen, last_seen
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			kind          = excluded.kind,
			session_count = excluded.session_count,
			bytes_recv    = excluded.bytes_recv,
			bytes_sent    = excluded.bytes_sent,
			mbps_up       = excluded.mbps_up,
			mbps_down     = excluded.mbps_down,
			reachable     = excluded.reachable,
			last_error    = excluded.last_error,
			observed_at   = excluded.observed_at,
			last_seen     = excluded.last_seen;`,
		s.NodeID, s.Kind, s.SessionCount, s.BytesRecv, s.BytesSent,
		s.MbpsUp, s.MbpsDown, s.Reachable, s.LastError, s.ObservedAt, s.FirstSeen, s.LastSeen,
	)

	return err
}

// GetNodeStatuses retrieves all node statuses, most recently seen first.
func (r *Repository) GetNodeStatuses() ([]models.NodeStatus, error) {
	rows, err := r.db.Query(`
		SELECT node_id, kind, session_count, bytes_recv, bytes_sent,
		       mbps_up, mbps_down, reachable, last_error, observed_at, first_seen, last_seen
		FROM node_status
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var statuses []models.NodeStatus
	for rows.Next() {
		var s models.NodeStatus
		var observedAt sql.NullTime
		if err := rows.Scan(
			&s.NodeID, &s.Kind, &s.SessionCount, &s.BytesRecv, &s.BytesSent,
			&s.MbpsUp, &s.MbpsDown, &s.Reachable, &s.LastError, &observedAt, &s.FirstSeen, &s.LastSeen,
		); err != nil {
			continue
		}
		if observedAt.Valid {
			s.ObservedAt = observedAt.Time
		}
		statuses = append(statuses, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return statuses, nil
}

// GetNodeStatus retrieves the status row for one node, or nil when absent.
func (r *Repository) GetNodeStatus(nodeID string) (*models.NodeStatus, error) {
	row := r.db.QueryRow(`
		SELECT node_id, kind, session_count, bytes_recv, bytes_sent,
		       mbps_up, mbps_down, reachable, last_error, observed_at, first_seen, last_seen
		FROM node_status
		WHERE node_id = ?`, nodeID)

	var s models.NodeStatus
	var observedAt sql.NullTime
	err := row.Scan(
		&s.NodeID, &s.Kind, &s.SessionCount, &s.BytesRecv, &s.BytesSent,
		&s.MbpsUp, &s.MbpsDown, &s.Reachable, &s.LastError, &observedAt, &s.FirstSeen, &s.LastSeen,
	)

	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}
	if observedAt.Valid {
		s.ObservedAt = observedAt.Time
	}

	return &s, nil
}
