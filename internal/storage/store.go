// Package storage persists the watermark and the announcement history in
// SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/runnerr0/killfeed/internal/watermark"
)

// ErrNotFound is returned when a looked-up announcement does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for killfeed history operations.
type Store interface {
	watermark.Store
	ResetWatermark(ctx context.Context, wm watermark.Watermark) error
	ClearWatermark(ctx context.Context) error
	RecordAnnouncement(ctx context.Context, a *Announcement, deliveries []Delivery) error
	GetAnnouncement(ctx context.Context, id string) (*Announcement, error)
	GetAnnouncementByKill(ctx context.Context, killID int64) (*Announcement, error)
	ListDeliveries(ctx context.Context, announcementID string) ([]Delivery, error)
	SearchAnnouncements(ctx context.Context, query SearchQuery) ([]Announcement, error)
	CountExpired(ctx context.Context, olderThan time.Time) (int64, error)
	PruneExpired(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeAll(ctx context.Context) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements
	loadWatermark    *sql.Stmt
	advanceWatermark *sql.Stmt
	getAnnouncement  *sql.Stmt
	getByKill        *sql.Stmt
	listDeliveries   *sql.Stmt
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path, runs migrations and
// returns a ready-to-use store with its underlying *sql.DB.
func Open(path string) (*SQLiteStore, *sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	if err := NewMigrationRunner(db).Run(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create store: %w", err)
	}
	return store, db, nil
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}

	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

const announcementColumns = `id, kill_id, uid, kill_ts, victim, corporation, robot, zone,
	attackers, fields, omitted, payload, cycle_id, announced_at`

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.loadWatermark, err = s.db.Prepare(`SELECT ts, kill_id, uid FROM watermark WHERE id = 1`)
	if err != nil {
		return err
	}

	// Only moves forward: a later date, or the same date with a larger id.
	s.advanceWatermark, err = s.db.Prepare(`
		INSERT INTO watermark (id, ts, kill_id, uid, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			ts = excluded.ts,
			kill_id = excluded.kill_id,
			uid = excluded.uid,
			updated_at = excluded.updated_at
		WHERE excluded.ts > watermark.ts
		   OR (excluded.ts = watermark.ts AND excluded.kill_id > watermark.kill_id)
	`)
	if err != nil {
		return err
	}

	s.getAnnouncement, err = s.db.Prepare(`SELECT ` + announcementColumns + ` FROM announcements WHERE id = ?`)
	if err != nil {
		return err
	}

	s.getByKill, err = s.db.Prepare(`
		SELECT ` + announcementColumns + ` FROM announcements
		WHERE kill_id = ? ORDER BY announced_at DESC LIMIT 1
	`)
	if err != nil {
		return err
	}

	s.listDeliveries, err = s.db.Prepare(`
		SELECT id, announcement_id, channel, sent, error, duration_ms, delivered_at
		FROM deliveries WHERE announcement_id = ? ORDER BY channel
	`)
	if err != nil {
		return err
	}

	return nil
}

// parseTimestamp tries several common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp: %s", s)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// LoadWatermark implements watermark.Store.
func (s *SQLiteStore) LoadWatermark(ctx context.Context) (watermark.Watermark, bool, error) {
	var ts, id int64
	var uid string
	err := s.loadWatermark.QueryRowContext(ctx).Scan(&ts, &id, &uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return watermark.Watermark{}, false, nil
		}
		return watermark.Watermark{}, false, fmt.Errorf("load watermark: %w", err)
	}
	return watermark.Watermark{Date: time.Unix(0, ts).UTC(), ID: id, UID: uid}, true, nil
}

// SaveWatermark implements watermark.Store. A watermark that does not move
// forward is ignored.
func (s *SQLiteStore) SaveWatermark(ctx context.Context, wm watermark.Watermark) error {
	if _, err := s.advanceWatermark.ExecContext(ctx, wm.Date.UnixNano(), wm.ID, wm.UID); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// ResetWatermark overwrites the watermark, including moving it backwards.
func (s *SQLiteStore) ResetWatermark(ctx context.Context, wm watermark.Watermark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermark (id, ts, kill_id, uid, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			ts = excluded.ts, kill_id = excluded.kill_id,
			uid = excluded.uid, updated_at = excluded.updated_at
	`, wm.Date.UnixNano(), wm.ID, wm.UID)
	if err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return nil
}

// ClearWatermark removes the stored watermark; the next cycle starts from
// the configured default.
func (s *SQLiteStore) ClearWatermark(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM watermark"); err != nil {
		return fmt.Errorf("clear watermark: %w", err)
	}
	return nil
}

// RecordAnnouncement inserts an announcement and its deliveries in a single
// transaction. Missing ids and timestamps are filled in.
func (s *SQLiteStore) RecordAnnouncement(ctx context.Context, a *Announcement, deliveries []Delivery) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AnnouncedAt.IsZero() {
		a.AnnouncedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO announcements (`+announcementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.KillID, a.UID, formatTimestamp(a.KillDate), a.Victim, a.Corporation,
		a.Robot, a.Zone, a.Attackers, a.Fields, a.Omitted, a.Payload, a.CycleID,
		formatTimestamp(a.AnnouncedAt),
	)
	if err != nil {
		return fmt.Errorf("insert announcement: %w", err)
	}

	for i := range deliveries {
		d := &deliveries[i]
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.AnnouncementID = a.ID
		if d.DeliveredAt.IsZero() {
			d.DeliveredAt = a.AnnouncedAt
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries (id, announcement_id, channel, sent, error, duration_ms, delivered_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.AnnouncementID, d.Channel, d.Sent, d.Error,
			d.Duration.Milliseconds(), formatTimestamp(d.DeliveredAt),
		)
		if err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnouncement(row rowScanner) (*Announcement, error) {
	var a Announcement
	var killTS, announcedAt string
	if err := row.Scan(
		&a.ID, &a.KillID, &a.UID, &killTS, &a.Victim, &a.Corporation, &a.Robot, &a.Zone,
		&a.Attackers, &a.Fields, &a.Omitted, &a.Payload, &a.CycleID, &announcedAt,
	); err != nil {
		return nil, err
	}
	a.KillDate, _ = parseTimestamp(killTS)
	a.AnnouncedAt, _ = parseTimestamp(announcedAt)
	return &a, nil
}

// GetAnnouncement retrieves a single announcement by ID.
func (s *SQLiteStore) GetAnnouncement(ctx context.Context, id string) (*Announcement, error) {
	a, err := scanAnnouncement(s.getAnnouncement.QueryRowContext(ctx, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("announcement %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get announcement: %w", err)
	}
	return a, nil
}

// GetAnnouncementByKill retrieves the latest announcement of a killmail.
func (s *SQLiteStore) GetAnnouncementByKill(ctx context.Context, killID int64) (*Announcement, error) {
	a, err := scanAnnouncement(s.getByKill.QueryRowContext(ctx, killID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("kill %d: %w", killID, ErrNotFound)
		}
		return nil, fmt.Errorf("get announcement: %w", err)
	}
	return a, nil
}

// ListDeliveries returns the deliveries of an announcement ordered by channel.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, announcementID string) ([]Delivery, error) {
	rows, err := s.listDeliveries.QueryContext(ctx, announcementID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []Delivery{}
	for rows.Next() {
		var d Delivery
		var ms int64
		var deliveredAt string
		if err := rows.Scan(&d.ID, &d.AnnouncementID, &d.Channel, &d.Sent, &d.Error, &ms, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		d.DeliveredAt, _ = parseTimestamp(deliveredAt)
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// escapeLike escapes LIKE wildcards in user input.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SearchAnnouncements lists announcements newest first. Every word of
// Query must match the victim, corporation, robot or zone.
func (s *SQLiteStore) SearchAnnouncements(ctx context.Context, q SearchQuery) ([]Announcement, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	var clauses []string
	var args []any

	for _, w := range strings.Fields(q.Query) {
		pattern := "%" + escapeLike(w) + "%"
		clauses = append(clauses, `(victim LIKE ? ESCAPE '\' OR corporation LIKE ? ESCAPE '\'
			OR robot LIKE ? ESCAPE '\' OR zone LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern, pattern)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "kill_ts >= ?")
		args = append(args, formatTimestamp(q.Since))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "kill_ts <= ?")
		args = append(args, formatTimestamp(q.Until))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	query := `SELECT ` + announcementColumns + ` FROM announcements` + where +
		` ORDER BY kill_ts DESC, kill_id DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query announcements: %w", err)
	}
	defer rows.Close()

	out := []Announcement{}
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CountExpired returns how many announcements PruneExpired would delete.
func (s *SQLiteStore) CountExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM announcements WHERE announced_at < ?", formatTimestamp(olderThan),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired: %w", err)
	}
	return n, nil
}

// PruneExpired deletes announcements made before olderThan. Deliveries are
// cascade-deleted by the schema.
func (s *SQLiteStore) PruneExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM announcements WHERE announced_at < ?", formatTimestamp(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("prune announcements: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAll deletes the history and the watermark.
func (s *SQLiteStore) PurgeAll(ctx context.Context) error {
	stmts := []string{
		"DELETE FROM deliveries",
		"DELETE FROM announcements",
		"DELETE FROM watermark",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("purge (%s): %w", stmt, err)
		}
	}
	return nil
}

// GetStats returns aggregate statistics about the database.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(omitted > 0), 0) FROM announcements",
	).Scan(&stats.TotalAnnouncements, &stats.Overflowed)
	if err != nil {
		return nil, fmt.Errorf("count announcements: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(error != ''), 0) FROM deliveries",
	).Scan(&stats.TotalDeliveries, &stats.FailedDeliveries)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}

	if stats.TotalAnnouncements > 0 {
		var oldestStr, newestStr string
		err = s.db.QueryRowContext(ctx,
			"SELECT MIN(announced_at), MAX(announced_at) FROM announcements",
		).Scan(&oldestStr, &newestStr)
		if err != nil {
			return nil, fmt.Errorf("announcement time range: %w", err)
		}
		stats.OldestAnnouncement, _ = parseTimestamp(oldestStr)
		stats.NewestAnnouncement, _ = parseTimestamp(newestStr)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT zone, COUNT(*) AS cnt FROM announcements GROUP BY zone ORDER BY cnt DESC, zone LIMIT 10",
	)
	if err != nil {
		return nil, fmt.Errorf("top zones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var zc ZoneCount
		if err := rows.Scan(&zc.Zone, &zc.Count); err != nil {
			return nil, err
		}
		stats.TopZones = append(stats.TopZones, zc)
	}

	return stats, rows.Err()
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed; that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.loadWatermark, s.advanceWatermark, s.getAnnouncement,
		s.getByKill, s.listDeliveries,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
