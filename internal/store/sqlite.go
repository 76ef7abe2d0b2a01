package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"geofenced/internal/dispatch"
	"geofenced/internal/region"
)

// Event delivery outcomes kept in the event log.
const (
	OutcomeDelivered   = "delivered"
	OutcomeUnavailable = "unavailable"
	OutcomeFailed      = "failed"
)

// Store represents the SQLite region store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	if s.db == nil {
		return errors.New("store closed")
	}
	return s.db.Ping()
}

// MigrationStatus reports applied and pending migrations.
func (s *Store) MigrationStatus() (*MigrationStatus, error) {
	return GetMigrationStatus(s.db)
}

// SaveRegion inserts or replaces a region definition. A replaced region keeps
// its position so that restored regions come back in registration order.
func (s *Store) SaveRegion(def region.Definition, source Source) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal region %s: %w", def.ID, err)
	}
	now := s.now().UnixNano()

	_, err = s.db.Exec(`
		INSERT INTO regions (id, position, kind, definition, source, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM regions), ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			definition = excluded.definition,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		def.ID, def.Kind, string(data), string(source), now, now,
	)
	if err != nil {
		return fmt.Errorf("save region %s: %w", def.ID, err)
	}
	return nil
}

// DeleteRegion removes a region and reports whether it existed.
func (s *Store) DeleteRegion(id string) (bool, error) {
	result, err := s.db.Exec("DELETE FROM regions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete region %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteRegionsBySource removes every region imported from source.
func (s *Store) DeleteRegionsBySource(source Source) (int64, error) {
	result, err := s.db.Exec("DELETE FROM regions WHERE source = ?", string(source))
	if err != nil {
		return 0, fmt.Errorf("delete %s regions: %w", source, err)
	}
	return result.RowsAffected()
}

// GetRegion retrieves a region by id. It returns nil if none exists.
func (s *Store) GetRegion(id string) (*StoredRegion, error) {
	row := s.db.QueryRow(`
		SELECT definition, position, source, created_at, updated_at
		FROM regions WHERE id = ?`, id)

	r, err := scanRegion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get region %s: %w", id, err)
	}
	return r, nil
}

// LoadRegions returns every stored region in registration order.
func (s *Store) LoadRegions() ([]StoredRegion, error) {
	rows, err := s.db.Query(`
		SELECT definition, position, source, created_at, updated_at
		FROM regions ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer rows.Close()

	var out []StoredRegion
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegion(row rowScanner) (*StoredRegion, error) {
	var (
		r                StoredRegion
		data, source     string
		created, updated int64
	)
	if err := row.Scan(&data, &r.Position, &source, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &r.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	r.Source = Source(source)
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	return &r, nil
}

// RecordPermission appends a permission state change to the history.
func (s *Store) RecordPermission(from, to string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO permission_log (from_state, to_state, changed_at) VALUES (?, ?, ?)",
		from, to, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record permission change: %w", err)
	}
	return nil
}

// PermissionHistory returns the most recent permission changes, newest first.
func (s *Store) PermissionHistory(limit int) ([]PermissionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, from_state, to_state, changed_at
		FROM permission_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query permission history: %w", err)
	}
	defer rows.Close()

	var out []PermissionRecord
	for rows.Next() {
		var rec PermissionRecord
		var at int64
		if err := rows.Scan(&rec.ID, &rec.From, &rec.To, &at); err != nil {
			return nil, fmt.Errorf("scan permission record: %w", err)
		}
		rec.At = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordEvent stores the outcome of delivering ev. Recording the same event
// twice overwrites the earlier outcome.
func (s *Store) RecordEvent(ev dispatch.Event, outcome string) error {
	var payload sql.NullString
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for %s: %w", ev.ID, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO event_log (event_id, type, region_id, timestamp_ns, payload, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.RegionID, ev.Timestamp.UnixNano(), payload, outcome,
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return nil
}

// RecentEvents returns up to limit logged events, newest first. An empty
// regionID matches every region.
func (s *Store) RecentEvents(regionID string, limit int) ([]EventRecord, error) {
	query := `SELECT event_id, type, region_id, timestamp_ns, payload, outcome FROM event_log`
	args := []any{}
	if regionID != "" {
		query += " WHERE region_id = ?"
		args = append(args, regionID)
	}
	query += " ORDER BY timestamp_ns DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var ts int64
		var payload sql.NullString
		if err := rows.Scan(&rec.EventID, &rec.Type, &rec.RegionID, &ts, &payload, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneEvents deletes logged events older than before.
func (s *Store) PruneEvents(before time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM event_log WHERE timestamp_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return result.RowsAffected()
}
