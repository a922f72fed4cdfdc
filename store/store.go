// Package store persists the two tables the core owns per spec.md §6:
// printer identities and staged slot assignments. It mirrors the teacher's
// db.New embed.FS migration pattern, trimmed to the single always-current
// migration file SpoolBuddy needs so far.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/spoolbuddy/core/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PrinterConfig is the persisted identity of a printer, spec.md §3.
type PrinterConfig struct {
	Serial      string
	Name        string
	IPAddress   string
	AccessCode  string
	AutoConnect bool
	DualNozzle  bool
	LastSeen    time.Time
}

// StagedAssignment is a pending slot assignment the workflow couldn't write
// immediately, spec.md §3/§4.7. At most one row exists per
// (PrinterSerial, AmsID, TrayID).
type StagedAssignment struct {
	PrinterSerial string
	AmsID         int
	TrayID        int
	SpoolID       string
	CreatedTS     time.Time
	TTL           time.Duration
}

// Store wraps the SQLite database holding printers and staged_assignments.
type Store struct {
	db *sql.DB
}

// Open applies the embedded migrations and returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := engine.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// New applies the embedded migrations to an already-open database and wraps
// it (used by tests via engine.OpenTestDB).
func New(db *sql.DB) (*Store, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	files, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	for _, f := range files {
		sqlBytes, err := migrations.ReadFile("migrations/" + f.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", f.Name(), err)
		}
		engine.MustMigrate(db, string(sqlBytes))
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying database, for engine.ServeHealthProbe.
func (s *Store) DB() *sql.DB { return s.db }

// UpsertPrinter inserts or replaces a printer's persisted identity.
func (s *Store) UpsertPrinter(p PrinterConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO printers (serial, name, ip_address, access_code, auto_connect, dual_nozzle, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			name = excluded.name,
			ip_address = excluded.ip_address,
			access_code = excluded.access_code,
			auto_connect = excluded.auto_connect,
			dual_nozzle = excluded.dual_nozzle,
			last_seen = excluded.last_seen
	`, p.Serial, p.Name, p.IPAddress, p.AccessCode, p.AutoConnect, p.DualNozzle, nullableUnix(p.LastSeen))
	return err
}

// GetPrinter returns a single printer by serial, or engine.NotFound.
func (s *Store) GetPrinter(serial string) (PrinterConfig, error) {
	row := s.db.QueryRow(`
		SELECT serial, name, ip_address, access_code, auto_connect, dual_nozzle, last_seen
		FROM printers WHERE serial = ?
	`, serial)
	return scanPrinter(row)
}

// ListPrinters returns every persisted printer, ordered by serial.
func (s *Store) ListPrinters() ([]PrinterConfig, error) {
	rows, err := s.db.Query(`
		SELECT serial, name, ip_address, access_code, auto_connect, dual_nozzle, last_seen
		FROM printers ORDER BY serial
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PrinterConfig
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePrinter removes a printer's persisted identity.
func (s *Store) DeletePrinter(serial string) error {
	_, err := s.db.Exec(`DELETE FROM printers WHERE serial = ?`, serial)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrinter(row rowScanner) (PrinterConfig, error) {
	var p PrinterConfig
	var lastSeen sql.NullInt64
	err := row.Scan(&p.Serial, &p.Name, &p.IPAddress, &p.AccessCode, &p.AutoConnect, &p.DualNozzle, &lastSeen)
	if err == sql.ErrNoRows {
		return PrinterConfig{}, engine.Errorf(engine.NotFound, "no such printer")
	}
	if err != nil {
		return PrinterConfig{}, err
	}
	if lastSeen.Valid {
		p.LastSeen = time.Unix(lastSeen.Int64, 0).UTC()
	}
	return p, nil
}

// StageAssignment inserts or replaces the pending assignment for one slot.
// Per spec.md §3, a new staged assignment to the same (printer, ams, tray)
// replaces the prior one; the caller (package workflow) decides whether that
// counts as Staged or StagedReplace.
func (s *Store) StageAssignment(a StagedAssignment) error {
	_, err := s.db.Exec(`
		INSERT INTO staged_assignments (printer_serial, ams_id, tray_id, spool_id, created_ts, ttl)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(printer_serial, ams_id, tray_id) DO UPDATE SET
			spool_id = excluded.spool_id,
			created_ts = excluded.created_ts,
			ttl = excluded.ttl
	`, a.PrinterSerial, a.AmsID, a.TrayID, a.SpoolID, a.CreatedTS.Unix(), int64(a.TTL/time.Millisecond))
	return err
}

// GetStagedAssignment returns the pending assignment for one slot, if any.
func (s *Store) GetStagedAssignment(serial string, amsID, trayID int) (StagedAssignment, bool, error) {
	row := s.db.QueryRow(`
		SELECT printer_serial, ams_id, tray_id, spool_id, created_ts, ttl
		FROM staged_assignments WHERE printer_serial = ? AND ams_id = ? AND tray_id = ?
	`, serial, amsID, trayID)
	a, err := scanStagedAssignment(row)
	if err == sql.ErrNoRows {
		return StagedAssignment{}, false, nil
	}
	if err != nil {
		return StagedAssignment{}, false, err
	}
	return a, true, nil
}

// ListStagedAssignments returns every pending assignment for one printer.
func (s *Store) ListStagedAssignments(serial string) ([]StagedAssignment, error) {
	rows, err := s.db.Query(`
		SELECT printer_serial, ams_id, tray_id, spool_id, created_ts, ttl
		FROM staged_assignments WHERE printer_serial = ? ORDER BY ams_id, tray_id
	`, serial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StagedAssignment
	for rows.Next() {
		a, err := scanStagedAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearStagedAssignment deletes the pending assignment for one slot, e.g. on
// commit (telemetry shows it applied) or user cancel.
func (s *Store) ClearStagedAssignment(serial string, amsID, trayID int) error {
	_, err := s.db.Exec(`
		DELETE FROM staged_assignments WHERE printer_serial = ? AND ams_id = ? AND tray_id = ?
	`, serial, amsID, trayID)
	return err
}

// SweepExpired deletes every staged assignment whose TTL has elapsed as of
// now, returning how many rows were removed.
func (s *Store) SweepExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM staged_assignments WHERE created_ts + (ttl / 1000) <= ?
	`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanStagedAssignment(row rowScanner) (StagedAssignment, error) {
	var a StagedAssignment
	var createdTS, ttlMS int64
	if err := row.Scan(&a.PrinterSerial, &a.AmsID, &a.TrayID, &a.SpoolID, &createdTS, &ttlMS); err != nil {
		return StagedAssignment{}, err
	}
	a.CreatedTS = time.Unix(createdTS, 0).UTC()
	a.TTL = time.Duration(ttlMS) * time.Millisecond
	return a, nil
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
