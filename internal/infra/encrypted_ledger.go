package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const ledgerSchemaVersion = "1"

// EncryptedLedger keeps history and quarantine records in a SQLCipher encrypted SQLite database.
// History and Quarantine expose it through the domain store interfaces.
type EncryptedLedger struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedLedger opens (or creates) the ledger at dbPath.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedLedger(dbPath string, key []byte) (*EncryptedLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY between the scan and monitor paths.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	l := &EncryptedLedger{db: db, dbPath: dbPath}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return l, nil
}

func (l *EncryptedLedger) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quarantine (
		id TEXT PRIMARY KEY,
		original_path TEXT NOT NULL,
		quarantine_path TEXT NOT NULL,
		threat_name TEXT NOT NULL,
		quarantined_at INTEGER NOT NULL,
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	_, err := l.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, ledgerSchemaVersion)
	return err
}

// --- history ---

// AppendEvent records an event.
func (l *EncryptedLedger) AppendEvent(event domain.HistoryEvent) error {
	_, err := l.db.Exec(`INSERT INTO history (id, ts, event_type, details) VALUES (?, ?, ?, ?)`,
		event.ID, event.Timestamp.UnixNano(), event.EventType, event.Details)
	return err
}

// ListEvents returns events newest first.
func (l *EncryptedLedger) ListEvents() ([]domain.HistoryEvent, error) {
	rows, err := l.db.Query(`SELECT id, ts, event_type, details FROM history ORDER BY ts DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.HistoryEvent
	for rows.Next() {
		var e domain.HistoryEvent
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Details); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEvent removes one event.
func (l *EncryptedLedger) DeleteEvent(id string) error {
	return l.deleteByID(`DELETE FROM history WHERE id = ?`, id)
}

// ClearEvents removes every event.
func (l *EncryptedLedger) ClearEvents() error {
	_, err := l.db.Exec(`DELETE FROM history`)
	return err
}

// --- quarantine ---

// AddRecords stores records in one transaction.
func (l *EncryptedLedger) AddRecords(records ...domain.QuarantineRecord) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	for _, r := range records {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO quarantine (id, original_path, quarantine_path, threat_name, quarantined_at, notes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.OriginalPath, r.QuarantinePath, r.ThreatName, r.QuarantinedAt.UnixNano(), r.Notes)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListRecords returns quarantine records, newest first.
func (l *EncryptedLedger) ListRecords() ([]domain.QuarantineRecord, error) {
	rows, err := l.db.Query(`
		SELECT id, original_path, quarantine_path, threat_name, quarantined_at, notes
		FROM quarantine ORDER BY quarantined_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.QuarantineRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// GetRecord returns one record or domain.ErrNotFound.
func (l *EncryptedLedger) GetRecord(id string) (*domain.QuarantineRecord, error) {
	row := l.db.QueryRow(`
		SELECT id, original_path, quarantine_path, threat_name, quarantined_at, notes
		FROM quarantine WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: quarantine record %s", domain.ErrNotFound, id)
	}
	return r, err
}

// RemoveRecord deletes one record.
func (l *EncryptedLedger) RemoveRecord(id string) error {
	return l.deleteByID(`DELETE FROM quarantine WHERE id = ?`, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.QuarantineRecord, error) {
	var r domain.QuarantineRecord
	var at int64
	if err := row.Scan(&r.ID, &r.OriginalPath, &r.QuarantinePath, &r.ThreatName, &at, &r.Notes); err != nil {
		return nil, err
	}
	r.QuarantinedAt = time.Unix(0, at)
	return &r, nil
}

func (l *EncryptedLedger) deleteByID(query, id string) error {
	result, err := l.db.Exec(query, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}

// Path returns the database file path.
func (l *EncryptedLedger) Path() string {
	return l.dbPath
}

// Close releases the database connection.
func (l *EncryptedLedger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// History returns the ledger as a domain.HistoryStore.
func (l *EncryptedLedger) History() domain.HistoryStore { return ledgerHistory{l} }

// Quarantine returns the ledger as a domain.QuarantineStore.
func (l *EncryptedLedger) Quarantine() domain.QuarantineStore { return ledgerQuarantine{l} }

type ledgerHistory struct{ l *EncryptedLedger }

func (h ledgerHistory) Append(e domain.HistoryEvent) error { return h.l.AppendEvent(e) }
func (h ledgerHistory) List() ([]domain.HistoryEvent, error) { return h.l.ListEvents() }
func (h ledgerHistory) Delete(id string) error { return h.l.DeleteEvent(id) }
func (h ledgerHistory) Clear() error { return h.l.ClearEvents() }

type ledgerQuarantine struct{ l *EncryptedLedger }

func (q ledgerQuarantine) Add(r ...domain.QuarantineRecord) error { return q.l.AddRecords(r...) }
func (q ledgerQuarantine) List() ([]domain.QuarantineRecord, error) { return q.l.ListRecords() }
func (q ledgerQuarantine) Get(id string) (*domain.QuarantineRecord, error) { return q.l.GetRecord(id) }
func (q ledgerQuarantine) Remove(id string) error { return q.l.RemoveRecord(id) }

var (
	_ domain.HistoryStore    = ledgerHistory{}
	_ domain.QuarantineStore = ledgerQuarantine{}
)
