package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openmined/themesync/internal/db"
	"github.com/openmined/themesync/internal/theme"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS remote_checksums (
    theme_id TEXT NOT NULL,
    key TEXT NOT NULL,
    checksum TEXT NOT NULL,
    observed_at TEXT NOT NULL, -- RFC3339
    PRIMARY KEY (theme_id, key)
);

CREATE TABLE IF NOT EXISTS polls (
    theme_id TEXT PRIMARY KEY,
    polled_at TEXT NOT NULL,
    downloaded INTEGER NOT NULL,
    deleted INTEGER NOT NULL,
    errors INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
    theme_id TEXT NOT NULL,
    key TEXT NOT NULL,
    detected_at TEXT NOT NULL,
    PRIMARY KEY (theme_id, key)
);
`

// PollRecord is the outcome of the last poll of a theme.
type PollRecord struct {
	ThemeID    string
	PolledAt   time.Time
	Downloaded int
	Deleted    int
	Errors     int
}

// ConflictRecord is a fatal conflict reported by the poller.
type ConflictRecord struct {
	Key        string
	DetectedAt time.Time
}

type dbPollRecord struct {
	ThemeID    string `db:"theme_id"`
	PolledAt   string `db:"polled_at"`
	Downloaded int    `db:"downloaded"`
	Deleted    int    `db:"deleted"`
	Errors     int    `db:"errors"`
}

type dbConflict struct {
	Key        string `db:"key"`
	DetectedAt string `db:"detected_at"`
}

// SyncJournal persists the poller baseline, poll history and recorded conflicts.
type SyncJournal struct {
	db     *sqlx.DB
	dbPath string
}

func NewSyncJournal(dbPath string) *SyncJournal {
	return &SyncJournal{dbPath: dbPath}
}

func (s *SyncJournal) Open() error {
	if s.db != nil {
		return fmt.Errorf("sync journal already open")
	}

	database, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open sync journal: %w", err)
	}
	if err := db.Migrate(database, journalSchema); err != nil {
		return fmt.Errorf("init sync journal: %w", err)
	}

	s.db = database
	return nil
}

func (s *SyncJournal) Close() error {
	if s.db == nil {
		return fmt.Errorf("sync journal not open")
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("sync journal close", "error", err)
	}
	return err
}

// Baseline returns the remote checksums last observed for a theme.
func (s *SyncJournal) Baseline(themeID string) ([]theme.Checksum, error) {
	var rows []theme.Checksum
	err := s.db.Select(&rows, "SELECT key, checksum FROM remote_checksums WHERE theme_id = ? ORDER BY key", themeID)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	return rows, nil
}

// SaveBaseline replaces the stored baseline of a theme.
func (s *SyncJournal) SaveBaseline(themeID string, checksums []theme.Checksum) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM remote_checksums WHERE theme_id = ?", themeID); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	stmt, err := tx.Preparex("INSERT OR REPLACE INTO remote_checksums (theme_id, key, checksum, observed_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	defer stmt.Close()

	for _, c := range checksums {
		if _, err := stmt.Exec(themeID, c.Key, c.Checksum, now); err != nil {
			return fmt.Errorf("save baseline %s: %w", c.Key, err)
		}
	}
	return tx.Commit()
}

// RecordPoll stores the summary of a completed poll.
func (s *SyncJournal) RecordPoll(themeID string, at time.Time, result *ReconcileResult) error {
	rec := dbPollRecord{ThemeID: themeID, PolledAt: at.UTC().Format(time.RFC3339)}
	if result != nil {
		rec.Downloaded = len(result.Downloaded)
		rec.Deleted = len(result.DeletedLocal)
		rec.Errors = len(result.Errors)
	}
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO polls (theme_id, polled_at, downloaded, deleted, errors)
		VALUES (:theme_id, :polled_at, :downloaded, :deleted, :errors)`, rec)
	if err != nil {
		return fmt.Errorf("record poll: %w", err)
	}
	return nil
}

// LastPoll returns nil when the theme was never polled.
func (s *SyncJournal) LastPoll(themeID string) (*PollRecord, error) {
	var rec dbPollRecord
	err := s.db.Get(&rec, "SELECT theme_id, polled_at, downloaded, deleted, errors FROM polls WHERE theme_id = ?", themeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("last poll: %w", err)
	}

	polledAt, err := time.Parse(time.RFC3339, rec.PolledAt)
	if err != nil {
		return nil, fmt.Errorf("last poll: parse %q: %w", rec.PolledAt, err)
	}
	return &PollRecord{
		ThemeID:    rec.ThemeID,
		PolledAt:   polledAt,
		Downloaded: rec.Downloaded,
		Deleted:    rec.Deleted,
		Errors:     rec.Errors,
	}, nil
}

func (s *SyncJournal) RecordConflict(themeID, key string, at time.Time) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO conflicts (theme_id, key, detected_at) VALUES (?, ?, ?)",
		themeID, key, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

func (s *SyncJournal) Conflicts(themeID string) ([]ConflictRecord, error) {
	var rows []dbConflict
	if err := s.db.Select(&rows, "SELECT key, detected_at FROM conflicts WHERE theme_id = ? ORDER BY key", themeID); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}

	out := make([]ConflictRecord, 0, len(rows))
	for _, row := range rows {
		at, err := time.Parse(time.RFC3339, row.DetectedAt)
		if err != nil {
			return nil, fmt.Errorf("list conflicts: parse %q: %w", row.DetectedAt, err)
		}
		out = append(out, ConflictRecord{Key: row.Key, DetectedAt: at})
	}
	return out, nil
}

func (s *SyncJournal) ClearConflicts(themeID string) error {
	if _, err := s.db.Exec("DELETE FROM conflicts WHERE theme_id = ?", themeID); err != nil {
		return fmt.Errorf("clear conflicts: %w", err)
	}
	return nil
}
