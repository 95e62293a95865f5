// Package library stores the recordings a consumer has received: the audio
// files on disk and a SQLite ledger of completed fileIds, so that files
// already fetched are never queued again after a restart.
package library

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/1ureka/tmslink/internal/transfer"
)

const (
	// DefaultDBFileName is the ledger file inside the library directory.
	DefaultDBFileName = "library.db"

	displayLayout = "20060102_150405"
)

// ErrNotFound is returned for a fileId the library does not hold.
var ErrNotFound = errors.New("library: recording not found")

var _ transfer.CompletionStore = (*Library)(nil)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS recordings (
  file_id      INTEGER PRIMARY KEY,
  filename     TEXT NOT NULL,
  filesize     INTEGER NOT NULL,
  sha256       TEXT NOT NULL,
  total_chunks INTEGER NOT NULL,
  stored_path  TEXT NOT NULL,
  received_at  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_recordings_received_at
ON recordings (received_at DESC, file_id);
`,
}

// Recording is one received file.
type Recording struct {
	FileID      uint32
	FileName    string
	Size        int64
	SHA256      string
	TotalChunks int
	Path        string
	ReceivedAt  time.Time
}

// DisplayName is the on-disk name of a received file, e.g.
// 20231114_221320.mp3 for fileId 1700000000 in UTC.
func DisplayName(id uint32, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(int64(id), 0).In(loc).Format(displayLayout) + ".mp3"
}

// Library is a directory of received recordings plus its ledger.
type Library struct {
	db  *sql.DB
	dir string
	loc *time.Location
	now func() time.Time

	mu        sync.Mutex
	closeOnce sync.Once
}

// Open opens (or creates) the library in dir. loc is the zone used for file
// names; time.Local when nil.
func Open(dir string, loc *time.Location) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create library directory: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}

	dbPath := filepath.Join(dir, DefaultDBFileName)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	l := &Library{db: db, dir: dir, loc: loc, now: time.Now}
	if err := l.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Dir returns the library directory.
func (l *Library) Dir() string { return l.dir }

// Close closes the ledger.
func (l *Library) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.db.Close()
	})
	return err
}

func (l *Library) applyMigrations() error {
	var version int
	if err := l.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (l *Library) enableWALMode() error {
	var journalMode string
	if err := l.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Recordings
// ---------------------------------------------------------------------------

// Save writes a verified file and records it as completed. The file is
// written under a temporary name and renamed into place, so a crash never
// leaves a partial recording behind a completed ledger row.
func (l *Library) Save(meta protocol.Metadata, data []byte) error {
	if int64(len(data)) != int64(meta.FileSize) {
		return fmt.Errorf("save %d: %d bytes, metadata says %d", meta.FileID, len(data), meta.FileSize)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	name := DisplayName(meta.FileID, l.loc)
	path := filepath.Join(l.dir, name)
	if err := writeFileAtomic(l.dir, path, data); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}

	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO recordings (
			file_id,
			filename,
			filesize,
			sha256,
			total_chunks,
			stored_path,
			received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(meta.FileID),
		name,
		int64(meta.FileSize),
		hex.EncodeToString(meta.SHA256[:]),
		int(meta.TotalChunks),
		path,
		l.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record %d: %w", meta.FileID, err)
	}
	return nil
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// CompletedIDs returns every recorded fileId in ascending order.
func (l *Library) CompletedIDs() ([]uint32, error) {
	rows, err := l.db.Query(`SELECT file_id FROM recordings ORDER BY file_id`)
	if err != nil {
		return nil, fmt.Errorf("query completed ids: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed id: %w", err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, rows.Err()
}

// Get returns the recording for id.
func (l *Library) Get(id uint32) (Recording, error) {
	row := l.db.QueryRow(
		`SELECT file_id, filename, filesize, sha256, total_chunks, stored_path, received_at
		FROM recordings
		WHERE file_id = ?`,
		int64(id),
	)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return rec, err
}

// List returns all recordings, most recently received first.
func (l *Library) List() ([]Recording, error) {
	rows, err := l.db.Query(
		`SELECT file_id, filename, filesize, sha256, total_chunks, stored_path, received_at
		FROM recordings
		ORDER BY received_at DESC, file_id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a recording's file and its ledger row. The fileId is then
// eligible for download again.
func (l *Library) Delete(id uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.Get(id)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", rec.FileName, err)
	}
	if _, err := l.db.Exec(`DELETE FROM recordings WHERE file_id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var (
		id         int64
		rec        Recording
		receivedAt int64
	)
	if err := row.Scan(&id, &rec.FileName, &rec.Size, &rec.SHA256, &rec.TotalChunks, &rec.Path, &receivedAt); err != nil {
		return Recording{}, err
	}
	rec.FileID = uint32(id)
	rec.ReceivedAt = time.UnixMilli(receivedAt)
	return rec, nil
}
