package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/timeslice"

	_ "modernc.org/sqlite"
)

const monthLayout = "2006-01"

// -----------------------------------------------------------------------------

// SQLiteStore keeps one database file per subscription and UTC month:
// <data_folder>/historical/<vendor>/<subscription key>/<yyyy-mm>.db
type SQLiteStore struct {
	Root   string
	Logger *logger.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// -----------------------------------------------------------------------------

func NewSQLiteStore(cfg *models.MConfig, log *logger.Logger) *SQLiteStore {
	return &SQLiteStore{
		Root:   filepath.Join(cfg.DataFolder, "historical"),
		Logger: log,
		dbs:    make(map[string]*sql.DB),
	}
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) Initialize() error {
	if err := os.MkdirAll(d.Root, 0755); err != nil {
		return helpers.NewStorageError(err, "create %s", d.Root)
	}
	return nil
}

// -----------------------------------------------------------------------------

// FilePathFor returns the file that holds events of sub closing in t's month.
func (d *SQLiteStore) FilePathFor(sub models.DataSubscription, t time.Time) string {
	return filepath.Join(d.subDir(sub), monthStart(t).Format(monthLayout)+".db")
}

func (d *SQLiteStore) subDir(sub models.DataSubscription) string {
	return filepath.Join(d.Root, string(sub.Symbol.Vendor), sub.Key())
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) HasData(_ context.Context, sub models.DataSubscription, t time.Time) (bool, error) {
	_, err := os.Stat(d.FilePathFor(sub, t))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, helpers.NewStorageError(err, "stat %s", sub)
}

// -----------------------------------------------------------------------------

// open returns a cached handle, creating the file and table when create is set.
func (d *SQLiteStore) open(path string, create bool) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[path]; ok {
		return db, nil
	}
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer per file keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode on %s: %v", path, err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode on %s: %v", path, err)
	}

	query := `
		CREATE TABLE IF NOT EXISTS events (
			time_ns INTEGER NOT NULL,
			digest TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (time_ns, digest)
		);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table in %s: %w", path, err)
	}

	d.dbs[path] = db
	return db, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) SaveEvents(ctx context.Context, sub models.DataSubscription, events []models.BaseData) error {
	rows, err := encodeEvents(events)
	if err != nil {
		return helpers.NewStorageError(err, "encode %s", sub)
	}

	// Group by month file
	byFile := make(map[string][]storedEvent)
	for _, r := range rows {
		path := d.FilePathFor(sub, time.Unix(0, r.timeNs))
		byFile[path] = append(byFile[path], r)
	}

	for path, list := range byFile {
		if err := d.insert(ctx, path, list); err != nil {
			return helpers.NewStorageError(err, "save %s", sub)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) insert(ctx context.Context, path string, rows []storedEvent) error {
	db, err := d.open(path, true)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events (time_ns, digest, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.timeNs, r.digest, r.payload); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) LoadRange(ctx context.Context, sub models.DataSubscription, from, to time.Time) (*timeslice.TimeSlice, error) {
	ts := timeslice.New()
	if !from.Before(to) {
		return ts, nil
	}

	for month := monthStart(from); month.Before(to); month = month.AddDate(0, 1, 0) {
		path := d.FilePathFor(sub, month)
		db, err := d.open(path, false)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, helpers.NewStorageError(err, "open %s", path)
		}

		if err := d.loadFile(ctx, db, from, to, ts); err != nil {
			return nil, helpers.NewStorageError(err, "load %s", path)
		}
	}
	return ts, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) loadFile(ctx context.Context, db *sql.DB, from, to time.Time, ts *timeslice.TimeSlice) error {
	rows, err := db.QueryContext(ctx,
		`SELECT payload FROM events WHERE time_ns >= ? AND time_ns < ? ORDER BY time_ns, rowid`,
		from.UnixNano(), to.UnixNano())
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			d.Logger.Warning("Skipping undecodable row: %v", err)
			continue
		}
		ts.Add(ev)
	}
	return rows.Err()
}

// -----------------------------------------------------------------------------

// months lists the month files of sub, oldest first.
func (d *SQLiteStore) months(sub models.DataSubscription) ([]time.Time, error) {
	entries, err := os.ReadDir(d.subDir(sub))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		m, err := time.Parse(monthLayout, strings.TrimSuffix(name, ".db"))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) LatestTime(ctx context.Context, sub models.DataSubscription) (time.Time, bool, error) {
	months, err := d.months(sub)
	if err != nil {
		return time.Time{}, false, helpers.NewStorageError(err, "list %s", sub)
	}

	for i := len(months) - 1; i >= 0; i-- {
		db, err := d.open(d.FilePathFor(sub, months[i]), false)
		if err != nil {
			return time.Time{}, false, helpers.NewStorageError(err, "open %s", sub)
		}
		var latest sql.NullInt64
		if err := db.QueryRowContext(ctx, `SELECT MAX(time_ns) FROM events`).Scan(&latest); err != nil {
			return time.Time{}, false, helpers.NewStorageError(err, "latest %s", sub)
		}
		if latest.Valid {
			return time.Unix(0, latest.Int64).UTC(), true, nil
		}
	}
	return time.Time{}, false, nil
}

// -----------------------------------------------------------------------------

// CleanupOldData deletes whole month files past retention and trims the month
// that straddles the cutoff.
func (d *SQLiteStore) CleanupOldData(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	d.Logger.Info("Cleaning up data older than %s (cutoff %s)...", retention, cutoff.Format(time.RFC3339))

	vendors, err := os.ReadDir(d.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return helpers.NewStorageError(err, "list %s", d.Root)
	}

	removed := 0
	for _, v := range vendors {
		if !v.IsDir() {
			continue
		}
		subs, err := os.ReadDir(filepath.Join(d.Root, v.Name()))
		if err != nil {
			d.Logger.Error("Cleanup %s error: %v", v.Name(), err)
			continue
		}
		for _, s := range subs {
			removed += d.cleanupDir(ctx, filepath.Join(d.Root, v.Name(), s.Name()), cutoff)
		}
	}

	d.Logger.Info("Cleanup completed, removed %d month files", removed)
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) cleanupDir(ctx context.Context, dir string, cutoff time.Time) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, f := range files {
		name := f.Name()
		m, err := time.Parse(monthLayout, strings.TrimSuffix(name, ".db"))
		if err != nil || !strings.HasSuffix(name, ".db") {
			continue
		}
		path := filepath.Join(dir, name)

		switch {
		case !m.AddDate(0, 1, 0).After(cutoff):
			d.forget(path)
			for _, p := range []string{path, path + "-wal", path + "-shm"} {
				_ = os.Remove(p)
			}
			removed++
		case m.Before(cutoff):
			db, err := d.open(path, false)
			if err != nil {
				continue
			}
			if _, err := db.ExecContext(ctx, `DELETE FROM events WHERE time_ns < ?`, cutoff.UnixNano()); err != nil {
				d.Logger.Error("Cleanup %s error: %v", path, err)
			}
		}
	}
	return removed
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) forget(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.dbs[path]; ok {
		db.Close()
		delete(d.dbs, path)
	}
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for path, db := range d.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.dbs, path)
	}
	return errors.Join(errs...)
}
