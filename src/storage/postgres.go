package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/timeslice"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

// PostgresDB stores every subscription in one table inside a schema named
// after the running executable.
type PostgresDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) (*PostgresDB, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, helpers.NewStorageError(err, "failed to get executable name")
	}
	name := filepath.Base(exe)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	return &PostgresDB{
		Config: cfg,
		Schema: schemaName(name),
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

// schemaName keeps identifier characters only.
func schemaName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "market_feeder"
	}
	return b.String()
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) table(name string) string {
	return fmt.Sprintf(`"%s"."%s"`, d.Schema, name)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	db, err := sql.Open("postgres", d.Config.Storage.DBConnectionString)
	if err != nil {
		return helpers.NewStorageError(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		return helpers.NewStorageError(err, "ping postgres")
	}
	d.DB = db

	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return helpers.NewStorageError(err, "failed to create schema %s", d.Schema)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			sub_key TEXT NOT NULL,
			time_ns BIGINT NOT NULL,
			digest TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (sub_key, time_ns, digest)
		);
	`, d.table("base_data"))
	if _, err := d.DB.Exec(query); err != nil {
		return helpers.NewStorageError(err, "failed to create base_data")
	}

	query = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			sub_key TEXT PRIMARY KEY,
			subscription TEXT NOT NULL,
			first_saved TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, d.table("subscriptions"))
	if _, err := d.DB.Exec(query); err != nil {
		return helpers.NewStorageError(err, "failed to create subscriptions")
	}

	d.Logger.Info("PostgresDB initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) SaveEvents(ctx context.Context, sub models.DataSubscription, events []models.BaseData) error {
	rows, err := encodeEvents(events)
	if err != nil {
		return helpers.NewStorageError(err, "encode %s", sub)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return helpers.NewStorageError(err, "begin %s", sub)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (sub_key, subscription) VALUES ($1, $2) ON CONFLICT (sub_key) DO NOTHING`,
		d.table("subscriptions")), sub.Key(), sub.String())
	if err != nil {
		return helpers.NewStorageError(err, "register %s", sub)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (sub_key, time_ns, digest, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (sub_key, time_ns, digest) DO NOTHING`, d.table("base_data")))
	if err != nil {
		return helpers.NewStorageError(err, "prepare %s", sub)
	}
	defer stmt.Close()

	key := sub.Key()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, key, r.timeNs, r.digest, string(r.payload)); err != nil {
			return helpers.NewStorageError(err, "insert %s", sub)
		}
	}

	if err := tx.Commit(); err != nil {
		return helpers.NewStorageError(err, "commit %s", sub)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) LoadRange(ctx context.Context, sub models.DataSubscription, from, to time.Time) (*timeslice.TimeSlice, error) {
	ts := timeslice.New()
	if !from.Before(to) {
		return ts, nil
	}

	rows, err := d.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT payload FROM %s WHERE sub_key = $1 AND time_ns >= $2 AND time_ns < $3 ORDER BY time_ns`,
		d.table("base_data")), sub.Key(), from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, helpers.NewStorageError(err, "query %s", sub)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, helpers.NewStorageError(err, "scan %s", sub)
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			d.Logger.Warning("Skipping undecodable row of %s: %v", sub, err)
			continue
		}
		ts.Add(ev)
	}
	if err := rows.Err(); err != nil {
		return nil, helpers.NewStorageError(err, "rows %s", sub)
	}
	return ts, nil
}

// -----------------------------------------------------------------------------

// HasData reports whether any row of sub falls in t's UTC month.
func (d *PostgresDB) HasData(ctx context.Context, sub models.DataSubscription, t time.Time) (bool, error) {
	start := monthStart(t)
	end := start.AddDate(0, 1, 0)

	var exists bool
	err := d.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE sub_key = $1 AND time_ns >= $2 AND time_ns < $3)`,
		d.table("base_data")), sub.Key(), start.UnixNano(), end.UnixNano()).Scan(&exists)
	if err != nil {
		return false, helpers.NewStorageError(err, "exists %s", sub)
	}
	return exists, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) LatestTime(ctx context.Context, sub models.DataSubscription) (time.Time, bool, error) {
	var latest sql.NullInt64
	err := d.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MAX(time_ns) FROM %s WHERE sub_key = $1`, d.table("base_data")), sub.Key()).Scan(&latest)
	if err != nil {
		return time.Time{}, false, helpers.NewStorageError(err, "latest %s", sub)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, latest.Int64).UTC(), true, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) CleanupOldData(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	d.Logger.Info("Cleaning up data older than %s...", cutoff.Format(time.RFC3339))

	res, err := d.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE time_ns < $1`, d.table("base_data")), cutoff.UnixNano())
	if err != nil {
		return helpers.NewStorageError(err, "cleanup")
	}
	n, _ := res.RowsAffected()
	d.Logger.Info("Cleanup completed, removed %d rows", n)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
