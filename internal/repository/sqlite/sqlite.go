// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// The driver is modernc.org/sqlite (pure Go, no CGo). Timestamps are stored as
// INTEGER unix milliseconds so range predicates compare numerically.
//
// Concurrency control for the incident lifecycle lives in single conditional
// statements (UPDATE ... WHERE status = ? ... RETURNING), never in
// read-then-write sequences in Go.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/gangaguard/backend/internal/geo"
)

// distanceFunc is the scalar SQL function backing nearby queries:
// geo_distance_m(lat1, lng1, lat2, lng2) -> meters, NULL if any input is NULL.
const distanceFunc = "geo_distance_m"

var (
	registerOnce sync.Once
	registerErr  error
)

// registerFunctions installs the custom SQL functions. Registration is
// process-wide in modernc.org/sqlite and must happen once, before the first
// connection is opened.
func registerFunctions() error {
	registerOnce.Do(func() {
		registerErr = sqlitedriver.RegisterDeterministicScalarFunction(distanceFunc, 4,
			func(_ *sqlitedriver.FunctionContext, args []driver.Value) (driver.Value, error) {
				var v [4]float64
				for i, a := range args {
					f, ok, err := toFloat(a)
					if err != nil {
						return nil, fmt.Errorf("%s: argument %d: %w", distanceFunc, i+1, err)
					}
					if !ok {
						return nil, nil
					}
					v[i] = f
				}
				return geo.DistanceMeters(
					geo.Point{Lat: v[0], Lng: v[1]},
					geo.Point{Lat: v[2], Lng: v[3]},
				), nil
			})
	})
	return registerErr
}

func toFloat(v driver.Value) (float64, bool, error) {
	switch n := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return n, true, nil
	case int64:
		return float64(n), true, nil
	default:
		return 0, false, fmt.Errorf("unsupported type %T", v)
	}
}

// DB wraps a sql.DB connection pool and hands out the per-table stores.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/gangaguard.db"  → file-based database (persistent)
//   - ":memory:"            → in-memory database, used by tests
func New(dbPath string) (*DB, error) {
	if err := registerFunctions(); err != nil {
		return nil, fmt.Errorf("sqlite: registering functions: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// SQLite serialises writers anyway; one connection keeps an in-memory
	// database shared by every caller and makes PRAGMAs stick.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Users returns the user store.
func (db *DB) Users() *UserDB { return &UserDB{conn: db.conn} }

// Incidents returns the incident store.
func (db *DB) Incidents() *IncidentDB { return &IncidentDB{conn: db.conn} }

// Rewards returns the read side of the reward ledger.
func (db *DB) Rewards() *RewardDB { return &RewardDB{conn: db.conn} }

// ResetAll deletes every row from every table in one transaction.
func (db *DB) ResetAll(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning reset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"reward_transactions", "incidents", "users"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("sqlite: clearing %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing reset: %w", err)
	}
	return nil
}

// migrate creates the schema. Every statement is idempotent.
//
// Actor columns (claimed_by, cleaned_by, user_id) are weak references: there
// are no foreign keys, matching the absence of any user deletion cascade.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                TEXT PRIMARY KEY,
			external_id       TEXT NOT NULL UNIQUE,
			name              TEXT NOT NULL,
			username          TEXT UNIQUE,
			email             TEXT NOT NULL UNIQUE,
			profile_image_url TEXT NOT NULL DEFAULT '',
			role              TEXT NOT NULL DEFAULT 'NORMAL_USER'
			                  CHECK (role IN ('NORMAL_USER', 'SAFAI_KARMI', 'SANSTHA')),
			points            INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
			total_cleaned     INTEGER NOT NULL DEFAULT 0 CHECK (total_cleaned >= 0),
			last_login        INTEGER,
			last_logout       INTEGER,
			created_at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_users_points ON users(points DESC);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS incidents (
			id               TEXT PRIMARY KEY,
			image_before_url TEXT NOT NULL CHECK (image_before_url <> ''),
			image_after_url  TEXT,
			lng              REAL,
			lat              REAL,
			address_text     TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'PENDING'
			                 CHECK (status IN ('PENDING', 'CLAIMED', 'CLEANED')),
			created_by       TEXT,
			claimed_by       TEXT,
			cleaned_by       TEXT,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			CHECK ((status = 'PENDING') = (claimed_by IS NULL)),
			CHECK ((status = 'CLEANED') = (cleaned_by IS NOT NULL)),
			CHECK ((status = 'CLEANED') = (image_after_url IS NOT NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_status_geo ON incidents(status, lat, lng);
		CREATE INDEX IF NOT EXISTS idx_incidents_claimed_by ON incidents(claimed_by, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("creating incidents table: %w", err)
	}

	// At most one CLEANING entry per incident; the ledger is append-only.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS reward_transactions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			incident_id   TEXT NOT NULL,
			points_earned INTEGER NOT NULL CHECK (points_earned > 0),
			type          TEXT NOT NULL DEFAULT 'CLEANING' CHECK (type IN ('CLEANING')),
			timestamp     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rewards_user ON reward_transactions(user_id);
		CREATE INDEX IF NOT EXISTS idx_rewards_timestamp ON reward_transactions(timestamp);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_rewards_cleaning_incident
			ON reward_transactions(incident_id) WHERE type = 'CLEANING';
		CREATE TRIGGER IF NOT EXISTS reward_transactions_append_only
			BEFORE UPDATE ON reward_transactions
			BEGIN
				SELECT RAISE(ABORT, 'reward_transactions is append-only');
			END;
	`)
	if err != nil {
		return fmt.Errorf("creating reward_transactions table: %w", err)
	}

	return nil
}

// === time helpers ===

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// uniqueViolation reports whether err is a UNIQUE/PRIMARY KEY constraint
// failure and, if so, which column it names ("users.email" -> "email").
func uniqueViolation(err error) (column string, ok bool) {
	var se *sqlitedriver.Error
	if !errors.As(err, &se) {
		return "", false
	}
	if se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && se.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return "", false
	}
	msg := se.Error()
	if i := strings.LastIndex(msg, "."); i >= 0 {
		if f := strings.Fields(msg[i+1:]); len(f) > 0 {
			column = f[0]
		}
	}
	return column, true
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
