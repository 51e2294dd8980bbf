// Package database dispatches a database URL to the right SQL driver and
// wraps the connection in a bun.DB so pkg/config and pkg/kvindex (C2) can
// share one Querier contract across sqlite, postgres and mysql.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

const (
	netTypeUnix      = "unix"
	schemePostgres   = "postgres"
	schemePostgresql = "postgresql"
)

// Querier is the storage contract shared by pkg/config (cluster settings)
// and pkg/kvindex (C2 DirectHash -> HandledHash index). A successful Set
// commits before returning; errors are non-fatal to callers, which must
// treat them as a fall-through to a miss.
type Querier interface {
	// GetConfig returns the value for key, and false if it does not exist.
	GetConfig(ctx context.Context, key string) (string, bool, error)

	// SetConfig upserts the value for key.
	SetConfig(ctx context.Context, key, value string) error

	// GetDirectEntry returns the HandledHash for a DirectHash, and false if
	// it does not exist.
	GetDirectEntry(ctx context.Context, directHash string) (string, bool, error)

	// SetDirectEntry upserts the DirectHash -> HandledHash mapping.
	SetDirectEntry(ctx context.Context, directHash, handledHash string) error

	// DeleteDirectEntry removes a DirectHash -> HandledHash mapping, if any.
	DeleteDirectEntry(ctx context.Context, directHash string) error

	// Close releases the underlying connection pool.
	Close() error
}

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// If <= 0, defaults are used based on database type.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of connections in the idle connection pool.
	// If <= 0, defaults are used based on database type.
	MaxIdleConns int
}

// Open opens a database connection and returns a Querier implementation.
// The database type is determined from the URL scheme:
//   - sqlite:// or sqlite3:// for SQLite
//   - postgres:// or postgresql:// for PostgreSQL
//   - mysql:// for MySQL/MariaDB
//
// The poolCfg parameter is optional. If nil, sensible defaults are used based on
// the database type. SQLite uses MaxOpenConns=1, PostgreSQL and MySQL use higher values.
func Open(ctx context.Context, dbURL string, poolCfg *PoolConfig) (Querier, error) {
	dbType, err := DetectFromDatabaseURL(dbURL)
	if err != nil {
		return nil, err
	}

	var (
		sdb     *sql.DB
		dialect bun.Dialect
	)

	switch dbType {
	case TypeMySQL:
		sdb, err = openMySQL(dbURL, poolCfg)
		dialect = mysqldialect.New()
	case TypePostgreSQL:
		sdb, err = openPostgreSQL(dbURL, poolCfg)
		dialect = pgdialect.New()
	case TypeSQLite:
		sdb, err = openSQLite(dbURL, poolCfg)
		dialect = sqlitedialect.New()
	case TypeUnknown:
		fallthrough
	default:
		// This should never happen due to detection above, but included for safety
		return nil, ErrUnsupportedDriver
	}

	if err != nil {
		return nil, fmt.Errorf("error opening the database at %q: %w", dbURL, err)
	}

	bdb := bun.NewDB(sdb, dialect)

	q := &querier{db: bdb, dbType: dbType}
	if err := q.migrate(ctx); err != nil {
		_ = bdb.Close()

		return nil, fmt.Errorf("error migrating the database at %q: %w", dbURL, err)
	}

	return q, nil
}

type querier struct {
	db     *bun.DB
	dbType Type
}

func (q *querier) migrate(ctx context.Context) error {
	if _, err := q.db.NewCreateTable().Model((*Config)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("error creating configs table: %w", err)
	}

	if _, err := q.db.NewCreateTable().Model((*DirectEntry)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("error creating direct_entries table: %w", err)
	}

	return nil
}

func (q *querier) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var cfg Config

	err := q.db.NewSelect().Model(&cfg).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("error getting config %q: %w", key, err)
	}

	return cfg.Value, true, nil
}

func (q *querier) SetConfig(ctx context.Context, key, value string) error {
	cfg := &Config{Key: key, Value: value, UpdatedAt: time.Now().UTC()}

	_, err := q.db.NewInsert().
		Model(cfg).
		On(q.upsertClause("key")).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error setting config %q: %w", key, err)
	}

	return nil
}

func (q *querier) GetDirectEntry(ctx context.Context, directHash string) (string, bool, error) {
	var entry DirectEntry

	err := q.db.NewSelect().Model(&entry).Where("direct_hash = ?", directHash).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("error getting direct entry %q: %w", directHash, err)
	}

	return entry.HandledHash, true, nil
}

func (q *querier) SetDirectEntry(ctx context.Context, directHash, handledHash string) error {
	entry := &DirectEntry{
		DirectHash:  directHash,
		HandledHash: handledHash,
		UpdatedAt:   time.Now().UTC(),
	}

	_, err := q.db.NewInsert().
		Model(entry).
		On(q.upsertClause("direct_hash")).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error setting direct entry %q: %w", directHash, err)
	}

	return nil
}

func (q *querier) DeleteDirectEntry(ctx context.Context, directHash string) error {
	_, err := q.db.NewDelete().
		Model((*DirectEntry)(nil)).
		Where("direct_hash = ?", directHash).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error deleting direct entry %q: %w", directHash, err)
	}

	return nil
}

func (q *querier) Close() error {
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("error closing the database: %w", err)
	}

	return nil
}

// upsertClause returns the dialect-appropriate ON CONFLICT/ON DUPLICATE KEY
// clause for a single-column upsert by primary key.
func (q *querier) upsertClause(pk string) string {
	col := "value"
	if pk == "direct_hash" {
		col = "handled_hash"
	}

	if q.dbType == TypeMySQL {
		return fmt.Sprintf("DUPLICATE KEY UPDATE %s = VALUES(%s), updated_at = VALUES(updated_at)", col, col)
	}

	return fmt.Sprintf("CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s, updated_at = EXCLUDED.updated_at", pk, col, col)
}

// applyPoolSettings applies connection pool settings to the database connection.
// It uses the provided defaults and overrides them with values from poolCfg if they are positive.
func applyPoolSettings(sdb *sql.DB, poolCfg *PoolConfig, defaultMaxOpen, defaultMaxIdle int) {
	maxOpen := defaultMaxOpen
	maxIdle := defaultMaxIdle

	if poolCfg != nil {
		if poolCfg.MaxOpenConns > 0 {
			maxOpen = poolCfg.MaxOpenConns
		}

		if poolCfg.MaxIdleConns > 0 {
			maxIdle = poolCfg.MaxIdleConns
		}
	}

	if maxOpen > 0 {
		sdb.SetMaxOpenConns(maxOpen)
	}

	if maxIdle > 0 {
		sdb.SetMaxIdleConns(maxIdle)
	}
}

func openSQLite(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing sqlite URL: %w", err)
	}

	sdb, err := otelsql.Open("sqlite3", u.Path, otelsql.WithAttributes(
		semconv.DBSystemSqlite,
	))
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database: %w", err)
	}

	// Enable foreign key constraints (disabled by default in SQLite).
	if _, err := sdb.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("error enabling foreign keys: %w", err)
	}

	// SQLite requires MaxOpenConns=1 to avoid "database is locked" errors
	// under the emitter's concurrent cache-store/kvindex-set workload. This
	// value is enforced and cannot be overridden by the user.
	sdb.SetMaxOpenConns(1)

	if poolCfg != nil && poolCfg.MaxIdleConns > 0 {
		sdb.SetMaxIdleConns(poolCfg.MaxIdleConns)
	}

	return sdb, nil
}

func openPostgreSQL(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	processedURL, err := parsePostgreSQLURL(dbURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("pgx", processedURL, otelsql.WithAttributes(
		semconv.DBSystemPostgreSQL,
	))
	if err != nil {
		return nil, fmt.Errorf("error opening postgres database: %w", err)
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

func parsePostgreSQLURL(dbURL string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("error parsing postgres URL: %w", err)
	}

	// pgx only supports postgres:// and postgresql:// schemes. If the user
	// provided postgres+unix:// or similar, normalize and restructure the
	// URL for pgx.
	scheme := strings.ToLower(u.Scheme)
	if strings.Contains(scheme, "+unix") {
		socketDir, dbName := path.Split(u.Path)
		if dbName == "" {
			return "", fmt.Errorf("%w: missing database name in path: %s", ErrInvalidPostgresUnixURL, dbURL)
		}

		if socketDir == "" || socketDir == "/" {
			return "", fmt.Errorf("%w: missing socket directory in path: %s", ErrInvalidPostgresUnixURL, dbURL)
		}

		socketDir = path.Clean(socketDir)

		u.Path = "/" + dbName
		q := u.Query()
		q.Set("host", socketDir)
		u.RawQuery = q.Encode()
	}

	if strings.Contains(scheme, "+") {
		switch {
		case strings.HasPrefix(scheme, schemePostgresql):
			u.Scheme = schemePostgresql
		case strings.HasPrefix(scheme, schemePostgres):
			u.Scheme = schemePostgres
		}
	}

	return u.String(), nil
}

func openMySQL(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	cfg, err := parseMySQLConfig(dbURL)
	if err != nil {
		return nil, err
	}

	dsn := cfg.FormatDSN()

	sdb, err := otelsql.Open("mysql", dsn, otelsql.WithAttributes(
		semconv.DBSystemMySQL,
	))
	if err != nil {
		return nil, fmt.Errorf("error opening mysql database: %w", err)
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

func parseMySQLConfig(dbURL string) (*mysql.Config, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing mysql URL: %w", err)
	}

	cfg := mysql.NewConfig()

	if u.User != nil {
		cfg.User = u.User.Username()
		if password, ok := u.User.Password(); ok {
			cfg.Passwd = password
		}
	}

	query := u.Query()

	scheme := strings.ToLower(u.Scheme)
	switch {
	case strings.Contains(scheme, "+unix"):
		if err := parseMySQLUnixPath(cfg, u, dbURL); err != nil {
			return nil, err
		}
	case query.Get("socket") != "":
		cfg.Net = netTypeUnix
		cfg.Addr = query.Get("socket")
	case query.Get("unix_socket") != "":
		cfg.Net = netTypeUnix
		cfg.Addr = query.Get("unix_socket")
	case query.Get("host") != "" && strings.HasPrefix(query.Get("host"), "/"):
		cfg.Net = netTypeUnix
		cfg.Addr = query.Get("host")
	case u.Host != "":
		cfg.Net = "tcp"
		cfg.Addr = u.Host
	}

	if cfg.DBName == "" && u.Path != "" {
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
	}

	cfg.Params = map[string]string{
		"parseTime": "true",
		"loc":       "UTC",
		"time_zone": "'+00:00'",
	}

	for k, v := range query {
		if len(v) > 0 {
			cfg.Params[k] = v[0]
		}
	}

	return cfg, nil
}

func parseMySQLUnixPath(cfg *mysql.Config, u *url.URL, dbURL string) error {
	socketPath, dbName := path.Split(u.Path)
	if dbName == "" {
		return fmt.Errorf("%w: missing database name in path: %s", ErrInvalidMySQLUnixURL, dbURL)
	}

	if socketPath == "" || socketPath == "/" {
		return fmt.Errorf("%w: missing socket path in path: %s", ErrInvalidMySQLUnixURL, dbURL)
	}

	cfg.Net = netTypeUnix
	cfg.Addr = path.Clean(socketPath)
	cfg.DBName = dbName

	return nil
}
