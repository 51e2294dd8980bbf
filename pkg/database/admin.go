package database

import (
	"context"
	"fmt"
)

// CreateDatabase runs a bare CREATE DATABASE against an already-open
// connection pool. It exists for test setup (each test run creates its own
// throwaway database on a shared MySQL/PostgreSQL server) and is not used by
// the emitter/absorber daemons themselves.
func CreateDatabase(ctx context.Context, q Querier, name string) error {
	qq, ok := q.(*querier)
	if !ok {
		return fmt.Errorf("%w: CreateDatabase requires a database.Querier returned by Open", ErrUnsupportedDriver)
	}

	stmt := fmt.Sprintf("CREATE DATABASE %s", quoteIdent(qq.dbType, name))
	if _, err := qq.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("error creating database %q: %w", name, err)
	}

	return nil
}

// DropDatabase is the inverse of CreateDatabase.
func DropDatabase(ctx context.Context, q Querier, name string) error {
	qq, ok := q.(*querier)
	if !ok {
		return fmt.Errorf("%w: DropDatabase requires a database.Querier returned by Open", ErrUnsupportedDriver)
	}

	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(qq.dbType, name))
	if _, err := qq.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("error dropping database %q: %w", name, err)
	}

	return nil
}

func quoteIdent(t Type, name string) string {
	if t == TypeMySQL {
		return "`" + name + "`"
	}

	return `"` + name + `"`
}
