package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/fluxlog/logpipe/core/logger"
)

// PQ is a Store implementation backed by Postgres via database/sql and
// lib/pq, following the same connect-and-ensure-schema idiom as the
// teacher's csql.DB: open, ping, and make sure the target schema exists
// before returning.
type PQ struct {
	db     *sql.DB
	Schema string
}

// OpenWithSchema opens a Postgres database under the given schema,
// creating the schema if it does not exist yet. Every statement built
// elsewhere in the tree (schemamgr, batcher, pruner, registry, metrics)
// uses bare, unqualified table names, so the schema is pinned onto the
// connection itself via the "options=-c search_path=..." startup
// parameter rather than left to a one-off "SET search_path" on whatever
// pooled connection happens to run first: database/sql can open any
// number of physical connections behind a *sql.DB, and a runtime SET
// only binds the one connection that ran it.
func OpenWithSchema(dataSourceName, dataSourcePassword, schema string) (*PQ, error) {
	logger.Default().Infoln("connecting to postgres database:", dataSourceName)
	if schema == "" {
		schema = "public"
	} else {
		logger.Default().Infoln("selected database schema:", schema)
	}
	dsn := fmt.Sprintf("%s password=%s options='-c search_path=%s'", dataSourceName, dataSourcePassword, schema)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if schema != "public" {
		if _, err := db.Exec(`CREATE schema IF NOT EXISTS ` + quoteIdent(schema) + `;`); err != nil {
			return nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
	}
	return &PQ{db: db, Schema: schema}, nil
}

// Close closes the underlying connection pool.
func (p *PQ) Close() error {
	return p.db.Close()
}

func (p *PQ) qualify(table string) string {
	return quoteIdent(p.Schema) + "." + quoteIdent(table)
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}

// Batch executes every statement inside a single transaction. Partial
// application never happens: either the transaction commits in full or
// it rolls back and the caller retries the whole batch, matching §4.6's
// claim that a batch submission is one unit.
func (p *PQ) Batch(ctx context.Context, stmts []Statement) (BatchResult, error) {
	if len(stmts) == 0 {
		return BatchResult{}, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin batch: %w", err)
	}
	var changes int64
	for _, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			tx.Rollback()
			return BatchResult{}, fmt.Errorf("batch statement failed: %w", err)
		}
		n, _ := res.RowsAffected()
		changes += n
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return BatchResult{Changes: changes}, nil
}

// Exec runs a single DDL or non-row-returning statement.
func (p *PQ) Exec(ctx context.Context, sqlStmt string, args ...any) error {
	_, err := p.db.ExecContext(ctx, sqlStmt, args...)
	return err
}

// First runs a query and scans its first row into a Row.
func (p *PQ) First(ctx context.Context, sqlStmt string, args ...any) (Row, error) {
	rows, err := p.db.QueryContext(ctx, sqlStmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNoRows
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

// All runs a query and scans every row.
func (p *PQ) All(ctx context.Context, sqlStmt string, args ...any) ([]Row, error) {
	rows, err := p.db.QueryContext(ctx, sqlStmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func scanRow(rows *sql.Rows) (Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(Row, len(cols))
	for i, c := range cols {
		row[c] = values[i]
	}
	return row, nil
}

// TableExists queries the catalog for table's existence, the Postgres
// analogue of "SELECT name FROM sqlite_master".
func (p *PQ) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2);`,
		p.Schema, table,
	).Scan(&exists)
	return exists, err
}

// Columns lists the existing columns of table via information_schema,
// the Postgres analogue of "PRAGMA table_info".
func (p *PQ) Columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position;`,
		p.Schema, table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Indexes lists the names of existing indexes on table via pg_indexes.
func (p *PQ) Indexes(ctx context.Context, table string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE schemaname = $1 AND tablename = $2;`,
		p.Schema, table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Analyze refreshes the planner's statistics for table.
func (p *PQ) Analyze(ctx context.Context, table string) error {
	_, err := p.db.ExecContext(ctx, "ANALYZE "+p.qualify(table)+";")
	return err
}
