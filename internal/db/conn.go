// Package db wraps the PostgreSQL connection used by each copy worker and the
// COPY statement it streams batches through.
package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/logging"
)

// Target identifies the database a run connects to.
type Target struct {
	// ConnString is a libpq URL or key/value connection string.
	ConnString string

	// Database overrides the database named in ConnString when set.
	Database string
}

// SplitDatabase splits a URL connection string into its base and trailing
// database path segment: "postgres://h:5432/tsdb?sslmode=disable" gives
// ("postgres://h:5432?sslmode=disable", "tsdb"). Strings without a database
// segment, or that are not URLs, are returned unchanged with an empty name.
func SplitDatabase(connString string) (base, database string) {
	if !strings.Contains(connString, "://") {
		return connString, ""
	}
	u, err := url.Parse(connString)
	if err != nil {
		return connString, ""
	}
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return connString, ""
	}
	database = path.Base(p)
	u.Path = strings.TrimSuffix(path.Dir(p), "/")
	u.RawPath = ""
	return u.String(), database
}

// ResolveTarget builds the Target for a connection string and an optional
// database name. Without a name, the database is taken from the last path
// segment of the connection string.
func ResolveTarget(connString, database string) Target {
	if database != "" {
		return Target{ConnString: connString, Database: database}
	}
	base, inferred := SplitDatabase(connString)
	return Target{ConnString: base, Database: inferred}
}

// Conn is a single dedicated database connection.
type Conn struct {
	conn *pgx.Conn
}

// Connect opens one connection to t.
func Connect(ctx context.Context, t Target) (*Conn, error) {
	cfg, err := pgx.ParseConfig(t.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if t.Database != "" {
		cfg.Database = t.Database
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", describe(cfg), err)
	}
	logging.Debug("Connected to %s", describe(cfg))
	return &Conn{conn: conn}, nil
}

func describe(cfg *pgx.ConnConfig) string {
	return fmt.Sprintf("%s/%s", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)), cfg.Database)
}

// Close closes the connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// IsClosed reports whether the connection is no longer usable.
func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

// Exec runs a statement without arguments.
func (c *Conn) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql)
	return err
}

// Truncate removes all rows from schema.table.
func (c *Conn) Truncate(ctx context.Context, schema, table string) error {
	return c.Exec(ctx, TruncateSQL(schema, table))
}

// RowCount returns the exact number of rows in schema.table.
func (c *Conn) RowCount(ctx context.Context, schema, table string) (int64, error) {
	var n int64
	err := c.conn.QueryRow(ctx, "SELECT count(*) FROM "+QualifyTable(schema, table)).Scan(&n)
	return n, err
}

// CopyFromLines streams the raw rows in lines through a COPY ... FROM STDIN
// statement and returns the row count acknowledged by the server.
func (c *Conn) CopyFromLines(ctx context.Context, lines net.Buffers, copyCmd string) (int64, error) {
	tag, err := c.conn.PgConn().CopyFrom(ctx, &lines, copyCmd)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IsServerError reports whether err was raised by the server for a statement,
// as opposed to a transport or client-side failure.
func IsServerError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

// ErrorDetail returns the SQLSTATE code and server detail of err, if any.
func ErrorDetail(err error) (code, detail string) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", ""
	}
	detail = pgErr.Detail
	if pgErr.Where != "" {
		if detail != "" {
			detail += "; "
		}
		detail += pgErr.Where
	}
	return pgErr.Code, detail
}
