package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq"

	"github.com/attlas-services/attlas-server/config"
)

// driverConn is the minimal surface the pool needs from an underlying
// driver connection.
type driverConn interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, query string) error
	Close(ctx context.Context) error
}

// connectFunc dials one fresh driver connection.
type connectFunc func(ctx context.Context) (driverConn, error)

// pgxConn adapts a native pgx connection.
type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *pgxConn) Exec(ctx context.Context, query string) error {
	_, err := c.conn.Exec(ctx, query)
	return err
}

func (c *pgxConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

// sqlConn adapts a dedicated database/sql connection. The owning *sql.DB is
// shared by the pool and acts only as a dialer; idle caching is disabled so
// this pool is the single owner of every connection.
type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }

func (c *sqlConn) Exec(ctx context.Context, query string) error {
	_, err := c.conn.ExecContext(ctx, query)
	return err
}

func (c *sqlConn) Close(ctx context.Context) error { return c.conn.Close() }

// factoryFor selects the connection factory for a descriptor. PostgreSQL
// pools dial native pgx connections; other drivers go through database/sql
// with whatever driver is linked under that name.
func factoryFor(desc config.PoolDescriptor) (connectFunc, func(), error) {
	switch strings.ToLower(desc.Driver) {
	case "postgresql", "postgres", "pgx":
		dsn := desc.DSN()
		return func(ctx context.Context) (driverConn, error) {
			conn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return &pgxConn{conn: conn}, nil
		}, func() {}, nil

	case "pq":
		return sqlFactory("postgres", desc.DSN())

	case "mysql":
		return sqlFactory("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			desc.Username, desc.Password, desc.Host, desc.Port, desc.Database))

	case "mssql", "sqlserver":
		return sqlFactory("sqlserver", fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
			desc.Username, desc.Password, desc.Host, desc.Port, desc.Database))

	default:
		return nil, nil, fmt.Errorf("dbpool: unsupported driver %q", desc.Driver)
	}
}

func sqlFactory(driverName, dsn string) (connectFunc, func(), error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("dbpool: opening %s: %w", driverName, err)
	}
	// The pool owns sizing and idleness; database/sql must not cache.
	db.SetMaxIdleConns(0)
	db.SetConnMaxIdleTime(0)
	connect := func(ctx context.Context) (driverConn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &sqlConn{conn: conn}, nil
	}
	closeFn := func() { _ = db.Close() }
	return connect, closeFn, nil
}
