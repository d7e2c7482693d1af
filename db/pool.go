// Package db is the access layer for the monitored MySQL database: connection
// pool, typed error classification, schema introspection, the per-table
// change log store, and the write-suppressed apply executors.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

// Dialect builds all dynamic SQL in this module.
var Dialect = goqu.Dialect("mysql")

// Pool wraps the shared connection pool. Capture, dispatch, and apply tasks
// all draw from it; each logical operation runs its own short-lived
// transaction.
type Pool struct {
	DB           *sql.DB
	queryTimeout time.Duration
}

// Open connects to the database and verifies the connection, retrying with
// the configured backoff until the database is reachable. Bootstrap blocks on
// this: the service is useless without its database.
func Open(ctx context.Context, dsn string, maxOpen int, queryTimeout, retryAfter time.Duration) (*Pool, error) {
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	for {
		pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		err = sqlDB.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}

		log.Error().Err(err).Dur("retry_after", retryAfter).
			Msg("Cannot connect to database, will try again")

		select {
		case <-ctx.Done():
			sqlDB.Close()
			return nil, ctx.Err()
		case <-time.After(retryAfter):
		}
	}

	return &Pool{DB: sqlDB, queryTimeout: queryTimeout}, nil
}

// Close releases the pool.
func (p *Pool) Close() error {
	return p.DB.Close()
}

// Reachable reports whether the database currently answers, for ping
// responses and status pages.
func (p *Pool) Reachable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.DB.PingContext(pingCtx) == nil
}

// opCtx scopes one logical database operation.
func (p *Pool) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}
