// Package audit keeps a record of every RPC call the dispatcher handles:
// in memory by default, or durably in a single append-mostly PostgreSQL
// table.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CallRecord is one logged RPC invocation.
type CallRecord struct {
	Service   string
	Method    string
	PeerAddr  string
	ArgsSize  int
	RespSize  int
	Outcome   string // "ok", "error", "unknown_method", "unknown_service"
	Error     string
	Duration  time.Duration
	StartedAt time.Time
}

// Log is the audit sink: Record is called once per completed RPC call.
type Log interface {
	Record(ctx context.Context, rec CallRecord) error
	Recent(ctx context.Context, limit int) ([]CallRecord, error)
	Close()
}

// PostgresLog implements Log against a PostgreSQL "rpc_calls" table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog opens a pool against connString, sized for concurrent
// write load.
func NewPostgresLog(ctx context.Context, connString string) (*PostgresLog, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresLog{pool: pool}, nil
}

// Close closes the connection pool.
func (l *PostgresLog) Close() { l.pool.Close() }

// Record inserts one call record.
func (l *PostgresLog) Record(ctx context.Context, rec CallRecord) error {
	query := `
		INSERT INTO rpc_calls (service, method, peer_addr, args_size, resp_size, outcome, error, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := l.pool.Exec(ctx, query,
		rec.Service, rec.Method, rec.PeerAddr, rec.ArgsSize, rec.RespSize,
		rec.Outcome, rec.Error, rec.Duration.Milliseconds(), rec.StartedAt,
	)
	return err
}

// Recent returns the most recent limit call records, newest first.
func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	query := `
		SELECT service, method, peer_addr, args_size, resp_size, outcome, error, duration_ms, started_at
		FROM rpc_calls ORDER BY started_at DESC LIMIT $1
	`
	rows, err := l.pool.Query(ctx, query, limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var durationMS int64
		if err := rows.Scan(
			&rec.Service, &rec.Method, &rec.PeerAddr, &rec.ArgsSize, &rec.RespSize,
			&rec.Outcome, &rec.Error, &durationMS, &rec.StartedAt,
		); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
