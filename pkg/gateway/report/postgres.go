package report

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
)

//go:embed migrations/*.sql
var migrations embed.FS

const insertReportSQL = `INSERT INTO session_reports (
	session_id, state, cause, direction, recoverable, error, secondary_errors, intent,
	started_at, ended_at, duration_ms, chunks_in, chunks_out, bytes_in, bytes_out, dropped
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (session_id) DO NOTHING`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink keeps a durable audit row per session.
type PostgresSink struct {
	db   execer
	pool *pgxpool.Pool
}

// OpenPostgres connects, applies pending migrations and returns a sink.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	if err := Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{db: pool, pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, r relay.Report) error {
	rec := FromReport(r)
	secondary := rec.SecondaryErrors
	if secondary == nil {
		secondary = []string{}
	}
	_, err := s.db.Exec(ctx, insertReportSQL,
		rec.SessionID, rec.State, rec.Cause, rec.Direction, rec.Recoverable, rec.Error, secondary, rec.Intent,
		rec.StartedAt, rec.EndedAt, rec.DurationMS, rec.ChunksIn, rec.ChunksOut, rec.BytesIn, rec.BytesOut, rec.Dropped,
	)
	if err != nil {
		return fmt.Errorf("postgres record session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
