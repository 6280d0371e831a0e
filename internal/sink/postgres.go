package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"basegraph.app/batchinfer/internal/dispatch"
)

const outcomesTable = "batchinfer_outcomes"

const createOutcomesTable = `
CREATE TABLE IF NOT EXISTS batchinfer_outcomes (
	run_id            BIGINT      NOT NULL,
	job_index         INTEGER     NOT NULL,
	kind              TEXT        NOT NULL,
	value             JSONB,
	reason            TEXT,
	error             TEXT,
	attempts          INTEGER     NOT NULL,
	prompt_tokens     INTEGER     NOT NULL DEFAULT 0,
	completion_tokens INTEGER     NOT NULL DEFAULT 0,
	total_tokens      INTEGER     NOT NULL DEFAULT 0,
	metadata          JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, job_index)
)`

var outcomeColumns = []string{
	"run_id", "job_index", "kind", "value", "reason", "error", "attempts",
	"prompt_tokens", "completion_tokens", "total_tokens", "metadata",
}

// Copier is the part of *pgxpool.Pool the Postgres sink uses.
type Copier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// NewPool creates a connection pool and pings the database.
func NewPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Postgres copies every outcome of a run into batchinfer_outcomes.
type Postgres[V any] struct {
	db    Copier
	close func()
}

// NewPostgres ensures the outcomes table exists. closeFn, if set, runs on Close.
func NewPostgres[V any](ctx context.Context, db Copier, closeFn func()) (*Postgres[V], error) {
	if _, err := db.Exec(ctx, createOutcomesTable); err != nil {
		return nil, fmt.Errorf("creating %s: %w", outcomesTable, err)
	}
	return &Postgres[V]{db: db, close: closeFn}, nil
}

func (p *Postgres[V]) Write(ctx context.Context, report *dispatch.Report[V]) error {
	rows, err := OutcomeRows(report)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	n, err := p.db.CopyFrom(ctx, pgx.Identifier{outcomesTable}, outcomeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copying outcomes: %w", err)
	}
	slog.InfoContext(ctx, "stored run outcomes", "table", outcomesTable, "rows", n)
	return nil
}

func (p *Postgres[V]) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

// OutcomeRows converts a report to rows in outcomeColumns order.
func OutcomeRows[V any](report *dispatch.Report[V]) ([][]any, error) {
	rows := make([][]any, 0, len(report.Successes)+len(report.Diagnostics))

	for _, s := range report.Successes {
		value, err := json.Marshal(s.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding value (index=%d): %w", s.Index, err)
		}
		md, err := metadataJSON(s.Metadata)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{
			report.RunID, s.Index, dispatch.OutcomeSuccess.String(), value, nil, nil, s.Attempts,
			s.Usage.PromptTokens, s.Usage.CompletionTokens, s.Usage.TotalTokens, md,
		})
	}

	for _, d := range report.Diagnostics {
		md, err := metadataJSON(d.Metadata)
		if err != nil {
			return nil, err
		}
		var errText *string
		if d.Error != "" {
			errText = &d.Error
		}
		rows = append(rows, []any{
			report.RunID, d.Index, d.Kind.String(), nil, d.Reason, errText, d.Attempts,
			0, 0, 0, md,
		})
	}
	return rows, nil
}

func metadataJSON(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return b, nil
}
