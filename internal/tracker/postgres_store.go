package tracker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists usage records in the usage_logs table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO usage_logs (id, user_id, project_id, provider, model, input_tokens, output_tokens, total_tokens, cost_usd, latency_ms, cached, task_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, rec.ProjectID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.CostUSD, rec.LatencyMs, rec.Cached, rec.TaskType, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	from, to := f.window()

	query := `
		SELECT id, user_id, project_id, provider, model, input_tokens, output_tokens, total_tokens, cost_usd, latency_ms, cached, task_type, created_at
		FROM usage_logs
		WHERE created_at BETWEEN $1 AND $2
	`
	args := []any{from, to}

	if f.UserID != "" {
		args = append(args, f.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if f.Provider != "" {
		args = append(args, f.Provider)
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.UserID, &r.ProjectID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.CostUSD, &r.LatencyMs, &r.Cached, &r.TaskType, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return recs, nil
}
