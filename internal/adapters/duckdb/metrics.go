package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

// Repository persists per-task-type duration averages so restarts keep the
// learned wait estimates instead of falling back to the static defaults.
type Repository struct {
	db *sql.DB
}

var _ ports.MetricsRepository = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS type_metrics (
		task_type   VARCHAR PRIMARY KEY,
		avg_seconds DOUBLE NOT NULL,
		completed   BIGINT NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init metrics schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// LoadAverages returns the persisted average duration per task type.
func (r *Repository) LoadAverages(ctx context.Context) (map[domain.TaskType]float64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT task_type, avg_seconds FROM type_metrics`)
	if err != nil {
		return nil, fmt.Errorf("load averages: %w", err)
	}
	defer rows.Close()

	out := map[domain.TaskType]float64{}
	for rows.Next() {
		var tt string
		var avg float64
		if err := rows.Scan(&tt, &avg); err != nil {
			return nil, fmt.Errorf("scan average: %w", err)
		}
		out[domain.TaskType(tt)] = avg
	}
	return out, rows.Err()
}

// SaveAverage upserts one task type's moving average.
func (r *Repository) SaveAverage(ctx context.Context, tt domain.TaskType, avgSeconds float64, completed int64) error {
	query := `
	INSERT INTO type_metrics (task_type, avg_seconds, completed, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (task_type) DO UPDATE SET
		avg_seconds = excluded.avg_seconds,
		completed   = excluded.completed,
		updated_at  = excluded.updated_at;`

	if _, err := r.db.ExecContext(ctx, query, string(tt), avgSeconds, completed, time.Now().UTC()); err != nil {
		return fmt.Errorf("save average for %s: %w", tt, err)
	}
	return nil
}
