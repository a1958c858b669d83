package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TableStats summarizes one table.
type TableStats struct {
	Table           string `json:"table"`
	Total           int64  `json:"total"`
	UniqueUsernames int64  `json:"unique_usernames"`
	UniquePhones    int64  `json:"unique_phones"`
	UpdatedLast24h  int64  `json:"updated_last_24h"`
}

// statsQueries is keyed by table; groups have no phone column.
var statsQueries = []struct {
	table string
	query string
}{
	{"users", `
		SELECT
			COUNT(*),
			COUNT(DISTINCT NULLIF(username, '')),
			COUNT(DISTINCT phone),
			COUNT(CASE WHEN last_updated > NOW() - INTERVAL '24 hours' THEN 1 END)
		FROM users`},
	{"groups", `
		SELECT
			COUNT(*),
			COUNT(DISTINCT NULLIF(username, '')),
			0,
			COUNT(CASE WHEN last_updated > NOW() - INTERVAL '24 hours' THEN 1 END)
		FROM "groups"`},
	{"participants", `
		SELECT
			COUNT(*),
			COUNT(DISTINCT NULLIF(username, '')),
			COUNT(DISTINCT phone),
			COUNT(CASE WHEN last_updated > NOW() - INTERVAL '24 hours' THEN 1 END)
		FROM participants`},
}

// cleanupQueries run in order; memberships go first so a partial failure
// never leaves memberships pointing at deleted users.
var cleanupQueries = []struct {
	table string
	query string
}{
	{"participants", `DELETE FROM participants WHERE last_updated < $1`},
	{"groups", `DELETE FROM "groups" WHERE last_updated < $1`},
	{"users", `DELETE FROM users WHERE last_updated < $1`},
}

// MaintenanceRepository runs aggregate and retention queries.
type MaintenanceRepository struct {
	pool *pgxpool.Pool
}

// NewMaintenanceRepository creates a new MaintenanceRepository.
func NewMaintenanceRepository(pool *pgxpool.Pool) *MaintenanceRepository {
	return &MaintenanceRepository{pool: pool}
}

// Stats returns per-table counters.
func (r *MaintenanceRepository) Stats(ctx context.Context) ([]TableStats, error) {
	out := make([]TableStats, 0, len(statsQueries))
	for _, q := range statsQueries {
		s := TableStats{Table: q.table}
		err := r.pool.QueryRow(ctx, q.query).
			Scan(&s.Total, &s.UniqueUsernames, &s.UniquePhones, &s.UpdatedLast24h)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", q.table, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CleanupOlderThan deletes rows not refreshed since cutoff and returns the
// number removed per table.
func (r *MaintenanceRepository) CleanupOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	removed := make(map[string]int64, len(cleanupQueries))
	for _, q := range cleanupQueries {
		tag, err := r.pool.Exec(ctx, q.query, cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", q.table, err)
		}
		removed[q.table] = tag.RowsAffected()
	}
	return removed, nil
}

// RetentionCutoff returns the cutoff for keeping the last days of data.
func RetentionCutoff(now time.Time, days int) time.Time {
	if days <= 0 {
		days = 30
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
