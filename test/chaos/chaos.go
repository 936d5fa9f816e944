package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend occasionally kills one backend of the current
// database so services see dropped connections mid-transaction. It returns the
// number of backends terminated once stop closes.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, stop <-chan struct{}) int64 {
	var killed int64
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
                                           SELECT pid FROM pg_stat_activity
                                           WHERE datname = current_database() AND pid <> pg_backend_pid()
                                           ORDER BY random() LIMIT 1) s`).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}
