package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/db"
)

// PruneJournal returns a task deleting sessions finished more than
// retention ago.
func PruneJournal(store *db.SessionStore, retention time.Duration, now func() time.Time) func(context.Context) {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) {
		cutoff := now().Add(-retention)
		log.Info().
			Str("path", store.Path()).
			Time("cutoff", cutoff).
			Msg("pruning session journal")

		deleted, err := store.Prune(cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("session journal cleanup failed")
			return
		}
		log.Info().Int64("deleted_sessions", deleted).Msg("session journal cleanup completed")
	}
}
