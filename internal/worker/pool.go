package worker

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nautilus-fuzz/nautilus/internal/config"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
	"github.com/nautilus-fuzz/nautilus/internal/sharedstate"
)

// RunPool starts cfg.NumberOfThreads worker goroutines under an
// errgroup.Group, matching the supervised-fan-out idiom the teacher's
// vm.Pool uses for its backfill/accept/idle goroutines — one goroutine
// returning an error cancels ctx for the rest instead of leaking them.
// RunPool blocks until every worker has exited.
func RunPool(ctx context.Context, cfg *config.Config, gctx *grammar.Context, global *sharedstate.State, logger *log.Logger) error {
	g, runCtx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.NumberOfThreads; i++ {
		name := fmt.Sprintf("worker-%d", i)
		entry := logger.WithField("worker", name)
		g.Go(func() error {
			return Run(runCtx, name, cfg, gctx, global, entry)
		})
	}
	return g.Wait()
}
