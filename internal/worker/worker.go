// Package worker implements the fuzzing thread (C8): pop an item, drive
// it through the scheduler, return it; when the queue empties, generate
// fresh inputs; restart the ForkServer whenever a strategy reports a
// SubprocessError.
package worker

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nautilus-fuzz/nautilus/internal/config"
	"github.com/nautilus-fuzz/nautilus/internal/forksrv"
	"github.com/nautilus-fuzz/nautilus/internal/fuzzer"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
	"github.com/nautilus-fuzz/nautilus/internal/scheduler"
	"github.com/nautilus-fuzz/nautilus/internal/sharedstate"
)

// Run drives one worker's fuzzing loop until ctx is cancelled. name
// identifies this worker in logs, file dumps, and merged counters.
func Run(ctx context.Context, name string, cfg *config.Config, gctx *grammar.Context, global *sharedstate.State, logger *log.Entry) error {
	startNT, err := gctx.NtID("START")
	if err != nil {
		return fmt.Errorf("worker %s: %w", name, err)
	}

	fs, err := spawnForkServer(cfg, cfg.Arguments)
	if err != nil {
		return fmt.Errorf("worker %s: starting fork server: %w", name, err)
	}
	defer fs.Close()

	fz := fuzzer.New(name, fs, gctx, global, cfg.PathToWorkdir, cfg.Extension, logger)
	mut := grammar.NewMutator()
	strat := fuzzer.NewStrategies(fz, mut)

	restart := func() error {
		fz.ForkServer().Close()
		// Open question (spec.md §9, preserved as-is): a restart drops the
		// original target arguments rather than re-supplying cfg.Arguments.
		newFs, err := spawnForkServer(cfg, nil)
		if err != nil {
			return fmt.Errorf("worker %s: restarting fork server: %w", name, err)
		}
		fz.SetForkServer(newFs)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		item := global.Pop()
		if item != nil {
			if err := scheduler.ProcessInput(strat, item, cfg.NumberOfDeterministicMutations); err != nil {
				if !isSubprocessError(err) {
					return fmt.Errorf("worker %s: %w", name, err)
				}
				logger.WithError(err).Warn("subprocess error, restarting fork server")
				if err := restart(); err != nil {
					return err
				}
			}
			if err := global.Finished(item); err != nil {
				logger.WithError(err).Warn("queue finished bookkeeping failed")
			}
		} else {
			for i := 0; i < cfg.NumberOfGenerateInputs; i++ {
				if err := strat.GenerateRandom(startNT); err != nil {
					if !isSubprocessError(err) {
						return fmt.Errorf("worker %s: %w", name, err)
					}
					logger.WithError(err).Warn("subprocess error during generation, restarting fork server")
					if err := restart(); err != nil {
						return err
					}
				}
			}
			global.NewRound()
		}

		global.MergeWorker(name, fz.Deltas())
		fz.ResetDeltas()
	}
}

func spawnForkServer(cfg *config.Config, args []string) (*forksrv.ForkServer, error) {
	return forksrv.New(cfg.PathToBinTarget, args, cfg.HideOutput, cfg.TimeoutInMillis, cfg.BitmapSize, cfg.Extension)
}

func isSubprocessError(err error) bool {
	var subprocessErr *forksrv.SubprocessError
	return errors.As(err, &subprocessErr)
}
