// Package cmd implements the nautilus CLI surface: `-c`, `-g`, `-o`, and a
// trailing cmdline override on the root command. The flags are local to
// the root command, and the configuration is validated at the start of
// its RunE.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nautilus-fuzz/nautilus/internal/chunkstore"
	"github.com/nautilus-fuzz/nautilus/internal/config"
	"github.com/nautilus-fuzz/nautilus/internal/grammar"
	"github.com/nautilus-fuzz/nautilus/internal/queue"
	"github.com/nautilus-fuzz/nautilus/internal/sharedstate"
	"github.com/nautilus-fuzz/nautilus/internal/status"
	"github.com/nautilus-fuzz/nautilus/internal/telemetry"
	"github.com/nautilus-fuzz/nautilus/internal/worker"
)

var (
	configPath   string
	grammarFlag  string
	workdirFlag  string
	verboseFlag  bool
	headlessFlag bool
)

// NewRootCmd builds the nautilus root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nautilus [flags] -- [cmdline...]",
		Short:         "Grammar-based coverage-guided fuzzer",
		Long:          "nautilus drives an instrumented target through an AFL-style fork server, feeding it inputs produced from a context-free grammar and keeping a queue of inputs that discover new coverage.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE:          runFuzz,
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	flags.StringVarP(&grammarFlag, "grammar", "g", "", "override path_to_grammar")
	flags.StringVarP(&workdirFlag, "workdir", "o", "", "override path_to_workdir")
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "debug-level logging")
	flags.BoolVar(&headlessFlag, "headless", false, "log to stderr instead of the bubbletea status screen")

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func runFuzz(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(grammarFlag, workdirFlag, args)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := bootstrapOutputDirs(cfg.PathToWorkdir); err != nil {
		return err
	}

	logger := newLogger(verboseFlag)

	gctx, err := grammar.LoadJSONGrammar(cfg.PathToGrammar)
	if err != nil {
		return err
	}
	gctx.Initialize(cfg.MaxTreeSize)

	q := queue.New(cfg.PathToWorkdir, cfg.Extension)
	chunks := chunkstore.NewWrapper[*grammar.Tree]()
	global := sharedstate.New(cfg.BitmapSize, q, chunks)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.RunPool(ctx, cfg, gctx, global, logger)
	}()

	if headlessFlag {
		<-ctx.Done()
	} else if err := status.Run(global); err != nil {
		logger.WithError(err).Warn("status reporter exited with an error")
	}

	cancel()
	return <-errCh
}

func bootstrapOutputDirs(workdir string) error {
	for _, sub := range []string{"signaled", "queue", "timeout", "chunks"} {
		dir := filepath.Join(workdir, "outputs", sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func newLogger(verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return telemetry.New(level)
}
