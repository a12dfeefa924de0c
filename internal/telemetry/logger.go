// Package telemetry sets up the structured logger shared across the fuzzing core.
package telemetry

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// New builds a text-formatted logger writing to stderr, matching the
// formatter options the rest of the fuzzing core expects (full timestamps,
// no color forced so piped output stays readable).
func New(level log.Level) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

// Worker returns a logger scoped to a single worker goroutine.
func Worker(logger *log.Logger, name string) *log.Entry {
	return logger.WithField("worker", name)
}
