// Package config parses the fuzzer's TOML configuration file and applies
// the CLI overrides layered on top of it.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config mirrors the recognised keys of the fuzzer's config file.
type Config struct {
	NumberOfThreads                int      `toml:"number_of_threads"`
	ThreadSize                     int      `toml:"thread_size"`
	NumberOfGenerateInputs         int      `toml:"number_of_generate_inputs"`
	NumberOfDeterministicMutations int      `toml:"number_of_deterministic_mutations"`
	MaxTreeSize                    int      `toml:"max_tree_size"`
	BitmapSize                     int      `toml:"bitmap_size"`
	TimeoutInMillis                int64    `toml:"timeout_in_millis"`
	PathToBinTarget                string   `toml:"path_to_bin_target"`
	PathToGrammar                  string   `toml:"path_to_grammar"`
	PathToWorkdir                  string   `toml:"path_to_workdir"`
	Arguments                      []string `toml:"arguments"`
	HideOutput                     bool     `toml:"hide_output"`
	Extension                      string   `toml:"extension"`
}

// Default returns the fuzzer's baseline configuration, the values used when
// a key is absent from the file on disk.
func Default() *Config {
	return &Config{
		NumberOfThreads:                1,
		ThreadSize:                     1 << 20,
		NumberOfGenerateInputs:         100,
		NumberOfDeterministicMutations: 8,
		MaxTreeSize:                    1000,
		BitmapSize:                     1 << 16,
		TimeoutInMillis:                200,
		Extension:                      "",
	}
}

// Load reads and parses a TOML config file at path, starting from Default()
// so unset keys keep their baseline value.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyOverrides mutates cfg with the non-empty CLI overrides: grammar path,
// workdir path, and a trailing cmdline (target + arguments). An empty
// cmdline leaves PathToBinTarget/Arguments untouched.
func (c *Config) ApplyOverrides(grammar, workdir string, cmdline []string) {
	if grammar != "" {
		c.PathToGrammar = grammar
	}
	if workdir != "" {
		c.PathToWorkdir = workdir
	}
	if len(cmdline) > 0 {
		c.PathToBinTarget = cmdline[0]
		c.Arguments = cmdline[1:]
	}
}

// Validate checks the fields the worker pool cannot proceed without.
func (c *Config) Validate() error {
	if c.PathToBinTarget == "" {
		return fmt.Errorf("path_to_bin_target is required")
	}
	if _, err := os.Stat(c.PathToBinTarget); err != nil {
		return fmt.Errorf("target binary %s: %w", c.PathToBinTarget, err)
	}
	if c.PathToGrammar == "" {
		return fmt.Errorf("path_to_grammar is required")
	}
	if _, err := os.Stat(c.PathToGrammar); err != nil {
		return fmt.Errorf("grammar file %s: %w", c.PathToGrammar, err)
	}
	if c.PathToWorkdir == "" {
		return fmt.Errorf("path_to_workdir is required")
	}
	if c.NumberOfThreads < 1 {
		return fmt.Errorf("number_of_threads must be >= 1")
	}
	if c.BitmapSize < 1 {
		return fmt.Errorf("bitmap_size must be >= 1")
	}
	return nil
}
