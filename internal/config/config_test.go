package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsForMissingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`
path_to_bin_target = "/bin/true"
path_to_grammar = "grammar.json"
path_to_workdir = "work"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumberOfThreads != 1 {
		t.Errorf("NumberOfThreads = %d, want default 1", cfg.NumberOfThreads)
	}
	if cfg.BitmapSize != 1<<16 {
		t.Errorf("BitmapSize = %d, want default %d", cfg.BitmapSize, 1<<16)
	}
	if cfg.PathToBinTarget != "/bin/true" {
		t.Errorf("PathToBinTarget = %q, want /bin/true", cfg.PathToBinTarget)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.PathToGrammar = "orig.json"
	cfg.PathToWorkdir = "orig_work"

	cfg.ApplyOverrides("new.json", "", []string{"/bin/echo", "hi"})
	if cfg.PathToGrammar != "new.json" {
		t.Errorf("grammar override not applied")
	}
	if cfg.PathToWorkdir != "orig_work" {
		t.Errorf("workdir should be unchanged when override is empty")
	}
	if cfg.PathToBinTarget != "/bin/echo" || len(cfg.Arguments) != 1 || cfg.Arguments[0] != "hi" {
		t.Errorf("cmdline override not applied correctly: %+v", cfg)
	}
}

func TestValidateRejectsMissingTarget(t *testing.T) {
	cfg := Default()
	cfg.PathToBinTarget = "/nonexistent/binary"
	cfg.PathToGrammar = "x"
	cfg.PathToWorkdir = "y"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected Validate to reject a missing target binary")
	}
}
