package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mgrinell/veil/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinScore != 0.8 || cfg.ConfidenceFloor != 0.3 || cfg.MaxSearchResults != 20 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DataDir == "" {
		t.Error("empty data dir")
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/veil-data
min_score: 0.9
confidence_floor: 0.5
rules_file: /srv/veil-data/rules.yaml
max_search_results: 5
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/veil-data" || cfg.MinScore != 0.9 ||
		cfg.ConfidenceFloor != 0.5 || cfg.MaxSearchResults != 5 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "min_score: 0.95\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinScore != 0.95 {
		t.Errorf("min_score = %v", cfg.MinScore)
	}
	if cfg.ConfidenceFloor != 0.3 || cfg.MaxSearchResults != 20 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoad_UnparsableFileIsError(t *testing.T) {
	path := writeConfig(t, "min_score: [not a number\n")

	if _, err := config.Load(path); err == nil {
		t.Fatal("broken yaml loaded silently")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "data_dir: /from/file\nmin_score: 0.85\n")
	t.Setenv("VEIL_DATA_DIR", "/from/env")
	t.Setenv("VEIL_MIN_SCORE", "0.92")
	t.Setenv("VEIL_RULES_FILE", "/from/env/rules.yaml")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/from/env" || cfg.MinScore != 0.92 || cfg.RulesFile != "/from/env/rules.yaml" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_RangeValidation(t *testing.T) {
	for _, content := range []string{
		"min_score: 0\n",
		"min_score: 1.5\n",
		"confidence_floor: -0.1\n",
		"confidence_floor: 2\n",
	} {
		path := writeConfig(t, content)
		if _, err := config.Load(path); err == nil {
			t.Errorf("accepted %q", strings.TrimSpace(content))
		}
	}
}
