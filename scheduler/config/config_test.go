package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_ProducesUsablePositiveValues(t *testing.T) {
	cfg := Default()
	if cfg.KVPool.TotalSlots <= 0 {
		t.Errorf("KVPool.TotalSlots: got %d, want > 0", cfg.KVPool.TotalSlots)
	}
	if cfg.ReqPool.Capacity <= 0 {
		t.Errorf("ReqPool.Capacity: got %d, want > 0", cfg.ReqPool.Capacity)
	}
	if cfg.Retraction.InitNewTokenRatio <= 0 || cfg.Retraction.InitNewTokenRatio > 1 {
		t.Errorf("Retraction.InitNewTokenRatio: got %v, want in (0,1]", cfg.Retraction.InitNewTokenRatio)
	}
	if cfg.Policy.Name != "fcfs" {
		t.Errorf("Policy.Name: got %q, want fcfs", cfg.Policy.Name)
	}
}

func TestRetractionConfig_MinNewTokenRatio_AppliesConservativeness(t *testing.T) {
	r := RetractionConfig{BaseMinNewTokenRatio: 0.2, ScheduleConservativeness: 0.5}
	if got := r.MinNewTokenRatio(); got != 0.1 {
		t.Errorf("MinNewTokenRatio: got %v, want 0.1", got)
	}
}

func TestLoad_LayersYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "kvPool:\n  totalSlots: 123\nbatch:\n  maxRunningRequests: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: got err=%v, want nil", err)
	}
	if cfg.KVPool.TotalSlots != 123 {
		t.Errorf("KVPool.TotalSlots after Load: got %d, want 123", cfg.KVPool.TotalSlots)
	}
	if cfg.Batch.MaxRunningRequests != 7 {
		t.Errorf("Batch.MaxRunningRequests after Load: got %d, want 7", cfg.Batch.MaxRunningRequests)
	}
	// Fields absent from the YAML retain their Default() value.
	if cfg.ReqPool.Capacity != Default().ReqPool.Capacity {
		t.Errorf("ReqPool.Capacity after partial Load: got %d, want unchanged default", cfg.ReqPool.Capacity)
	}
}

func TestLoad_MissingFile_ReturnsDefaultsAndError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load with missing file: got nil error, want a read error")
	}
	if cfg.KVPool.TotalSlots != Default().KVPool.TotalSlots {
		t.Errorf("Load on error: got altered defaults, want Default() unchanged")
	}
}

func TestResolveRuntimeFlagsFromEnv_ReadsProcessEnvironment(t *testing.T) {
	t.Setenv("SGLANG_IS_IN_CI", "1")
	t.Setenv("SGLANG_TEST_RETRACT", "")

	flags := ResolveRuntimeFlagsFromEnv()

	if !flags.CrashOnWarning {
		t.Error("CrashOnWarning: got false, want true when SGLANG_IS_IN_CI is set")
	}
	if flags.TestRetract {
		t.Error("TestRetract: got true, want false when SGLANG_TEST_RETRACT is unset")
	}
}
