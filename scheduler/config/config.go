// Package config groups the explicit configuration structs the scheduler is
// constructed from. Environment-derived flags and global tunables are read
// once at startup into these structs; nothing in the scheduler hot path
// reads the environment directly.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// KVPoolConfig sizes the fixed-capacity KV token-slot pool.
type KVPoolConfig struct {
	TotalSlots int `yaml:"totalSlots"` // must be > 0
}

// ReqPoolConfig sizes the fixed-capacity request slot pool.
type ReqPoolConfig struct {
	Capacity int `yaml:"capacity"` // must be > 0
}

// BatchConfig groups batch-formation limits.
type BatchConfig struct {
	MaxRunningRequests int64 `yaml:"maxRunningRequests"`
	MaxPrefillTokens   int64 `yaml:"maxPrefillTokens"`
	ChunkedPrefillSize int64 `yaml:"chunkedPrefillSize"` // 0 disables chunking
	MaxLorasPerBatch   int   `yaml:"maxLorasPerBatch"`   // 0 disables the LoRA limit
	IsMixedChunk       bool  `yaml:"isMixedChunk"`
}

// RetractionConfig groups the admission hysteresis tunables (spec.md §4.6).
type RetractionConfig struct {
	InitNewTokenRatio       float64 `yaml:"initNewTokenRatio"`
	BaseMinNewTokenRatio    float64 `yaml:"baseMinNewTokenRatio"`
	NewTokenRatioDecay      float64 `yaml:"newTokenRatioDecay"`
	ScheduleConservativeness float64 `yaml:"scheduleConservativeness"`
}

// MinNewTokenRatio applies schedule conservativeness to the configured base,
// matching the teacher's "global config values multiplied by
// schedule_conservativeness at init" design note.
func (r RetractionConfig) MinNewTokenRatio() float64 {
	return r.BaseMinNewTokenRatio * r.ScheduleConservativeness
}

// GrammarConfig selects whether the regex grammar backend is available.
type GrammarConfig struct {
	RegexBackendSupported bool `yaml:"regexBackendSupported"`
}

// PolicyConfig selects the waiting-queue ordering policy.
type PolicyConfig struct {
	// Name is one of "fcfs" (default), "longest-prefix", "shortest-output-first",
	// or their container/heap-backed equivalents "longest-prefix-heap",
	// "shortest-output-first-heap".
	Name string `yaml:"policy"`
}

// RuntimeFlags groups environment-derived flags, resolved once at process
// startup (never re-read inside the loop). Mirrors SGLANG_IS_IN_CI /
// SGLANG_TEST_RETRACT / SGLANG_TORCH_PROFILER_DIR from spec.md §6.
type RuntimeFlags struct {
	CrashOnWarning   bool   `yaml:"crashOnWarning"`
	TestRetract      bool   `yaml:"testRetract"`
	ProfilerDir      string `yaml:"profilerDir"`
	StreamInterval   int    `yaml:"streamInterval"`
	DisableJumpForward bool `yaml:"disableJumpForward"`
	EnableOverlap    bool `yaml:"enableOverlap"`
}

// ResolveRuntimeFlagsFromEnv reads the process environment exactly once (at
// startup, by the CLI) and returns the resulting RuntimeFlags. This is the
// only place environment variables are read.
func ResolveRuntimeFlagsFromEnv() RuntimeFlags {
	return RuntimeFlags{
		CrashOnWarning:     os.Getenv("SGLANG_IS_IN_CI") != "",
		TestRetract:        os.Getenv("SGLANG_TEST_RETRACT") != "",
		ProfilerDir:        os.Getenv("SGLANG_TORCH_PROFILER_DIR"),
		StreamInterval:     1,
		DisableJumpForward: false,
		EnableOverlap:      false,
	}
}

// Config is the full scheduler configuration, constructed once at startup
// and passed by value/pointer into the scheduler — never reconstructed from
// globals inside the iteration loop.
type Config struct {
	KVPool     KVPoolConfig     `yaml:"kvPool"`
	ReqPool    ReqPoolConfig    `yaml:"reqPool"`
	Batch      BatchConfig      `yaml:"batch"`
	Retraction RetractionConfig `yaml:"retraction"`
	Grammar    GrammarConfig    `yaml:"grammar"`
	Policy     PolicyConfig     `yaml:"policy"`
	Runtime    RuntimeFlags     `yaml:"runtime"`
}

// Default returns a Config with conservative, test-friendly defaults.
func Default() Config {
	return Config{
		KVPool:  KVPoolConfig{TotalSlots: 4096},
		ReqPool: ReqPoolConfig{Capacity: 256},
		Batch: BatchConfig{
			MaxRunningRequests: 64,
			MaxPrefillTokens:   8192,
			ChunkedPrefillSize: 0,
			MaxLorasPerBatch:   0,
			IsMixedChunk:       false,
		},
		Retraction: RetractionConfig{
			InitNewTokenRatio:        0.7,
			BaseMinNewTokenRatio:     0.1,
			NewTokenRatioDecay:       0.001,
			ScheduleConservativeness: 1.0,
		},
		Grammar: GrammarConfig{RegexBackendSupported: true},
		Policy:  PolicyConfig{Name: "fcfs"},
		Runtime: RuntimeFlags{StreamInterval: 1},
	}
}

// Load reads a YAML config file layered over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
