// Package config loads nexuskernel's process configuration (§4.14) with
// layered precedence: command-line flags override environment variables,
// which override the YAML config file, which overrides compiled-in
// defaults. Env vars use the NEXUSKERNEL_ prefix with underscore-separated
// path segments (e.g. NEXUSKERNEL_KERNEL_DATA_DIR).
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable this package reads.
const EnvPrefix = "NEXUSKERNEL_"

// Config is the complete process configuration for one nexus invocation.
type Config struct {
	Kernel  KernelConfig  `yaml:"kernel"`
	Organism OrganismConfig `yaml:"organism"`
	LLM     LLMConfig     `yaml:"llm"`
	Audit   AuditConfig   `yaml:"audit"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Cron    CronConfig    `yaml:"cron"`
	Ports   PortsConfig   `yaml:"ports"`
}

// KernelConfig configures the WAL/state directory.
type KernelConfig struct {
	DataDir string `yaml:"data_dir"`
}

// OrganismConfig configures which organism document to load and under
// which security profile injected messages run.
type OrganismConfig struct {
	Path    string `yaml:"path"`
	Profile string `yaml:"profile"`
}

// ProviderConfig holds one LLM provider's credentials and default model.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// LLMConfig configures the multi-provider LLM Pool (§4.8).
type LLMConfig struct {
	DefaultModel string         `yaml:"default_model"`
	Anthropic    ProviderConfig `yaml:"anthropic"`
	OpenAI       ProviderConfig `yaml:"openai"`
}

// AuditConfig configures the best-effort secondary journal sink (§4.13).
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MirrorConfig configures the optional durable store mirror (§4.20).
type MirrorConfig struct {
	Driver string `yaml:"driver"` // "", "sqlite3" or "postgres"
	DSN    string `yaml:"dsn"`
}

// CronConfig configures the journal-sweep scheduler (§4.21).
type CronConfig struct {
	SweepSchedule string        `yaml:"sweep_schedule"` // cron expression, e.g. "@every 1h"
	SweepMaxAge   time.Duration `yaml:"sweep_max_age"`
}

// PortsConfig configures firewall rule generation (§4.15 "ports generate").
type PortsConfig struct {
	OutputPath string `yaml:"output_path"`
}

// Defaults returns a Config populated with nexuskernel's compiled-in
// defaults, applied before the file and env layers.
func Defaults() *Config {
	return &Config{
		Kernel:   KernelConfig{DataDir: "./nexus-data"},
		Organism: OrganismConfig{Path: "organism.yaml", Profile: "default"},
		LLM: LLMConfig{
			DefaultModel: "default",
			Anthropic:    ProviderConfig{Model: "claude-sonnet-4-5"},
			OpenAI:       ProviderConfig{Model: "gpt-4o"},
		},
		Mirror: MirrorConfig{},
		Cron:   CronConfig{SweepSchedule: "@every 1h", SweepMaxAge: 24 * time.Hour},
		Ports:  PortsConfig{OutputPath: "nexus.rules"},
	}
}

// Load builds a Config by layering, in increasing precedence: compiled-in
// defaults, the YAML file at path (if it exists; a missing file is not an
// error), and NEXUSKERNEL_*-prefixed environment variables. Callers apply
// flag overrides afterward with ApplyFlagOverrides, the final and
// highest-precedence layer.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeInto(cfg, data); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file is not an error; defaults plus env/flags may
			// be all a caller needs.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func decodeInto(cfg *Config, data []byte) error {
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return err
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return fmt.Errorf("expected a single YAML document")
	}
	return nil
}

// applyEnvOverrides reads NEXUSKERNEL_* environment variables and, for each
// one that is set, overrides the corresponding field. Unset variables leave
// the file/default value untouched.
func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.Kernel.DataDir, "KERNEL_DATA_DIR")
	strVar(&cfg.Organism.Path, "ORGANISM_PATH")
	strVar(&cfg.Organism.Profile, "ORGANISM_PROFILE")
	strVar(&cfg.LLM.DefaultModel, "LLM_DEFAULT_MODEL")
	strVar(&cfg.LLM.Anthropic.APIKey, "LLM_ANTHROPIC_API_KEY")
	strVar(&cfg.LLM.Anthropic.Model, "LLM_ANTHROPIC_MODEL")
	strVar(&cfg.LLM.OpenAI.APIKey, "LLM_OPENAI_API_KEY")
	strVar(&cfg.LLM.OpenAI.Model, "LLM_OPENAI_MODEL")
	boolVar(&cfg.Audit.Enabled, "AUDIT_ENABLED")
	strVar(&cfg.Audit.Path, "AUDIT_PATH")
	strVar(&cfg.Mirror.Driver, "MIRROR_DRIVER")
	strVar(&cfg.Mirror.DSN, "MIRROR_DSN")
	strVar(&cfg.Cron.SweepSchedule, "CRON_SWEEP_SCHEDULE")
	durationVar(&cfg.Cron.SweepMaxAge, "CRON_SWEEP_MAX_AGE")
	strVar(&cfg.Ports.OutputPath, "PORTS_OUTPUT_PATH")

	// ANTHROPIC_API_KEY / OPENAI_API_KEY are honored unprefixed too, since
	// they're the provider SDKs' own conventional names and operators
	// reasonably expect them to work without the NEXUSKERNEL_ prefix.
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.Anthropic.APIKey == "" {
		cfg.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.OpenAI.APIKey == "" {
		cfg.LLM.OpenAI.APIKey = v
	}
}

func strVar(dst *string, suffix string) {
	if v := os.Getenv(EnvPrefix + suffix); v != "" {
		*dst = v
	}
}

func boolVar(dst *bool, suffix string) {
	v := os.Getenv(EnvPrefix + suffix)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func durationVar(dst *time.Duration, suffix string) {
	v := os.Getenv(EnvPrefix + suffix)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
