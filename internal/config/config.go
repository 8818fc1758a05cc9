// Package config loads engine configuration with the precedence
// flag > environment > config file > default. The four core environment
// variables keep their historical unprefixed names; everything else uses the
// ATLAS_ prefix.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Core environment variables (unprefixed, pinned by the external contract).
const (
	EnvHistoryEnabled          = "HISTORY_ENABLED"
	EnvDocFreshnessWindowDays  = "DOC_FRESHNESS_WINDOW_DAYS"
	EnvRollbackCleanupInterval = "ROLLBACK_CLEANUP_INTERVAL_MS"
	EnvIdempotencyTTL          = "IDEMPOTENCY_TTL_MS"
)

// Config is the resolved engine configuration.
type Config struct {
	// Core (env-pinned)
	HistoryEnabled          bool          `yaml:"history_enabled"`
	DocFreshnessWindowDays  int           `yaml:"doc_freshness_window_days"`
	RollbackCleanupInterval time.Duration `yaml:"rollback_cleanup_interval"`
	IdempotencyTTL          time.Duration `yaml:"idempotency_ttl"`

	// Stores
	GraphDBPath    string `yaml:"graph_db_path"`
	RollbackDBPath string `yaml:"rollback_db_path"`

	// Batch processor
	EntityBatchSize       int           `yaml:"entity_batch_size"`
	RelationshipBatchSize int           `yaml:"relationship_batch_size"`
	MaxConcurrentBatches  int           `yaml:"max_concurrent_batches"`
	StopTimeout           time.Duration `yaml:"stop_timeout"`
	StoreCallTimeout      time.Duration `yaml:"store_call_timeout"`
	DAGEnabled            bool          `yaml:"dag_enabled"`

	// Coordinator
	MaxConcurrentOperations int  `yaml:"max_concurrent_operations"`
	MaxParseTasks           int  `yaml:"max_parse_tasks"`
	MaxQueuedFragments      int  `yaml:"max_queued_fragments"`
	RollbackOnFailure       bool `yaml:"rollback_on_failure"`
	CheckpointOnSuccess     bool `yaml:"checkpoint_on_success"`

	// Rollback store
	RollbackMaxItems int `yaml:"rollback_max_items"`

	// Roots scanned by full syncs.
	Roots []string `yaml:"roots"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HistoryEnabled:          true,
		DocFreshnessWindowDays:  30,
		RollbackCleanupInterval: 300000 * time.Millisecond,
		IdempotencyTTL:          600000 * time.Millisecond,

		GraphDBPath:    filepath.Join(".atlas", "graph.db"),
		RollbackDBPath: filepath.Join(".atlas", "rollback.db"),

		EntityBatchSize:       100,
		RelationshipBatchSize: 200,
		MaxConcurrentBatches:  4,
		StopTimeout:           30 * time.Second,
		StoreCallTimeout:      30 * time.Second,
		DAGEnabled:            true,

		MaxConcurrentOperations: 4,
		MaxParseTasks:           8,
		MaxQueuedFragments:      10000,
		RollbackOnFailure:       false,
		CheckpointOnSuccess:     true,

		RollbackMaxItems: 100,

		Roots: []string{"."},
	}
}

// Load resolves configuration from an optional yaml file and the
// environment. Pass an empty path to skip the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := Default()

	v.SetDefault("history_enabled", def.HistoryEnabled)
	v.SetDefault("doc_freshness_window_days", def.DocFreshnessWindowDays)
	v.SetDefault("rollback_cleanup_interval_ms", int64(def.RollbackCleanupInterval/time.Millisecond))
	v.SetDefault("idempotency_ttl_ms", int64(def.IdempotencyTTL/time.Millisecond))
	v.SetDefault("graph_db_path", def.GraphDBPath)
	v.SetDefault("rollback_db_path", def.RollbackDBPath)
	v.SetDefault("entity_batch_size", def.EntityBatchSize)
	v.SetDefault("relationship_batch_size", def.RelationshipBatchSize)
	v.SetDefault("max_concurrent_batches", def.MaxConcurrentBatches)
	v.SetDefault("stop_timeout_ms", int64(def.StopTimeout/time.Millisecond))
	v.SetDefault("store_call_timeout_ms", int64(def.StoreCallTimeout/time.Millisecond))
	v.SetDefault("dag_enabled", def.DAGEnabled)
	v.SetDefault("max_concurrent_operations", def.MaxConcurrentOperations)
	v.SetDefault("max_parse_tasks", def.MaxParseTasks)
	v.SetDefault("max_queued_fragments", def.MaxQueuedFragments)
	v.SetDefault("rollback_on_failure", def.RollbackOnFailure)
	v.SetDefault("checkpoint_on_success", def.CheckpointOnSuccess)
	v.SetDefault("rollback_max_items", def.RollbackMaxItems)
	v.SetDefault("roots", def.Roots)

	// ATLAS_-prefixed overrides for everything...
	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// ...and the four contract variables under their unprefixed names.
	bindCore(v, "history_enabled", EnvHistoryEnabled)
	bindCore(v, "doc_freshness_window_days", EnvDocFreshnessWindowDays)
	bindCore(v, "rollback_cleanup_interval_ms", EnvRollbackCleanupInterval)
	bindCore(v, "idempotency_ttl_ms", EnvIdempotencyTTL)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		HistoryEnabled:          v.GetBool("history_enabled"),
		DocFreshnessWindowDays:  v.GetInt("doc_freshness_window_days"),
		RollbackCleanupInterval: time.Duration(v.GetInt64("rollback_cleanup_interval_ms")) * time.Millisecond,
		IdempotencyTTL:          time.Duration(v.GetInt64("idempotency_ttl_ms")) * time.Millisecond,
		GraphDBPath:             v.GetString("graph_db_path"),
		RollbackDBPath:          v.GetString("rollback_db_path"),
		EntityBatchSize:         v.GetInt("entity_batch_size"),
		RelationshipBatchSize:   v.GetInt("relationship_batch_size"),
		MaxConcurrentBatches:    v.GetInt("max_concurrent_batches"),
		StopTimeout:             time.Duration(v.GetInt64("stop_timeout_ms")) * time.Millisecond,
		StoreCallTimeout:        time.Duration(v.GetInt64("store_call_timeout_ms")) * time.Millisecond,
		DAGEnabled:              v.GetBool("dag_enabled"),
		MaxConcurrentOperations: v.GetInt("max_concurrent_operations"),
		MaxParseTasks:           v.GetInt("max_parse_tasks"),
		MaxQueuedFragments:      v.GetInt("max_queued_fragments"),
		RollbackOnFailure:       v.GetBool("rollback_on_failure"),
		CheckpointOnSuccess:     v.GetBool("checkpoint_on_success"),
		RollbackMaxItems:        v.GetInt("rollback_max_items"),
		Roots:                   v.GetStringSlice("roots"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindCore(v *viper.Viper, key, env string) {
	// BindEnv only errors on empty input.
	_ = v.BindEnv(key, env)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.EntityBatchSize < 1 {
		return fmt.Errorf("entity_batch_size must be >= 1, got %d", c.EntityBatchSize)
	}
	if c.RelationshipBatchSize < 1 {
		return fmt.Errorf("relationship_batch_size must be >= 1, got %d", c.RelationshipBatchSize)
	}
	if c.MaxConcurrentBatches < 1 {
		return fmt.Errorf("max_concurrent_batches must be >= 1, got %d", c.MaxConcurrentBatches)
	}
	if c.MaxConcurrentOperations < 1 {
		return fmt.Errorf("max_concurrent_operations must be >= 1, got %d", c.MaxConcurrentOperations)
	}
	if c.RollbackMaxItems < 1 {
		return fmt.Errorf("rollback_max_items must be >= 1, got %d", c.RollbackMaxItems)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency_ttl must be positive, got %s", c.IdempotencyTTL)
	}
	return nil
}

// Save writes the configuration as yaml.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
