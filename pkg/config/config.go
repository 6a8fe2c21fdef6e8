// Package config assembles the coordinator's runtime configuration from
// cobra flags and an optional YAML file, the same two-source pattern
// cmd/warren's rootCmd uses for its persistent flags plus Warren's YAML
// resource files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/streamplane/coordinator/pkg/amender"
	"github.com/streamplane/coordinator/pkg/log"
	"github.com/streamplane/coordinator/pkg/merger"
	"github.com/streamplane/coordinator/pkg/model"
)

// Config is the coordinator's full runtime configuration.
type Config struct {
	// DataDir holds the bbolt catalog database (coordinator-catalog.db).
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the HTTP submit/health/metrics server's bind address.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel log.Level `yaml:"log_level"`
	LogJSON  bool      `yaml:"log_json"`
	// LogComponentLevels overrides LogLevel for specific components (e.g.
	// "amender": "debug") without raising the verbosity of the rest.
	LogComponentLevels map[string]log.Level `yaml:"log_component_levels"`

	// RootNodeID/RootHost/RootPort/RootSlots describe the coordinator's own
	// topology root, installed once at startup via topology.Graph.AddRoot.
	RootNodeID model.WorkerNodeID `yaml:"root_node_id"`
	RootHost   string             `yaml:"root_host"`
	RootPort   int                `yaml:"root_port"`
	RootSlots  int                `yaml:"root_slots"`

	// QueryMergerRule selects how incoming query plans fuse into the
	// shared-plan forest.
	QueryMergerRule merger.RuleName `yaml:"query_merger_rule"`

	// PlacementAmendmentMode selects 2PL or OCC for the placement amendment
	// handler.
	PlacementAmendmentMode amender.Mode `yaml:"placement_amendment_mode"`
	// PlacementAmendmentThreadCount sizes the amender's worker pool.
	PlacementAmendmentThreadCount int `yaml:"placement_amendment_thread_count"`
	// PlacementAmendmentRetryCount bounds OCC validate-and-swap retries.
	PlacementAmendmentRetryCount int `yaml:"placement_amendment_retry_count"`

	// EnableIncrementalPlacement restricts each amendment to the operators a
	// change-log entry names instead of the shared plan's whole pending set.
	EnableIncrementalPlacement bool `yaml:"enable_incremental_placement"`
	// EnableQueryReconfiguration is loaded and carried in Config, but no
	// component reads it: its value changes no behavior. Shared plans in
	// OPTIMIZING status never accept merges, whatever it is set to.
	EnableQueryReconfiguration bool `yaml:"enable_query_reconfiguration"`
}

// Default returns the coordinator's baseline configuration, overridden by
// any YAML file and then by explicit flags.
func Default() Config {
	return Config{
		DataDir:                       "./data",
		ListenAddr:                    ":9090",
		LogLevel:                      log.InfoLevel,
		LogJSON:                       false,
		RootNodeID:                    1,
		RootHost:                      "localhost",
		RootPort:                      0,
		RootSlots:                     0,
		QueryMergerRule:               merger.SyntaxBasedComplete,
		PlacementAmendmentMode:        amender.ModePessimistic,
		PlacementAmendmentThreadCount: 4,
		PlacementAmendmentRetryCount:  3,
		EnableIncrementalPlacement:    true,
		EnableQueryReconfiguration:    true,
	}
}

// LoadFile merges a YAML config file's fields onto cfg, leaving fields the
// file omits untouched.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects a configuration the coordinator cannot start with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must be set")
	}
	if c.PlacementAmendmentThreadCount <= 0 {
		return fmt.Errorf("config: placement_amendment_thread_count must be positive")
	}
	switch c.PlacementAmendmentMode {
	case amender.ModePessimistic, amender.ModeOptimistic:
	default:
		return fmt.Errorf("config: unknown placement_amendment_mode %q", c.PlacementAmendmentMode)
	}
	switch c.QueryMergerRule {
	case merger.SyntaxBasedComplete, merger.Default, "":
	case merger.Z3SignatureBasedComplete, merger.Z3SignatureBasedPartial:
		return fmt.Errorf("config: query_merger_rule %q requires a signature-inference collaborator not wired by this build", c.QueryMergerRule)
	default:
		return fmt.Errorf("config: unknown query_merger_rule %q", c.QueryMergerRule)
	}
	return nil
}
