// Package config loads and validates the YAML configuration recognized by
// p4transfer (spec.md §6), the external "configuration loader" collaborator
// named in spec.md §1.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rcowham/p4transfer/viewmap"
	yaml "gopkg.in/yaml.v2"
)

// ServerConnection is one `{address, user, client}` triple (spec.md §6's
// `source.*`/`target.*` options).
type ServerConnection struct {
	Address string `yaml:"address"`
	User    string `yaml:"user"`
	Client  string `yaml:"client"`
}

// ClassicalView is one `views[]` entry.
type ClassicalView struct {
	Src  string `yaml:"src"`
	Targ string `yaml:"targ"`
}

// StreamView is one `stream_views[]` entry.
type StreamView struct {
	Src    string `yaml:"src"`
	Targ   string `yaml:"targ"`
	Type   string `yaml:"type"`
	Parent string `yaml:"parent"`
}

// Config is the fully parsed and validated p4transfer configuration.
type Config struct {
	Source Connection `yaml:"source"`
	Target Connection `yaml:"target"`

	Views       []ClassicalView `yaml:"views"`
	StreamViews []StreamView    `yaml:"stream_views"`

	TransferTargetStream string `yaml:"transfer_target_stream"`
	WorkspaceRoot         string `yaml:"workspace_root"`

	CounterName           string `yaml:"counter_name"`
	HistoricalStartChange int    `yaml:"historical_start_change"`

	ChangeBatchSize         int    `yaml:"change_batch_size"`
	ChangeDescriptionFormat string `yaml:"change_description_format"`
	ChangeMapFile           string `yaml:"change_map_file"`

	IgnoreFiles []string `yaml:"ignore_files"`

	CaseSensitive bool `yaml:"case_sensitive"`

	PollInterval   string `yaml:"poll_interval"`
	ReportInterval string `yaml:"report_interval"`

	Superuser       string `yaml:"superuser"`
	ResetConnection int    `yaml:"reset_connection"`
	EndDatetime     string `yaml:"end_datetime"`

	// Derived fields, populated by validate().
	PollIntervalSeconds   int
	ReportIntervalSeconds int
	EndDatetimeParsed     time.Time
	ReIgnoreFiles         []*regexp.Regexp
	ViewMap               *viewmap.ViewMap
}

// Connection is an alias kept for readability at call sites
// (config.Connection reads more naturally than config.ServerConnection in
// struct literals written by callers).
type Connection = ServerConnection

// Unmarshal parses and validates a configuration document.
func Unmarshal(data []byte) (*Config, error) {
	cfg := &Config{
		CounterName:     "p4transfer",
		ChangeBatchSize: 1000,
		CaseSensitive:   true,
		PollInterval:    "30",
		ReportInterval:  "600",
		Superuser:       "n",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and validates a configuration file.
func LoadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Views) == 0 && len(c.StreamViews) == 0 {
		return fmt.Errorf("at least one of 'views' or 'stream_views' must be configured")
	}
	if len(c.Views) > 0 && len(c.StreamViews) > 0 {
		return fmt.Errorf("'views' and 'stream_views' are mutually exclusive")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("'workspace_root' must not be empty")
	}

	if len(c.Views) > 0 {
		mappings := make([]viewmap.ClassicalMapping, len(c.Views))
		for i, v := range c.Views {
			mappings[i] = viewmap.ClassicalMapping{Src: v.Src, Targ: v.Targ}
		}
		vm, err := viewmap.NewClassicalViewMap(mappings, !c.CaseSensitive)
		if err != nil {
			return fmt.Errorf("invalid 'views': %v", err)
		}
		c.ViewMap = vm
	} else {
		if c.TransferTargetStream == "" {
			return fmt.Errorf("'transfer_target_stream' must be set when 'stream_views' is used")
		}
		mappings := make([]viewmap.StreamMapping, len(c.StreamViews))
		for i, v := range c.StreamViews {
			mappings[i] = viewmap.StreamMapping{Src: v.Src, Targ: v.Targ, Type: viewmap.StreamType(v.Type), Parent: v.Parent}
		}
		vm, err := viewmap.NewStreamViewMap(mappings, !c.CaseSensitive)
		if err != nil {
			return fmt.Errorf("invalid 'stream_views': %v", err)
		}
		c.ViewMap = vm
	}

	for _, pattern := range c.IgnoreFiles {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("failed to parse ignore_files pattern %q as a regex: %v", pattern, err)
		}
		c.ReIgnoreFiles = append(c.ReIgnoreFiles, re)
	}

	pollSecs, err := EvalIntExpr(c.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid 'poll_interval' expression %q: %v", c.PollInterval, err)
	}
	c.PollIntervalSeconds = pollSecs

	reportSecs, err := EvalIntExpr(c.ReportInterval)
	if err != nil {
		return fmt.Errorf("invalid 'report_interval' expression %q: %v", c.ReportInterval, err)
	}
	c.ReportIntervalSeconds = reportSecs

	if c.Superuser != "y" && c.Superuser != "n" {
		return fmt.Errorf("'superuser' must be 'y' or 'n', got %q", c.Superuser)
	}

	if c.EndDatetime != "" {
		t, err := time.Parse("2006/1/2 15:04", c.EndDatetime)
		if err != nil {
			return fmt.Errorf("invalid 'end_datetime' %q, expected 'YYYY/M/D HH:MM': %v", c.EndDatetime, err)
		}
		c.EndDatetimeParsed = t
	}

	return nil
}
