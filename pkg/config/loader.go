package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected file name inside the config directory.
const ConfigFileName = "colony.yaml"

// colonyYAMLConfig mirrors the colony.yaml file structure. Sections are
// pointers so an absent section is distinguishable from a zero one.
type colonyYAMLConfig struct {
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Monitor      *MonitorConfig      `yaml:"monitor"`
	LLM          *LLMConfig          `yaml:"llm"`
	Messaging    *MessagingConfig    `yaml:"messaging"`
	HTTP         *HTTPConfig         `yaml:"http"`
}

// Initialize loads, merges and validates the configuration from
// configDir. A missing colony.yaml yields pure defaults.
//
// Steps performed:
//  1. Read colony.yaml (optional)
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Validate the result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadColonyYAML(configDir)
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	cfg, err := resolve(raw)
	if err != nil {
		return nil, err
	}
	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"tick_interval", cfg.Orchestrator.TickInterval,
		"check_interval", cfg.Monitor.CheckInterval,
		"http_port", cfg.HTTP.Port)
	return cfg, nil
}

func loadColonyYAML(configDir string) (*colonyYAMLConfig, error) {
	var raw colonyYAMLConfig

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("No colony.yaml found, using defaults", "path", path)
		return &raw, nil
	}
	if err != nil {
		return nil, err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

// resolve merges each user-supplied section over its defaults. Non-zero
// user values win.
func resolve(raw *colonyYAMLConfig) (*Config, error) {
	cfg := &Config{
		Orchestrator: DefaultOrchestratorConfig(),
		Monitor:      DefaultMonitorConfig(),
		LLM:          DefaultLLMConfig(),
		Messaging:    DefaultMessagingConfig(),
		HTTP:         DefaultHTTPConfig(),
	}

	sections := []struct {
		name string
		dst  any
		src  any
	}{
		{"orchestrator", cfg.Orchestrator, raw.Orchestrator},
		{"monitor", cfg.Monitor, raw.Monitor},
		{"llm", cfg.LLM, raw.LLM},
		{"messaging", cfg.Messaging, raw.Messaging},
		{"http", cfg.HTTP, raw.HTTP},
	}
	for _, s := range sections {
		if isNilSection(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}
	return cfg, nil
}

func isNilSection(src any) bool {
	switch v := src.(type) {
	case *OrchestratorConfig:
		return v == nil
	case *MonitorConfig:
		return v == nil
	case *LLMConfig:
		return v == nil
	case *MessagingConfig:
		return v == nil
	case *HTTPConfig:
		return v == nil
	}
	return src == nil
}

// APIKey reads the configured API key environment variable.
func (c *LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}
