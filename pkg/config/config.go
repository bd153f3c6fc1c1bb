// Package config loads and validates colony.yaml. Every section has a
// Default*Config constructor; user values are merged on top, so a
// missing file or section still yields a runnable configuration.
package config

import "time"

// Config is the fully resolved runtime configuration.
type Config struct {
	Orchestrator *OrchestratorConfig
	Monitor      *MonitorConfig
	LLM          *LLMConfig
	Messaging    *MessagingConfig
	HTTP         *HTTPConfig
}

// OrchestratorConfig controls the goal-lifecycle tick loop.
type OrchestratorConfig struct {
	// TickInterval is the cadence of the orchestrator loop.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MaxReplans is the replan budget before a failing goal is marked
	// failed.
	MaxReplans int `yaml:"max_replans"`

	// AutoBudgetThresholdCents auto-approves plans estimated strictly
	// below it.
	AutoBudgetThresholdCents int64 `yaml:"auto_budget_threshold_cents"`

	// ClassificationThreshold is the step estimate at or below which a
	// goal skips the full planner.
	ClassificationThreshold int `yaml:"classification_threshold"`

	// DisableSpawn restricts dispatch to existing idle workers.
	DisableSpawn bool `yaml:"disable_spawn"`
}

// DefaultOrchestratorConfig returns the built-in orchestrator defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		TickInterval:             5 * time.Second,
		MaxReplans:               3,
		AutoBudgetThresholdCents: 5000,
		ClassificationThreshold:  3,
	}
}

// MonitorConfig controls the health monitor loop and its detection
// thresholds.
type MonitorConfig struct {
	// CheckInterval is the cadence of the check/heal loop.
	CheckInterval time.Duration `yaml:"check_interval"`

	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
	StuckThreshold      time.Duration `yaml:"stuck_threshold"`
	StuckGrace          time.Duration `yaml:"stuck_grace"`

	CreditFloorCents       int64 `yaml:"credit_floor_cents"`
	CreditTargetCents      int64 `yaml:"credit_target_cents"`
	CreditMinTransferCents int64 `yaml:"credit_min_transfer_cents"`

	ErrorWindow          time.Duration `yaml:"error_window"`
	ErrorFallbackSamples int           `yaml:"error_fallback_samples"`
	ErrorMinSamples      int           `yaml:"error_min_samples"`
	ErrorRateThreshold   float64       `yaml:"error_rate_threshold"`
}

// DefaultMonitorConfig returns the built-in monitor defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		CheckInterval:          time.Minute,
		InactivityThreshold:    45 * time.Minute,
		StuckThreshold:         15 * time.Minute,
		StuckGrace:             2 * time.Minute,
		CreditFloorCents:       10,
		CreditTargetCents:      250,
		CreditMinTransferCents: 50,
		ErrorWindow:            6 * time.Hour,
		ErrorFallbackSamples:   25,
		ErrorMinSamples:        3,
		ErrorRateThreshold:     0.6,
	}
}

// LLMConfig configures the inference client. APIKeyEnv names the
// environment variable holding the key; the key itself never appears in
// YAML.
type LLMConfig struct {
	BaseURL      string            `yaml:"base_url"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	DefaultModel string            `yaml:"default_model"`
	TierModels   map[string]string `yaml:"tier_models"`
	Temperature  *float64          `yaml:"temperature"`
	MaxTokens    int64             `yaml:"max_tokens"`
}

// DefaultLLMConfig returns the built-in inference defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		APIKeyEnv:    "OPENAI_API_KEY",
		DefaultModel: "gpt-4o-mini",
		TierModels: map[string]string{
			"high":        "gpt-4o",
			"normal":      "gpt-4o",
			"low_compute": "gpt-4o-mini",
			"critical":    "gpt-4o-mini",
		},
	}
}

// MessagingConfig configures the messaging layer.
type MessagingConfig struct {
	// SelfAddress is the parent agent's own address on the transport.
	SelfAddress string `yaml:"self_address"`
}

// DefaultMessagingConfig returns the built-in messaging defaults.
func DefaultMessagingConfig() *MessagingConfig {
	return &MessagingConfig{SelfAddress: "parent"}
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`

	// AllowedWSOrigins are extra origin patterns accepted on the
	// websocket endpoint besides the server's own host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultHTTPConfig returns the built-in HTTP defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{Port: 8080}
}
