package config

import "fmt"

// Validator performs cross-field validation on a resolved Config.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every section, failing on the first error.
func (v *Validator) ValidateAll() error {
	if err := v.validateOrchestrator(); err != nil {
		return err
	}
	if err := v.validateMonitor(); err != nil {
		return err
	}
	if err := v.validateLLM(); err != nil {
		return err
	}
	if err := v.validateMessaging(); err != nil {
		return err
	}
	return v.validateHTTP()
}

func (v *Validator) validateOrchestrator() error {
	o := v.cfg.Orchestrator
	if o.TickInterval <= 0 {
		return NewValidationError("orchestrator", "tick_interval",
			fmt.Errorf("%w: must be positive, got %s", ErrInvalidValue, o.TickInterval))
	}
	if o.MaxReplans < 0 {
		return NewValidationError("orchestrator", "max_replans",
			fmt.Errorf("%w: must not be negative, got %d", ErrInvalidValue, o.MaxReplans))
	}
	if o.AutoBudgetThresholdCents < 0 {
		return NewValidationError("orchestrator", "auto_budget_threshold_cents",
			fmt.Errorf("%w: must not be negative, got %d", ErrInvalidValue, o.AutoBudgetThresholdCents))
	}
	if o.ClassificationThreshold < 0 {
		return NewValidationError("orchestrator", "classification_threshold",
			fmt.Errorf("%w: must not be negative, got %d", ErrInvalidValue, o.ClassificationThreshold))
	}
	return nil
}

func (v *Validator) validateMonitor() error {
	m := v.cfg.Monitor
	if m.CheckInterval <= 0 {
		return NewValidationError("monitor", "check_interval",
			fmt.Errorf("%w: must be positive, got %s", ErrInvalidValue, m.CheckInterval))
	}
	if m.StuckThreshold > m.InactivityThreshold {
		return NewValidationError("monitor", "stuck_threshold",
			fmt.Errorf("%w: must not exceed inactivity_threshold (%s), got %s",
				ErrInvalidValue, m.InactivityThreshold, m.StuckThreshold))
	}
	if m.CreditTargetCents < m.CreditFloorCents {
		return NewValidationError("monitor", "credit_target_cents",
			fmt.Errorf("%w: must be at least credit_floor_cents (%d), got %d",
				ErrInvalidValue, m.CreditFloorCents, m.CreditTargetCents))
	}
	if m.ErrorRateThreshold < 0 || m.ErrorRateThreshold > 1 {
		return NewValidationError("monitor", "error_rate_threshold",
			fmt.Errorf("%w: must be in [0, 1], got %g", ErrInvalidValue, m.ErrorRateThreshold))
	}
	return nil
}

func (v *Validator) validateLLM() error {
	l := v.cfg.LLM
	if l.DefaultModel == "" {
		return NewValidationError("llm", "default_model",
			fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if l.Temperature != nil && (*l.Temperature < 0 || *l.Temperature > 2) {
		return NewValidationError("llm", "temperature",
			fmt.Errorf("%w: must be in [0, 2], got %g", ErrInvalidValue, *l.Temperature))
	}
	if l.MaxTokens < 0 {
		return NewValidationError("llm", "max_tokens",
			fmt.Errorf("%w: must not be negative, got %d", ErrInvalidValue, l.MaxTokens))
	}
	return nil
}

func (v *Validator) validateMessaging() error {
	m := v.cfg.Messaging
	if m.SelfAddress == "" {
		return NewValidationError("messaging", "self_address",
			fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateHTTP() error {
	h := v.cfg.HTTP
	if h.Port <= 0 || h.Port > 65535 {
		return NewValidationError("http", "port",
			fmt.Errorf("%w: must be in [1, 65535], got %d", ErrInvalidValue, h.Port))
	}
	return nil
}
