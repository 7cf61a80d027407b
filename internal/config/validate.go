package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateInvokeAI(); err != nil {
		return err
	}
	if err := c.validateGeneration(); err != nil {
		return err
	}
	if err := c.validateCleanup(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTracing(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateInvokeAI() error {
	parsed, err := url.Parse(c.InvokeAI.BaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("invokeai.base_url must be an http(s) URL, got %q (override with %s)", c.InvokeAI.BaseURL, baseURLEnvVar)
	}
	return ensurePositive(map[string]int{
		"invokeai.probe_timeout":      c.InvokeAI.ProbeTimeout,
		"invokeai.request_timeout":    c.InvokeAI.RequestTimeout,
		"invokeai.submit_timeout":     c.InvokeAI.SubmitTimeout,
		"invokeai.poll_timeout":       c.InvokeAI.PollTimeout,
		"invokeai.download_timeout":   c.InvokeAI.DownloadTimeout,
		"invokeai.poll_interval_ms":   c.InvokeAI.PollIntervalMS,
		"invokeai.generation_timeout": c.InvokeAI.GenerationTimeout,
	})
}

func (c *Config) validateGeneration() error {
	if c.Generation.Steps <= 0 {
		return errors.New("generation.steps must be positive")
	}
	if c.Generation.CFGScale <= 0 {
		return errors.New("generation.cfg_scale must be positive")
	}
	if c.Generation.CFGRescaleMultiplier < 0 || c.Generation.CFGRescaleMultiplier >= 1 {
		return errors.New("generation.cfg_rescale_multiplier must be in [0, 1)")
	}
	if c.Generation.Width < 0 || c.Generation.Height < 0 {
		return errors.New("generation.width and generation.height must not be negative")
	}
	if c.Generation.Width%8 != 0 || c.Generation.Height%8 != 0 {
		return errors.New("generation.width and generation.height must be multiples of 8")
	}
	if c.Generation.Concurrency <= 0 {
		return errors.New("generation.concurrency must be positive")
	}
	for _, submodel := range c.Generation.LoraDefaultSubmodels {
		switch submodel {
		case submodelUNet, submodelTextEncoder, submodelTextEncoder2:
		default:
			return fmt.Errorf("generation.lora_default_submodels: unsupported value %q", submodel)
		}
	}
	return nil
}

func (c *Config) validateCleanup() error {
	if c.Cleanup.Attempts <= 0 {
		return errors.New("cleanup.attempts must be positive")
	}
	if c.Cleanup.RetryDelayMS < 0 {
		return errors.New("cleanup.retry_delay_ms must not be negative")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateTracing() error {
	if !c.Tracing.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return errors.New("tracing.endpoint must be set when tracing.enabled is true")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.New("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

func ensurePositive(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
