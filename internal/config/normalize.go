package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeInvokeAI()
	if err := c.normalizeGeneration(); err != nil {
		return err
	}
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	c.normalizeTracing()
	return nil
}

func (c *Config) normalizeInvokeAI() {
	if value, ok := os.LookupEnv(baseURLEnvVar); ok && strings.TrimSpace(value) != "" {
		c.InvokeAI.BaseURL = value
	}
	c.InvokeAI.BaseURL = strings.TrimRight(strings.TrimSpace(c.InvokeAI.BaseURL), "/")
	if c.InvokeAI.BaseURL == "" {
		c.InvokeAI.BaseURL = defaultBaseURL
	}
}

func (c *Config) normalizeGeneration() error {
	c.Generation.Scheduler = strings.ToLower(strings.TrimSpace(c.Generation.Scheduler))
	c.Generation.NegativePrompt = strings.TrimSpace(c.Generation.NegativePrompt)

	var err error
	if c.Generation.OutputDir, err = expandPath(strings.TrimSpace(c.Generation.OutputDir)); err != nil {
		return fmt.Errorf("generation.output_dir: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Generation.LoraDefaultSubmodels))
	submodels := make([]string, 0, len(c.Generation.LoraDefaultSubmodels))
	for _, value := range c.Generation.LoraDefaultSubmodels {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		submodels = append(submodels, value)
	}
	c.Generation.LoraDefaultSubmodels = submodels
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv(ntfyTopicEnvVar); ok {
			c.Notifications.NtfyTopic = value
		}
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}

func (c *Config) normalizeTracing() {
	c.Tracing.Endpoint = strings.TrimSpace(c.Tracing.Endpoint)
	c.Tracing.ServiceName = strings.TrimSpace(c.Tracing.ServiceName)
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaultTracingServiceName
	}
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
}
