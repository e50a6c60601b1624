/*
Copyright 2026 The Spreadguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader assembles configuration from defaults, an optional YAML file and
// environment variables, in that priority order.
type Loader struct {
	// ConfigFile is the path to the YAML configuration file.
	ConfigFile string

	// EnvPrefix is the prefix for environment variables (defaults to
	// "SPREADGUARD").
	EnvPrefix string
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		EnvPrefix: "SPREADGUARD",
	}
}

// WithConfigFile sets the configuration file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.ConfigFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.EnvPrefix = prefix
	return l
}

// Load resolves the final configuration and validates it.
func (l *Loader) Load() (*SpreadguardConfig, error) {
	config := DefaultConfig()

	if l.ConfigFile != "" {
		if err := l.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	l.loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (l *Loader) loadFromFile(config *SpreadguardConfig) error {
	data, err := os.ReadFile(l.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.ConfigFile, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(config *SpreadguardConfig) {
	// Operator configuration
	if val := l.getEnv("OPERATOR_NAMESPACE"); val != "" {
		config.Operator.Namespace = val
	}

	// Leader election configuration
	if val := l.getEnv("LEADER_ELECTION_ENABLED"); val != "" {
		config.Operator.LeaderElection.Enabled = l.parseBool(val, config.Operator.LeaderElection.Enabled)
	}
	if val := l.getEnv("LEADER_ELECTION_ID"); val != "" {
		config.Operator.LeaderElection.ID = val
	}
	l.setDuration("LEADER_ELECTION_LEASE_DURATION", &config.Operator.LeaderElection.LeaseDuration)
	l.setDuration("LEADER_ELECTION_RENEW_DEADLINE", &config.Operator.LeaderElection.RenewDeadline)
	l.setDuration("LEADER_ELECTION_RETRY_PERIOD", &config.Operator.LeaderElection.RetryPeriod)

	// Controller configuration
	if val := l.getEnv("CONTROLLER_WORKERS"); val != "" {
		config.Controller.Workers = l.parseInt(val, config.Controller.Workers)
	}
	l.setDuration("CONTROLLER_RESYNC_INTERVAL", &config.Controller.ResyncInterval)
	l.setDuration("QUEUE_BASE_DELAY", &config.Controller.Queue.BaseDelay)
	l.setDuration("QUEUE_MAX_DELAY", &config.Controller.Queue.MaxDelay)
	if val := l.getEnv("QUEUE_QPS"); val != "" {
		if qps, err := strconv.ParseFloat(val, 64); err == nil {
			config.Controller.Queue.QPS = qps
		}
	}
	if val := l.getEnv("QUEUE_BURST"); val != "" {
		config.Controller.Queue.Burst = l.parseInt(val, config.Controller.Queue.Burst)
	}

	// Cache configuration
	l.setDuration("CACHE_RESYNC_PERIOD", &config.Cache.ResyncPeriod)
	if val := l.getEnv("CACHE_DEGRADED_THRESHOLD"); val != "" {
		config.Cache.DegradedThreshold = int32(l.parseInt(val, int(config.Cache.DegradedThreshold)))
	}

	// Metrics configuration
	if val := l.getEnv("METRICS_ENABLED"); val != "" {
		config.Observability.Metrics.Enabled = l.parseBool(val, config.Observability.Metrics.Enabled)
	}
	if val := l.getEnv("METRICS_BIND_ADDRESS"); val != "" {
		config.Observability.Metrics.BindAddress = val
	}

	// Health configuration
	if val := l.getEnv("HEALTH_BIND_ADDRESS"); val != "" {
		config.Observability.Health.BindAddress = val
	}

	// Logging configuration
	if val := l.getEnv("LOGGING_LEVEL"); val != "" {
		config.Observability.Logging.Level = val
	}
	if val := l.getEnv("LOGGING_FORMAT"); val != "" {
		config.Observability.Logging.Format = val
	}
	if val := l.getEnv("LOGGING_DEVELOPMENT"); val != "" {
		config.Observability.Logging.Development = l.parseBool(val, config.Observability.Logging.Development)
	}
}

func (l *Loader) getEnv(key string) string {
	return os.Getenv(l.EnvPrefix + "_" + key)
}

func (l *Loader) setDuration(key string, target *time.Duration) {
	if val := l.getEnv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			*target = duration
		}
	}
}

func (l *Loader) parseBool(val string, fallback bool) bool {
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func (l *Loader) parseInt(val string, fallback int) int {
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}
