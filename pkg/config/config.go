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

// Package config defines the spreadguard configuration model and its loader.
package config

import (
	"fmt"
	"time"
)

// SpreadguardConfig is the full controller configuration, assembled from
// defaults, an optional YAML file and environment overrides.
type SpreadguardConfig struct {
	// Operator holds process-level settings.
	Operator OperatorConfig `yaml:"operator" json:"operator"`

	// Controller holds reconciliation settings.
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// Cache holds informer settings.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Observability holds metrics, health and logging settings.
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// OperatorConfig holds process-level settings.
type OperatorConfig struct {
	// Namespace the operator runs in; used for the leader election lease.
	Namespace string `yaml:"namespace" json:"namespace"`

	// LeaderElection configures the Lease-based leader election.
	LeaderElection LeaderElectionConfig `yaml:"leaderElection" json:"leaderElection"`
}

// LeaderElectionConfig configures Lease-based leader election.
type LeaderElectionConfig struct {
	// Enabled controls whether leader election is performed at all.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ID is the name of the Lease object.
	ID string `yaml:"id" json:"id"`

	// LeaseDuration is how long a lease is valid without renewal.
	LeaseDuration time.Duration `yaml:"leaseDuration" json:"leaseDuration"`

	// RenewDeadline is how long the leader keeps trying to renew before
	// giving up leadership.
	RenewDeadline time.Duration `yaml:"renewDeadline" json:"renewDeadline"`

	// RetryPeriod is the wait between acquisition attempts.
	RetryPeriod time.Duration `yaml:"retryPeriod" json:"retryPeriod"`
}

// ControllerConfig holds reconciliation settings.
type ControllerConfig struct {
	// Workers is the size of the reconcile worker pool.
	Workers int `yaml:"workers" json:"workers"`

	// ResyncInterval is how often every policy is re-enqueued without
	// cluster events.
	ResyncInterval time.Duration `yaml:"resyncInterval" json:"resyncInterval"`

	// Queue tunes the work queue backoff and rate limit.
	Queue QueueConfig `yaml:"queue" json:"queue"`
}

// QueueConfig tunes work queue backoff and the global rate limit.
type QueueConfig struct {
	BaseDelay time.Duration `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay" json:"maxDelay"`
	QPS       float64       `yaml:"qps" json:"qps"`
	Burst     int           `yaml:"burst" json:"burst"`
}

// CacheConfig holds informer settings.
type CacheConfig struct {
	// ResyncPeriod is the informer relist interval.
	ResyncPeriod time.Duration `yaml:"resyncPeriod" json:"resyncPeriod"`

	// DegradedThreshold is the number of consecutive watch failures after
	// which cache reads are treated as unreliable.
	DegradedThreshold int32 `yaml:"degradedThreshold" json:"degradedThreshold"`
}

// ObservabilityConfig holds metrics, health and logging settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  HealthConfig  `yaml:"health" json:"health"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
}

// HealthConfig configures the health/readiness endpoint.
type HealthConfig struct {
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Format is json or console.
	Format string `yaml:"format" json:"format"`

	// Development enables human-friendly defaults.
	Development bool `yaml:"development" json:"development"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *SpreadguardConfig {
	return &SpreadguardConfig{
		Operator: OperatorConfig{
			Namespace: "spreadguard-system",
			LeaderElection: LeaderElectionConfig{
				Enabled:       true,
				ID:            "spreadguard-controller",
				LeaseDuration: 15 * time.Second,
				RenewDeadline: 10 * time.Second,
				RetryPeriod:   2 * time.Second,
			},
		},
		Controller: ControllerConfig{
			Workers:        4,
			ResyncInterval: 5 * time.Minute,
			Queue: QueueConfig{
				BaseDelay: 500 * time.Millisecond,
				MaxDelay:  5 * time.Minute,
				QPS:       10,
				Burst:     20,
			},
		},
		Cache: CacheConfig{
			ResyncPeriod:      10 * time.Minute,
			DegradedThreshold: 5,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled:     true,
				BindAddress: ":8080",
			},
			Health: HealthConfig{
				BindAddress: ":8081",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *SpreadguardConfig) Validate() error {
	if c.Controller.Workers < 1 {
		return fmt.Errorf("controller.workers must be at least 1, got %d", c.Controller.Workers)
	}
	if c.Controller.ResyncInterval <= 0 {
		return fmt.Errorf("controller.resyncInterval must be positive, got %s", c.Controller.ResyncInterval)
	}
	if c.Controller.Queue.BaseDelay <= 0 || c.Controller.Queue.MaxDelay < c.Controller.Queue.BaseDelay {
		return fmt.Errorf("controller.queue delays invalid: baseDelay=%s maxDelay=%s",
			c.Controller.Queue.BaseDelay, c.Controller.Queue.MaxDelay)
	}
	if c.Controller.Queue.QPS <= 0 || c.Controller.Queue.Burst < 1 {
		return fmt.Errorf("controller.queue rate limit invalid: qps=%v burst=%d",
			c.Controller.Queue.QPS, c.Controller.Queue.Burst)
	}
	if c.Cache.ResyncPeriod <= 0 {
		return fmt.Errorf("cache.resyncPeriod must be positive, got %s", c.Cache.ResyncPeriod)
	}
	if c.Cache.DegradedThreshold < 1 {
		return fmt.Errorf("cache.degradedThreshold must be at least 1, got %d", c.Cache.DegradedThreshold)
	}

	le := c.Operator.LeaderElection
	if le.Enabled {
		if le.ID == "" {
			return fmt.Errorf("operator.leaderElection.id must be set when leader election is enabled")
		}
		if le.LeaseDuration <= le.RenewDeadline {
			return fmt.Errorf("operator.leaderElection.leaseDuration (%s) must exceed renewDeadline (%s)",
				le.LeaseDuration, le.RenewDeadline)
		}
		if le.RenewDeadline <= le.RetryPeriod {
			return fmt.Errorf("operator.leaderElection.renewDeadline (%s) must exceed retryPeriod (%s)",
				le.RenewDeadline, le.RetryPeriod)
		}
	}

	switch c.Observability.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.logging.level must be debug, info, warn or error, got %q",
			c.Observability.Logging.Level)
	}
	switch c.Observability.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("observability.logging.format must be json or console, got %q",
			c.Observability.Logging.Format)
	}

	return nil
}
