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

// Package metrics provides Prometheus metrics collection for spreadguard
// reconciliation and corrective-action activity.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/fitzek/spreadguard/pkg/executor"
)

var (
	reconciliationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadguard_reconciliations_total",
			Help: "Total number of reconciliation attempts by result",
		},
		[]string{"namespace", "policy", "result"},
	)

	reconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreadguard_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadguard_actions_total",
			Help: "Total number of corrective actions applied",
		},
		[]string{"namespace", "policy", "action"},
	)

	policySkew = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadguard_policy_skew",
			Help: "Observed replica skew per policy at the last evaluation",
		},
		[]string{"namespace", "policy"},
	)

	policyDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadguard_policy_degraded",
			Help: "Whether the policy is currently unevaluable (1) or healthy (0)",
		},
		[]string{"namespace", "policy"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spreadguard_queue_depth",
			Help: "Number of reconcile keys waiting for dispatch",
		},
	)

	leaderElectionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadguard_leader_election_status",
			Help: "Current leader election status (1 for leader, 0 for follower)",
		},
		[]string{"controller_name"},
	)
)

// Collector records spreadguard telemetry. It satisfies the reconciler's
// MetricsRecorder interface.
type Collector struct{}

// NewCollector creates a metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RegisterMetrics registers all spreadguard metrics with the provided
// registry. Registration errors are ignored so restarts and tests can
// re-register safely.
func (c *Collector) RegisterMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = ctrlmetrics.Registry
	}

	collectors := []prometheus.Collector{
		reconciliationTotal,
		reconciliationDuration,
		actionsTotal,
		policySkew,
		policyDegraded,
		queueDepth,
		leaderElectionStatus,
	}
	for _, collector := range collectors {
		_ = registry.Register(collector)
	}
}

// RecordReconciliation records one reconciliation attempt.
func (c *Collector) RecordReconciliation(namespace, name, result string, duration time.Duration) {
	reconciliationTotal.WithLabelValues(namespace, name, result).Inc()
	reconciliationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordActions records the applied actions of one pass by kind.
func (c *Collector) RecordActions(namespace, name string, result executor.Result) {
	if result.Evicted > 0 {
		actionsTotal.WithLabelValues(namespace, name, "evict").Add(float64(result.Evicted))
	}
	if result.Patched > 0 {
		actionsTotal.WithLabelValues(namespace, name, "patch_anti_affinity").Add(float64(result.Patched))
	}
	if result.Cordoned > 0 {
		actionsTotal.WithLabelValues(namespace, name, "cordon").Add(float64(result.Cordoned))
	}
	if result.Skipped > 0 {
		actionsTotal.WithLabelValues(namespace, name, "skipped").Add(float64(result.Skipped))
	}
}

// SetPolicySkew publishes the observed skew of a policy.
func (c *Collector) SetPolicySkew(namespace, name string, skew int32) {
	policySkew.WithLabelValues(namespace, name).Set(float64(skew))
}

// SetPolicyDegraded publishes whether a policy is currently unevaluable.
func (c *Collector) SetPolicyDegraded(namespace, name string, degraded bool) {
	value := 0.0
	if degraded {
		value = 1.0
	}
	policyDegraded.WithLabelValues(namespace, name).Set(value)
}

// DeletePolicyMetrics drops all per-policy series after a policy is deleted,
// so dashboards do not show ghosts.
func (c *Collector) DeletePolicyMetrics(namespace, name string) {
	labels := prometheus.Labels{"namespace": namespace, "policy": name}
	policySkew.DeletePartialMatch(labels)
	policyDegraded.DeletePartialMatch(labels)
	actionsTotal.DeletePartialMatch(labels)
	reconciliationTotal.DeletePartialMatch(labels)
}

// UpdateLeaderStatus publishes the leader election state.
func (c *Collector) UpdateLeaderStatus(controllerName string, isLeader bool) {
	if isLeader {
		leaderElectionStatus.WithLabelValues(controllerName).Set(1)
	} else {
		leaderElectionStatus.WithLabelValues(controllerName).Set(0)
	}
}

// StartQueueDepthCollection samples the queue length until the context is
// cancelled.
func (c *Collector) StartQueueDepthCollection(ctx context.Context, interval time.Duration, depth func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queueDepth.Set(float64(depth()))
		}
	}
}

// ResetMetrics clears all series, useful for tests.
func (c *Collector) ResetMetrics() {
	reconciliationTotal.Reset()
	reconciliationDuration.Reset()
	actionsTotal.Reset()
	policySkew.Reset()
	policyDegraded.Reset()
	queueDepth.Set(0)
	leaderElectionStatus.Reset()
}
