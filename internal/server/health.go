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

// Package server provides the HTTP endpoints the spreadguard controller
// exposes: health and readiness probes plus the Prometheus metrics endpoint.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker backs the /healthz and /readyz endpoints.
//
// Liveness only reports whether the process is functional; a degraded cache
// or lost leadership must not make the kubelet restart the pod. Readiness
// additionally gates on the initial cache sync so traffic and probes only
// consider an instance ready once it can actually evaluate policies.
type HealthChecker struct {
	startTime time.Time

	cacheSynced   func() bool
	cacheDegraded func() bool
	isLeader      func() bool

	mu              sync.RWMutex
	unhealthyReason string
}

// NewHealthChecker wires the probes to the given state callbacks. Callbacks
// may be nil, in which case the corresponding check always passes.
func NewHealthChecker(cacheSynced, cacheDegraded, isLeader func() bool) *HealthChecker {
	return &HealthChecker{
		startTime:     time.Now(),
		cacheSynced:   cacheSynced,
		cacheDegraded: cacheDegraded,
		isLeader:      isLeader,
	}
}

// HealthzHandler implements the /healthz liveness endpoint.
func (h *HealthChecker) HealthzHandler(c *gin.Context) {
	h.mu.RLock()
	unhealthyReason := h.unhealthyReason
	h.mu.RUnlock()

	uptime := time.Since(h.startTime)

	if unhealthyReason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"reason": unhealthyReason,
			"uptime": uptime.String(),
		})
		return
	}

	checks := gin.H{"controller": "running"}
	if h.cacheDegraded != nil && h.cacheDegraded() {
		// Reported for visibility, but the process is still alive.
		checks["cache"] = "degraded"
	} else {
		checks["cache"] = "ok"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": uptime.String(),
		"checks": checks,
	})
}

// ReadyzHandler implements the /readyz readiness endpoint.
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	h.mu.RLock()
	unhealthyReason := h.unhealthyReason
	h.mu.RUnlock()

	checks := make(map[string]string)
	ready := true

	if unhealthyReason != "" {
		checks["manual-check"] = "not ready: " + unhealthyReason
		ready = false
	}

	if h.cacheSynced != nil {
		if h.cacheSynced() {
			checks["cache-sync"] = "ok"
		} else {
			checks["cache-sync"] = "initial sync not complete"
			ready = false
		}
	}

	if h.isLeader != nil {
		if h.isLeader() {
			checks["leadership"] = "leader"
		} else {
			// Followers hold back: they have nothing to reconcile until they
			// win the lease.
			checks["leadership"] = "follower"
			ready = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.startTime).String(),
	})
}

// SetUnhealthy marks the process unhealthy; the kubelet restarts it on the
// next probe.
func (h *HealthChecker) SetUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = reason
}

// ClearUnhealthy clears the unhealthy state.
func (h *HealthChecker) ClearUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = ""
}
