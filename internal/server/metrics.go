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

package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// MetricsServer serves the Prometheus metrics endpoint.
type MetricsServer struct {
	gatherer prometheus.Gatherer
}

// NewMetricsServer builds a metrics server over the given gatherer; nil
// falls back to the controller-runtime registry all spreadguard metrics are
// registered with.
func NewMetricsServer(gatherer prometheus.Gatherer) *MetricsServer {
	if gatherer == nil {
		gatherer = ctrlmetrics.Registry
	}
	return &MetricsServer{gatherer: gatherer}
}

// MetricsHandler implements the /metrics endpoint in Prometheus exposition
// format.
func (m *MetricsServer) MetricsHandler(c *gin.Context) {
	handler := promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Timeout:       30 * time.Second,
	})
	gin.WrapH(handler)(c)
}
