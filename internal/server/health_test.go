package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
)

func performRequest(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	engine.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(recorder *httptest.ResponseRecorder) map[string]interface{} {
	body := map[string]interface{}{}
	Expect(json.Unmarshal(recorder.Body.Bytes(), &body)).To(Succeed())
	return body
}

var _ = Describe("HealthChecker", func() {
	var (
		synced   bool
		degraded bool
		leader   bool
		engine   *gin.Engine
		checker  *HealthChecker
	)

	BeforeEach(func() {
		synced, degraded, leader = true, false, true
		checker = NewHealthChecker(
			func() bool { return synced },
			func() bool { return degraded },
			func() bool { return leader },
		)

		engine = gin.New()
		engine.GET("/healthz", checker.HealthzHandler)
		engine.GET("/readyz", checker.ReadyzHandler)
	})

	Describe("/healthz", func() {
		It("reports healthy while the process is functional", func() {
			recorder := performRequest(engine, "/healthz")
			Expect(recorder.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(recorder)["status"]).To(Equal("healthy"))
		})

		It("stays healthy when the cache is degraded", func() {
			degraded = true
			recorder := performRequest(engine, "/healthz")
			Expect(recorder.Code).To(Equal(http.StatusOK))

			checks := decodeBody(recorder)["checks"].(map[string]interface{})
			Expect(checks["cache"]).To(Equal("degraded"))
		})

		It("reports unhealthy after SetUnhealthy", func() {
			checker.SetUnhealthy("fatal reconciliation error")
			recorder := performRequest(engine, "/healthz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(decodeBody(recorder)["reason"]).To(Equal("fatal reconciliation error"))

			checker.ClearUnhealthy()
			Expect(performRequest(engine, "/healthz").Code).To(Equal(http.StatusOK))
		})
	})

	Describe("/readyz", func() {
		It("is ready once the cache synced and leadership is held", func() {
			recorder := performRequest(engine, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusOK))

			checks := decodeBody(recorder)["checks"].(map[string]interface{})
			Expect(checks["cache-sync"]).To(Equal("ok"))
			Expect(checks["leadership"]).To(Equal("leader"))
		})

		It("is not ready before the initial cache sync", func() {
			synced = false
			recorder := performRequest(engine, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("is not ready as a follower", func() {
			leader = false
			recorder := performRequest(engine, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))

			checks := decodeBody(recorder)["checks"].(map[string]interface{})
			Expect(checks["leadership"]).To(Equal("follower"))
		})

		It("treats nil callbacks as passing checks", func() {
			bare := NewHealthChecker(nil, nil, nil)
			bareEngine := gin.New()
			bareEngine.GET("/readyz", bare.ReadyzHandler)

			Expect(performRequest(bareEngine, "/readyz").Code).To(Equal(http.StatusOK))
		})
	})
})

var _ = Describe("MetricsServer", func() {
	It("serves metrics in Prometheus exposition format", func() {
		registry := prometheus.NewRegistry()
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spreadguard_test_total",
			Help: "test counter",
		})
		registry.MustRegister(counter)
		counter.Inc()

		engine := gin.New()
		engine.GET("/metrics", NewMetricsServer(registry).MetricsHandler)

		recorder := performRequest(engine, "/metrics")
		Expect(recorder.Code).To(Equal(http.StatusOK))
		Expect(recorder.Body.String()).To(ContainSubstring("spreadguard_test_total 1"))
	})
})
