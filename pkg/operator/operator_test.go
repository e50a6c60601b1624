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

package operator

import (
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/rest"

	"github.com/fitzek/spreadguard/pkg/config"
)

var _ = Describe("Operator", func() {
	var cfg *config.SpreadguardConfig

	// Clients are built lazily, so a dummy endpoint is enough to exercise
	// the wiring without a cluster.
	restConfig := &rest.Config{Host: "https://127.0.0.1:1"}

	BeforeEach(func() {
		cfg = config.DefaultConfig()
	})

	Describe("New", func() {
		It("wires all components from the configuration", func() {
			op, err := New(cfg, restConfig, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			Expect(op.resourceCache).ToNot(BeNil())
			Expect(op.workQueue).ToNot(BeNil())
			Expect(op.reconciler).ToNot(BeNil())
			Expect(op.collector).ToNot(BeNil())
			Expect(op.HealthChecker()).ToNot(BeNil())
		})

		It("applies the configured resync interval", func() {
			cfg.Controller.ResyncInterval = cfg.Controller.ResyncInterval * 2
			op, err := New(cfg, restConfig, logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			Expect(op.reconciler.ResyncInterval).To(Equal(cfg.Controller.ResyncInterval))
		})
	})

	Describe("isLeader", func() {
		It("treats a single instance without election as leader", func() {
			cfg.Operator.LeaderElection.Enabled = false
			op, err := New(cfg, restConfig, logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			Expect(op.isLeader()).To(BeTrue())
		})

		It("is not leader before the election has started", func() {
			cfg.Operator.LeaderElection.Enabled = true
			op, err := New(cfg, restConfig, logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			Expect(op.isLeader()).To(BeFalse())
		})
	})

	Describe("probes", func() {
		It("starts not ready until the cache has synced", func() {
			op, err := New(cfg, restConfig, logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			Expect(op.cacheSynced.Load()).To(BeFalse())
		})
	})
})
