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
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("Leader Election", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	Describe("NewLeaderElectionManager", func() {
		It("rejects a nil configuration", func() {
			_, err := NewLeaderElectionManager(nil, fake.NewSimpleClientset(), logr.Discard())
			Expect(err).To(HaveOccurred())
		})

		It("defaults the identity to the hostname", func() {
			manager, err := NewLeaderElectionManager(&LeaderElectionConfig{}, fake.NewSimpleClientset(), logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			Expect(manager.Identity()).ToNot(BeEmpty())
		})

		It("keeps an explicit identity", func() {
			manager, err := NewLeaderElectionManager(&LeaderElectionConfig{Identity: "spreadguard-0"}, fake.NewSimpleClientset(), logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			Expect(manager.Identity()).To(Equal("spreadguard-0"))
		})
	})

	Describe("with election disabled", func() {
		It("leads immediately and invokes OnStartedLeading", func() {
			started := make(chan struct{})
			manager, err := NewLeaderElectionManager(&LeaderElectionConfig{
				Enabled:  false,
				Identity: "solo",
				OnStartedLeading: func(context.Context) {
					close(started)
				},
			}, fake.NewSimpleClientset(), logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			Expect(manager.Start(ctx)).To(Succeed())
			Eventually(started).Should(BeClosed())
			Expect(manager.IsLeader()).To(BeTrue())
			Expect(manager.CurrentLeader()).To(Equal("solo"))
			Expect(manager.WaitForLeadership(ctx)).To(Succeed())

			cancel()
			Eventually(manager.Done()).Should(BeClosed())
		})
	})

	Describe("with election enabled", func() {
		It("acquires the lease against the API and reports leadership", func() {
			manager, err := NewLeaderElectionManager(&LeaderElectionConfig{
				Enabled:       true,
				LeaseName:     "spreadguard-controller",
				Namespace:     "spreadguard-system",
				LeaseDuration: 2 * time.Second,
				RenewDeadline: 1 * time.Second,
				RetryPeriod:   500 * time.Millisecond,
				Identity:      "spreadguard-controller-0",
			}, fake.NewSimpleClientset(), logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			Expect(manager.Start(ctx)).To(Succeed())
			Expect(manager.WaitForLeadership(ctx)).To(Succeed())
			Expect(manager.IsLeader()).To(BeTrue())
			Expect(manager.CurrentLeader()).To(Equal("spreadguard-controller-0"))

			cancel()
			Eventually(manager.Done(), 5*time.Second).Should(BeClosed())
			Expect(manager.IsLeader()).To(BeFalse())
		})

		It("invokes OnStoppedLeading when the context ends", func() {
			stopped := make(chan struct{})
			manager, err := NewLeaderElectionManager(&LeaderElectionConfig{
				Enabled:       true,
				LeaseName:     "spreadguard-controller",
				Namespace:     "spreadguard-system",
				LeaseDuration: 2 * time.Second,
				RenewDeadline: 1 * time.Second,
				RetryPeriod:   500 * time.Millisecond,
				Identity:      "spreadguard-controller-1",
				OnStoppedLeading: func() {
					close(stopped)
				},
			}, fake.NewSimpleClientset(), logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			Expect(manager.Start(ctx)).To(Succeed())
			Expect(manager.WaitForLeadership(ctx)).To(Succeed())

			cancel()
			Eventually(stopped, 5*time.Second).Should(BeClosed())
		})
	})
})
