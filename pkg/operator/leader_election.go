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
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// LeaderElectionConfig contains leader election configuration.
type LeaderElectionConfig struct {
	Enabled   bool
	LeaseName string
	Namespace string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration

	// Identity defaults to the hostname.
	Identity string

	// OnStartedLeading is invoked once when the lease is acquired; the
	// reconciliation workers start here.
	OnStartedLeading func(context.Context)

	// OnStoppedLeading is invoked when the lease is lost. A second instance
	// may already be acting, so the process must stop mutating.
	OnStoppedLeading func()

	// OnNewLeader is invoked whenever the observed leader changes.
	OnNewLeader func(identity string)
}

// LeaderElectionManager runs Lease-based leader election so exactly one
// instance applies corrective actions at a time.
type LeaderElectionManager struct {
	config     *LeaderElectionConfig
	kubeClient kubernetes.Interface
	log        logr.Logger

	isLeader atomic.Bool

	mu            sync.RWMutex
	currentLeader string

	started chan struct{}
	stopped chan struct{}
}

// NewLeaderElectionManager creates a leader election manager.
func NewLeaderElectionManager(config *LeaderElectionConfig, kubeClient kubernetes.Interface, log logr.Logger) (*LeaderElectionManager, error) {
	if config == nil {
		return nil, fmt.Errorf("leader election config must not be nil")
	}
	if config.Identity == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "unknown"
		}
		config.Identity = hostname
	}

	return &LeaderElectionManager{
		config:     config,
		kubeClient: kubeClient,
		log:        log.WithName("leader-election"),
		started:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}, nil
}

// Start begins the election. Non-blocking; leadership transitions arrive via
// the configured callbacks. With election disabled the instance leads
// immediately.
func (l *LeaderElectionManager) Start(ctx context.Context) error {
	if !l.config.Enabled {
		l.isLeader.Store(true)
		l.setCurrentLeader(l.config.Identity)
		close(l.started)

		if l.config.OnStartedLeading != nil {
			go l.config.OnStartedLeading(ctx)
		}
		go func() {
			<-ctx.Done()
			close(l.stopped)
		}()
		return nil
	}

	lock, err := resourcelock.New(
		resourcelock.LeasesResourceLock,
		l.config.Namespace,
		l.config.LeaseName,
		l.kubeClient.CoreV1(),
		l.kubeClient.CoordinationV1(),
		resourcelock.ResourceLockConfig{Identity: l.config.Identity},
	)
	if err != nil {
		return fmt.Errorf("failed to create resource lock: %w", err)
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   l.config.LeaseDuration,
		RenewDeadline:   l.config.RenewDeadline,
		RetryPeriod:     l.config.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: l.onStartedLeading,
			OnStoppedLeading: l.onStoppedLeading,
			OnNewLeader:      l.onNewLeader,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create leader elector: %w", err)
	}

	l.log.Info("Starting leader election",
		"identity", l.config.Identity,
		"lease_name", l.config.LeaseName,
		"namespace", l.config.Namespace,
		"lease_duration", l.config.LeaseDuration,
	)

	go func() {
		elector.Run(ctx)
		close(l.stopped)
	}()
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (l *LeaderElectionManager) IsLeader() bool {
	return l.isLeader.Load()
}

// CurrentLeader returns the identity of the observed leader.
func (l *LeaderElectionManager) CurrentLeader() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentLeader
}

// Identity returns this instance's election identity.
func (l *LeaderElectionManager) Identity() string {
	return l.config.Identity
}

// WaitForLeadership blocks until this instance leads or the context ends.
func (l *LeaderElectionManager) WaitForLeadership(ctx context.Context) error {
	select {
	case <-l.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the election loop has fully stopped.
func (l *LeaderElectionManager) Done() <-chan struct{} {
	return l.stopped
}

func (l *LeaderElectionManager) setCurrentLeader(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentLeader = identity
}

func (l *LeaderElectionManager) onStartedLeading(ctx context.Context) {
	l.log.Info("Started leading", "identity", l.config.Identity)
	l.isLeader.Store(true)
	l.setCurrentLeader(l.config.Identity)
	close(l.started)

	if l.config.OnStartedLeading != nil {
		l.config.OnStartedLeading(ctx)
	}
}

func (l *LeaderElectionManager) onStoppedLeading() {
	l.log.Info("Stopped leading", "identity", l.config.Identity)
	l.isLeader.Store(false)

	if l.config.OnStoppedLeading != nil {
		l.config.OnStoppedLeading()
	}
}

func (l *LeaderElectionManager) onNewLeader(identity string) {
	if identity == l.config.Identity {
		return
	}
	l.log.Info("Observed new leader", "leader", identity)
	l.setCurrentLeader(identity)

	if l.config.OnNewLeader != nil {
		l.config.OnNewLeader(identity)
	}
}
