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

// Package operator assembles and runs the spreadguard controller: clients,
// cache, queue, reconciler, leader election and the HTTP endpoints.
package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/fitzek/spreadguard/internal/server"
	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
	"github.com/fitzek/spreadguard/pkg/cache"
	"github.com/fitzek/spreadguard/pkg/config"
	"github.com/fitzek/spreadguard/pkg/executor"
	"github.com/fitzek/spreadguard/pkg/metrics"
	"github.com/fitzek/spreadguard/pkg/queue"
	"github.com/fitzek/spreadguard/pkg/reconciler"
)

// Operator owns the full controller composition.
type Operator struct {
	config *config.SpreadguardConfig
	log    logr.Logger

	kubeClient kubernetes.Interface
	dynClient  dynamic.Interface
	ctrlClient client.Client

	resourceCache *cache.ResourceCache
	workQueue     *queue.WorkQueue
	reconciler    *reconciler.Reconciler
	collector     *metrics.Collector
	health        *server.HealthChecker

	leaderElection atomic.Pointer[LeaderElectionManager]
	cacheSynced    atomic.Bool
}

// New wires all components from the resolved configuration. Nothing talks to
// the cluster until Run.
func New(cfg *config.SpreadguardConfig, restConfig *rest.Config, log logr.Logger) (*Operator, error) {
	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	dynClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	ctrlClient, err := client.New(restConfig, client.Options{Scheme: spreadv1alpha1.Scheme})
	if err != nil {
		return nil, fmt.Errorf("creating controller client: %w", err)
	}

	collector := metrics.NewCollector()
	collector.RegisterMetrics(nil)

	resourceCache, err := cache.New(kubeClient, dynClient, cache.Options{
		ResyncPeriod:      cfg.Cache.ResyncPeriod,
		DegradedThreshold: cfg.Cache.DegradedThreshold,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("building resource cache: %w", err)
	}

	workQueue := queue.New(queue.Options{
		BaseDelay: cfg.Controller.Queue.BaseDelay,
		MaxDelay:  cfg.Controller.Queue.MaxDelay,
		QPS:       cfg.Controller.Queue.QPS,
		Burst:     cfg.Controller.Queue.Burst,
		Name:      "spreadpolicy",
	})

	rec := reconciler.New(ctrlClient, resourceCache, workQueue,
		executor.New(ctrlClient, log), collector, log)
	rec.ResyncInterval = cfg.Controller.ResyncInterval

	resourceCache.SetEnqueueFunc(rec.Enqueue)

	o := &Operator{
		config:        cfg,
		log:           log.WithName("operator"),
		kubeClient:    kubeClient,
		dynClient:     dynClient,
		ctrlClient:    ctrlClient,
		resourceCache: resourceCache,
		workQueue:     workQueue,
		reconciler:    rec,
		collector:     collector,
	}

	o.health = server.NewHealthChecker(
		o.cacheSynced.Load,
		resourceCache.Degraded,
		o.isLeader,
	)
	return o, nil
}

// HealthChecker exposes the probe state, e.g. for tests.
func (o *Operator) HealthChecker() *server.HealthChecker {
	return o.health
}

func (o *Operator) isLeader() bool {
	if !o.config.Operator.LeaderElection.Enabled {
		return true
	}
	manager := o.leaderElection.Load()
	return manager != nil && manager.IsLeader()
}

// Run starts everything and blocks until the context is cancelled or a fatal
// condition forces shutdown. A fatal condition is reported as an error so the
// process exits non-zero and gets restarted.
func (o *Operator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalMu sync.Mutex
	var fatalErr error
	setFatal := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}

	o.reconciler.OnFatal = func(err error) {
		o.log.Error(err, "fatal reconciliation error, shutting down")
		o.health.SetUnhealthy(fmt.Sprintf("fatal error: %v", err))
		setFatal(err)
	}

	serverErrs := make(chan error, 2)
	healthServer := server.NewHealthServer(o.config.Observability.Health.BindAddress, o.health, o.log)
	go func() { serverErrs <- healthServer.Run(runCtx) }()

	if o.config.Observability.Metrics.Enabled {
		metricsServer := server.NewMetricsHTTPServer(
			o.config.Observability.Metrics.BindAddress,
			server.NewMetricsServer(nil), o.log)
		go func() { serverErrs <- metricsServer.Run(runCtx) }()
	}

	o.log.Info("starting informers")
	o.resourceCache.Start(runCtx)
	if err := o.resourceCache.WaitForSync(runCtx); err != nil {
		return fmt.Errorf("waiting for cache sync: %w", err)
	}
	o.cacheSynced.Store(true)
	o.log.Info("cache synced")

	workersDone := make(chan struct{})
	var led atomic.Bool
	leaderConfig := &LeaderElectionConfig{
		Enabled:       o.config.Operator.LeaderElection.Enabled,
		LeaseName:     o.config.Operator.LeaderElection.ID,
		Namespace:     o.config.Operator.Namespace,
		LeaseDuration: o.config.Operator.LeaderElection.LeaseDuration,
		RenewDeadline: o.config.Operator.LeaderElection.RenewDeadline,
		RetryPeriod:   o.config.Operator.LeaderElection.RetryPeriod,
		OnStartedLeading: func(leadCtx context.Context) {
			led.Store(true)
			o.collector.UpdateLeaderStatus(o.config.Operator.LeaderElection.ID, true)
			go o.collector.StartQueueDepthCollection(leadCtx, 10*time.Second, o.workQueue.Len)
			go func() {
				defer close(workersDone)
				o.reconciler.Run(leadCtx, o.config.Controller.Workers)
			}()
		},
		OnStoppedLeading: func() {
			o.collector.UpdateLeaderStatus(o.config.Operator.LeaderElection.ID, false)
			if ctx.Err() != nil {
				// Lease released during a signal-driven shutdown.
				return
			}
			// Another instance may take over any moment; this process must
			// stop mutating immediately, and restarting is the cleanest way.
			o.health.SetUnhealthy("leadership lost")
			setFatal(errors.New("leader election lease lost"))
		},
	}

	leaderManager, err := NewLeaderElectionManager(leaderConfig, o.kubeClient, o.log)
	if err != nil {
		return fmt.Errorf("setting up leader election: %w", err)
	}
	o.leaderElection.Store(leaderManager)
	if err := leaderManager.Start(runCtx); err != nil {
		return fmt.Errorf("starting leader election: %w", err)
	}

	select {
	case err := <-serverErrs:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-runCtx.Done():
	}

	// Drain: wait for the election loop and, if we ever led, the workers.
	<-leaderManager.Done()
	if led.Load() {
		select {
		case <-workersDone:
		case <-time.After(30 * time.Second):
			o.log.Info("timed out waiting for workers to drain")
		}
	}

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}
