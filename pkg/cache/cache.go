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

// Package cache maintains an in-memory, eventually-consistent mirror of the
// cluster objects the controller reasons about: pods, nodes, and SpreadPolicy
// instances. All reads are served from memory; watch events flow in through
// shared informers, with a periodic full resync repairing any dropped deltas.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	corev1listers "k8s.io/client-go/listers/core/v1"
	toolscache "k8s.io/client-go/tools/cache"

	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
)

// Key identifies one SpreadPolicy instance.
type Key = types.NamespacedName

// EnqueueFunc receives the key of a policy affected by a cache event.
type EnqueueFunc func(Key)

// Options tunes the cache.
type Options struct {
	// ResyncPeriod is the informer relist interval that repairs dropped
	// deltas, including missed delete events.
	ResyncPeriod time.Duration

	// DegradedThreshold is the number of consecutive watch-stream failures
	// after which reads are reported unreliable.
	DegradedThreshold int32
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		ResyncPeriod:      10 * time.Minute,
		DegradedThreshold: 5,
	}
}

// ResourceCache mirrors pods, nodes and SpreadPolicies.
//
// Concurrency discipline: only the informer delivery goroutines write; workers
// read concurrently through Get/List/ListPolicies, which hand out deep copies
// so a reader never observes a half-applied update.
type ResourceCache struct {
	factory    informers.SharedInformerFactory
	dynFactory dynamicinformer.DynamicSharedInformerFactory

	podLister  corev1listers.PodLister
	nodeLister corev1listers.NodeLister

	// Typed SpreadPolicy mirror, populated at the ingestion boundary from
	// the dynamic informer. Malformed objects are rejected here and never
	// reach the evaluator.
	mu       sync.RWMutex
	policies map[Key]*spreadv1alpha1.SpreadPolicy

	// Consecutive watch-stream failures across all informers.
	watchFailures     atomic.Int32
	degradedThreshold int32

	enqueue EnqueueFunc
	synced  []toolscache.InformerSynced
	log     logr.Logger
}

// New wires informers for the three watched types. Call SetEnqueueFunc before
// Start so events can fan out to the work queue.
func New(kubeClient kubernetes.Interface, dynClient dynamic.Interface, opts Options, log logr.Logger) (*ResourceCache, error) {
	c := &ResourceCache{
		factory:           informers.NewSharedInformerFactory(kubeClient, opts.ResyncPeriod),
		dynFactory:        dynamicinformer.NewDynamicSharedInformerFactory(dynClient, opts.ResyncPeriod),
		policies:          make(map[Key]*spreadv1alpha1.SpreadPolicy),
		degradedThreshold: opts.DegradedThreshold,
		enqueue:           func(Key) {},
		log:               log.WithName("cache"),
	}

	podInformer := c.factory.Core().V1().Pods()
	nodeInformer := c.factory.Core().V1().Nodes()
	policyInformer := c.dynFactory.ForResource(spreadv1alpha1.GroupVersionResource).Informer()

	c.podLister = podInformer.Lister()
	c.nodeLister = nodeInformer.Lister()

	if err := c.registerHandlers(podInformer.Informer(), nodeInformer.Informer(), policyInformer); err != nil {
		return nil, err
	}

	c.synced = []toolscache.InformerSynced{
		podInformer.Informer().HasSynced,
		nodeInformer.Informer().HasSynced,
		policyInformer.HasSynced,
	}
	return c, nil
}

// SetEnqueueFunc installs the fan-out target for cache events.
func (c *ResourceCache) SetEnqueueFunc(fn EnqueueFunc) {
	if fn != nil {
		c.enqueue = fn
	}
}

func (c *ResourceCache) registerHandlers(podInformer, nodeInformer, policyInformer toolscache.SharedIndexInformer) error {
	for _, informer := range []toolscache.SharedIndexInformer{podInformer, nodeInformer, policyInformer} {
		if err := informer.SetWatchErrorHandler(c.onWatchError); err != nil {
			return fmt.Errorf("setting watch error handler: %w", err)
		}
	}

	if _, err := policyInformer.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc:    c.onPolicyEvent,
		UpdateFunc: func(_, newObj interface{}) { c.onPolicyEvent(newObj) },
		DeleteFunc: c.onPolicyDelete,
	}); err != nil {
		return fmt.Errorf("adding policy handler: %w", err)
	}

	if _, err := podInformer.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc:    c.onPodEvent,
		UpdateFunc: func(_, newObj interface{}) { c.onPodEvent(newObj) },
		DeleteFunc: c.onPodEvent,
	}); err != nil {
		return fmt.Errorf("adding pod handler: %w", err)
	}

	if _, err := nodeInformer.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc:    c.onNodeEvent,
		UpdateFunc: func(_, newObj interface{}) { c.onNodeEvent(newObj) },
		DeleteFunc: c.onNodeEvent,
	}); err != nil {
		return fmt.Errorf("adding node handler: %w", err)
	}
	return nil
}

// Start launches the informer goroutines. Non-blocking; use WaitForSync for
// the readiness gate.
func (c *ResourceCache) Start(ctx context.Context) {
	c.factory.Start(ctx.Done())
	c.dynFactory.Start(ctx.Done())
}

// WaitForSync blocks until the initial full list of every watched type
// completed, or the context is cancelled.
func (c *ResourceCache) WaitForSync(ctx context.Context) error {
	if !toolscache.WaitForCacheSync(ctx.Done(), c.synced...) {
		return fmt.Errorf("cache sync interrupted")
	}
	return nil
}

// Degraded reports whether the watch streams have failed repeatedly enough
// that reads must be treated as unreliable. The reconciler defers work while
// this holds instead of acting on potentially stale data.
func (c *ResourceCache) Degraded() bool {
	return c.watchFailures.Load() >= c.degradedThreshold
}

// GetPolicy returns a deep copy of the policy, or nil when it is not (or no
// longer) known. A nil result for an enqueued key means the policy was
// deleted.
func (c *ResourceCache) GetPolicy(key Key) *spreadv1alpha1.SpreadPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	policy, ok := c.policies[key]
	if !ok {
		return nil
	}
	return policy.DeepCopy()
}

// ListPolicyKeys returns the keys of all known policies, used by the periodic
// resync to re-enqueue everything.
func (c *ResourceCache) ListPolicyKeys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.policies))
	for key := range c.policies {
		keys = append(keys, key)
	}
	return keys
}

// ListPods returns the pods in a namespace matching a selector, straight from
// the informer store.
func (c *ResourceCache) ListPods(namespace string, selector labels.Selector) ([]*corev1.Pod, error) {
	return c.podLister.Pods(namespace).List(selector)
}

// ListNodes returns all known nodes.
func (c *ResourceCache) ListNodes() ([]*corev1.Node, error) {
	return c.nodeLister.List(labels.Everything())
}

// onWatchError counts consecutive watch-stream failures. Any successfully
// delivered event resets the counter, so a single blip never degrades the
// cache.
func (c *ResourceCache) onWatchError(_ *toolscache.Reflector, err error) {
	failures := c.watchFailures.Add(1)
	if failures == c.degradedThreshold {
		c.log.Error(err, "watch stream failing repeatedly, marking cache degraded",
			"consecutive_failures", failures)
		return
	}
	c.log.V(1).Info("watch stream failure", "consecutive_failures", failures, "error", err.Error())
}

func (c *ResourceCache) recovered() {
	if c.watchFailures.Swap(0) >= c.degradedThreshold {
		c.log.Info("cache recovered from degraded state")
	}
}

// onPolicyEvent is the single ingestion point for SpreadPolicy objects: the
// dynamic object is converted and validated here, and only well-formed
// policies enter the typed mirror.
func (c *ResourceCache) onPolicyEvent(obj interface{}) {
	c.recovered()

	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		c.log.Info("dropping unexpected policy event payload", "type", fmt.Sprintf("%T", obj))
		return
	}

	policy, err := spreadv1alpha1.FromUnstructured(u)
	if err != nil {
		// Malformed objects are rejected at the boundary. The API server's
		// schema validation makes this rare; log loudly when it happens.
		c.log.Error(err, "rejecting malformed SpreadPolicy",
			"namespace", u.GetNamespace(), "name", u.GetName())
		return
	}

	key := Key{Namespace: policy.Namespace, Name: policy.Name}
	c.mu.Lock()
	c.policies[key] = policy
	c.mu.Unlock()

	c.enqueue(key)
}

// onPolicyDelete removes the identity from the mirror. Tombstones from missed
// delete events are unwrapped so the identity is still cleared.
func (c *ResourceCache) onPolicyDelete(obj interface{}) {
	c.recovered()

	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		tombstone, ok := obj.(toolscache.DeletedFinalStateUnknown)
		if !ok {
			c.log.Info("dropping unexpected policy delete payload", "type", fmt.Sprintf("%T", obj))
			return
		}
		u, ok = tombstone.Obj.(*unstructured.Unstructured)
		if !ok {
			c.log.Info("dropping tombstone with unexpected payload", "type", fmt.Sprintf("%T", tombstone.Obj))
			return
		}
	}

	key := Key{Namespace: u.GetNamespace(), Name: u.GetName()}
	c.mu.Lock()
	delete(c.policies, key)
	c.mu.Unlock()

	// The reconciler observes the deletion through the nil GetPolicy result.
	c.enqueue(key)
}

// onPodEvent fans a pod event out to every policy whose selector matches the
// pod's labels.
func (c *ResourceCache) onPodEvent(obj interface{}) {
	c.recovered()

	pod := podFromEvent(obj)
	if pod == nil {
		return
	}

	for _, key := range c.policiesMatching(pod) {
		c.enqueue(key)
	}
}

// onNodeEvent re-enqueues every policy: a node joining, leaving or changing
// labels can alter the known domain set for any of them.
func (c *ResourceCache) onNodeEvent(_ interface{}) {
	c.recovered()

	for _, key := range c.ListPolicyKeys() {
		c.enqueue(key)
	}
}

func (c *ResourceCache) policiesMatching(pod *corev1.Pod) []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []Key
	for key, policy := range c.policies {
		if key.Namespace != pod.Namespace {
			continue
		}
		selector, err := metav1.LabelSelectorAsSelector(policy.Spec.Selector)
		if err != nil {
			continue
		}
		if selector.Matches(labels.Set(pod.Labels)) {
			keys = append(keys, key)
		}
	}
	return keys
}

func podFromEvent(obj interface{}) *corev1.Pod {
	switch o := obj.(type) {
	case *corev1.Pod:
		return o
	case toolscache.DeletedFinalStateUnknown:
		if pod, ok := o.Obj.(*corev1.Pod); ok {
			return pod
		}
	}
	return nil
}
