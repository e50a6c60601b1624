package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/fitzek/spreadguard/internal/annotations"
	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
)

// keyRecorder collects enqueued keys for assertions.
type keyRecorder struct {
	mu   sync.Mutex
	keys []Key
}

func (r *keyRecorder) record(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *keyRecorder) contains(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k == key {
			return true
		}
	}
	return false
}

func policyUnstructured(name, domainKey string, matchLabels map[string]string) *unstructured.Unstructured {
	selector := map[string]interface{}{}
	if matchLabels != nil {
		labels := map[string]interface{}{}
		for k, v := range matchLabels {
			labels[k] = v
		}
		selector["matchLabels"] = labels
	}
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": spreadv1alpha1.GroupVersion.String(),
		"kind":       "SpreadPolicy",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "default",
		},
		"spec": map[string]interface{}{
			"selector":  selector,
			"domainKey": domainKey,
		},
	}}
}

func node(name, zone string, unschedulable bool) *corev1.Node {
	n := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if zone != "" {
		n.Labels = map[string]string{"topology.kubernetes.io/zone": zone}
	}
	n.Spec.Unschedulable = unschedulable
	return n
}

func pod(name, nodeName string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    labels,
			CreationTimestamp: metav1.Date(
				2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		Spec:   corev1.PodSpec{NodeName: nodeName},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func newTestCache(t *testing.T, recorder *keyRecorder, objs []runtime.Object, policies ...runtime.Object) (*ResourceCache, context.CancelFunc) {
	t.Helper()

	kubeClient := fake.NewSimpleClientset(objs...)
	scheme := runtime.NewScheme()
	dynClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{
			spreadv1alpha1.GroupVersionResource: "SpreadPolicyList",
		}, policies...)

	c, err := New(kubeClient, dynClient, Options{
		ResyncPeriod:      0,
		DegradedThreshold: 3,
	}, logr.Discard())
	require.NoError(t, err)
	c.SetEnqueueFunc(recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.NoError(t, c.WaitForSync(ctx))
	return c, cancel
}

func TestPolicyIngestionStoresTypedCopy(t *testing.T) {
	recorder := &keyRecorder{}
	c, cancel := newTestCache(t, recorder, nil,
		policyUnstructured("web", "topology.kubernetes.io/zone", map[string]string{"app": "web"}))
	defer cancel()

	key := Key{Namespace: "default", Name: "web"}
	require.Eventually(t, func() bool {
		return c.GetPolicy(key) != nil
	}, 2*time.Second, 10*time.Millisecond)

	policy := c.GetPolicy(key)
	assert.Equal(t, "topology.kubernetes.io/zone", policy.Spec.DomainKey)
	assert.True(t, recorder.contains(key))

	// The returned policy is a copy; mutating it must not poison the mirror.
	policy.Spec.DomainKey = "mutated"
	assert.Equal(t, "topology.kubernetes.io/zone", c.GetPolicy(key).Spec.DomainKey)
}

func TestPolicyIngestionRejectsMalformedObjects(t *testing.T) {
	recorder := &keyRecorder{}
	// Missing domainKey: must be rejected at the boundary.
	malformed := policyUnstructured("broken", "", map[string]string{"app": "web"})
	c, cancel := newTestCache(t, recorder, nil, malformed,
		policyUnstructured("ok", "topology.kubernetes.io/zone", map[string]string{"app": "web"}))
	defer cancel()

	okKey := Key{Namespace: "default", Name: "ok"}
	require.Eventually(t, func() bool {
		return c.GetPolicy(okKey) != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Nil(t, c.GetPolicy(Key{Namespace: "default", Name: "broken"}))
	assert.False(t, recorder.contains(Key{Namespace: "default", Name: "broken"}))
}

func TestPolicyDeleteClearsMirrorAndEnqueues(t *testing.T) {
	recorder := &keyRecorder{}
	kubeClient := fake.NewSimpleClientset()
	scheme := runtime.NewScheme()
	dynClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{
			spreadv1alpha1.GroupVersionResource: "SpreadPolicyList",
		},
		policyUnstructured("web", "topology.kubernetes.io/zone", map[string]string{"app": "web"}))

	c, err := New(kubeClient, dynClient, Options{DegradedThreshold: 3}, logr.Discard())
	require.NoError(t, err)
	c.SetEnqueueFunc(recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	require.NoError(t, c.WaitForSync(ctx))

	key := Key{Namespace: "default", Name: "web"}
	require.Eventually(t, func() bool {
		return c.GetPolicy(key) != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dynClient.Resource(spreadv1alpha1.GroupVersionResource).
		Namespace("default").Delete(ctx, "web", metav1.DeleteOptions{}))

	require.Eventually(t, func() bool {
		return c.GetPolicy(key) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, c.ListPolicyKeys())
}

func TestPodEventFansOutToMatchingPolicies(t *testing.T) {
	recorder := &keyRecorder{}
	c, cancel := newTestCache(t, recorder, nil,
		policyUnstructured("web", "topology.kubernetes.io/zone", map[string]string{"app": "web"}),
		policyUnstructured("db", "topology.kubernetes.io/zone", map[string]string{"app": "db"}))
	defer cancel()

	webKey := Key{Namespace: "default", Name: "web"}
	require.Eventually(t, func() bool {
		return c.GetPolicy(webKey) != nil && c.GetPolicy(Key{Namespace: "default", Name: "db"}) != nil
	}, 2*time.Second, 10*time.Millisecond)

	webMatches := c.policiesMatching(pod("web-1", "node-a", map[string]string{"app": "web"}))
	require.Len(t, webMatches, 1)
	assert.Equal(t, webKey, webMatches[0])

	assert.Empty(t, c.policiesMatching(pod("other-1", "node-a", map[string]string{"app": "other"})))
}

func TestBuildPlacementCountsDomainsAndCapacity(t *testing.T) {
	ignored := pod("web-4", "node-a1", map[string]string{"app": "web"})
	ignored.Annotations = map[string]string{annotations.IgnoreAnnotation: annotations.BooleanTrue}

	unscheduled := pod("web-5", "", map[string]string{"app": "web"})

	finished := pod("web-6", "node-a1", map[string]string{"app": "web"})
	finished.Status.Phase = corev1.PodSucceeded

	onUnlabeled := pod("web-7", "node-x", map[string]string{"app": "web"})

	objs := []runtime.Object{
		node("node-a1", "a", false),
		node("node-a2", "a", true), // cordoned, not schedulable capacity
		node("node-b1", "b", false),
		node("node-c1", "c", false), // empty domain, still known
		node("node-x", "", false),   // no domain label
		pod("web-1", "node-a1", map[string]string{"app": "web"}),
		pod("web-2", "node-a2", map[string]string{"app": "web"}),
		pod("web-3", "node-b1", map[string]string{"app": "web"}),
		pod("other-1", "node-a1", map[string]string{"app": "other"}),
		ignored, unscheduled, finished, onUnlabeled,
	}

	recorder := &keyRecorder{}
	c, cancel := newTestCache(t, recorder, objs)
	defer cancel()

	policy := &spreadv1alpha1.SpreadPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec: spreadv1alpha1.SpreadPolicySpec{
			Selector:  &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
			DomainKey: "topology.kubernetes.io/zone",
		},
	}

	placement, err := c.BuildPlacement(policy)
	require.NoError(t, err)

	assert.Equal(t, map[string]int32{"a": 2, "b": 1, "c": 0}, placement.Counts)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, placement.SchedulableNodes)
	assert.Equal(t, 1, placement.UnlabeledPods)
	assert.Equal(t, []string{"a", "b", "c"}, placement.Domains())

	require.Len(t, placement.PodsByDomain["a"], 2)
	assert.Equal(t, types.NamespacedName{Namespace: "default", Name: "web-1"},
		placement.PodsByDomain["a"][0].Key)
}

func TestBuildPlacementResolvesDeprecatedZoneLabel(t *testing.T) {
	legacy := &corev1.Node{ObjectMeta: metav1.ObjectMeta{
		Name:   "node-legacy",
		Labels: map[string]string{corev1.LabelFailureDomainBetaZone: "b"},
	}}

	recorder := &keyRecorder{}
	c, cancel := newTestCache(t, recorder, []runtime.Object{
		node("node-a1", "a", false),
		legacy,
		pod("web-1", "node-a1", map[string]string{"app": "web"}),
		pod("web-2", "node-legacy", map[string]string{"app": "web"}),
	})
	defer cancel()

	policy := &spreadv1alpha1.SpreadPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec: spreadv1alpha1.SpreadPolicySpec{
			Selector:  &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
			DomainKey: "topology.kubernetes.io/zone",
		},
	}

	placement, err := c.BuildPlacement(policy)
	require.NoError(t, err)

	assert.Equal(t, map[string]int32{"a": 1, "b": 1}, placement.Counts)
	assert.Zero(t, placement.UnlabeledPods)
}

func TestBuildPlacementNoLabeledNodes(t *testing.T) {
	recorder := &keyRecorder{}
	c, cancel := newTestCache(t, recorder, []runtime.Object{
		node("node-x", "", false),
		pod("web-1", "node-x", map[string]string{"app": "web"}),
	})
	defer cancel()

	policy := &spreadv1alpha1.SpreadPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec: spreadv1alpha1.SpreadPolicySpec{
			Selector:  &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
			DomainKey: "topology.kubernetes.io/zone",
		},
	}

	placement, err := c.BuildPlacement(policy)
	require.NoError(t, err)

	// No domain universe at all: the evaluator reports this as degraded.
	assert.Empty(t, placement.Counts)
	assert.Equal(t, 1, placement.UnlabeledPods)
}

func TestDegradedAfterRepeatedWatchFailures(t *testing.T) {
	recorder := &keyRecorder{}
	c, cancel := newTestCache(t, recorder, nil)
	defer cancel()

	require.False(t, c.Degraded())
	for i := 0; i < 3; i++ {
		c.onWatchError(nil, assert.AnError)
	}
	assert.True(t, c.Degraded())

	// A successfully delivered event clears the state.
	c.recovered()
	assert.False(t, c.Degraded())
}
