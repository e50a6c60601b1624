package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/fitzek/spreadguard/internal/annotations"
	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
	"github.com/fitzek/spreadguard/pkg/evaluator"
	"github.com/fitzek/spreadguard/pkg/executor"
	"github.com/fitzek/spreadguard/pkg/queue"
)

type fakeCache struct {
	degraded  bool
	policy    *spreadv1alpha1.SpreadPolicy
	placement *evaluator.ObservedPlacement
	pods      []*corev1.Pod
}

func (f *fakeCache) Degraded() bool { return f.degraded }

func (f *fakeCache) GetPolicy(key queue.Key) *spreadv1alpha1.SpreadPolicy {
	if f.policy == nil || f.policy.Name != key.Name || f.policy.Namespace != key.Namespace {
		return nil
	}
	return f.policy.DeepCopy()
}

func (f *fakeCache) ListPolicyKeys() []queue.Key {
	if f.policy == nil {
		return nil
	}
	return []queue.Key{{Namespace: f.policy.Namespace, Name: f.policy.Name}}
}

func (f *fakeCache) ListPods(string, labels.Selector) ([]*corev1.Pod, error) {
	return f.pods, nil
}

func (f *fakeCache) BuildPlacement(*spreadv1alpha1.SpreadPolicy) (*evaluator.ObservedPlacement, error) {
	return f.placement, nil
}

type fakeApplier struct {
	applied []evaluator.CorrectiveAction
	result  executor.Result
	err     error

	cleanedUp bool
}

func (f *fakeApplier) Apply(_ context.Context, _ *spreadv1alpha1.SpreadPolicy, actions []evaluator.CorrectiveAction) (executor.Result, error) {
	f.applied = append(f.applied, actions...)
	return f.result, f.err
}

func (f *fakeApplier) RemoveAdvisoryAnnotations(context.Context, *spreadv1alpha1.SpreadPolicy, []*corev1.Pod) error {
	f.cleanedUp = true
	return nil
}

type fakeMetrics struct {
	reconciliations map[string]int
	deleted         bool
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{reconciliations: map[string]int{}}
}

func (f *fakeMetrics) RecordReconciliation(_, _, result string, _ time.Duration) {
	f.reconciliations[result]++
}
func (f *fakeMetrics) RecordActions(_, _ string, _ executor.Result)  {}
func (f *fakeMetrics) SetPolicySkew(_, _ string, _ int32)            {}
func (f *fakeMetrics) SetPolicyDegraded(_, _ string, _ bool)         {}
func (f *fakeMetrics) DeletePolicyMetrics(_, _ string)               { f.deleted = true }

func enforcingPolicy() *spreadv1alpha1.SpreadPolicy {
	return &spreadv1alpha1.SpreadPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "web",
			Namespace:  "default",
			UID:        "uid-1",
			Generation: 3,
			Finalizers: []string{Finalizer},
		},
		Spec: spreadv1alpha1.SpreadPolicySpec{
			Selector:   &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
			DomainKey:  "topology.kubernetes.io/zone",
			Mode:       spreadv1alpha1.DistributionEven,
			ActionMode: spreadv1alpha1.ActionModeEnforcing,
		},
	}
}

func placementOf(counts map[string]int32) *evaluator.ObservedPlacement {
	placement := &evaluator.ObservedPlacement{
		Counts:           map[string]int32{},
		PodsByDomain:     map[string][]evaluator.PodInfo{},
		SchedulableNodes: map[string]int{},
	}
	for domain, count := range counts {
		placement.Counts[domain] = count
		placement.SchedulableNodes[domain] = 1
		for i := int32(0); i < count; i++ {
			placement.PodsByDomain[domain] = append(placement.PodsByDomain[domain], evaluator.PodInfo{
				Key:             queue.Key{Namespace: "default", Name: domain + "-pod-" + string(rune('a'+i))},
				Node:            "node-" + domain,
				Domain:          domain,
				ResourceVersion: "100",
			})
		}
	}
	placement.Normalize()
	return placement
}

type fixture struct {
	reconciler *Reconciler
	cache      *fakeCache
	applier    *fakeApplier
	metrics    *fakeMetrics
	client     client.Client
}

func newFixture(t *testing.T, policyCache *fakeCache, applier *fakeApplier, objs ...client.Object) *fixture {
	t.Helper()

	fakeClient := fake.NewClientBuilder().
		WithScheme(spreadv1alpha1.Scheme).
		WithObjects(objs...).
		WithStatusSubresource(&spreadv1alpha1.SpreadPolicy{}).
		Build()

	recorder := newFakeMetrics()
	r := New(fakeClient, policyCache, queue.New(queue.Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
		QPS:       1000,
		Burst:     1000,
		Name:      "test",
	}), applier, recorder, logr.Discard())

	return &fixture{reconciler: r, cache: policyCache, applier: applier, metrics: recorder, client: fakeClient}
}

func (f *fixture) getPolicy(t *testing.T) *spreadv1alpha1.SpreadPolicy {
	t.Helper()
	policy := &spreadv1alpha1.SpreadPolicy{}
	require.NoError(t, f.client.Get(context.Background(),
		queue.Key{Namespace: "default", Name: "web"}, policy))
	return policy
}

func conditionStatus(policy *spreadv1alpha1.SpreadPolicy, conditionType string) metav1.ConditionStatus {
	cond := meta.FindStatusCondition(policy.Status.Conditions, conditionType)
	if cond == nil {
		return "Unknown"
	}
	return cond.Status
}

func TestReconcileBalancedPolicyWritesStatus(t *testing.T) {
	policy := enforcingPolicy()
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 1, "b": 1}),
	}, &fakeApplier{}, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	got := f.getPolicy(t)
	assert.Equal(t, metav1.ConditionTrue, conditionStatus(got, spreadv1alpha1.ConditionBalanced))
	assert.Equal(t, metav1.ConditionFalse, conditionStatus(got, spreadv1alpha1.ConditionProgressing))
	assert.Equal(t, metav1.ConditionFalse, conditionStatus(got, spreadv1alpha1.ConditionDegraded))
	assert.Equal(t, map[string]int32{"a": 1, "b": 1}, got.Status.ObservedDistribution)
	assert.Equal(t, int64(3), got.Status.ObservedGeneration)
	assert.NotNil(t, got.Status.LastReconcileTime)
	assert.Empty(t, got.Status.PendingActions)

	assert.Equal(t, 1, f.metrics.reconciliations["success"])
	assert.Equal(t, PhaseSucceeded, f.reconciler.Phase(queue.Key{Namespace: "default", Name: "web"}))
	assert.Empty(t, f.applier.applied)
	assert.Equal(t, 0, f.reconciler.Queue.Len())
}

func TestReconcileUnbalancedPolicyAppliesActions(t *testing.T) {
	policy := enforcingPolicy()
	applier := &fakeApplier{result: executor.Result{Evicted: 1}}
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 2, "b": 0}),
	}, applier, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, evaluator.ActionEvict, applier.applied[0].Kind)

	got := f.getPolicy(t)
	assert.Equal(t, metav1.ConditionFalse, conditionStatus(got, spreadv1alpha1.ConditionBalanced))
	assert.Equal(t, metav1.ConditionTrue, conditionStatus(got, spreadv1alpha1.ConditionProgressing))
	require.Len(t, got.Status.PendingActions, 1)
	assert.Contains(t, got.Status.PendingActions[0], "Evict")
}

func TestReconcileConflictRequeuesImmediately(t *testing.T) {
	policy := enforcingPolicy()
	applier := &fakeApplier{err: &executor.ConflictError{Err: errors.New("pod changed")}}
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 2, "b": 0}),
	}, applier, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	// Back in the queue with no backoff penalty.
	assert.Equal(t, 1, f.reconciler.Queue.Len())
	assert.Equal(t, 1, f.metrics.reconciliations["conflict"])
	assert.Equal(t, PhaseScheduled, f.reconciler.Phase(queue.Key{Namespace: "default", Name: "web"}))
}

func TestReconcileDegradedCacheDefers(t *testing.T) {
	policy := enforcingPolicy()
	f := newFixture(t, &fakeCache{degraded: true, policy: policy}, &fakeApplier{}, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	assert.Equal(t, 1, f.metrics.reconciliations["transient_error"])
	assert.Equal(t, PhaseFailed, f.reconciler.Phase(queue.Key{Namespace: "default", Name: "web"}))
	// No status was written while the cache was unreliable.
	got := f.getPolicy(t)
	assert.Empty(t, got.Status.Conditions)
}

func TestReconcileUnknownDomainKeyMarksDegraded(t *testing.T) {
	policy := enforcingPolicy()
	f := newFixture(t, &fakeCache{
		policy: policy,
		placement: &evaluator.ObservedPlacement{
			Counts:           map[string]int32{},
			PodsByDomain:     map[string][]evaluator.PodInfo{},
			SchedulableNodes: map[string]int{},
		},
	}, &fakeApplier{}, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	got := f.getPolicy(t)
	assert.Equal(t, metav1.ConditionTrue, conditionStatus(got, spreadv1alpha1.ConditionDegraded))
	assert.Equal(t, metav1.ConditionFalse, conditionStatus(got, spreadv1alpha1.ConditionBalanced))
}

func TestReconcileDeletionRunsFinalizerCleanup(t *testing.T) {
	policy := enforcingPolicy()
	now := metav1.Now()
	policy.DeletionTimestamp = &now

	applier := &fakeApplier{}
	f := newFixture(t, &fakeCache{policy: policy}, applier, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	assert.True(t, applier.cleanedUp)
	assert.True(t, f.metrics.deleted)
	assert.Equal(t, PhaseIdle, f.reconciler.Phase(queue.Key{Namespace: "default", Name: "web"}))

	// Removing the last finalizer lets the API server delete the object.
	err := f.client.Get(context.Background(), queue.Key{Namespace: "default", Name: "web"}, &spreadv1alpha1.SpreadPolicy{})
	assert.Error(t, err)
}

func TestReconcilePolicyGoneDropsKey(t *testing.T) {
	f := newFixture(t, &fakeCache{}, &fakeApplier{})

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	assert.True(t, f.metrics.deleted)
	assert.Equal(t, 0, f.reconciler.Queue.Len())
}

func TestReconcileAddsFinalizerToActivePolicy(t *testing.T) {
	policy := enforcingPolicy()
	policy.Finalizers = nil

	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 1, "b": 1}),
	}, &fakeApplier{}, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	got := f.getPolicy(t)
	assert.True(t, controllerutil.ContainsFinalizer(got, Finalizer))
}

func TestReconcilePolicyErrorSurfacesOnStatus(t *testing.T) {
	policy := enforcingPolicy()
	applier := &fakeApplier{err: &executor.PolicyError{Reason: "eviction forbidden", Err: errors.New("forbidden")}}
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 2, "b": 0}),
	}, applier, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	got := f.getPolicy(t)
	assert.Equal(t, metav1.ConditionTrue, conditionStatus(got, spreadv1alpha1.ConditionDegraded))
	assert.Equal(t, 1, f.metrics.reconciliations["policy_error"])
	// Not retried with backoff; the key waits for the next event or resync.
	assert.Equal(t, 0, f.reconciler.Queue.Len())
}

func TestReconcileFatalErrorStopsWorkerAndSignals(t *testing.T) {
	policy := enforcingPolicy()
	applier := &fakeApplier{err: &executor.FatalError{Err: errors.New("credentials rejected")}}
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 2, "b": 0}),
	}, applier, policy)

	var fatal error
	f.reconciler.OnFatal = func(err error) { fatal = err }

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	assert.False(t, f.reconciler.processNext(context.Background()))
	require.Error(t, fatal)
	assert.True(t, executor.IsFatal(fatal))
}

func TestReconcileClosedRebalanceWindowDefersDisruption(t *testing.T) {
	policy := enforcingPolicy()
	policy.Annotations = map[string]string{
		annotations.RebalanceScheduleAnnotation: "0 2 * * *",
		annotations.RebalanceDurationAnnotation: "1h",
	}
	applier := &fakeApplier{}
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 2, "b": 0}),
	}, applier, policy)
	// Noon is well outside the nightly window.
	f.reconciler.clock = func() time.Time {
		return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	}

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	assert.Empty(t, applier.applied, "evictions must not run outside the window")

	got := f.getPolicy(t)
	progressing := meta.FindStatusCondition(got.Status.Conditions, spreadv1alpha1.ConditionProgressing)
	require.NotNil(t, progressing)
	assert.Equal(t, metav1.ConditionTrue, progressing.Status)
	assert.Equal(t, "AwaitingRebalanceWindow", progressing.Reason)
	assert.NotEmpty(t, got.Status.PendingActions)
	assert.Equal(t, 1, f.metrics.reconciliations["success"])
}

func TestReconcileOpenRebalanceWindowAppliesActions(t *testing.T) {
	policy := enforcingPolicy()
	policy.Annotations = map[string]string{
		annotations.RebalanceScheduleAnnotation: "0 2 * * *",
		annotations.RebalanceDurationAnnotation: "4h",
	}
	applier := &fakeApplier{result: executor.Result{Evicted: 1}}
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 2, "b": 0}),
	}, applier, policy)
	f.reconciler.clock = func() time.Time {
		return time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	}

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, evaluator.ActionEvict, applier.applied[0].Kind)
}

func TestReconcileInvalidRebalanceWindowIsPolicyError(t *testing.T) {
	policy := enforcingPolicy()
	policy.Annotations = map[string]string{
		annotations.RebalanceScheduleAnnotation: "not-a-schedule",
		annotations.RebalanceDurationAnnotation: "1h",
	}
	applier := &fakeApplier{}
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 2, "b": 0}),
	}, applier, policy)

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.True(t, f.reconciler.processNext(context.Background()))

	assert.Empty(t, applier.applied)
	assert.Equal(t, 1, f.metrics.reconciliations["policy_error"])

	got := f.getPolicy(t)
	degraded := meta.FindStatusCondition(got.Status.Conditions, spreadv1alpha1.ConditionDegraded)
	require.NotNil(t, degraded)
	assert.Equal(t, metav1.ConditionTrue, degraded.Status)
}

func TestRunDrainsOnContextCancel(t *testing.T) {
	policy := enforcingPolicy()
	f := newFixture(t, &fakeCache{
		policy:    policy,
		placement: placementOf(map[string]int32{"a": 1, "b": 1}),
	}, &fakeApplier{}, policy)
	f.reconciler.ResyncInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx, 2)
		close(done)
	}()

	f.reconciler.Enqueue(queue.Key{Namespace: "default", Name: "web"})
	require.Eventually(t, func() bool {
		return f.reconciler.Phase(queue.Key{Namespace: "default", Name: "web"}) == PhaseSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not drain after cancellation")
	}
}
