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

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/fitzek/spreadguard/internal/annotations"
	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
	"github.com/fitzek/spreadguard/pkg/evaluator"
	"github.com/fitzek/spreadguard/pkg/executor"
	"github.com/fitzek/spreadguard/pkg/queue"
)

// Finalizer guards policy deletion until advisory annotations written on
// behalf of the policy are cleaned up.
const Finalizer = "spreadpolicies.spread.fitzek.eu/finalizer"

// PolicyCache is the read side the reconciler depends on.
type PolicyCache interface {
	Degraded() bool
	GetPolicy(key queue.Key) *spreadv1alpha1.SpreadPolicy
	ListPolicyKeys() []queue.Key
	ListPods(namespace string, selector labels.Selector) ([]*corev1.Pod, error)
	BuildPlacement(policy *spreadv1alpha1.SpreadPolicy) (*evaluator.ObservedPlacement, error)
}

// ActionApplier is the write side for corrective actions.
type ActionApplier interface {
	Apply(ctx context.Context, policy *spreadv1alpha1.SpreadPolicy, actions []evaluator.CorrectiveAction) (executor.Result, error)
	RemoveAdvisoryAnnotations(ctx context.Context, policy *spreadv1alpha1.SpreadPolicy, pods []*corev1.Pod) error
}

// MetricsRecorder receives reconciliation telemetry.
type MetricsRecorder interface {
	RecordReconciliation(namespace, name, result string, duration time.Duration)
	RecordActions(namespace, name string, result executor.Result)
	SetPolicySkew(namespace, name string, skew int32)
	SetPolicyDegraded(namespace, name string, degraded bool)
	DeletePolicyMetrics(namespace, name string)
}

// Reconciler owns the worker pool that drains the key queue.
type Reconciler struct {
	Client   client.Client
	Cache    PolicyCache
	Queue    *queue.WorkQueue
	Executor ActionApplier
	Metrics  MetricsRecorder
	Log      logr.Logger

	// ResyncInterval is how often every known policy is re-enqueued even
	// without cluster events, catching drift from missed deltas.
	ResyncInterval time.Duration

	// OnFatal is invoked when a reconciliation hits an unrecoverable error;
	// the operator uses it to initiate shutdown.
	OnFatal func(error)

	tracker *stateTracker
	clock   func() time.Time
}

// New builds a Reconciler with production defaults.
func New(c client.Client, policyCache PolicyCache, workQueue *queue.WorkQueue, applier ActionApplier, recorder MetricsRecorder, log logr.Logger) *Reconciler {
	return &Reconciler{
		Client:         c,
		Cache:          policyCache,
		Queue:          workQueue,
		Executor:       applier,
		Metrics:        recorder,
		Log:            log.WithName("reconciler"),
		ResyncInterval: 5 * time.Minute,
		tracker:        newStateTracker(),
		clock:          time.Now,
	}
}

// Enqueue schedules a key for reconciliation. Installed as the cache's event
// fan-out target.
func (r *Reconciler) Enqueue(key queue.Key) {
	r.tracker.set(key, PhaseScheduled)
	r.Queue.Enqueue(key)
}

// Phase exposes the lifecycle phase of a key for diagnostics.
func (r *Reconciler) Phase(key queue.Key) Phase {
	return r.tracker.Phase(key)
}

// Run starts the worker pool and the periodic resync loop, blocking until the
// context is cancelled and all workers drained.
func (r *Reconciler) Run(ctx context.Context, workers int) {
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r.processNext(ctx) {
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.resyncLoop(ctx)
	}()

	<-ctx.Done()
	r.Queue.ShutDown()
	wg.Wait()
}

// resyncLoop re-enqueues every known policy at the resync interval. The queue
// collapses duplicates, so this is cheap even when event traffic already
// keeps the keys hot.
func (r *Reconciler) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(r.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keys := r.Cache.ListPolicyKeys()
			for _, key := range keys {
				r.Enqueue(key)
			}
			r.Log.V(2).Info("periodic resync enqueued all policies", "count", len(keys))
		}
	}
}

// processNext handles one key. Returns false when the queue shut down or a
// fatal error ended processing.
func (r *Reconciler) processNext(ctx context.Context) bool {
	key, shutdown := r.Queue.Dequeue()
	if shutdown {
		return false
	}

	logger := NewReconcileLogger(r.Log, key)
	r.tracker.set(key, PhaseRunning)
	logger.Started()
	start := time.Now()

	outcome, err := r.reconcile(ctx, key, logger)
	duration := time.Since(start)

	switch {
	case err == nil:
		if outcome.policyGone {
			r.tracker.forget(key)
			r.Metrics.DeletePolicyMetrics(key.Namespace, key.Name)
			r.Queue.MarkDone(key)
			return true
		}
		r.tracker.set(key, PhaseSucceeded)
		r.Metrics.RecordReconciliation(key.Namespace, key.Name, "success", duration)
		logger.Completed(duration, outcome.applied)
		r.Queue.MarkDone(key)

	case executor.IsConflict(err):
		// State moved under us; re-evaluate against a fresh snapshot without
		// a backoff penalty.
		r.tracker.set(key, PhaseScheduled)
		r.Metrics.RecordReconciliation(key.Namespace, key.Name, "conflict", duration)
		logger.V(1).Info("Cluster state changed during apply, re-evaluating", "error", err.Error())
		r.Queue.Requeue(key)

	case executor.IsPolicyError(err):
		// Retrying cannot help; the condition is on the status and the next
		// spec change or periodic resync picks the key up again.
		r.tracker.set(key, PhaseFailed)
		r.Metrics.RecordReconciliation(key.Namespace, key.Name, "policy_error", duration)
		logger.Failed(err, duration)
		r.Queue.MarkDone(key)

	case executor.IsFatal(err):
		logger.Failed(err, duration)
		r.Queue.MarkDone(key)
		if r.OnFatal != nil {
			r.OnFatal(err)
		}
		return false

	default:
		r.tracker.set(key, PhaseFailed)
		r.Metrics.RecordReconciliation(key.Namespace, key.Name, "transient_error", duration)
		logger.Failed(err, duration)
		r.Queue.MarkFailed(key)
	}
	return true
}

// reconcileOutcome is what one attempt reports back to the dispatch loop.
type reconcileOutcome struct {
	applied    int
	policyGone bool
}

func (r *Reconciler) reconcile(ctx context.Context, key queue.Key, logger *ReconcileLogger) (reconcileOutcome, error) {
	if r.Cache.Degraded() {
		// Acting on potentially stale reads risks fighting the scheduler;
		// back off until the watch streams recover.
		return reconcileOutcome{}, &executor.TransientError{Err: errors.New("resource cache is degraded, deferring reconciliation")}
	}

	policy := r.Cache.GetPolicy(key)
	if policy == nil {
		logger.V(1).Info("Policy no longer exists, dropping key")
		return reconcileOutcome{policyGone: true}, nil
	}

	if policy.IsBeingDeleted() {
		if err := r.finalize(ctx, policy, logger); err != nil {
			return reconcileOutcome{}, err
		}
		return reconcileOutcome{policyGone: true}, nil
	}

	if err := r.ensureFinalizer(ctx, policy); err != nil {
		return reconcileOutcome{}, err
	}

	placement, err := r.Cache.BuildPlacement(policy)
	if err != nil {
		return reconcileOutcome{}, &executor.TransientError{Err: fmt.Errorf("building placement snapshot: %w", err)}
	}

	evaluation := evaluator.Evaluate(policy, placement)
	r.Metrics.SetPolicySkew(key.Namespace, key.Name, evaluation.Skew)
	r.Metrics.SetPolicyDegraded(key.Namespace, key.Name, evaluation.Degraded)

	if evaluation.Degraded {
		logger.WithPhase("evaluate").Info("Policy cannot be evaluated",
			"reason", evaluation.DegradedReason)
		return reconcileOutcome{}, r.updateStatus(ctx, key, func(p *spreadv1alpha1.SpreadPolicy) {
			setCondition(p, spreadv1alpha1.ConditionDegraded, metav1.ConditionTrue, "EvaluationImpossible", evaluation.DegradedReason)
			setCondition(p, spreadv1alpha1.ConditionBalanced, metav1.ConditionFalse, "EvaluationImpossible", evaluation.DegradedReason)
			setCondition(p, spreadv1alpha1.ConditionProgressing, metav1.ConditionFalse, "EvaluationImpossible", evaluation.DegradedReason)
			p.Status.ObservedDistribution = placement.Counts
			p.Status.Skew = evaluation.Skew
			p.Status.PendingActions = nil
			p.Status.LastReconcileTime = &metav1.Time{Time: time.Now()}
			p.Status.ObservedGeneration = policy.Generation
		})
	}

	window, werr := annotations.ParseRebalanceWindow(policy.Annotations)
	if werr != nil {
		perr := &executor.PolicyError{Reason: "InvalidRebalanceWindow", Err: werr}
		r.writePolicyErrorCondition(ctx, key, perr)
		return reconcileOutcome{}, perr
	}

	actions := evaluation.Actions
	deferred := 0
	if len(actions) > 0 && !window.Contains(r.clock()) {
		actions, deferred = withoutDisruptive(actions)
		if deferred > 0 {
			opening := window.NextOpening(r.clock())
			logger.WithPhase("apply").V(1).Info("Rebalance window closed, deferring disruptive actions",
				"deferred", deferred, "next_opening", opening)
			r.Queue.EnqueueAfter(key, time.Until(opening))
		}
	}

	var applied executor.Result
	if len(actions) > 0 {
		logger.WithPhase("apply").V(1).Info("Applying corrective actions",
			"count", len(actions), "skew", evaluation.Skew)
		applied, err = r.Executor.Apply(ctx, policy, actions)
		r.Metrics.RecordActions(key.Namespace, key.Name, applied)
		if err != nil {
			if executor.IsPolicyError(err) {
				// Surface the rejection before handing the error back.
				r.writePolicyErrorCondition(ctx, key, err)
			}
			return reconcileOutcome{}, err
		}
	}

	err = r.updateStatus(ctx, key, func(p *spreadv1alpha1.SpreadPolicy) {
		if evaluation.Balanced {
			setCondition(p, spreadv1alpha1.ConditionBalanced, metav1.ConditionTrue, "SpreadSatisfied", "observed placement satisfies the policy")
			setCondition(p, spreadv1alpha1.ConditionProgressing, metav1.ConditionFalse, "NoActionsPending", "no corrective actions pending")
		} else {
			setCondition(p, spreadv1alpha1.ConditionBalanced, metav1.ConditionFalse, "SkewExceedsTarget", fmt.Sprintf("observed skew %d exceeds the policy target", evaluation.Skew))
			if deferred > 0 {
				setCondition(p, spreadv1alpha1.ConditionProgressing, metav1.ConditionTrue, "AwaitingRebalanceWindow", fmt.Sprintf("%d disruptive actions deferred until the rebalance window opens", deferred))
			} else {
				setCondition(p, spreadv1alpha1.ConditionProgressing, metav1.ConditionTrue, "ActionsInFlight", fmt.Sprintf("%d corrective actions emitted", len(evaluation.Actions)))
			}
		}
		setCondition(p, spreadv1alpha1.ConditionDegraded, metav1.ConditionFalse, "EvaluationSucceeded", "policy evaluated against a complete snapshot")
		p.Status.ObservedDistribution = placement.Counts
		p.Status.Skew = evaluation.Skew
		p.Status.PendingActions = describeActions(evaluation.Actions)
		p.Status.LastReconcileTime = &metav1.Time{Time: time.Now()}
		p.Status.ObservedGeneration = policy.Generation
	})
	if err != nil {
		return reconcileOutcome{}, err
	}

	return reconcileOutcome{applied: applied.Evicted + applied.Patched + applied.Cordoned}, nil
}

// finalize cleans up advisory annotations this policy wrote and releases the
// finalizer so deletion can complete.
func (r *Reconciler) finalize(ctx context.Context, policy *spreadv1alpha1.SpreadPolicy, logger *ReconcileLogger) error {
	logger = logger.WithPhase("finalize")

	if !controllerutil.ContainsFinalizer(policy, Finalizer) {
		return nil
	}

	// The advisory owner annotation, not the selector, decides which pods to
	// clean: a pod may have stopped matching since it was annotated.
	pods, err := r.Cache.ListPods(policy.Namespace, labels.Everything())
	if err != nil {
		return &executor.TransientError{Err: fmt.Errorf("listing pods for cleanup: %w", err)}
	}
	if err := r.Executor.RemoveAdvisoryAnnotations(ctx, policy, pods); err != nil {
		return err
	}

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current := &spreadv1alpha1.SpreadPolicy{}
		if err := r.Client.Get(ctx, queue.Key{Namespace: policy.Namespace, Name: policy.Name}, current); err != nil {
			if apierrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		if !controllerutil.ContainsFinalizer(current, Finalizer) {
			return nil
		}
		controllerutil.RemoveFinalizer(current, Finalizer)
		return r.Client.Update(ctx, current)
	})
	if err != nil {
		return &executor.TransientError{Err: fmt.Errorf("removing finalizer: %w", err)}
	}

	logger.Info("Policy finalized, advisory annotations cleaned up")
	return nil
}

// ensureFinalizer adds the cleanup finalizer to active policies.
func (r *Reconciler) ensureFinalizer(ctx context.Context, policy *spreadv1alpha1.SpreadPolicy) error {
	if controllerutil.ContainsFinalizer(policy, Finalizer) {
		return nil
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current := &spreadv1alpha1.SpreadPolicy{}
		if err := r.Client.Get(ctx, queue.Key{Namespace: policy.Namespace, Name: policy.Name}, current); err != nil {
			return err
		}
		if controllerutil.ContainsFinalizer(current, Finalizer) {
			return nil
		}
		controllerutil.AddFinalizer(current, Finalizer)
		return r.Client.Update(ctx, current)
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			// Deleted between the cache read and now; the delete event will
			// re-enqueue the key.
			return nil
		}
		return &executor.TransientError{Err: fmt.Errorf("adding finalizer: %w", err)}
	}
	return nil
}

// updateStatus rewrites the policy status from a fresh read. The status is
// only ever written after a successful evaluation pass, so readers never see
// half-updated observations.
func (r *Reconciler) updateStatus(ctx context.Context, key queue.Key, mutate func(*spreadv1alpha1.SpreadPolicy)) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current := &spreadv1alpha1.SpreadPolicy{}
		if err := r.Client.Get(ctx, key, current); err != nil {
			return err
		}
		mutate(current)
		return r.Client.Status().Update(ctx, current)
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &executor.TransientError{Err: fmt.Errorf("updating status: %w", err)}
	}
	return nil
}

func (r *Reconciler) writePolicyErrorCondition(ctx context.Context, key queue.Key, policyErr error) {
	err := r.updateStatus(ctx, key, func(p *spreadv1alpha1.SpreadPolicy) {
		setCondition(p, spreadv1alpha1.ConditionDegraded, metav1.ConditionTrue, "ActionRejected", policyErr.Error())
		setCondition(p, spreadv1alpha1.ConditionProgressing, metav1.ConditionFalse, "ActionRejected", "corrective actions rejected by the cluster")
	})
	if err != nil {
		r.Log.Error(err, "failed to record policy error on status",
			"namespace", key.Namespace, "name", key.Name)
	}
}

func setCondition(policy *spreadv1alpha1.SpreadPolicy, conditionType string, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&policy.Status.Conditions, metav1.Condition{
		Type:               conditionType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: policy.Generation,
	})
}

// withoutDisruptive strips evictions and cordons from a plan, returning the
// remaining actions and how many were held back.
func withoutDisruptive(actions []evaluator.CorrectiveAction) ([]evaluator.CorrectiveAction, int) {
	kept := make([]evaluator.CorrectiveAction, 0, len(actions))
	for _, action := range actions {
		switch action.Kind {
		case evaluator.ActionEvict, evaluator.ActionCordon:
			continue
		default:
			kept = append(kept, action)
		}
	}
	return kept, len(actions) - len(kept)
}

// describeActions renders the pending-action summaries published on the
// status, capped so a pathological plan cannot bloat the object.
func describeActions(actions []evaluator.CorrectiveAction) []string {
	const statusActionLimit = 20

	if len(actions) == 0 {
		return nil
	}
	described := make([]string, 0, len(actions))
	for i, action := range actions {
		if i == statusActionLimit {
			described = append(described, fmt.Sprintf("... and %d more", len(actions)-statusActionLimit))
			break
		}
		described = append(described, action.Describe())
	}
	return described
}
