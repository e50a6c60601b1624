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

// Package executor applies planned corrective actions against the cluster.
// It holds no state between passes; all sequencing and retry decisions that
// span passes live in the reconciler.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/fitzek/spreadguard/internal/annotations"
	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
	"github.com/fitzek/spreadguard/pkg/evaluator"
)

// Result summarizes one action pass.
type Result struct {
	Evicted  int
	Patched  int
	Cordoned int

	// Skipped counts actions that were already satisfied when applied, e.g.
	// evicting a pod that is gone or cordoning a node already cordoned.
	Skipped int
}

// Executor applies corrective actions in plan order. Transient failures are
// retried in place with bounded backoff; a conflict aborts the remaining
// actions so the caller re-evaluates against fresh state.
type Executor struct {
	client  client.Client
	log     logr.Logger
	backoff wait.Backoff
}

// DefaultBackoff bounds in-place retries of transient failures. Anything
// still failing after these steps goes back to the work queue instead.
var DefaultBackoff = wait.Backoff{
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Steps:    4,
}

// New builds an Executor around a cluster client.
func New(c client.Client, log logr.Logger) *Executor {
	return &Executor{
		client:  c,
		log:     log.WithName("executor"),
		backoff: DefaultBackoff,
	}
}

// Apply runs the actions in order. It stops at the first conflict, policy or
// fatal error; the returned Result covers everything applied up to that
// point.
func (e *Executor) Apply(ctx context.Context, policy *spreadv1alpha1.SpreadPolicy, actions []evaluator.CorrectiveAction) (Result, error) {
	var result Result

	for _, action := range actions {
		var err error
		switch action.Kind {
		case evaluator.ActionNoop:
			// Noop exists so a plan can be inspected; it is never submitted.
			result.Skipped++
			continue
		case evaluator.ActionEvict:
			err = e.withRetry(ctx, func() error { return e.evict(ctx, action, &result) })
		case evaluator.ActionCordon:
			err = e.withRetry(ctx, func() error { return e.cordon(ctx, action, &result) })
		case evaluator.ActionPatchAntiAffinity:
			err = e.withRetry(ctx, func() error { return e.patchAdvisory(ctx, policy, action, &result) })
		default:
			err = &PolicyError{Reason: fmt.Sprintf("unknown action kind %q", action.Kind)}
		}

		if err != nil {
			return result, fmt.Errorf("applying %s: %w", action.Describe(), err)
		}
		e.log.V(1).Info("applied action", "action", action.Describe())
	}
	return result, nil
}

// withRetry retries transient failures with bounded backoff; every other
// error class aborts immediately.
func (e *Executor) withRetry(ctx context.Context, fn func() error) error {
	return retry.OnError(e.backoff, func(err error) bool {
		return IsTransient(err) && ctx.Err() == nil
	}, fn)
}

// evict relocates a pod through the Eviction subresource so that
// PodDisruptionBudgets stay in force. The pod's resourceVersion is compared
// against the snapshot the plan was computed from; a mismatch means the plan
// is stale.
func (e *Executor) evict(ctx context.Context, action evaluator.CorrectiveAction, result *Result) error {
	pod := &corev1.Pod{}
	if err := e.client.Get(ctx, action.Pod, pod); err != nil {
		if apierrors.IsNotFound(err) {
			// Already gone; the next evaluation sees the new placement.
			result.Skipped++
			return nil
		}
		return classify(err, "reading pod")
	}

	if pod.ResourceVersion != action.ResourceVersion {
		return &ConflictError{Err: fmt.Errorf(
			"pod %s changed since evaluation (resourceVersion %s, planned against %s)",
			action.Pod, pod.ResourceVersion, action.ResourceVersion)}
	}

	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
		DeleteOptions: &metav1.DeleteOptions{
			GracePeriodSeconds: pod.Spec.TerminationGracePeriodSeconds,
		},
	}

	err := e.client.SubResource("eviction").Create(ctx, pod, eviction)
	switch {
	case err == nil:
		result.Evicted++
		return nil
	case apierrors.IsNotFound(err):
		result.Skipped++
		return nil
	case apierrors.IsTooManyRequests(err):
		// PDB blocks the eviction right now; worth retrying shortly.
		return &TransientError{Err: fmt.Errorf("eviction of %s blocked by disruption budget: %w", action.Pod, err)}
	default:
		return classify(err, "evicting pod")
	}
}

// cordon marks the node unschedulable so an evicted pod's replacement does
// not land right back in the over-populated domain.
func (e *Executor) cordon(ctx context.Context, action evaluator.CorrectiveAction, result *Result) error {
	node := &corev1.Node{}
	if err := e.client.Get(ctx, types.NamespacedName{Name: action.Node}, node); err != nil {
		if apierrors.IsNotFound(err) {
			return &ConflictError{Err: fmt.Errorf("node %s disappeared since evaluation", action.Node)}
		}
		return classify(err, "reading node")
	}

	if node.Spec.Unschedulable {
		result.Skipped++
		return nil
	}

	patched := node.DeepCopy()
	patched.Spec.Unschedulable = true
	if err := e.client.Patch(ctx, patched, client.MergeFromWithOptions(node, client.MergeFromWithOptimisticLock{})); err != nil {
		return classify(err, "cordoning node")
	}
	result.Cordoned++
	return nil
}

// patchAdvisory records the preferred domain on the pod and marks the policy
// as owner of the advisory data, so cleanup on policy deletion only touches
// pods this policy annotated. The optimistic lock turns a concurrent pod
// update into a conflict instead of a lost write.
func (e *Executor) patchAdvisory(ctx context.Context, policy *spreadv1alpha1.SpreadPolicy, action evaluator.CorrectiveAction, result *Result) error {
	pod := &corev1.Pod{}
	if err := e.client.Get(ctx, action.Pod, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return &ConflictError{Err: fmt.Errorf("pod %s disappeared since evaluation", action.Pod)}
		}
		return classify(err, "reading pod")
	}

	if pod.ResourceVersion != action.ResourceVersion {
		return &ConflictError{Err: fmt.Errorf(
			"pod %s changed since evaluation (resourceVersion %s, planned against %s)",
			action.Pod, pod.ResourceVersion, action.ResourceVersion)}
	}

	payload := annotations.AdvisoryPayload(string(policy.UID), action.ToDomain)
	if hasAdvisoryPayload(pod, payload) {
		result.Skipped++
		return nil
	}

	patched := pod.DeepCopy()
	if patched.Annotations == nil {
		patched.Annotations = map[string]string{}
	}
	for key, value := range payload {
		patched.Annotations[key] = value
	}
	if err := e.client.Patch(ctx, patched, client.MergeFromWithOptions(pod, client.MergeFromWithOptimisticLock{})); err != nil {
		return classify(err, "patching pod annotations")
	}
	result.Patched++
	return nil
}

func hasAdvisoryPayload(pod *corev1.Pod, payload map[string]string) bool {
	for key, value := range payload {
		if pod.Annotations[key] != value {
			return false
		}
	}
	return true
}

// RemoveAdvisoryAnnotations strips this policy's advisory data from every pod
// it annotated. Called during finalizer cleanup; pods annotated by other
// policies are left untouched.
func (e *Executor) RemoveAdvisoryAnnotations(ctx context.Context, policy *spreadv1alpha1.SpreadPolicy, pods []*corev1.Pod) error {
	for _, pod := range pods {
		if !annotations.OwnedBy(pod, string(policy.UID)) {
			continue
		}

		err := e.withRetry(ctx, func() error {
			current := &corev1.Pod{}
			if err := e.client.Get(ctx, types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name}, current); err != nil {
				if apierrors.IsNotFound(err) {
					return nil
				}
				return classify(err, "reading pod")
			}

			patched := current.DeepCopy()
			for _, key := range annotations.AdvisoryKeys() {
				delete(patched.Annotations, key)
			}
			if err := e.client.Patch(ctx, patched, client.MergeFrom(current)); err != nil {
				if apierrors.IsNotFound(err) {
					return nil
				}
				// Cleanup tolerates concurrent pod updates; re-read and retry.
				if apierrors.IsConflict(err) {
					return &TransientError{Err: err}
				}
				return classify(err, "removing advisory annotations")
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("cleaning up pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
	}
	return nil
}
