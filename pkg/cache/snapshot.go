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

package cache

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/fitzek/spreadguard/internal/annotations"
	"github.com/fitzek/spreadguard/internal/domains"
	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
	"github.com/fitzek/spreadguard/pkg/evaluator"
)

// BuildPlacement assembles the point-in-time placement snapshot for one policy
// entirely from cached state. The domain universe is derived from node labels,
// so a domain with zero matching pods still appears with count 0 and can be
// targeted by the planner.
func (c *ResourceCache) BuildPlacement(policy *spreadv1alpha1.SpreadPolicy) (*evaluator.ObservedPlacement, error) {
	selector, err := metav1.LabelSelectorAsSelector(policy.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("parsing selector: %w", err)
	}

	nodes, err := c.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	placement := &evaluator.ObservedPlacement{
		Counts:           map[string]int32{},
		PodsByDomain:     map[string][]evaluator.PodInfo{},
		SchedulableNodes: map[string]int{},
	}

	// Node name -> domain value, for resolving where a pod sits.
	nodeDomain := make(map[string]string, len(nodes))
	for _, node := range nodes {
		domain, ok := domains.Resolve(node, policy.Spec.DomainKey)
		if !ok {
			continue
		}
		nodeDomain[node.Name] = domain
		if _, known := placement.Counts[domain]; !known {
			placement.Counts[domain] = 0
		}
		if !node.Spec.Unschedulable {
			placement.SchedulableNodes[domain]++
		}
	}

	pods, err := c.ListPods(policy.Namespace, selector)
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}

	for _, pod := range pods {
		if !countsTowardSpread(pod) {
			continue
		}
		domain, ok := nodeDomain[pod.Spec.NodeName]
		if !ok {
			// The node is gone or does not carry the domain key; the pod
			// cannot be planned but is surfaced as a diagnostic.
			placement.UnlabeledPods++
			continue
		}
		placement.Counts[domain]++
		placement.PodsByDomain[domain] = append(placement.PodsByDomain[domain], evaluator.PodInfo{
			Key:               types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name},
			Node:              pod.Spec.NodeName,
			Domain:            domain,
			ResourceVersion:   pod.ResourceVersion,
			CreationTimestamp: pod.CreationTimestamp.Time,
		})
	}

	placement.Normalize()
	return placement, nil
}

// countsTowardSpread reports whether a pod occupies a spread slot: it is
// scheduled, not finished, not already being deleted, and not opted out via
// annotation.
func countsTowardSpread(pod *corev1.Pod) bool {
	if pod.Spec.NodeName == "" {
		return false
	}
	if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
		return false
	}
	if pod.DeletionTimestamp != nil {
		return false
	}
	return !annotations.IsIgnored(pod)
}
