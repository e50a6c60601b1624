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

// Package domains resolves the failure domain of nodes from topology labels,
// covering the deprecated label keys older nodes still carry.
package domains

import (
	corev1 "k8s.io/api/core/v1"
)

// aliases maps canonical topology keys to the deprecated keys kubelets wrote
// before the topology.kubernetes.io labels existed. Mixed-age node pools
// often carry only the old key.
var aliases = map[string][]string{
	corev1.LabelTopologyZone:   {corev1.LabelFailureDomainBetaZone},
	corev1.LabelTopologyRegion: {corev1.LabelFailureDomainBetaRegion},
}

// Resolve returns the domain value the node exposes for domainKey. When the
// canonical key is absent it falls back to the key's deprecated aliases.
func Resolve(node *corev1.Node, domainKey string) (string, bool) {
	if node == nil || len(node.Labels) == 0 {
		return "", false
	}

	if value, ok := node.Labels[domainKey]; ok {
		return value, true
	}
	for _, alias := range aliases[domainKey] {
		if value, ok := node.Labels[alias]; ok {
			return value, true
		}
	}
	return "", false
}

// Known returns every distinct domain value across the given nodes for
// domainKey. Nodes without the label are skipped.
func Known(nodes []*corev1.Node, domainKey string) map[string]struct{} {
	found := make(map[string]struct{})
	for _, node := range nodes {
		if value, ok := Resolve(node, domainKey); ok {
			found[value] = struct{}{}
		}
	}
	return found
}
