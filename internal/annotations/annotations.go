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

// Package annotations defines the spread.fitzek.eu annotation surface and
// helpers for reading and building it on pods.
package annotations

import (
	corev1 "k8s.io/api/core/v1"
)

const (
	// IgnoreAnnotation excludes a pod from spread planning entirely.
	IgnoreAnnotation = "spread.fitzek.eu/ignore"

	// OwnerAnnotation records the UID of the SpreadPolicy that wrote advisory
	// data onto a pod, so cleanup only touches pods this policy annotated.
	OwnerAnnotation = "spread.fitzek.eu/owner"

	// PreferredDomainAnnotation is the advisory hint recorded on a pod: the
	// domain value the policy would rather see this replica in.
	PreferredDomainAnnotation = "spread.fitzek.eu/preferred-domain"

	// BooleanTrue is the canonical "true" annotation value.
	BooleanTrue = "true"
)

// IsIgnored reports whether a pod opted out of spread management.
func IsIgnored(pod *corev1.Pod) bool {
	if pod == nil || pod.Annotations == nil {
		return false
	}
	return pod.Annotations[IgnoreAnnotation] == BooleanTrue
}

// OwnerUID returns the UID recorded by a policy's advisory patch, or "".
func OwnerUID(pod *corev1.Pod) string {
	if pod == nil || pod.Annotations == nil {
		return ""
	}
	return pod.Annotations[OwnerAnnotation]
}

// OwnedBy reports whether the pod carries advisory data written by the policy
// with the given UID.
func OwnedBy(pod *corev1.Pod, uid string) bool {
	return uid != "" && OwnerUID(pod) == uid
}

// AdvisoryPayload returns the annotations an advisory patch writes to a pod.
func AdvisoryPayload(ownerUID, preferredDomain string) map[string]string {
	return map[string]string{
		OwnerAnnotation:           ownerUID,
		PreferredDomainAnnotation: preferredDomain,
	}
}

// AdvisoryKeys lists the annotation keys a cleanup pass must remove.
func AdvisoryKeys() []string {
	return []string{OwnerAnnotation, PreferredDomainAnnotation}
}
