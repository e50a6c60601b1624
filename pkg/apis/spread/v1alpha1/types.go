package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DistributionMode selects how ideal per-domain replica counts are computed.
// +kubebuilder:validation:Enum=Even;MaxSkew;Weighted
type DistributionMode string

const (
	// DistributionEven spreads replicas evenly across all known domains,
	// assigning the remainder to the lexicographically first domains.
	DistributionEven DistributionMode = "Even"

	// DistributionMaxSkew accepts any placement whose skew (max count minus
	// min count) stays within spec.maxSkew.
	DistributionMaxSkew DistributionMode = "MaxSkew"

	// DistributionWeighted spreads replicas proportionally to spec.weights,
	// assigning rounding remainders largest-fractional-remainder first.
	DistributionWeighted DistributionMode = "Weighted"
)

// ActionMode selects how the controller corrects placement drift.
// +kubebuilder:validation:Enum=Advisory;Enforcing
type ActionMode string

const (
	// ActionModeAdvisory only steers future scheduling via anti-affinity
	// patches; running pods are never touched.
	ActionModeAdvisory ActionMode = "Advisory"

	// ActionModeEnforcing evicts pods from over-populated domains so the
	// scheduler can place replacements in under-populated ones.
	ActionModeEnforcing ActionMode = "Enforcing"
)

// Condition types reported in SpreadPolicyStatus.
const (
	// ConditionProgressing is true while corrective actions are pending or in flight.
	ConditionProgressing = "Progressing"

	// ConditionBalanced is true when the observed placement satisfies the policy.
	ConditionBalanced = "Balanced"

	// ConditionDegraded is true when the policy cannot be evaluated, e.g. the
	// domain key is unknown to every pod and node in the cluster.
	ConditionDegraded = "Degraded"
)

// SpreadPolicySpec declares which pods are governed and how their replicas
// must be distributed across failure domains.
type SpreadPolicySpec struct {
	// Selector matches the pods governed by this policy.
	Selector *metav1.LabelSelector `json:"selector"`

	// DomainKey is the node label whose values define the failure domains,
	// e.g. topology.kubernetes.io/zone or kubernetes.io/hostname.
	// +kubebuilder:validation:MinLength=1
	DomainKey string `json:"domainKey"`

	// Mode selects the target distribution.
	// +kubebuilder:default=Even
	Mode DistributionMode `json:"mode,omitempty"`

	// MaxSkew is the tolerated difference between the most and least
	// populated domain. Only meaningful for the MaxSkew mode.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:default=1
	// +optional
	MaxSkew int32 `json:"maxSkew,omitempty"`

	// Weights maps domain values to relative weights for the Weighted mode.
	// +optional
	Weights map[string]int32 `json:"weights,omitempty"`

	// ActionMode selects advisory or enforcing correction.
	// +kubebuilder:default=Advisory
	ActionMode ActionMode `json:"actionMode,omitempty"`

	// MinDomainReplicas is an availability floor: the controller never plans
	// an eviction that would drop a domain below this count.
	// +kubebuilder:validation:Minimum=0
	// +optional
	MinDomainReplicas int32 `json:"minDomainReplicas,omitempty"`

	// CordonOverflowNodes cordons the node an evicted pod was running on so
	// the replacement is not rescheduled into the donor domain immediately.
	// Only effective in Enforcing mode.
	// +optional
	CordonOverflowNodes bool `json:"cordonOverflowNodes,omitempty"`
}

// SpreadPolicyStatus is written exclusively by the controller after a
// successful reconciliation pass.
type SpreadPolicyStatus struct {
	// ObservedDistribution is the per-domain replica count seen at the last
	// reconciliation.
	// +optional
	ObservedDistribution map[string]int32 `json:"observedDistribution,omitempty"`

	// Skew is max(count) - min(count) over all known domains.
	// +optional
	Skew int32 `json:"skew,omitempty"`

	// PendingActions describes corrective actions emitted but not yet
	// reflected in the observed placement.
	// +optional
	PendingActions []string `json:"pendingActions,omitempty"`

	// LastReconcileTime is when the controller last completed a pass.
	// +optional
	LastReconcileTime *metav1.Time `json:"lastReconcileTime,omitempty"`

	// ObservedGeneration is the spec generation this status refers to.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions holds Progressing, Balanced and Degraded.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=spol
// +kubebuilder:printcolumn:name="Mode",type=string,JSONPath=`.spec.mode`
// +kubebuilder:printcolumn:name="Action",type=string,JSONPath=`.spec.actionMode`
// +kubebuilder:printcolumn:name="Skew",type=integer,JSONPath=`.status.skew`

// SpreadPolicy declares a replica spreading policy for a set of pods.
type SpreadPolicy struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SpreadPolicySpec   `json:"spec,omitempty"`
	Status SpreadPolicyStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// SpreadPolicyList contains a list of SpreadPolicy.
type SpreadPolicyList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []SpreadPolicy `json:"items"`
}

// EffectiveMode returns the distribution mode, defaulting to Even.
func (s *SpreadPolicySpec) EffectiveMode() DistributionMode {
	if s.Mode == "" {
		return DistributionEven
	}
	return s.Mode
}

// EffectiveActionMode returns the action mode, defaulting to Advisory.
func (s *SpreadPolicySpec) EffectiveActionMode() ActionMode {
	if s.ActionMode == "" {
		return ActionModeAdvisory
	}
	return s.ActionMode
}

// EffectiveMaxSkew returns the skew tolerance, defaulting to 1.
func (s *SpreadPolicySpec) EffectiveMaxSkew() int32 {
	if s.MaxSkew <= 0 {
		return 1
	}
	return s.MaxSkew
}

// IsEnforcing reports whether the policy may touch running pods.
func (p *SpreadPolicy) IsEnforcing() bool {
	return p.Spec.EffectiveActionMode() == ActionModeEnforcing
}

// IsBeingDeleted reports whether the policy has a deletion timestamp.
func (p *SpreadPolicy) IsBeingDeleted() bool {
	return p.DeletionTimestamp != nil
}
