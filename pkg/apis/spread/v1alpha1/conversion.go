package v1alpha1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// FromUnstructured converts a dynamic-informer object into a typed SpreadPolicy,
// validating it at the cache-ingestion boundary. Malformed objects are rejected
// here so ambiguous data never reaches the evaluator.
func FromUnstructured(obj *unstructured.Unstructured) (*SpreadPolicy, error) {
	if obj == nil {
		return nil, fmt.Errorf("nil object")
	}

	policy := &SpreadPolicy{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, policy); err != nil {
		return nil, fmt.Errorf("converting %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}

	if err := policy.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SpreadPolicy %s/%s: %w", policy.Namespace, policy.Name, err)
	}

	return policy, nil
}

// Validate checks structural invariants of the spec. Unsatisfiable policies
// (unknown domain key at runtime) are a reconciliation concern, not a
// validation one; this only rejects specs that are malformed on their face.
func (s *SpreadPolicySpec) Validate() error {
	if s.DomainKey == "" {
		return fmt.Errorf("domainKey must not be empty")
	}

	if s.Selector == nil {
		return fmt.Errorf("selector must be set")
	}
	if _, err := metav1.LabelSelectorAsSelector(s.Selector); err != nil {
		return fmt.Errorf("invalid selector: %w", err)
	}

	switch s.EffectiveMode() {
	case DistributionEven:
		// No extra fields required.
	case DistributionMaxSkew:
		if s.MaxSkew < 0 {
			return fmt.Errorf("maxSkew must not be negative")
		}
	case DistributionWeighted:
		if len(s.Weights) == 0 {
			return fmt.Errorf("weighted mode requires at least one weight")
		}
		total := int32(0)
		for domain, weight := range s.Weights {
			if weight < 0 {
				return fmt.Errorf("weight for domain %q must not be negative", domain)
			}
			total += weight
		}
		if total == 0 {
			return fmt.Errorf("weights must not all be zero")
		}
	default:
		return fmt.Errorf("unknown distribution mode %q", s.Mode)
	}

	switch s.EffectiveActionMode() {
	case ActionModeAdvisory, ActionModeEnforcing:
	default:
		return fmt.Errorf("unknown action mode %q", s.ActionMode)
	}

	if s.MinDomainReplicas < 0 {
		return fmt.Errorf("minDomainReplicas must not be negative")
	}

	return nil
}
