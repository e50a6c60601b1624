package evaluator

import (
	"fmt"

	"k8s.io/apimachinery/pkg/types"
)

// ActionKind tags the corrective action variants.
type ActionKind string

const (
	// ActionEvict removes a pod from an over-populated domain via the
	// eviction subresource, respecting PodDisruptionBudgets.
	ActionEvict ActionKind = "Evict"

	// ActionCordon marks a node unschedulable so replacements are not
	// rescheduled into the donor domain.
	ActionCordon ActionKind = "Cordon"

	// ActionPatchAntiAffinity records advisory placement hints on a pod,
	// steering future scheduling without touching running workloads.
	ActionPatchAntiAffinity ActionKind = "PatchAntiAffinity"

	// ActionNoop is emitted for bookkeeping only and is never submitted to
	// the cluster API.
	ActionNoop ActionKind = "Noop"
)

// CorrectiveAction is a single planned correction. Immutable once constructed;
// ResourceVersion is the version of the target object read at evaluation time
// and is used as an optimistic-concurrency precondition on apply.
type CorrectiveAction struct {
	Kind ActionKind

	// Pod identifies the target for Evict and PatchAntiAffinity.
	Pod types.NamespacedName

	// Node identifies the target for Cordon.
	Node string

	// FromDomain and ToDomain describe the planned relocation.
	FromDomain string
	ToDomain   string

	// ResourceVersion of the target object at evaluation time.
	ResourceVersion string
}

// Describe renders the action for status.pendingActions and logs.
func (a CorrectiveAction) Describe() string {
	switch a.Kind {
	case ActionEvict:
		return fmt.Sprintf("Evict %s (%s -> %s)", a.Pod, a.FromDomain, a.ToDomain)
	case ActionCordon:
		return fmt.Sprintf("Cordon node %s (domain %s)", a.Node, a.FromDomain)
	case ActionPatchAntiAffinity:
		return fmt.Sprintf("PatchAntiAffinity %s (prefer %s)", a.Pod, a.ToDomain)
	default:
		return "Noop"
	}
}
