// Package evaluator computes the delta between a declared spreading policy and
// an observed placement. It is pure: identical inputs produce byte-identical
// action lists, and no cluster state is read or written here.
package evaluator

import (
	"fmt"
	"math"
	"sort"

	spreadv1alpha1 "github.com/fitzek/spreadguard/pkg/apis/spread/v1alpha1"
)

// Outcome is the full result of one evaluation pass.
type Outcome struct {
	// Actions is the ordered list of corrective actions. Empty when the
	// placement already satisfies the policy.
	Actions []CorrectiveAction

	// Balanced is true when no correction is needed.
	Balanced bool

	// Degraded is true when the policy cannot be evaluated at all.
	Degraded       bool
	DegradedReason string

	// Ideal is the per-domain target the planner converged toward.
	Ideal map[string]int32

	// Skew is the observed skew at evaluation time.
	Skew int32
}

// Evaluate plans corrective actions for one policy against one placement
// snapshot.
func Evaluate(policy *spreadv1alpha1.SpreadPolicy, placement *ObservedPlacement) Outcome {
	outcome := Outcome{Skew: placement.Skew()}

	// Unknown domain key: no pod and no node carries it, so there is nothing
	// to plan against.
	if len(placement.Counts) == 0 {
		outcome.Degraded = true
		outcome.DegradedReason = fmt.Sprintf(
			"domain key %q is not present on any node or pod", policy.Spec.DomainKey)
		return outcome
	}

	// Nothing placed yet: trivially balanced.
	if placement.Total() == 0 {
		outcome.Balanced = true
		return outcome
	}

	mode := policy.Spec.EffectiveMode()
	outcome.Ideal = idealCounts(policy, placement)

	if mode == spreadv1alpha1.DistributionMaxSkew && outcome.Skew <= policy.Spec.EffectiveMaxSkew() {
		outcome.Balanced = true
		return outcome
	}

	moves := planMoves(policy, placement, outcome.Ideal)
	if len(moves) == 0 {
		outcome.Balanced = outcome.Skew <= tolerance(policy)
		return outcome
	}

	outcome.Actions = renderActions(policy, moves)
	return outcome
}

// move is one planned relocation of a pod between domains.
type move struct {
	pod  PodInfo
	from string
	to   string
}

// idealCounts computes the per-domain target distribution.
func idealCounts(policy *spreadv1alpha1.SpreadPolicy, placement *ObservedPlacement) map[string]int32 {
	if policy.Spec.EffectiveMode() == spreadv1alpha1.DistributionWeighted {
		return weightedIdeal(policy.Spec.Weights, placement)
	}
	return evenIdeal(placement)
}

// evenIdeal assigns floor(total/n) everywhere and distributes the remainder to
// the lexicographically first domains. The tie-break must be reproducible
// across runs.
func evenIdeal(placement *ObservedPlacement) map[string]int32 {
	domains := placement.Domains()
	total := placement.Total()
	n := int32(len(domains))

	ideal := make(map[string]int32, len(domains))
	base := total / n
	remainder := total % n
	for i, domain := range domains {
		ideal[domain] = base
		if int32(i) < remainder {
			ideal[domain]++
		}
	}
	return ideal
}

// weightedIdeal distributes total proportionally to the declared weights,
// assigning rounding remainders largest-fractional-remainder first. Known
// domains without a declared weight get weight zero.
func weightedIdeal(weights map[string]int32, placement *ObservedPlacement) map[string]int32 {
	domains := placement.Domains()
	total := placement.Total()

	var weightSum int64
	for _, domain := range domains {
		weightSum += int64(weights[domain])
	}
	ideal := make(map[string]int32, len(domains))
	if weightSum == 0 {
		// No declared weight applies to any known domain; fall back to even
		// so the planner still converges somewhere sane.
		return evenIdeal(placement)
	}

	type fraction struct {
		domain string
		frac   float64
	}
	fractions := make([]fraction, 0, len(domains))
	var assigned int32
	for _, domain := range domains {
		exact := float64(total) * float64(weights[domain]) / float64(weightSum)
		floor := int32(math.Floor(exact))
		ideal[domain] = floor
		assigned += floor
		fractions = append(fractions, fraction{domain: domain, frac: exact - float64(floor)})
	}

	// Largest fractional remainder first; lexicographic domain as tie-break.
	sort.SliceStable(fractions, func(i, j int) bool {
		if fractions[i].frac != fractions[j].frac {
			return fractions[i].frac > fractions[j].frac
		}
		return fractions[i].domain < fractions[j].domain
	})
	for i := int32(0); i < total-assigned; i++ {
		ideal[fractions[i].domain]++
	}
	return ideal
}

// tolerance is the skew the policy accepts without correction.
func tolerance(policy *spreadv1alpha1.SpreadPolicy) int32 {
	if policy.Spec.EffectiveMode() == spreadv1alpha1.DistributionMaxSkew {
		return policy.Spec.EffectiveMaxSkew()
	}
	return 0
}

// planMoves walks placements from the most over-populated domain toward the
// most under-populated one until the policy is satisfied or no further
// improvement is possible without violating the availability floor.
func planMoves(policy *spreadv1alpha1.SpreadPolicy, placement *ObservedPlacement, ideal map[string]int32) []move {
	counts := make(map[string]int32, len(placement.Counts))
	for domain, count := range placement.Counts {
		counts[domain] = count
	}

	// Per-domain cursor into the oldest-first pod lists.
	cursor := make(map[string]int, len(placement.PodsByDomain))

	maxSkewMode := policy.Spec.EffectiveMode() == spreadv1alpha1.DistributionMaxSkew
	floor := policy.Spec.MinDomainReplicas
	enforcing := policy.IsEnforcing()

	var moves []move
	for {
		if maxSkewMode && skewOf(counts) <= policy.Spec.EffectiveMaxSkew() {
			break
		}

		donor, ok := pickDonor(placement, counts, ideal, cursor, floor)
		if !ok {
			break
		}
		recipient, ok := pickRecipient(placement, counts, ideal, donor, enforcing)
		if !ok {
			break
		}

		pod := placement.PodsByDomain[donor][cursor[donor]]
		cursor[donor]++
		counts[donor]--
		counts[recipient]++
		moves = append(moves, move{pod: pod, from: donor, to: recipient})
	}
	return moves
}

// pickDonor returns the domain most over its ideal that can still give up a
// pod: it has an unplanned pod left and releasing one keeps it at or above the
// availability floor. Ties break lexicographically.
func pickDonor(placement *ObservedPlacement, counts, ideal map[string]int32, cursor map[string]int, floor int32) (string, bool) {
	var best string
	var bestExcess int32
	found := false
	for _, domain := range placement.Domains() {
		excess := counts[domain] - ideal[domain]
		if excess <= 0 {
			continue
		}
		if counts[domain]-1 < floor {
			continue
		}
		if cursor[domain] >= len(placement.PodsByDomain[domain]) {
			continue
		}
		if !found || excess > bestExcess {
			best, bestExcess, found = domain, excess, true
		}
	}
	return best, found
}

// pickRecipient returns the domain furthest under its ideal. In enforcing mode
// a recipient must have schedulable capacity, otherwise evicting toward it
// would only bounce the replacement elsewhere. Ties break lexicographically.
func pickRecipient(placement *ObservedPlacement, counts, ideal map[string]int32, donor string, enforcing bool) (string, bool) {
	var best string
	var bestDeficit int32
	found := false
	for _, domain := range placement.Domains() {
		if domain == donor {
			continue
		}
		deficit := ideal[domain] - counts[domain]
		if deficit <= 0 {
			continue
		}
		if enforcing && placement.SchedulableNodes[domain] == 0 {
			continue
		}
		if !found || deficit > bestDeficit {
			best, bestDeficit, found = domain, deficit, true
		}
	}
	return best, found
}

// renderActions turns planned moves into the mode-appropriate action list.
// Advisory policies only steer future scheduling; enforcing policies evict,
// optionally cordoning the vacated node so the replacement lands elsewhere.
func renderActions(policy *spreadv1alpha1.SpreadPolicy, moves []move) []CorrectiveAction {
	actions := make([]CorrectiveAction, 0, len(moves))
	cordoned := make(map[string]bool)

	for _, m := range moves {
		if !policy.IsEnforcing() {
			actions = append(actions, CorrectiveAction{
				Kind:            ActionPatchAntiAffinity,
				Pod:             m.pod.Key,
				FromDomain:      m.from,
				ToDomain:        m.to,
				ResourceVersion: m.pod.ResourceVersion,
			})
			continue
		}

		actions = append(actions, CorrectiveAction{
			Kind:            ActionEvict,
			Pod:             m.pod.Key,
			FromDomain:      m.from,
			ToDomain:        m.to,
			ResourceVersion: m.pod.ResourceVersion,
		})
		if policy.Spec.CordonOverflowNodes && m.pod.Node != "" && !cordoned[m.pod.Node] {
			cordoned[m.pod.Node] = true
			actions = append(actions, CorrectiveAction{
				Kind:       ActionCordon,
				Node:       m.pod.Node,
				FromDomain: m.from,
			})
		}
	}
	return actions
}
