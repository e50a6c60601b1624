package evaluator

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// PodInfo is the slice of pod state the evaluator needs. Built from the
// resource cache; the evaluator itself never reads the cluster.
type PodInfo struct {
	Key               types.NamespacedName
	Node              string
	Domain            string
	ResourceVersion   string
	CreationTimestamp time.Time
}

// ObservedPlacement is a point-in-time snapshot of where a policy's pods sit
// across failure domains. Rebuilt from the cache on every reconciliation and
// never reused across passes.
type ObservedPlacement struct {
	// Counts maps every known domain value to the number of matching pods
	// placed there. Domains known to the cluster but holding zero matching
	// pods are present with count 0 so the planner can target them.
	Counts map[string]int32

	// PodsByDomain holds the matching pods per domain.
	PodsByDomain map[string][]PodInfo

	// SchedulableNodes counts uncordoned nodes per domain, used as the
	// capacity feasibility signal for eviction targets.
	SchedulableNodes map[string]int

	// UnlabeledPods counts matching pods whose node does not carry the
	// domain key. They are excluded from planning and surfaced as a
	// diagnostic.
	UnlabeledPods int
}

// Normalize sorts pod lists oldest-first (creation timestamp, then key) so
// donor selection is stable and reproducible across runs.
func (o *ObservedPlacement) Normalize() {
	for domain := range o.PodsByDomain {
		pods := o.PodsByDomain[domain]
		sort.SliceStable(pods, func(i, j int) bool {
			if !pods[i].CreationTimestamp.Equal(pods[j].CreationTimestamp) {
				return pods[i].CreationTimestamp.Before(pods[j].CreationTimestamp)
			}
			return pods[i].Key.String() < pods[j].Key.String()
		})
	}
}

// Domains returns the known domain values in lexicographic order.
func (o *ObservedPlacement) Domains() []string {
	domains := make([]string, 0, len(o.Counts))
	for domain := range o.Counts {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Total returns the number of matching pods across all domains.
func (o *ObservedPlacement) Total() int32 {
	var total int32
	for _, count := range o.Counts {
		total += count
	}
	return total
}

// Skew returns max(count) - min(count) over all known domains, 0 when fewer
// than two domains are known.
func (o *ObservedPlacement) Skew() int32 {
	if len(o.Counts) < 2 {
		return 0
	}
	first := true
	var minCount, maxCount int32
	for _, count := range o.Counts {
		if first {
			minCount, maxCount = count, count
			first = false
			continue
		}
		if count < minCount {
			minCount = count
		}
		if count > maxCount {
			maxCount = count
		}
	}
	return maxCount - minCount
}

func skewOf(counts map[string]int32) int32 {
	placement := ObservedPlacement{Counts: counts}
	return placement.Skew()
}
