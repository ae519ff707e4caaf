// Package affinity ranks capacity-eligible hosts for a pending node under
// its (similarity, resource) scheduler policy. It is a pure function over a
// snapshot: sibling placements may be slightly stale, and the placement
// scheduler's reservation step resolves any race.
package affinity

import (
	"sort"

	"blockfleet/pkg/model"
)

// Candidate is a host that passed the ledger's capacity pre-filter, together
// with the inputs the policies rank on.
type Candidate struct {
	HostID string

	// FreeFraction is the host's binding free capacity fraction.
	FreeFraction float64

	// Siblings is how many nodes sharing the pending node's group key are
	// currently assigned to this host.
	Siblings int
}

// Rank orders candidates best first. An empty result means the affinity
// constraints are unsatisfiable over the given candidates; the caller
// decides whether to relax or fail.
//
// Semantics:
//   - similarity cluster: hosts running ≥1 sibling rank strictly above the
//     rest; ties fall to the resource policy.
//   - similarity spread: hosts running any sibling are dropped entirely when
//     at least one sibling-free host exists; otherwise fewest siblings wins.
//   - similarity unset: no affinity constraint; all candidates rank equally
//     before the resource policy.
//   - resource most_resources: smallest sufficient free fraction first
//     (bin-packing, keeps large hosts open for large requests).
//   - resource least_resources: largest free fraction first.
//
// The final tie-break is ascending host id so placement is reproducible.
func Rank(candidates []Candidate, policy model.SchedulerPolicy) []Candidate {
	ranked := append([]Candidate(nil), candidates...)

	if policy.Similarity != nil && *policy.Similarity == model.SimilaritySpread {
		ranked = dropOccupiedIfPossible(ranked)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if policy.Similarity != nil {
			switch *policy.Similarity {
			case model.SimilarityCluster:
				ai, bi := a.Siblings > 0, b.Siblings > 0
				if ai != bi {
					return ai
				}
			case model.SimilaritySpread:
				if a.Siblings != b.Siblings {
					return a.Siblings < b.Siblings
				}
			}
		}
		if a.FreeFraction != b.FreeFraction {
			if policy.Resource == model.ResourceMost {
				return a.FreeFraction < b.FreeFraction
			}
			return a.FreeFraction > b.FreeFraction
		}
		return a.HostID < b.HostID
	})
	return ranked
}

// dropOccupiedIfPossible removes hosts already running siblings, but only
// when a sibling-free host remains. Spread protects a group against
// correlated host failure, yet a saturated fleet still prefers doubling up
// over not placing at all.
func dropOccupiedIfPossible(candidates []Candidate) []Candidate {
	free := candidates[:0:0]
	for _, c := range candidates {
		if c.Siblings == 0 {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return candidates
	}
	return free
}
