package router

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mattjoyce/toolbridge/internal/descriptor"
)

// Policy orders the candidates for a capability.
type Policy string

const (
	// PolicyFirstMatch tries candidates in descriptor id order.
	PolicyFirstMatch Policy = "first-match"
	// PolicyLeastLoaded prefers the fewest in-flight requests, then the
	// fewest requests routed so far, then descriptor id.
	PolicyLeastLoaded Policy = "least-loaded"
	// PolicyPriority prefers the highest priority, then descriptor id.
	PolicyPriority Policy = "priority"
)

// ParsePolicy validates a policy name. Empty means least-loaded.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(s)); p {
	case "":
		return PolicyLeastLoaded, nil
	case PolicyFirstMatch, PolicyLeastLoaded, PolicyPriority:
		return p, nil
	default:
		return "", fmt.Errorf("unknown routing policy %q (valid: first-match, least-loaded, priority)", s)
	}
}

// order returns a new slice of candidates in the order they are tried.
func (r *Router) order(cands []descriptor.Descriptor) []descriptor.Descriptor {
	out := slices.Clone(cands)
	switch r.policy {
	case PolicyPriority:
		slices.SortStableFunc(out, func(a, b descriptor.Descriptor) int {
			if a.Priority != b.Priority {
				return b.Priority - a.Priority
			}
			return strings.Compare(a.ID, b.ID)
		})
	case PolicyLeastLoaded:
		type load struct {
			inflight int
			routed   uint64
		}
		loads := make(map[string]load, len(out))
		r.mu.Lock()
		for _, d := range out {
			loads[d.ID] = load{routed: r.routed[d.ID]}
		}
		r.mu.Unlock()
		for _, d := range out {
			l := loads[d.ID]
			l.inflight = r.workers.InFlight(d.ID)
			loads[d.ID] = l
		}
		slices.SortStableFunc(out, func(a, b descriptor.Descriptor) int {
			la, lb := loads[a.ID], loads[b.ID]
			if la.inflight != lb.inflight {
				return la.inflight - lb.inflight
			}
			if la.routed != lb.routed {
				if la.routed < lb.routed {
					return -1
				}
				return 1
			}
			return strings.Compare(a.ID, b.ID)
		})
	default:
		slices.SortStableFunc(out, func(a, b descriptor.Descriptor) int {
			return strings.Compare(a.ID, b.ID)
		})
	}
	return out
}
