// Package selector chooses an execution provider under cost, latency and
// capability constraints.
package selector

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// ProviderProfile describes one execution provider.
type ProviderProfile struct {
	ID                 string
	Enabled            bool
	Model              string
	InputCostPerToken  float64
	OutputCostPerToken float64
	AvgLatency         time.Duration
	Capabilities       []string
	MaxConcurrent      int
}

// EstimateCost returns the cost of a call with the given token estimate.
func (p ProviderProfile) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputCostPerToken + float64(outputTokens)*p.OutputCostPerToken
}

// Requirements constrain a selection. Zero MaxCost or MaxLatency means unbounded.
type Requirements struct {
	Capabilities          []string
	MaxCost               float64
	MaxLatency            time.Duration
	EstimatedInputTokens  int
	EstimatedOutputTokens int
	// Provider pins the selection to one provider, which must still pass
	// every filter.
	Provider string
	// Unavailable maps provider IDs to the reason they cannot take work
	// right now, such as an open circuit breaker.
	Unavailable map[string]string
}

// Alternative is a runner-up choice.
type Alternative struct {
	Provider      string
	Model         string
	EstimatedCost float64
	TradeOff      string
}

// Selection is the outcome of Select.
type Selection struct {
	Provider      string
	Model         string
	EstimatedCost float64
	Rationale     string
	Alternatives  []Alternative // At most two
}

// NoEligibleProviderError is returned when every provider was filtered out.
type NoEligibleProviderError struct {
	Reasons map[string]string // Provider ID -> why it was rejected
}

func (e *NoEligibleProviderError) Error() string {
	if len(e.Reasons) == 0 {
		return "no eligible provider: none configured"
	}
	ids := make([]string, 0, len(e.Reasons))
	for id := range e.Reasons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+": "+e.Reasons[id])
	}
	return "no eligible provider (" + strings.Join(parts, "; ") + ")"
}

type candidate struct {
	profile ProviderProfile
	cost    float64
}

// Select filters the profiles against req and returns the cheapest survivor,
// ties broken by latency then ID, with up to two alternatives.
func Select(req Requirements, profiles []ProviderProfile) (*Selection, error) {
	if req.Provider != "" && !slices.ContainsFunc(profiles, func(p ProviderProfile) bool { return p.ID == req.Provider }) {
		return nil, &scheduler.ValidationError{Field: "assignedProvider", Reason: fmt.Sprintf("unknown provider %q", req.Provider)}
	}

	reasons := make(map[string]string)
	var survivors []candidate
	for _, p := range profiles {
		if req.Provider != "" && p.ID != req.Provider {
			continue
		}
		if reason := reject(req, p); reason != "" {
			reasons[p.ID] = reason
			continue
		}
		survivors = append(survivors, candidate{
			profile: p,
			cost:    p.EstimateCost(req.EstimatedInputTokens, req.EstimatedOutputTokens),
		})
	}

	if len(survivors) == 0 {
		return nil, &NoEligibleProviderError{Reasons: reasons}
	}

	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if a.profile.AvgLatency != b.profile.AvgLatency {
			return a.profile.AvgLatency < b.profile.AvgLatency
		}
		return a.profile.ID < b.profile.ID
	})

	best := survivors[0]
	sel := &Selection{
		Provider:      best.profile.ID,
		Model:         best.profile.Model,
		EstimatedCost: best.cost,
		Rationale:     rationale(best, len(survivors), len(profiles)),
	}
	for _, alt := range survivors[1:min(len(survivors), 3)] {
		sel.Alternatives = append(sel.Alternatives, Alternative{
			Provider:      alt.profile.ID,
			Model:         alt.profile.Model,
			EstimatedCost: alt.cost,
			TradeOff:      tradeOff(best, alt),
		})
	}
	return sel, nil
}

// reject returns why p cannot serve req, or "" if it can.
func reject(req Requirements, p ProviderProfile) string {
	if !p.Enabled {
		return "disabled"
	}
	if reason, ok := req.Unavailable[p.ID]; ok {
		return reason
	}
	for _, c := range req.Capabilities {
		if !slices.Contains(p.Capabilities, c) {
			return "missing capability " + c
		}
	}
	cost := p.EstimateCost(req.EstimatedInputTokens, req.EstimatedOutputTokens)
	if req.MaxCost > 0 && cost > req.MaxCost {
		return fmt.Sprintf("estimated cost %.6f exceeds %.6f", cost, req.MaxCost)
	}
	if req.MaxLatency > 0 && p.AvgLatency > req.MaxLatency {
		return fmt.Sprintf("latency %s exceeds %s", p.AvgLatency, req.MaxLatency)
	}
	return ""
}

func rationale(best candidate, eligible, total int) string {
	return fmt.Sprintf("%s is the cheapest of %d eligible providers (of %d): est. $%.6f, ~%s latency",
		best.profile.ID, eligible, total, best.cost, best.profile.AvgLatency)
}

func tradeOff(best, alt candidate) string {
	extra := alt.cost - best.cost
	switch {
	case alt.profile.AvgLatency < best.profile.AvgLatency:
		return fmt.Sprintf("%s faster for $%.6f more", best.profile.AvgLatency-alt.profile.AvgLatency, extra)
	case alt.profile.AvgLatency > best.profile.AvgLatency:
		return fmt.Sprintf("%s slower and $%.6f more", alt.profile.AvgLatency-best.profile.AvgLatency, extra)
	default:
		return fmt.Sprintf("same latency, $%.6f more", extra)
	}
}
