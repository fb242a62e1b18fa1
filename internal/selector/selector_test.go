package selector

import (
	"errors"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

func profiles() []ProviderProfile {
	return []ProviderProfile{
		{ID: "premium", Enabled: true, Model: "big", InputCostPerToken: 0.00001, OutputCostPerToken: 0.00003, AvgLatency: 4 * time.Second, Capabilities: []string{"code", "vision"}},
		{ID: "budget", Enabled: true, Model: "small", InputCostPerToken: 0.0000001, OutputCostPerToken: 0.0000004, AvgLatency: 2 * time.Second, Capabilities: []string{"code"}},
		{ID: "mid", Enabled: true, Model: "medium", InputCostPerToken: 0.0000005, OutputCostPerToken: 0.000001, AvgLatency: time.Second, Capabilities: []string{"code"}},
		{ID: "off", Enabled: false, Model: "free", Capabilities: []string{"code"}},
	}
}

func TestSelectMaxCost(t *testing.T) {
	req := Requirements{
		MaxCost:               0.001,
		EstimatedInputTokens:  100,
		EstimatedOutputTokens: 100,
	}

	sel, err := Select(req, profiles())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	// premium costs 0.004 and must be excluded
	if sel.Provider != "budget" {
		t.Errorf("Provider = %q, want budget", sel.Provider)
	}
	if sel.EstimatedCost > req.MaxCost {
		t.Errorf("EstimatedCost %f exceeds MaxCost", sel.EstimatedCost)
	}
	for _, alt := range sel.Alternatives {
		if alt.Provider == "premium" || alt.Provider == "off" {
			t.Errorf("ineligible provider %q offered as alternative", alt.Provider)
		}
		if alt.TradeOff == "" {
			t.Errorf("alternative %q has no trade-off text", alt.Provider)
		}
	}
	if len(sel.Alternatives) != 1 || sel.Alternatives[0].Provider != "mid" {
		t.Errorf("Alternatives = %+v, want [mid]", sel.Alternatives)
	}
}

func TestSelectFilters(t *testing.T) {
	tests := []struct {
		name string
		req  Requirements
		want string
	}{
		{
			name: "capability superset",
			req:  Requirements{Capabilities: []string{"vision"}, EstimatedInputTokens: 10},
			want: "premium",
		},
		{
			name: "max latency",
			req:  Requirements{MaxLatency: 1500 * time.Millisecond, EstimatedInputTokens: 10},
			want: "mid",
		},
		{
			name: "unavailable",
			req:  Requirements{Unavailable: map[string]string{"budget": "circuit open"}, EstimatedInputTokens: 10},
			want: "mid",
		},
		{
			name: "pinned provider",
			req:  Requirements{Provider: "premium"},
			want: "premium",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := Select(tt.req, profiles())
			if err != nil {
				t.Fatalf("Select failed: %v", err)
			}
			if sel.Provider != tt.want {
				t.Errorf("Provider = %q, want %q", sel.Provider, tt.want)
			}
		})
	}
}

func TestSelectTieBreaksOnLatency(t *testing.T) {
	ps := []ProviderProfile{
		{ID: "slow", Enabled: true, InputCostPerToken: 0.001, AvgLatency: 3 * time.Second},
		{ID: "fast", Enabled: true, InputCostPerToken: 0.001, AvgLatency: time.Second},
	}
	sel, err := Select(Requirements{EstimatedInputTokens: 1}, ps)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Provider != "fast" {
		t.Errorf("Provider = %q, want fast", sel.Provider)
	}
}

func TestSelectNoEligibleProvider(t *testing.T) {
	_, err := Select(Requirements{Capabilities: []string{"audio"}}, profiles())

	var noProvider *NoEligibleProviderError
	if !errors.As(err, &noProvider) {
		t.Fatalf("expected NoEligibleProviderError, got %v", err)
	}
	if got := noProvider.Reasons["off"]; got != "disabled" {
		t.Errorf("reason for off = %q, want disabled", got)
	}
	if got := noProvider.Reasons["budget"]; got != "missing capability audio" {
		t.Errorf("reason for budget = %q", got)
	}
}

func TestSelectUnknownPinnedProvider(t *testing.T) {
	_, err := Select(Requirements{Provider: "nope"}, profiles())

	var validation *scheduler.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSelectAlternativesCapped(t *testing.T) {
	ps := []ProviderProfile{
		{ID: "a", Enabled: true, InputCostPerToken: 1},
		{ID: "b", Enabled: true, InputCostPerToken: 2},
		{ID: "c", Enabled: true, InputCostPerToken: 3},
		{ID: "d", Enabled: true, InputCostPerToken: 4},
	}
	sel, err := Select(Requirements{EstimatedInputTokens: 1}, ps)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(sel.Alternatives) != 2 {
		t.Fatalf("got %d alternatives, want 2", len(sel.Alternatives))
	}
	if sel.Alternatives[0].Provider != "b" || sel.Alternatives[1].Provider != "c" {
		t.Errorf("alternatives = %+v, want b then c", sel.Alternatives)
	}
}
