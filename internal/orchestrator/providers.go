package orchestrator

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/ratelimit"
	"github.com/aristath/taskpilot/internal/selector"
)

// Provider is one execution provider known to the service.
type Provider struct {
	Profile   selector.ProviderProfile
	Backend   backend.Backend     // Nil for a disabled provider
	Timeout   time.Duration       // Per-attempt deadline, 0 for none
	RateLimit *ratelimit.Settings // Nil for unlimited
}

// ProvidersFromConfig builds providers from configuration. A provider whose
// backend cannot be created (for example a missing API key) is kept but
// disabled, and the reason is logged.
func ProvidersFromConfig(cfg map[string]config.ProviderConfig, pm *backend.ProcessManager) []Provider {
	ids := make([]string, 0, len(cfg))
	for id := range cfg {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	providers := make([]Provider, 0, len(ids))
	for _, id := range ids {
		pc := cfg[id]
		p := Provider{
			Profile: selector.ProviderProfile{
				ID:                 id,
				Enabled:            pc.IsEnabled(),
				Model:              pc.Model,
				InputCostPerToken:  pc.InputCostPerToken,
				OutputCostPerToken: pc.OutputCostPerToken,
				AvgLatency:         pc.AvgLatency.Std(),
				Capabilities:       pc.Capabilities,
				MaxConcurrent:      pc.MaxConcurrent,
			},
			Timeout: pc.Timeout.Std(),
		}
		if rl := pc.RateLimit; rl != nil {
			p.RateLimit = &ratelimit.Settings{
				Strategy:        ratelimit.Strategy(rl.Strategy),
				Requests:        rl.Requests,
				Window:          rl.Window.Std(),
				Capacity:        rl.Capacity,
				RefillPerSecond: rl.RefillPerSecond,
			}
		}

		if p.Profile.Enabled {
			b, err := backend.New(backend.Config{
				Name:               id,
				Type:               pc.Type,
				Model:              pc.Model,
				APIKey:             pc.APIKey(),
				BaseURL:            pc.BaseURL,
				Command:            pc.Command,
				Upstream:           pc.Upstream,
				SystemPrompt:       pc.SystemPrompt,
				MaxTokens:          pc.MaxTokens,
				InputCostPerToken:  pc.InputCostPerToken,
				OutputCostPerToken: pc.OutputCostPerToken,
			}, pm)
			if err != nil {
				log.Printf("WARNING: provider %s disabled: %v", id, err)
				p.Profile.Enabled = false
			} else {
				p.Backend = b
			}
		}
		providers = append(providers, p)
	}
	return providers
}

// provider is the service's runtime view of a Provider.
type provider struct {
	Provider
	limiter ratelimit.Limiter
}

func (p *provider) id() string { return p.Profile.ID }

// SetProviders replaces the provider set. Limiters of providers whose rate
// limit settings are unchanged keep their state. Backends of removed or
// replaced providers are closed.
func (s *Service) SetProviders(providers []Provider) error {
	next := make(map[string]*provider, len(providers))
	for _, p := range providers {
		if p.Profile.ID == "" {
			return fmt.Errorf("provider without ID")
		}
		if p.Profile.Enabled && p.Backend == nil {
			return fmt.Errorf("provider %s: enabled without backend", p.Profile.ID)
		}
		next[p.Profile.ID] = &provider{Provider: p}
	}

	s.mu.Lock()
	prev := s.providers
	var changed []string
	for id, p := range next {
		old, ok := prev[id]
		if ok && sameLimit(old.RateLimit, p.RateLimit) {
			p.limiter = old.limiter
			if old.Profile.MaxConcurrent == p.Profile.MaxConcurrent {
				continue
			}
		} else if p.RateLimit != nil {
			l, err := ratelimit.New(*p.RateLimit, s.clock)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("provider %s: %w", id, err)
			}
			p.limiter = l
		}
		changed = append(changed, id)
	}
	s.providers = next
	s.mu.Unlock()

	for _, id := range changed {
		p := next[id]
		s.limits.Set(id, p.limiter, p.Profile.MaxConcurrent)
	}
	for id, old := range prev {
		p, ok := next[id]
		if !ok {
			s.limits.Set(id, nil, 0)
		}
		if old.Backend == nil || (ok && p.Backend == old.Backend) {
			continue
		}
		if err := old.Backend.Close(); err != nil {
			log.Printf("WARNING: closing provider %s: %v", id, err)
		}
	}

	// Tasks that found no provider may find one now
	s.evaluator.ReleaseHeld()
	s.Wake()
	return nil
}

func sameLimit(a, b *ratelimit.Settings) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// profiles returns the selector view of all providers, sorted by ID.
func (s *Service) profiles() []selector.ProviderProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]selector.ProviderProfile, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.Profile)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) provider(id string) (*provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}
