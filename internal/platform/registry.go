package platform

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"postwave/internal/content"
	logx "postwave/pkg/logx"
)

// Registry knows every platform the binary can publish to. It hands out fresh
// plugin instances; the per-platform rate limiters outlive them.
type Registry struct {
	mu        sync.RWMutex
	factories map[ID]Factory
	settings  map[ID]Settings
	limiters  map[ID]*rate.Limiter
	rules     content.RuleSet

	http *http.Client
	log  logx.Logger
}

func NewRegistry(hc *http.Client, log logx.Logger) *Registry {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Registry{
		factories: make(map[ID]Factory),
		settings:  make(map[ID]Settings),
		limiters:  make(map[ID]*rate.Limiter),
		rules:     content.DefaultRules(),
		http:      hc,
		log:       log,
	}
}

// Register adds a factory. Registering the same platform twice panics.
func (r *Registry) Register(id ID, f Factory) {
	if f == nil {
		panic(fmt.Sprintf("platform: nil factory for %s", id))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[id]; dup {
		panic(fmt.Sprintf("platform: %s registered twice", id))
	}
	r.factories[id] = f
}

// Configure replaces the settings and rules. It is safe to call while plugins
// are in use; limiters are rebuilt only when their rate changes.
func (r *Registry) Configure(settings map[ID]Settings, rules content.RuleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[ID]Settings, len(settings))
	for id, s := range settings {
		next[id] = s
		lim, ok := r.limiters[id]
		want := rate.Inf
		if s.RatePerSec > 0 {
			want = rate.Limit(s.RatePerSec)
		}
		burst := s.Burst
		if burst <= 0 {
			burst = 1
		}
		if !ok {
			r.limiters[id] = rate.NewLimiter(want, burst)
			continue
		}
		if lim.Limit() != want {
			lim.SetLimit(want)
		}
		if lim.Burst() != burst {
			lim.SetBurst(burst)
		}
	}
	r.settings = next
	if rules != nil {
		r.rules = rules
	}
}

// Enabled lists the enabled platforms, sorted.
func (r *Registry) Enabled() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ID
	for id, s := range r.settings {
		if s.Enabled {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Require fails unless every id is enabled and has a factory.
func (r *Registry) Require(ids ...ID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if _, ok := r.factories[id]; !ok {
			return fmt.Errorf("%s: %w", id, ErrNotRegistered)
		}
		if s, ok := r.settings[id]; !ok || !s.Enabled {
			return fmt.Errorf("%s: %w", id, ErrDisabled)
		}
	}
	return nil
}

// Rules returns the rule set the registry validates with.
func (r *Registry) Rules() content.RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// New builds a plugin instance for one operation.
func (r *Registry) New(id ID) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	s := r.settings[id]
	lim := r.limiters[id]
	rules, known := r.rules[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	if !s.Enabled {
		return nil, fmt.Errorf("%s: %w", id, ErrDisabled)
	}
	if !known {
		return nil, fmt.Errorf("%s: %w", id, content.ErrUnknownPlatform)
	}
	if s.MaxImageBytes > 0 {
		rules.MaxImageBytes = s.MaxImageBytes
	}
	return f(Deps{
		Log:      r.log.With(logx.String("platform", string(id))),
		Rules:    rules,
		Settings: s,
		HTTP:     r.http,
		Limiter:  lim,
	}), nil
}
