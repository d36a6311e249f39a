package collector

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Registry holds agents keyed by source id, remembering registration order.
type Registry struct {
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces the agent for its source.
func (r *Registry) Register(a Agent) {
	id := a.Source()
	if _, ok := r.agents[id]; !ok {
		r.order = append(r.order, id)
	}
	r.agents[id] = a
}

// Get returns the agent for source.
func (r *Registry) Get(source string) (Agent, error) {
	a, ok := r.agents[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownSource, "collector: %q", source)
	}
	return a, nil
}

// Select resolves names to agents. An empty list selects every agent.
// Unknown names are reported together.
func (r *Registry) Select(names []string) ([]Agent, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	var (
		out     []Agent
		unknown []string
		seen    = make(map[string]bool, len(names))
	)
	for _, n := range names {
		a, err := r.Get(n)
		if err != nil {
			unknown = append(unknown, n)
			continue
		}
		if seen[a.Source()] {
			continue
		}
		seen[a.Source()] = true
		out = append(out, a)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, eris.Wrapf(ErrUnknownSource, "collector: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// All returns agents in registration order.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Names returns registered source ids in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.order) }

// Build registers one agent per catalog source. A nil reader selects
// offline template agents.
func Build(cat *Catalog, reader Reader, opts FamilyOptions) *Registry {
	reg := NewRegistry()
	for _, src := range cat.Sources {
		if reader == nil {
			reg.Register(NewTemplateAgent(src))
			continue
		}
		reg.Register(NewFamilyAgent(src, reader, opts))
	}
	return reg
}

var estimatedMinutes = map[string]int{
	"medicare":     5,
	"medicaid":     15,
	"commercial":   10,
	"guidelines":   3,
	"kaiser":       8,
	"molina":       6,
	"centene":      7,
	"independence": 4,
}

// EstimateMinutes returns the expected run time of a source in minutes.
func EstimateMinutes(source string) int {
	if m, ok := estimatedMinutes[source]; ok {
		return m
	}
	return 5
}
