package sinkcoord

import "wparse/pkg/routing"

// SinkGroupAgent wraps a SinkTerminal plus its group configuration: a
// flexible rule/OML matcher set, or a fixed assignment.
type SinkGroupAgent struct {
	SinkID   string
	Terminal *ReplicaGroup
	// FlexibleMatch lists the group's rule_key patterns that
	// SinkRouteAgent.Matching tests; ParserResAlloc.Resolve does not
	// consult it and routes through the rule registry only.
	FlexibleMatch []string
}

// SinkRouteAgent holds every business sink agent, keyed by SinkID, and
// finds the agents whose flexible group matches a rule_key.
type SinkRouteAgent struct {
	Agents map[string]*SinkGroupAgent
}

func NewSinkRouteAgent() *SinkRouteAgent {
	return &SinkRouteAgent{Agents: make(map[string]*SinkGroupAgent)}
}

func (r *SinkRouteAgent) Register(agent *SinkGroupAgent) { r.Agents[agent.SinkID] = agent }

// Matching returns every agent whose flexible group matches ruleKey, in
// map iteration order (not registration order).
func (r *SinkRouteAgent) Matching(ruleKey string) []*SinkGroupAgent {
	var out []*SinkGroupAgent
	for _, agent := range r.Agents {
		for _, pat := range agent.FlexibleMatch {
			if wildMatch(pat, ruleKey) {
				out = append(out, agent)
				break
			}
		}
	}
	return out
}

func wildMatch(pattern, key string) bool {
	if pattern == "*" || pattern == key {
		return true
	}
	return false
}

// ParserResAlloc resolves which sink agent a parsed rule_key routes to:
// the registered SinkID if present in the rule registry, else the default
// infra sink.
type ParserResAlloc struct {
	Registry *routing.SinkRuleRegistry
	Route    *SinkRouteAgent
	Default  *SinkGroupAgent
}

func (a *ParserResAlloc) Resolve(ruleKey string) *SinkGroupAgent {
	if sinkID, ok := a.Registry.Resolve(ruleKey); ok {
		if agent, ok := a.Route.Agents[sinkID]; ok {
			return agent
		}
	}
	return a.Default
}
