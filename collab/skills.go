package collab

import "sync"

// SkillRegistry supplies an agent's skills and capability set. The
// registry package is the system of record for capabilities an agent was
// hired with; this collaborator layers externally-managed skill data on
// top (e.g. from role definitions or industry presets, both out of scope
// for the core).
type SkillRegistry interface {
	SkillsFor(agentID string) []string
	CapabilitiesFor(agentID string) map[string]struct{}
}

// FakeSkillRegistry serves fixed skill/capability tables.
type FakeSkillRegistry struct {
	mu     sync.Mutex
	Skills map[string][]string
	Caps   map[string][]string
}

func NewFakeSkillRegistry() *FakeSkillRegistry {
	return &FakeSkillRegistry{Skills: make(map[string][]string), Caps: make(map[string][]string)}
}

func (f *FakeSkillRegistry) SkillsFor(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.Skills[agentID]...)
}

func (f *FakeSkillRegistry) CapabilitiesFor(agentID string) map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.Caps[agentID]))
	for _, c := range f.Caps[agentID] {
		out[c] = struct{}{}
	}
	return out
}
