package collab

import (
	"sync"

	"github.com/corpcore/orchestrator/domain"
)

// LearningSink receives molecule outcomes for long-term pattern
// extraction. The core calls it after terminal transitions and consults
// PatternsFor when composing prompts; it attaches no meaning to the
// returned patterns.
type LearningSink interface {
	OnMoleculeCompleted(m *domain.Molecule)
	OnMoleculeFailed(m *domain.Molecule, reason string)
	PatternsFor(context string) []string
}

// FakeLearningSink records outcomes and serves a fixed pattern list.
type FakeLearningSink struct {
	mu        sync.Mutex
	Completed []string // molecule ids
	Failed    map[string]string
	Patterns  []string
}

func NewFakeLearningSink() *FakeLearningSink {
	return &FakeLearningSink{Failed: make(map[string]string)}
}

func (f *FakeLearningSink) OnMoleculeCompleted(m *domain.Molecule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Completed = append(f.Completed, m.ID)
}

func (f *FakeLearningSink) OnMoleculeFailed(m *domain.Molecule, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Failed[m.ID] = reason
}

func (f *FakeLearningSink) PatternsFor(context string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.Patterns...)
}
