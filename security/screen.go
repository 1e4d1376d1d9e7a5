package security

import "github.com/corpcore/orchestrator/domain"

// ScreenMolecule checks a newly created molecule for red flags a
// malicious or careless delegator might produce: no cost cap on
// high-criticality work, low cost/value confidence on critical work, an
// implausibly large step count, and a missing accountable agent — a
// molecule nobody is accountable for is itself a red flag.
func ScreenMolecule(m *domain.Molecule) []string {
	var warnings []string

	if len(m.Steps) > 50 {
		warnings = append(warnings, "unusually large step count for a single molecule")
	}

	highStakes := m.Criticality == domain.CriticalityHigh || m.Criticality == domain.CriticalityCritical
	if highStakes && m.CostCap == 0 {
		warnings = append(warnings, "high-criticality molecule has no cost cap — unbounded spend risk")
	}
	if highStakes && m.Economic.Confidence > 0 && m.Economic.Confidence < 0.3 {
		warnings = append(warnings, "low cost/value confidence on high-criticality work — potential under-specification")
	}
	if m.AccountableAgent() == "" {
		warnings = append(warnings, "no accountable agent assigned — cannot enforce RACI invariant")
	}
	return warnings
}
