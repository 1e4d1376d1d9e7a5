package molecule

import (
	"fmt"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/ids"
)

// expandSwarm materializes a swarm molecule's scatter/critique/converge
// steps on Start: N scatter steps with no dependencies, R rounds
// of N critique steps each (round 0 depends on the matching scatter step,
// round r>0 on the matching round r-1 critique step), and a single
// convergence step depending on the final round. The three step id sets
// are recorded on SwarmConfig, where the engine's swarm progress
// computation reads them without re-deriving the shape.
func expandSwarm(m *domain.Molecule) {
	cfg := m.Topology.Swarm
	if cfg == nil {
		return
	}
	n := cfg.ScatterCount
	if n < 2 {
		n = 2
	}

	scatterIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s := domain.Step{
			ID:               ids.New(ids.Step),
			Name:             fmt.Sprintf("scatter-%d", i),
			Status:           domain.StepPending,
			DeclarationOrder: len(m.Steps),
		}
		m.Steps = append(m.Steps, s)
		scatterIDs = append(scatterIDs, s.ID)
	}
	cfg.ScatterStepIDs = scatterIDs

	prevRound := scatterIDs
	var critiqueIDs []string
	for r := 0; r < cfg.CritiqueRounds; r++ {
		round := make([]string, 0, n)
		for i := 0; i < n; i++ {
			s := domain.Step{
				ID:               ids.New(ids.Step),
				Name:             fmt.Sprintf("critique-r%d-%d", r, i),
				Status:           domain.StepPending,
				DependsOn:        []string{prevRound[i]},
				DeclarationOrder: len(m.Steps),
			}
			m.Steps = append(m.Steps, s)
			round = append(round, s.ID)
		}
		critiqueIDs = append(critiqueIDs, round...)
		prevRound = round
	}
	cfg.CritiqueStepIDs = critiqueIDs

	converge := domain.Step{
		ID:               ids.New(ids.Step),
		Name:             "converge",
		Status:           domain.StepPending,
		DependsOn:        append([]string{}, prevRound...),
		DeclarationOrder: len(m.Steps),
	}
	m.Steps = append(m.Steps, converge)
	cfg.ConvergeStepID = converge.ID
}

// TallyVotes implements the ConvergeVote strategy: the most frequent value
// wins if its share of the total reaches minAgreement; otherwise the swarm
// has not reached consensus and agreed is false. Ties favor the value that
// appears first, in the spirit of the engine's declaration-order
// tie-break for ready steps, rather than an arbitrary map-iteration order.
func TallyVotes(votes []string, minAgreement float64) (winner string, agreed bool) {
	if len(votes) == 0 {
		return "", false
	}
	counts := make(map[string]int, len(votes))
	order := make([]string, 0, len(votes))
	for _, v := range votes {
		if _, seen := counts[v]; !seen {
			order = append(order, v)
		}
		counts[v]++
	}
	best := order[0]
	for _, v := range order {
		if counts[v] > counts[best] {
			best = v
		}
	}
	share := float64(counts[best]) / float64(len(votes))
	return best, share >= minAgreement
}
