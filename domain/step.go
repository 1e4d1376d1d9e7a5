package domain

import "time"

// StepStatus is a step's lifecycle state.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepReady      StepStatus = "ready"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Checkpoint is one append-only progress marker recorded against a step,
// used for crash recovery and for the persistent-retry topology's
// "failure as context" mechanism.
type Checkpoint struct {
	Description string    `json:"description"`
	Data        string    `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Step is one unit of work within a molecule.
type Step struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Status     StepStatus   `json:"status"`
	DependsOn  []string     `json:"depends_on,omitempty"`
	Assignee   string       `json:"assignee,omitempty"` // agent id or pool id
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`
	IsGate     bool         `json:"is_gate"`
	GateID     string       `json:"gate_id,omitempty"`
	RetryCount int          `json:"retry_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// DeclarationOrder is this step's position among its siblings at
	// molecule-creation time, the tie-break applied when several steps
	// become ready in the same advance pass.
	DeclarationOrder int `json:"declaration_order"`
}

// AddCheckpoint appends a checkpoint. It is intentionally append-only:
// recording the same checkpoint description twice yields two entries,
// never a merge or overwrite.
func (s *Step) AddCheckpoint(description, data string) {
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Description: description,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	})
}

// ReadyGiven reports whether s is ready assuming the given statuses for
// every step id it depends on: a step is ready iff every declared
// dependency is completed or skipped.
func (s *Step) ReadyGiven(statusOf map[string]StepStatus) bool {
	for _, dep := range s.DependsOn {
		st, ok := statusOf[dep]
		if !ok {
			return false
		}
		if st != StepCompleted && st != StepSkipped {
			return false
		}
	}
	return true
}
