package security

import "time"

// CBState is a circuit breaker's operating state.
type CBState string

const (
	CBClosed   CBState = "closed"    // normal operation
	CBOpen     CBState = "open"      // tripped — agent excluded from scheduling
	CBHalfOpen CBState = "half_open" // cooldown elapsed; probing for recovery
)

// CircuitBreaker monitors one agent's recent failures and trust trend,
// tripping to exclude it from scheduling consideration once its failure
// count or trust score crosses a threshold. A sudden reputation drop also
// trips it, so a degraded or compromised agent stops receiving work
// immediately rather than at the next failure.
type CircuitBreaker struct {
	AgentID          string        `json:"agent_id"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	TrustFloor       float64       `json:"trust_floor"`
	CooldownPeriod   time.Duration `json:"cooldown_period"`
	State            CBState       `json:"state"`
	LastTripped      time.Time     `json:"last_tripped"`
}

// NewCircuitBreaker constructs a closed breaker with a 30 minute cooldown.
func NewCircuitBreaker(agentID string, failureThreshold int, trustFloor float64) *CircuitBreaker {
	return &CircuitBreaker{
		AgentID:          agentID,
		FailureThreshold: failureThreshold,
		TrustFloor:       trustFloor,
		CooldownPeriod:   30 * time.Minute,
		State:            CBClosed,
	}
}

// RecordFailure increments the failure counter, tripping the breaker once
// FailureThreshold is reached. Returns true if this call tripped it.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.FailureCount++
	if cb.FailureCount >= cb.FailureThreshold {
		cb.State = CBOpen
		cb.LastTripped = time.Now().UTC()
		return true
	}
	return false
}

// RecordSuccess resets the failure counter and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.FailureCount = 0
	cb.State = CBClosed
}

// CheckTrustDrop trips the breaker if currentTrust has fallen below
// TrustFloor. Returns true if this call tripped it.
func (cb *CircuitBreaker) CheckTrustDrop(currentTrust float64) bool {
	if currentTrust < cb.TrustFloor {
		cb.State = CBOpen
		cb.LastTripped = time.Now().UTC()
		return true
	}
	return false
}

// IsAllowed reports whether the agent may currently be scheduled. An open
// breaker turns half-open once CooldownPeriod has elapsed; a half-open
// breaker allows every call until a recorded outcome closes it or trips
// it again.
func (cb *CircuitBreaker) IsAllowed() bool {
	switch cb.State {
	case CBClosed:
		return true
	case CBOpen:
		if time.Since(cb.LastTripped) > cb.CooldownPeriod {
			cb.State = CBHalfOpen
			return true
		}
		return false
	case CBHalfOpen:
		return true
	default:
		return false
	}
}
