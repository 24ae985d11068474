package domain

// WorkerProfile describes one logical specialist in the roster. It is
// configuration, not a thread: the pool executes on its behalf and the
// orchestrator tracks its load through the coordination store.
type WorkerProfile struct {
	ID                     string     `json:"id"`
	Role                   Capability `json:"role"`
	CostTier               float64    `json:"cost_tier"`
	MaxConcurrent          int        `json:"max_concurrent"`
	DegradedSubstituteRole Capability `json:"degraded_substitute_role,omitempty"`
}

// Roster is the validated worker fleet loaded at startup.
type Roster []WorkerProfile

// ByRole returns the profiles whose role matches c.
func (r Roster) ByRole(c Capability) []WorkerProfile {
	var out []WorkerProfile
	for _, w := range r {
		if w.Role == c {
			out = append(out, w)
		}
	}
	return out
}

// Lookup returns the profile with the given id.
func (r Roster) Lookup(id string) (WorkerProfile, bool) {
	for _, w := range r {
		if w.ID == id {
			return w, true
		}
	}
	return WorkerProfile{}, false
}
