package p2p

// Criterion is a set of session lifecycle events an Action waits for.
// Criteria are bit flags and can be combined.
type Criterion uint

const (
	// CriterionNone never fires automatically; run the action with
	// Session.ExecAction.
	CriterionNone Criterion = 0

	// CriterionAfterConnect fires once the session is set up and hello was sent.
	CriterionAfterConnect Criterion = 1 << (iota - 1)

	// CriterionAfterIDOK fires once the peer's identity was accepted.
	CriterionAfterIDOK
)

// ActionFunc is the work attached to an Action.
type ActionFunc func(a *Action, s *Session)

// Action is a callback attached to a Session and run at most once, when one
// of its criteria is met.
type Action struct {
	criteria Criterion
	fn       ActionFunc
}

// NewAction returns an action gated on criteria.
func NewAction(criteria Criterion, fn ActionFunc) *Action {
	return &Action{criteria: criteria, fn: fn}
}

// Criteria returns the criteria the action waits for.
func (a *Action) Criteria() Criterion {
	return a.criteria
}

// HasCriterion reports whether c is among the action's criteria.
func (a *Action) HasCriterion(c Criterion) bool {
	return a.criteria&c != 0
}

func (a *Action) exec(s *Session) {
	if a.fn != nil {
		a.fn(a, s)
	}
}
