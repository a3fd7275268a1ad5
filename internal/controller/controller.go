package controller

import (
	"oneshot_market/internal/domain"
)

// Utility scores outcomes for the deciding agent. The exchange host
// supplies the concrete function; default policies only need these
// three views of it.
type Utility interface {
	Value(o domain.Outcome, role domain.Role) float64
	MaxUtility(space domain.OfferSpace, role domain.Role) float64
	BestOutcome(space domain.OfferSpace, role domain.Role) domain.Outcome
}

// State is the bookkeeping a controller keeps across sessions within
// one round. It is reset when the round begins and mutated only by
// session outcome events; session logic reads it but never writes it.
type State struct {
	Period        int
	SecuredSupply int
	SecuredSales  int
}

func (s *State) Reset(period int) {
	s.Period = period
	s.SecuredSupply = 0
	s.SecuredSales = 0
}

func (s *State) ApplyAgreement(rec domain.AgreementRecord) {
	if rec.Role == domain.RoleSeller {
		s.SecuredSales += rec.Outcome.Quantity
	} else {
		s.SecuredSupply += rec.Outcome.Quantity
	}
}

func (s State) Secured(role domain.Role) int {
	if role == domain.RoleSeller {
		return s.SecuredSales
	}
	return s.SecuredSupply
}

// Controller is the lifecycle surface every decision variant shares.
// The round coordinator invokes the hooks; decision calls are always
// serialized, so implementations need no internal locking.
type Controller interface {
	OnRoundStart(state *State, sessions map[string]domain.SessionState)
	OnRoundEnd(state *State)
	OnAgreement(partnerID string, rec domain.AgreementRecord)
	OnFailure(partnerID string)
}

// Independent decides each session on its own as partner offers
// arrive. This is the minimal always-available contract.
type Independent interface {
	Controller

	// Propose produces the agent's next offer for one session. A nil
	// outcome ends that negotiation.
	Propose(partnerID string, state domain.SessionState) *domain.Outcome

	// Respond reacts to a single partner offer.
	Respond(partnerID string, offer domain.Outcome, state domain.SessionState) domain.Response
}

// Synchronized batches decisions over partner offers. CounterAll may
// be handed any non-empty subset of the active partners, down to a
// single one when the deadlock breaker forces early dispatch, and must
// return a response for exactly the keys present.
type Synchronized interface {
	Controller

	// FirstProposals is called once per round and covers every session
	// in which the agent proposes first. A nil outcome ends that
	// session.
	FirstProposals(sessions map[string]domain.SessionState) map[string]*domain.Outcome

	// CounterAll responds to the delivered offer subset in one shot.
	CounterAll(offers map[string]domain.Outcome, states map[string]domain.SessionState) map[string]domain.Response
}

// Exclusive marks a synchronized controller whose acceptances must
// remain the only agreement of the round. When such a controller
// accepts, the coordinator ends every other active session, not just
// those present in the dispatched subset.
type Exclusive interface {
	ExclusiveAgreement() bool
}
