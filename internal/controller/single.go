package controller

import (
	"oneshot_market/internal/domain"
)

// AcceptancePolicy is the pluggable total order and acceptance rule a
// single-agreement controller runs on. UtilityPolicy is the default;
// agents may supply their own.
type AcceptancePolicy interface {
	// BestOffer picks the preferred partner out of a non-empty offer
	// map. It must be deterministic for an unchanged input.
	BestOffer(offers map[string]domain.Outcome, states map[string]domain.SessionState) string

	// IsAcceptable reports whether the best offer is good enough to
	// close the round on.
	IsAcceptable(partnerID string, offer domain.Outcome, state domain.SessionState) bool

	// IsBetter ranks two offers from the same partner across
	// dispatches.
	IsBetter(a, b domain.Outcome, state domain.SessionState) bool

	// MakeOutcome builds the counter for a non-best partner; received
	// is the best offer that partner has made so far, when in-space.
	MakeOutcome(partnerID string, received *domain.Outcome, state domain.SessionState) *domain.Outcome

	// BestOutcome builds the counter sent to the best partner when its
	// offer was not acceptable.
	BestOutcome(state domain.SessionState) *domain.Outcome
}

const defaultAcceptFraction = 0.7

// UtilityPolicy implements AcceptancePolicy on top of the agent's
// utility function: offers are ordered by utility and accepted once
// they clear AcceptFraction of the attainable maximum.
type UtilityPolicy struct {
	Fun            Utility
	AcceptFraction float64
}

func (p UtilityPolicy) fraction() float64 {
	if p.AcceptFraction <= 0 {
		return defaultAcceptFraction
	}
	return p.AcceptFraction
}

func (p UtilityPolicy) BestOffer(offers map[string]domain.Outcome, states map[string]domain.SessionState) string {
	best := ""
	bestValue := 0.0
	for partnerID, offer := range offers {
		v := p.Fun.Value(offer, states[partnerID].Role)
		if best == "" || v > bestValue || (v == bestValue && partnerID < best) {
			best, bestValue = partnerID, v
		}
	}
	return best
}

func (p UtilityPolicy) IsAcceptable(partnerID string, offer domain.Outcome, state domain.SessionState) bool {
	return p.Fun.Value(offer, state.Role) > p.fraction()*p.Fun.MaxUtility(state.Space, state.Role)
}

func (p UtilityPolicy) IsBetter(a, b domain.Outcome, state domain.SessionState) bool {
	return p.Fun.Value(a, state.Role) > p.Fun.Value(b, state.Role)
}

func (p UtilityPolicy) MakeOutcome(partnerID string, received *domain.Outcome, state domain.SessionState) *domain.Outcome {
	if received != nil && state.Space.Contains(*received) {
		offer := *received
		return &offer
	}
	return p.BestOutcome(state)
}

func (p UtilityPolicy) BestOutcome(state domain.SessionState) *domain.Outcome {
	best := p.Fun.BestOutcome(state.Space, state.Role)
	return &best
}

// SingleAgreement is a synchronized controller that closes at most one
// agreement per round. Once an acceptable best offer appears it is
// accepted and every other session is ended. In strict mode the
// controller refuses any further acceptance itself, ending every late
// dispatch outright; non-strict mode keeps evaluating offers and
// leaves a racing acceptance to the coordinator's earliest-wins
// conversion.
type SingleAgreement struct {
	policy AcceptancePolicy
	strict bool

	accepted bool
	bestSeen map[string]domain.Outcome
}

func NewSingleAgreement(policy AcceptancePolicy, strict bool) *SingleAgreement {
	return &SingleAgreement{
		policy:   policy,
		strict:   strict,
		bestSeen: make(map[string]domain.Outcome),
	}
}

func (c *SingleAgreement) ExclusiveAgreement() bool { return true }

func (c *SingleAgreement) Strict() bool { return c.strict }

func (c *SingleAgreement) OnRoundStart(state *State, sessions map[string]domain.SessionState) {
	c.accepted = false
	c.bestSeen = make(map[string]domain.Outcome, len(sessions))
}

func (c *SingleAgreement) OnRoundEnd(state *State) {}

func (c *SingleAgreement) OnAgreement(partnerID string, rec domain.AgreementRecord) {
	c.accepted = true
}

func (c *SingleAgreement) OnFailure(partnerID string) {}

func (c *SingleAgreement) FirstProposals(sessions map[string]domain.SessionState) map[string]*domain.Outcome {
	proposals := make(map[string]*domain.Outcome, len(sessions))
	for partnerID, state := range sessions {
		proposals[partnerID] = c.policy.BestOutcome(state)
	}
	return proposals
}

func (c *SingleAgreement) CounterAll(offers map[string]domain.Outcome, states map[string]domain.SessionState) map[string]domain.Response {
	responses := make(map[string]domain.Response, len(offers))
	if len(offers) == 0 {
		return responses
	}

	for partnerID, offer := range offers {
		seen, ok := c.bestSeen[partnerID]
		if !ok || c.policy.IsBetter(offer, seen, states[partnerID]) {
			c.bestSeen[partnerID] = offer
		}
	}

	// Strict mode: an agreement was already reached this round, so
	// nothing further may even be attempted and every late session is
	// shut down here.
	if c.accepted && c.strict {
		for partnerID := range offers {
			responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
		}
		return responses
	}

	best := c.policy.BestOffer(offers, states)
	bestOffer := offers[best]
	bestState := states[best]

	if c.policy.IsAcceptable(best, bestOffer, bestState) {
		c.accepted = true
		responses[best] = domain.Response{Decision: domain.DecisionAccept}
		for partnerID := range offers {
			if partnerID == best {
				continue
			}
			responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
		}
		return responses
	}

	responses[best] = domain.Response{
		Decision: domain.DecisionReject,
		Counter:  c.policy.BestOutcome(bestState),
	}
	for partnerID := range offers {
		if partnerID == best {
			continue
		}
		// Counter with the best offer this partner has made so far,
		// not necessarily the one just received.
		seen := c.bestSeen[partnerID]
		responses[partnerID] = domain.Response{
			Decision: domain.DecisionReject,
			Counter:  c.policy.MakeOutcome(partnerID, &seen, states[partnerID]),
		}
	}
	return responses
}
