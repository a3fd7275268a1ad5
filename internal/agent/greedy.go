package agent

import (
	"sort"

	"oneshot_market/internal/controller"
	"oneshot_market/internal/domain"
	"oneshot_market/internal/utility"
)

// offerBuilder is the offer-construction capability the greedy agents
// share: how much is still needed this period and what the best offer
// for one session looks like. Shared by composition, not layering.
type offerBuilder struct {
	fun     *utility.Fun
	profile utility.Profile
	state   *controller.State
}

func (b *offerBuilder) bindRound(state *controller.State) {
	b.state = state
}

// needed is the quantity still worth trading in the given role: the
// exogenous position minus what this round already secured.
func (b *offerBuilder) needed(role domain.Role) int {
	if b.state == nil {
		return 0
	}
	if role == domain.RoleSeller {
		return b.profile.ExogenousInputQuantity - b.state.SecuredSales
	}
	return b.profile.ExogenousOutputQuantity - b.state.SecuredSupply
}

// bestOffer builds the most favorable outcome covering the remaining
// need: extreme price for the own side, needed quantity clamped into
// the space. Returns nil when nothing is needed.
func (b *offerBuilder) bestOffer(state domain.SessionState) *domain.Outcome {
	need := b.needed(state.Role)
	if need <= 0 {
		return nil
	}
	price := state.Space.MinUnitPrice
	if state.Role == domain.RoleSeller {
		price = state.Space.MaxUnitPrice
	}
	return &domain.Outcome{
		Quantity:  state.Space.ClampQuantity(need),
		Time:      state.Space.Time,
		UnitPrice: price,
	}
}

// GreedyIndependent decides every session in isolation: it offers its
// remaining need at the best price and only accepts on the final round
// when the offered quantity fits that need.
type GreedyIndependent struct {
	offerBuilder
}

func NewGreedyIndependent(profile utility.Profile) *GreedyIndependent {
	return &GreedyIndependent{offerBuilder{fun: utility.New(profile), profile: profile}}
}

func (g *GreedyIndependent) OnRoundStart(state *controller.State, sessions map[string]domain.SessionState) {
	g.bindRound(state)
}

func (g *GreedyIndependent) OnRoundEnd(state *controller.State)                       {}
func (g *GreedyIndependent) OnAgreement(partnerID string, rec domain.AgreementRecord) {}
func (g *GreedyIndependent) OnFailure(partnerID string)                               {}

func (g *GreedyIndependent) Propose(partnerID string, state domain.SessionState) *domain.Outcome {
	return g.bestOffer(state)
}

func (g *GreedyIndependent) Respond(partnerID string, offer domain.Outcome, state domain.SessionState) domain.Response {
	need := g.needed(state.Role)
	if need <= 0 {
		return domain.Response{Decision: domain.DecisionEnd}
	}
	if state.Round >= state.NRounds-1 {
		if offer.Quantity <= need {
			return domain.Response{Decision: domain.DecisionAccept}
		}
		return domain.Response{Decision: domain.DecisionEnd}
	}
	return domain.Response{Decision: domain.DecisionReject, Counter: g.bestOffer(state)}
}

// GreedySync batches its decisions: offers are ranked by price per
// trading side, greedily chosen up to the remaining need, and the
// chosen set is accepted as a whole once it clears the acceptance
// fraction of the attainable maximum utility.
type GreedySync struct {
	offerBuilder
	acceptFraction float64
	maxUtility     float64
}

func NewGreedySync(profile utility.Profile) *GreedySync {
	return &GreedySync{
		offerBuilder:   offerBuilder{fun: utility.New(profile), profile: profile},
		acceptFraction: 0.7,
	}
}

func (g *GreedySync) OnRoundStart(state *controller.State, sessions map[string]domain.SessionState) {
	g.bindRound(state)
	g.maxUtility = 0
	for _, s := range sessions {
		if v := g.fun.MaxUtility(s.Space, s.Role); v > g.maxUtility {
			g.maxUtility = v
		}
	}
}

func (g *GreedySync) OnRoundEnd(state *controller.State)                       {}
func (g *GreedySync) OnAgreement(partnerID string, rec domain.AgreementRecord) {}
func (g *GreedySync) OnFailure(partnerID string)                               {}

func (g *GreedySync) FirstProposals(sessions map[string]domain.SessionState) map[string]*domain.Outcome {
	proposals := make(map[string]*domain.Outcome, len(sessions))
	for partnerID, state := range sessions {
		proposals[partnerID] = g.bestOffer(state)
	}
	return proposals
}

func (g *GreedySync) CounterAll(offers map[string]domain.Outcome, states map[string]domain.SessionState) map[string]domain.Response {
	responses := make(map[string]domain.Response, len(offers))
	for partnerID := range offers {
		responses[partnerID] = domain.Response{
			Decision: domain.DecisionReject,
			Counter:  g.bestOffer(states[partnerID]),
		}
	}

	g.counterSide(domain.RoleSeller, offers, states, responses)
	g.counterSide(domain.RoleBuyer, offers, states, responses)
	return responses
}

func (g *GreedySync) counterSide(role domain.Role, offers map[string]domain.Outcome, states map[string]domain.SessionState, responses map[string]domain.Response) {
	partnerIDs := make([]string, 0, len(offers))
	for partnerID := range offers {
		if states[partnerID].Role == role {
			partnerIDs = append(partnerIDs, partnerID)
		}
	}
	need := g.needed(role)
	if len(partnerIDs) == 0 || need <= 0 {
		return
	}

	// Best price first: highest when selling, lowest when buying.
	sort.Slice(partnerIDs, func(i, j int) bool {
		a, b := offers[partnerIDs[i]], offers[partnerIDs[j]]
		if a.UnitPrice == b.UnitPrice {
			return partnerIDs[i] < partnerIDs[j]
		}
		if role == domain.RoleSeller {
			return a.UnitPrice > b.UnitPrice
		}
		return a.UnitPrice < b.UnitPrice
	})

	secured := 0
	chosen := make([]string, 0, len(partnerIDs))
	for _, partnerID := range partnerIDs {
		if secured >= need {
			break
		}
		chosen = append(chosen, partnerID)
		secured += offers[partnerID].Quantity
	}

	outcomes := make([]domain.Outcome, len(chosen))
	roles := make([]domain.Role, len(chosen))
	for i, partnerID := range chosen {
		outcomes[i] = offers[partnerID]
		roles[i] = role
	}
	if g.fun.FromOffers(outcomes, roles) > g.acceptFraction*g.maxUtility {
		for _, partnerID := range chosen {
			responses[partnerID] = domain.Response{Decision: domain.DecisionAccept}
		}
	}
}

// NewGreedySingleAgreement builds the single-agreement flavor: the
// default utility-backed acceptance policy on the shared
// single-agreement controller.
func NewGreedySingleAgreement(profile utility.Profile, strict bool) *controller.SingleAgreement {
	return controller.NewSingleAgreement(controller.UtilityPolicy{Fun: utility.New(profile)}, strict)
}
