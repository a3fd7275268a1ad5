package agent

import (
	"testing"

	"oneshot_market/internal/controller"
	"oneshot_market/internal/domain"
	"oneshot_market/internal/utility"
)

func sellerSpace() domain.OfferSpace {
	return domain.OfferSpace{
		MinQuantity:  1,
		MaxQuantity:  10,
		MinUnitPrice: 10,
		MaxUnitPrice: 20,
		Time:         0,
	}
}

func sellerState(partnerID string, round, nRounds int) domain.SessionState {
	return domain.SessionState{
		PartnerID: partnerID,
		Role:      domain.RoleSeller,
		Round:     round,
		NRounds:   nRounds,
		Space:     sellerSpace(),
	}
}

func TestGreedyIndependentProposesRemainingNeed(t *testing.T) {
	g := NewGreedyIndependent(utility.Profile{ExogenousInputQuantity: 5, ExogenousInputPrice: 50})
	st := &controller.State{}
	st.Reset(0)
	g.OnRoundStart(st, nil)

	offer := g.Propose("p1", sellerState("p1", 0, 10))
	if offer == nil {
		t.Fatalf("expected opening offer")
	}
	if offer.Quantity != 5 || offer.UnitPrice != 20 {
		t.Fatalf("seller should offer full need at max price, got %+v", offer)
	}

	st.ApplyAgreement(domain.AgreementRecord{Role: domain.RoleSeller, Outcome: domain.Outcome{Quantity: 3}})
	offer = g.Propose("p1", sellerState("p1", 1, 10))
	if offer == nil || offer.Quantity != 2 {
		t.Fatalf("expected remaining need 2, got %+v", offer)
	}

	st.ApplyAgreement(domain.AgreementRecord{Role: domain.RoleSeller, Outcome: domain.Outcome{Quantity: 2}})
	if offer := g.Propose("p1", sellerState("p1", 2, 10)); offer != nil {
		t.Fatalf("satisfied need must end the session, got %+v", offer)
	}
}

func TestGreedyIndependentRespond(t *testing.T) {
	g := NewGreedyIndependent(utility.Profile{ExogenousInputQuantity: 5, ExogenousInputPrice: 50})
	st := &controller.State{}
	st.Reset(0)
	g.OnRoundStart(st, nil)

	// Mid-round offers are rejected with a counter.
	resp := g.Respond("p1", domain.Outcome{Quantity: 3, Time: 0, UnitPrice: 12}, sellerState("p1", 2, 10))
	if resp.Decision != domain.DecisionReject || resp.Counter == nil {
		t.Fatalf("expected reject with counter, got %+v", resp)
	}

	// Final round: accept when the quantity fits the need.
	resp = g.Respond("p1", domain.Outcome{Quantity: 4, Time: 0, UnitPrice: 12}, sellerState("p1", 9, 10))
	if resp.Decision != domain.DecisionAccept {
		t.Fatalf("expected final-round accept, got %s", resp.Decision)
	}
	resp = g.Respond("p1", domain.Outcome{Quantity: 8, Time: 0, UnitPrice: 12}, sellerState("p1", 9, 10))
	if resp.Decision != domain.DecisionEnd {
		t.Fatalf("oversized final-round offer must end, got %s", resp.Decision)
	}

	// Nothing left to trade.
	st.ApplyAgreement(domain.AgreementRecord{Role: domain.RoleSeller, Outcome: domain.Outcome{Quantity: 5}})
	resp = g.Respond("p1", domain.Outcome{Quantity: 1, Time: 0, UnitPrice: 20}, sellerState("p1", 3, 10))
	if resp.Decision != domain.DecisionEnd {
		t.Fatalf("expected end once need is met, got %s", resp.Decision)
	}
}

func TestGreedySyncFirstProposals(t *testing.T) {
	g := NewGreedySync(utility.Profile{ExogenousInputQuantity: 5, ExogenousInputPrice: 50})
	st := &controller.State{}
	st.Reset(0)
	sessions := map[string]domain.SessionState{
		"x": sellerState("x", 0, 10),
		"y": sellerState("y", 0, 10),
	}
	g.OnRoundStart(st, sessions)

	proposals := g.FirstProposals(sessions)
	if len(proposals) != 2 {
		t.Fatalf("expected a proposal per session, got %d", len(proposals))
	}
	for partnerID, offer := range proposals {
		if offer == nil || offer.Quantity != 5 || offer.UnitPrice != 20 {
			t.Fatalf("unexpected proposal for %s: %+v", partnerID, offer)
		}
	}
}

func TestGreedySyncAcceptsBestPricedSubset(t *testing.T) {
	g := NewGreedySync(utility.Profile{
		ExogenousInputQuantity: 2,
		ExogenousInputPrice:    4,
		ProductionCost:         1,
		DeliveryPenalty:        22,
	})
	st := &controller.State{}
	st.Reset(0)
	sessions := map[string]domain.SessionState{
		"cheap": sellerState("cheap", 1, 10),
		"rich":  sellerState("rich", 1, 10),
	}
	g.OnRoundStart(st, sessions)

	offers := map[string]domain.Outcome{
		"cheap": {Quantity: 2, Time: 0, UnitPrice: 10},
		"rich":  {Quantity: 2, Time: 0, UnitPrice: 20},
	}
	responses := g.CounterAll(offers, sessions)

	if responses["rich"].Decision != domain.DecisionAccept {
		t.Fatalf("expected the best-priced offer accepted, got %s", responses["rich"].Decision)
	}
	if responses["cheap"].Decision != domain.DecisionReject {
		t.Fatalf("expected the rest rejected, got %s", responses["cheap"].Decision)
	}
	if responses["cheap"].Counter == nil {
		t.Fatalf("rejected partner must get a counter offer")
	}
}

func TestGreedySyncRejectsWeakOffers(t *testing.T) {
	g := NewGreedySync(utility.Profile{
		ExogenousInputQuantity: 5,
		ExogenousInputPrice:    10,
		ProductionCost:         1,
		DeliveryPenalty:        14,
	})
	st := &controller.State{}
	st.Reset(0)
	sessions := map[string]domain.SessionState{
		"a": sellerState("a", 1, 10),
		"b": sellerState("b", 1, 10),
	}
	g.OnRoundStart(st, sessions)

	offers := map[string]domain.Outcome{
		"a": {Quantity: 3, Time: 0, UnitPrice: 10},
		"b": {Quantity: 2, Time: 0, UnitPrice: 10},
	}
	responses := g.CounterAll(offers, sessions)
	for partnerID, resp := range responses {
		if resp.Decision != domain.DecisionReject {
			t.Fatalf("expected reject for %s, got %s", partnerID, resp.Decision)
		}
	}
}
