package session

import (
	"errors"
	"testing"

	"oneshot_market/internal/domain"
)

func testSpace() domain.OfferSpace {
	return domain.OfferSpace{
		MinQuantity:  1,
		MaxQuantity:  10,
		MinUnitPrice: 10,
		MaxUnitPrice: 20,
		Time:         0,
	}
}

func offer(q int, p float64) domain.Outcome {
	return domain.Outcome{Quantity: q, Time: 0, UnitPrice: p}
}

func TestAlternationReachesBudget(t *testing.T) {
	nRounds := 3
	s := New("partner", domain.RoleSeller, true, testSpace(), nRounds)

	for i := 0; i < nRounds; i++ {
		own := offer(5, 15)
		if err := s.RecordOwnOffer(&own); err != nil {
			t.Fatalf("round %d record own offer: %v", i, err)
		}
		if err := s.ReceivePartnerOffer(offer(4, 12)); err != nil {
			t.Fatalf("round %d partner offer: %v", i, err)
		}
		if err := s.ApplyDecision(domain.DecisionReject); err != nil {
			t.Fatalf("round %d reject: %v", i, err)
		}
	}

	if s.Status() != domain.SessionStatusEnded {
		t.Fatalf("expected session ended after %d rejects, got %s", nRounds, s.Status())
	}
	if s.Round() != nRounds {
		t.Fatalf("expected round counter %d, got %d", nRounds, s.Round())
	}
}

func TestRejectOnLastRoundEndsNormally(t *testing.T) {
	s := New("partner", domain.RoleBuyer, false, testSpace(), 1)

	if err := s.ReceivePartnerOffer(offer(3, 18)); err != nil {
		t.Fatalf("partner offer: %v", err)
	}
	if err := s.ApplyDecision(domain.DecisionReject); err != nil {
		t.Fatalf("reject on last round must not error: %v", err)
	}
	if s.Status() != domain.SessionStatusEnded {
		t.Fatalf("expected ended, got %s", s.Status())
	}
}

func TestAcceptRecordsAgreedOutcome(t *testing.T) {
	s := New("partner", domain.RoleBuyer, false, testSpace(), 5)

	received := offer(6, 14)
	if err := s.ReceivePartnerOffer(received); err != nil {
		t.Fatalf("partner offer: %v", err)
	}
	if err := s.ApplyDecision(domain.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.Status() != domain.SessionStatusAccepted {
		t.Fatalf("expected accepted, got %s", s.Status())
	}
	agreed := s.AgreedOutcome()
	if agreed == nil || *agreed != received {
		t.Fatalf("expected agreed outcome %+v, got %+v", received, agreed)
	}
}

func TestPartnerAcceptedClosesOnOwnOffer(t *testing.T) {
	s := New("partner", domain.RoleSeller, true, testSpace(), 5)

	own := offer(7, 19)
	if err := s.RecordOwnOffer(&own); err != nil {
		t.Fatalf("record own offer: %v", err)
	}
	if err := s.PartnerAccepted(); err != nil {
		t.Fatalf("partner accepted: %v", err)
	}
	agreed := s.AgreedOutcome()
	if agreed == nil || *agreed != own {
		t.Fatalf("expected agreement on own offer %+v, got %+v", own, agreed)
	}
}

func TestPartnerAcceptedWithoutStandingOffer(t *testing.T) {
	s := New("partner", domain.RoleSeller, true, testSpace(), 5)

	if err := s.PartnerAccepted(); err == nil {
		t.Fatalf("expected error when no own offer is standing")
	}
}

func TestNilOwnOfferEndsSession(t *testing.T) {
	s := New("partner", domain.RoleSeller, true, testSpace(), 5)

	if err := s.RecordOwnOffer(nil); err != nil {
		t.Fatalf("nil own offer must not error: %v", err)
	}
	if s.Status() != domain.SessionStatusEnded {
		t.Fatalf("expected ended, got %s", s.Status())
	}
}

func TestInvalidOwnOfferEndsWithError(t *testing.T) {
	s := New("partner", domain.RoleSeller, true, testSpace(), 5)

	bad := offer(99, 15)
	err := s.RecordOwnOffer(&bad)
	if err == nil {
		t.Fatalf("expected invalid outcome error")
	}
	if !errors.Is(err, domain.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
	if s.Status() != domain.SessionStatusEnded {
		t.Fatalf("expected ended, got %s", s.Status())
	}
}

func TestInvalidPartnerOfferEndsWithError(t *testing.T) {
	s := New("partner", domain.RoleBuyer, false, testSpace(), 5)

	err := s.ReceivePartnerOffer(offer(5, 25))
	if err == nil {
		t.Fatalf("expected invalid outcome error")
	}
	if !errors.Is(err, domain.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
	if s.Status() != domain.SessionStatusEnded {
		t.Fatalf("expected ended, got %s", s.Status())
	}
}

func TestTerminalSessionRejectsFurtherMoves(t *testing.T) {
	s := New("partner", domain.RoleBuyer, false, testSpace(), 5)

	if err := s.ReceivePartnerOffer(offer(3, 12)); err != nil {
		t.Fatalf("partner offer: %v", err)
	}
	if err := s.ApplyDecision(domain.DecisionEnd); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := s.ReceivePartnerOffer(offer(3, 12)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.ApplyDecision(domain.DecisionAccept); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStatusSequenceForFirstProposer(t *testing.T) {
	s := New("partner", domain.RoleSeller, true, testSpace(), 5)
	if s.Status() != domain.SessionStatusProposing {
		t.Fatalf("expected proposing, got %s", s.Status())
	}

	own := offer(5, 15)
	if err := s.RecordOwnOffer(&own); err != nil {
		t.Fatalf("record own offer: %v", err)
	}
	if s.Status() != domain.SessionStatusAwaitingPartner {
		t.Fatalf("expected awaiting_partner, got %s", s.Status())
	}
	if err := s.ReceivePartnerOffer(offer(4, 13)); err != nil {
		t.Fatalf("partner offer: %v", err)
	}
	if s.Status() != domain.SessionStatusEvaluating {
		t.Fatalf("expected evaluating, got %s", s.Status())
	}
}
