package session

import (
	"errors"
	"fmt"

	"oneshot_market/internal/domain"
)

var (
	ErrNotProposing  = errors.New("session is not awaiting an own move")
	ErrNotEvaluating = errors.New("session has no partner offer to decide on")
	ErrClosed        = errors.New("session is closed")
)

// Session is one bilateral alternating-offer negotiation with a single
// partner, bounded by a fixed round budget. It is a passive state
// machine: the round coordinator feeds it moves and decisions.
type Session struct {
	partnerID     string
	role          domain.Role
	firstProposer bool
	space         domain.OfferSpace
	nRounds       int

	round       int
	status      domain.SessionStatus
	lastOwn     *domain.Outcome
	lastPartner *domain.Outcome
	agreed      *domain.Outcome
}

func New(partnerID string, role domain.Role, firstProposer bool, space domain.OfferSpace, nRounds int) *Session {
	if nRounds <= 0 {
		nRounds = 1
	}
	status := domain.SessionStatusAwaitingPartner
	if firstProposer {
		status = domain.SessionStatusProposing
	}
	return &Session{
		partnerID:     partnerID,
		role:          role,
		firstProposer: firstProposer,
		space:         space,
		nRounds:       nRounds,
		status:        status,
	}
}

func (s *Session) PartnerID() string            { return s.partnerID }
func (s *Session) Role() domain.Role            { return s.role }
func (s *Session) FirstProposer() bool          { return s.firstProposer }
func (s *Session) Space() domain.OfferSpace     { return s.space }
func (s *Session) Status() domain.SessionStatus { return s.status }
func (s *Session) Round() int                   { return s.round }

func (s *Session) Terminal() bool {
	return s.status == domain.SessionStatusAccepted || s.status == domain.SessionStatusEnded
}

// LastRound reports whether no further counter-offer opportunity
// remains: a reject now can only terminate the session.
func (s *Session) LastRound() bool {
	return s.round >= s.nRounds-1
}

func (s *Session) State() domain.SessionState {
	return domain.SessionState{
		PartnerID:        s.partnerID,
		Role:             s.role,
		Status:           s.status,
		Round:            s.round,
		NRounds:          s.nRounds,
		Space:            s.space,
		LastOwnOffer:     s.lastOwn,
		LastPartnerOffer: s.lastPartner,
	}
}

// AgreedOutcome returns the outcome the session closed on, if any: the
// partner offer this agent accepted, or this agent's own offer the
// partner accepted.
func (s *Session) AgreedOutcome() *domain.Outcome {
	if s.status != domain.SessionStatusAccepted {
		return nil
	}
	return s.agreed
}

// RecordOwnOffer registers the agent's own proposal. A nil outcome
// ends the negotiation. An out-of-bounds outcome is a contract
// violation: the session ends and the error is surfaced, never
// clamped away.
func (s *Session) RecordOwnOffer(o *domain.Outcome) error {
	if s.Terminal() {
		return ErrClosed
	}
	if s.status != domain.SessionStatusProposing {
		return fmt.Errorf("partner %s in status %s: %w", s.partnerID, s.status, ErrNotProposing)
	}
	if o == nil {
		s.status = domain.SessionStatusEnded
		return nil
	}
	if err := s.space.Validate(*o); err != nil {
		s.status = domain.SessionStatusEnded
		return fmt.Errorf("own offer to %s: %w", s.partnerID, err)
	}
	offer := *o
	s.lastOwn = &offer
	s.status = domain.SessionStatusAwaitingPartner
	return nil
}

// ReceivePartnerOffer injects the partner's offer. An invalid outcome
// ends this session only and reports the violation.
func (s *Session) ReceivePartnerOffer(o domain.Outcome) error {
	if s.Terminal() {
		return ErrClosed
	}
	if s.status != domain.SessionStatusAwaitingPartner {
		return fmt.Errorf("partner %s offered while session is %s", s.partnerID, s.status)
	}
	if err := s.space.Validate(o); err != nil {
		s.status = domain.SessionStatusEnded
		return fmt.Errorf("offer from %s: %w", s.partnerID, err)
	}
	s.lastPartner = &o
	s.status = domain.SessionStatusEvaluating
	return nil
}

// ApplyDecision resolves the pending partner offer. A reject consumes
// one alternation round; exhausting the budget forces the session to
// ended, which is a normal terminal transition, not an error.
func (s *Session) ApplyDecision(d domain.Decision) error {
	if s.Terminal() {
		return ErrClosed
	}
	if s.status != domain.SessionStatusEvaluating {
		return fmt.Errorf("partner %s in status %s: %w", s.partnerID, s.status, ErrNotEvaluating)
	}
	switch d {
	case domain.DecisionAccept:
		s.status = domain.SessionStatusAccepted
		s.agreed = s.lastPartner
	case domain.DecisionEnd:
		s.status = domain.SessionStatusEnded
	case domain.DecisionReject:
		s.round++
		if s.round >= s.nRounds {
			s.status = domain.SessionStatusEnded
			return nil
		}
		s.status = domain.SessionStatusProposing
	default:
		return fmt.Errorf("unknown decision %q for partner %s", d, s.partnerID)
	}
	return nil
}

// PartnerAccepted closes the session on this agent's own standing
// offer after the partner accepted it.
func (s *Session) PartnerAccepted() error {
	if s.Terminal() {
		return ErrClosed
	}
	if s.status != domain.SessionStatusAwaitingPartner || s.lastOwn == nil {
		return fmt.Errorf("partner %s accepted but no own offer is standing (status %s)", s.partnerID, s.status)
	}
	s.status = domain.SessionStatusAccepted
	s.agreed = s.lastOwn
	return nil
}

// ForceEnd terminates a non-terminal session. Used at round teardown
// and by the exclusive-agreement discipline.
func (s *Session) ForceEnd() {
	if !s.Terminal() {
		s.status = domain.SessionStatusEnded
	}
}
