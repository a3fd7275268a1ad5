package domain

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
	DecisionEnd    Decision = "end"
)

type SessionStatus string

const (
	SessionStatusProposing       SessionStatus = "proposing"
	SessionStatusAwaitingPartner SessionStatus = "awaiting_partner"
	SessionStatusEvaluating      SessionStatus = "evaluating"
	SessionStatusAccepted        SessionStatus = "accepted"
	SessionStatusEnded           SessionStatus = "ended"
)

type FaultKind string

const (
	FaultInvalidOutcome        FaultKind = "invalid_outcome"
	FaultIncompleteDecisionMap FaultKind = "incomplete_decision_map"
	FaultDoubleAcceptance      FaultKind = "double_acceptance"
)

type EnvelopeKind string

const (
	EnvelopeOffer  EnvelopeKind = "OFFER"
	EnvelopeAccept EnvelopeKind = "ACCEPT"
	EnvelopeEnd    EnvelopeKind = "END"
)

// Outcome is one concrete negotiation point: a quantity of the traded
// product, the delivery step and the unit price. Value semantics keep
// it immutable once constructed.
type Outcome struct {
	Quantity  int     `json:"quantity"`
	Time      int     `json:"time"`
	UnitPrice float64 `json:"unit_price"`
}

func (o Outcome) Total() float64 {
	return float64(o.Quantity) * o.UnitPrice
}

// OfferSpace bounds the outcomes a session accepts. Time is fixed to
// the current period; quantity and unit price carry inclusive bounds.
type OfferSpace struct {
	MinQuantity  int     `json:"min_quantity"`
	MaxQuantity  int     `json:"max_quantity"`
	MinUnitPrice float64 `json:"min_unit_price"`
	MaxUnitPrice float64 `json:"max_unit_price"`
	Time         int     `json:"time"`
}

// Response is one side's reaction to a received offer. A reject may
// carry a counter outcome for the next alternation.
type Response struct {
	Decision Decision `json:"decision"`
	Counter  *Outcome `json:"counter,omitempty"`
}

// SessionState is the read-only view of one session handed to
// decision callbacks.
type SessionState struct {
	PartnerID        string        `json:"partner_id"`
	Role             Role          `json:"role"`
	Status           SessionStatus `json:"status"`
	Round            int           `json:"round"`
	NRounds          int           `json:"n_rounds"`
	Space            OfferSpace    `json:"space"`
	LastOwnOffer     *Outcome      `json:"last_own_offer,omitempty"`
	LastPartnerOffer *Outcome      `json:"last_partner_offer,omitempty"`
}

// AgreementRecord is emitted when a session reaches accepted and is
// appended to the period ledger.
type AgreementRecord struct {
	ID        string    `json:"id"`
	RoundID   string    `json:"round_id"`
	AgentID   string    `json:"agent_id"`
	PartnerID string    `json:"partner_id"`
	Role      Role      `json:"role"`
	Outcome   Outcome   `json:"outcome"`
	Period    int       `json:"period"`
	CreatedAt time.Time `json:"created_at"`
}

// NegotiationEvent is one row of the append-only negotiation log:
// protocol transitions, faults and lifecycle notifications.
type NegotiationEvent struct {
	ID        int64           `json:"id"`
	RoundID   string          `json:"round_id"`
	AgentID   string          `json:"agent_id"`
	PartnerID string          `json:"partner_id,omitempty"`
	Kind      string          `json:"kind"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OfferEnvelope carries one protocol move between two agents over the
// exchange bus.
type OfferEnvelope struct {
	ID        string       `json:"id"`
	RoundID   string       `json:"round_id"`
	Period    int          `json:"period"`
	FromAgent string       `json:"from_agent"`
	ToAgent   string       `json:"to_agent"`
	Kind      EnvelopeKind `json:"kind"`
	Outcome   *Outcome     `json:"outcome,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
