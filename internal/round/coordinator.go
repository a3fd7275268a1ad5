package round

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"oneshot_market/internal/controller"
	"oneshot_market/internal/domain"
	"oneshot_market/internal/session"
)

var (
	ErrUnknownPartner  = errors.New("no session for partner")
	ErrRoundLive       = errors.New("previous round is still live")
	ErrNoRound         = errors.New("no live round")
	ErrBadController   = errors.New("controller implements neither Independent nor Synchronized")
	ErrNothingToFlush  = errors.New("no buffered offers to dispatch")
	errSessionFinished = errors.New("session already terminal")
)

// Recorder receives the append-only negotiation event stream.
type Recorder interface {
	LogEvent(ctx context.Context, ev domain.NegotiationEvent) error
}

// PartnerSpec describes one counterpart pairing for the round.
type PartnerSpec struct {
	PartnerID     string
	Role          domain.Role
	FirstProposer bool
	Space         domain.OfferSpace
}

// Dispatch is the atomic result of one decision step: the outward
// responses for exactly the partners that were decided on, agreements
// reached, and any further sessions the exclusive-agreement discipline
// ended as a side effect.
type Dispatch struct {
	Responses     map[string]domain.Response
	Agreements    []domain.AgreementRecord
	EndedPartners []string
}

// Coordinator owns all sessions an agent runs during one period. It
// routes partner offers to sessions, asks the controller for decisions
// (per session or batched), and keeps every controller call serialized
// behind its lock.
type Coordinator struct {
	agentID  string
	ctrl     controller.Controller
	indep    controller.Independent
	batched  controller.Synchronized
	excl     bool
	nRounds  int
	recorder Recorder
	logger   *log.Logger

	mu           sync.Mutex
	live         bool
	roundID      string
	period       int
	state        controller.State
	sessions     map[string]*session.Session
	buffer       map[string]domain.Outcome
	agreed       bool
	pendingSince time.Time
	lastProgress time.Time
}

func New(agentID string, ctrl controller.Controller, nRounds int, recorder Recorder, logger *log.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = log.Default()
	}
	if nRounds <= 0 {
		nRounds = 1
	}
	c := &Coordinator{
		agentID:  agentID,
		ctrl:     ctrl,
		nRounds:  nRounds,
		recorder: recorder,
		logger:   logger,
		sessions: make(map[string]*session.Session),
		buffer:   make(map[string]domain.Outcome),
	}
	if batched, ok := ctrl.(controller.Synchronized); ok {
		c.batched = batched
	} else if indep, ok := ctrl.(controller.Independent); ok {
		c.indep = indep
	} else {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrBadController)
	}
	if excl, ok := ctrl.(controller.Exclusive); ok {
		c.excl = excl.ExclusiveAgreement()
	}
	return c, nil
}

func (c *Coordinator) AgentID() string { return c.agentID }

// Batched reports whether decisions are buffered for batched dispatch
// rather than taken per arriving offer.
func (c *Coordinator) Batched() bool { return c.batched != nil }

// BeginRound creates one fresh session per partner and resets the
// controller state. No session ever survives from a previous round.
func (c *Coordinator) BeginRound(ctx context.Context, period int, partners []PartnerSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live {
		return "", fmt.Errorf("agent %s: %w", c.agentID, ErrRoundLive)
	}
	c.live = true
	c.roundID = uuid.NewString()
	c.period = period
	c.state.Reset(period)
	c.sessions = make(map[string]*session.Session, len(partners))
	c.buffer = make(map[string]domain.Outcome)
	c.agreed = false
	c.pendingSince = time.Time{}
	c.lastProgress = time.Now().UTC()

	for _, p := range partners {
		space := p.Space
		space.Time = period
		c.sessions[p.PartnerID] = session.New(p.PartnerID, p.Role, p.FirstProposer, space, c.nRounds)
	}

	c.ctrl.OnRoundStart(&c.state, c.statesLocked(nil))
	c.event(ctx, "", "round_started", "", map[string]any{
		"period":   period,
		"partners": len(partners),
	})
	return c.roundID, nil
}

// FirstProposals collects the agent's opening offers for every session
// in which it proposes first. A nil entry in the returned map means
// that session was ended instead of opened.
func (c *Coordinator) FirstProposals(ctx context.Context) (map[string]*domain.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live {
		return nil, ErrNoRound
	}
	opening := make(map[string]*session.Session)
	for partnerID, sess := range c.sessions {
		if sess.FirstProposer() && sess.Status() == domain.SessionStatusProposing {
			opening[partnerID] = sess
		}
	}
	if len(opening) == 0 {
		return map[string]*domain.Outcome{}, nil
	}

	proposals := make(map[string]*domain.Outcome, len(opening))
	if c.batched != nil {
		states := make(map[string]domain.SessionState, len(opening))
		for partnerID, sess := range opening {
			states[partnerID] = sess.State()
		}
		returned := c.batched.FirstProposals(states)
		for partnerID := range returned {
			if _, ok := opening[partnerID]; !ok {
				c.fault(ctx, partnerID, domain.FaultIncompleteDecisionMap, "first proposal for partner not awaiting one")
				delete(returned, partnerID)
			}
		}
		for partnerID := range opening {
			offer, ok := returned[partnerID]
			if !ok {
				c.fault(ctx, partnerID, domain.FaultIncompleteDecisionMap, "first proposal missing, session ended")
			}
			proposals[partnerID] = offer
		}
	} else {
		for partnerID, sess := range opening {
			proposals[partnerID] = c.indep.Propose(partnerID, sess.State())
		}
	}

	for partnerID, offer := range proposals {
		sess := opening[partnerID]
		if err := sess.RecordOwnOffer(offer); err != nil {
			c.fault(ctx, partnerID, domain.FaultInvalidOutcome, err.Error())
			c.ctrl.OnFailure(partnerID)
			proposals[partnerID] = nil
			continue
		}
		if offer == nil {
			c.ctrl.OnFailure(partnerID)
		}
	}
	c.lastProgress = time.Now().UTC()
	return proposals, nil
}

// DeliverOffer feeds one partner offer in. For an independent
// controller the decision is taken immediately; for a batched one the
// offer is buffered and the dispatch fires once offers from every
// still-active partner have arrived. A nil dispatch with a nil error
// means the batch is still pending.
func (c *Coordinator) DeliverOffer(ctx context.Context, partnerID string, offer domain.Outcome) (*Dispatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live {
		return nil, ErrNoRound
	}
	sess, ok := c.sessions[partnerID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", partnerID, ErrUnknownPartner)
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("%s: %w", partnerID, errSessionFinished)
	}

	if err := sess.ReceivePartnerOffer(offer); err != nil {
		c.fault(ctx, partnerID, domain.FaultInvalidOutcome, err.Error())
		c.ctrl.OnFailure(partnerID)
		c.lastProgress = time.Now().UTC()
		return &Dispatch{
			Responses: map[string]domain.Response{partnerID: {Decision: domain.DecisionEnd}},
		}, err
	}

	if c.batched == nil {
		resp := c.indep.Respond(partnerID, offer, sess.State())
		d := c.applyLocked(ctx, map[string]domain.Response{partnerID: resp})
		c.lastProgress = time.Now().UTC()
		return d, nil
	}

	if len(c.buffer) == 0 {
		c.pendingSince = time.Now().UTC()
	}
	c.buffer[partnerID] = offer
	if !c.batchCompleteLocked() {
		return nil, nil
	}
	return c.dispatchLocked(ctx), nil
}

// ForceDispatch flushes the pending buffered offers as a strict subset
// of the active partners. Invoked by the deadlock breaker when
// circular waiting stalls the complete set.
func (c *Coordinator) ForceDispatch(ctx context.Context) (*Dispatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live {
		return nil, ErrNoRound
	}
	if len(c.buffer) == 0 {
		return nil, ErrNothingToFlush
	}
	c.event(ctx, "", "forced_dispatch", "deadlock breaker forced partial delivery", map[string]any{
		"offers": len(c.buffer),
		"active": c.activeCountLocked(),
	})
	return c.dispatchLocked(ctx), nil
}

// PartnerAccepted closes the session on the agent's own standing offer
// after the partner accepted it.
func (c *Coordinator) PartnerAccepted(ctx context.Context, partnerID string) (*Dispatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live {
		return nil, ErrNoRound
	}
	sess, ok := c.sessions[partnerID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", partnerID, ErrUnknownPartner)
	}
	if c.excl && c.agreed && !sess.Terminal() {
		// Earliest acceptance wins round-wide; this one raced the
		// agreement and is converted to an end.
		c.fault(ctx, partnerID, domain.FaultDoubleAcceptance, "partner acceptance after agreement converted to end negotiation")
		sess.ForceEnd()
		delete(c.buffer, partnerID)
		c.ctrl.OnFailure(partnerID)
		c.lastProgress = time.Now().UTC()
		return &Dispatch{
			Responses: map[string]domain.Response{partnerID: {Decision: domain.DecisionEnd}},
		}, nil
	}
	if err := sess.PartnerAccepted(); err != nil {
		return nil, err
	}
	d := &Dispatch{Responses: map[string]domain.Response{}}
	c.closeAgreementLocked(ctx, d, partnerID, sess)
	if c.excl {
		c.endOthersLocked(ctx, d, map[string]bool{partnerID: true})
	}
	c.lastProgress = time.Now().UTC()
	return d, nil
}

// PartnerEnded terminates the session after the partner walked away.
func (c *Coordinator) PartnerEnded(ctx context.Context, partnerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live {
		return ErrNoRound
	}
	sess, ok := c.sessions[partnerID]
	if !ok {
		return fmt.Errorf("%s: %w", partnerID, ErrUnknownPartner)
	}
	if sess.Terminal() {
		return nil
	}
	sess.ForceEnd()
	delete(c.buffer, partnerID)
	c.ctrl.OnFailure(partnerID)
	c.event(ctx, partnerID, "session_ended", "partner ended negotiation", nil)
	c.lastProgress = time.Now().UTC()
	return nil
}

// EndRound forces every session that is still active to ended and
// closes the round. Sessions are never reused.
func (c *Coordinator) EndRound(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live {
		return
	}
	for partnerID, sess := range c.sessions {
		if sess.Terminal() {
			continue
		}
		sess.ForceEnd()
		c.ctrl.OnFailure(partnerID)
		c.event(ctx, partnerID, "session_ended", "round ended", nil)
	}
	c.ctrl.OnRoundEnd(&c.state)
	c.event(ctx, "", "round_ended", "", map[string]any{
		"secured_supply": c.state.SecuredSupply,
		"secured_sales":  c.state.SecuredSales,
	})
	c.buffer = make(map[string]domain.Outcome)
	c.pendingSince = time.Time{}
	c.live = false
}

// Done reports whether every session of the live round is terminal.
func (c *Coordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live {
		return true
	}
	return c.activeCountLocked() == 0
}

func (c *Coordinator) RoundID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundID
}

func (c *Coordinator) State() controller.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionStates snapshots every session of the live round.
func (c *Coordinator) SessionStates() map[string]domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statesLocked(nil)
}

// HasPendingBatch reports whether buffered offers are waiting on a
// batched dispatch.
func (c *Coordinator) HasPendingBatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live && len(c.buffer) > 0
}

func (c *Coordinator) PendingSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSince
}

func (c *Coordinator) LastProgress() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProgress
}

func (c *Coordinator) activeCountLocked() int {
	n := 0
	for _, sess := range c.sessions {
		if !sess.Terminal() {
			n++
		}
	}
	return n
}

// batchCompleteLocked reports whether every still-active session has a
// partner offer waiting, i.e. nobody is still owed a move.
func (c *Coordinator) batchCompleteLocked() bool {
	for partnerID, sess := range c.sessions {
		if sess.Terminal() {
			continue
		}
		if _, ok := c.buffer[partnerID]; !ok {
			return false
		}
	}
	return len(c.buffer) > 0
}

func (c *Coordinator) statesLocked(only map[string]domain.Outcome) map[string]domain.SessionState {
	states := make(map[string]domain.SessionState, len(c.sessions))
	for partnerID, sess := range c.sessions {
		if only != nil {
			if _, ok := only[partnerID]; !ok {
				continue
			}
		}
		states[partnerID] = sess.State()
	}
	return states
}

func (c *Coordinator) dispatchLocked(ctx context.Context) *Dispatch {
	offers := c.buffer
	c.buffer = make(map[string]domain.Outcome)
	c.pendingSince = time.Time{}

	responses := c.batched.CounterAll(offers, c.statesLocked(offers))

	// The decision map must cover exactly the offered keys. Extra keys
	// are dropped, missing keys fall back to ending the negotiation so
	// no session is ever left undecided.
	for partnerID := range responses {
		if _, ok := offers[partnerID]; !ok {
			c.fault(ctx, partnerID, domain.FaultIncompleteDecisionMap, "decision for partner outside the offer map")
			delete(responses, partnerID)
		}
	}
	for partnerID := range offers {
		if _, ok := responses[partnerID]; !ok {
			c.fault(ctx, partnerID, domain.FaultIncompleteDecisionMap, "decision missing, falling back to end negotiation")
			responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
		}
	}

	d := c.applyLocked(ctx, responses)
	c.lastProgress = time.Now().UTC()
	return d
}

// applyLocked walks the validated decision map in deterministic order
// and drives each session through its transition. The returned
// dispatch is handed to the caller as one atomic unit.
func (c *Coordinator) applyLocked(ctx context.Context, responses map[string]domain.Response) *Dispatch {
	d := &Dispatch{Responses: make(map[string]domain.Response, len(responses))}

	partnerIDs := make([]string, 0, len(responses))
	for partnerID := range responses {
		partnerIDs = append(partnerIDs, partnerID)
	}
	sort.Strings(partnerIDs)

	acceptedNow := map[string]bool{}

	// Exclusive controllers have their acceptances applied first, so
	// the at-most-one discipline can override the rest of the map.
	if c.excl {
		for _, partnerID := range partnerIDs {
			if responses[partnerID].Decision != domain.DecisionAccept {
				continue
			}
			sess := c.sessions[partnerID]
			if sess == nil || sess.Terminal() {
				continue
			}
			if c.agreed {
				// Earliest acceptance wins; a later one is a recoverable
				// anomaly converted to an end.
				c.fault(ctx, partnerID, domain.FaultDoubleAcceptance, "second acceptance converted to end negotiation")
				_ = sess.ApplyDecision(domain.DecisionEnd)
				c.ctrl.OnFailure(partnerID)
				d.Responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
				continue
			}
			if err := sess.ApplyDecision(domain.DecisionAccept); err != nil {
				c.logger.Printf("agent=%s partner=%s accept failed: %v", c.agentID, partnerID, err)
				continue
			}
			c.closeAgreementLocked(ctx, d, partnerID, sess)
			acceptedNow[partnerID] = true
			d.Responses[partnerID] = domain.Response{Decision: domain.DecisionAccept}
		}
	}

	for _, partnerID := range partnerIDs {
		if _, done := d.Responses[partnerID]; done {
			continue
		}
		resp := responses[partnerID]
		sess := c.sessions[partnerID]
		if sess == nil || sess.Terminal() {
			continue
		}

		// An agreement closes the whole round for an exclusive
		// controller; any remaining decision collapses to an end.
		if c.excl && c.agreed {
			_ = sess.ApplyDecision(domain.DecisionEnd)
			c.ctrl.OnFailure(partnerID)
			c.event(ctx, partnerID, "session_ended", "exclusive agreement reached elsewhere", nil)
			d.Responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
			continue
		}

		switch resp.Decision {
		case domain.DecisionAccept:
			if err := sess.ApplyDecision(domain.DecisionAccept); err != nil {
				c.logger.Printf("agent=%s partner=%s accept failed: %v", c.agentID, partnerID, err)
				continue
			}
			c.closeAgreementLocked(ctx, d, partnerID, sess)
			acceptedNow[partnerID] = true
			d.Responses[partnerID] = domain.Response{Decision: domain.DecisionAccept}

		case domain.DecisionEnd:
			_ = sess.ApplyDecision(domain.DecisionEnd)
			c.ctrl.OnFailure(partnerID)
			c.event(ctx, partnerID, "session_ended", "agent ended negotiation", nil)
			d.Responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}

		case domain.DecisionReject:
			_ = sess.ApplyDecision(domain.DecisionReject)
			if sess.Terminal() {
				// Round budget exhausted: the final round only allowed
				// accept-or-end, so the outward decision is an end.
				c.ctrl.OnFailure(partnerID)
				c.event(ctx, partnerID, "session_ended", "round budget exhausted", nil)
				d.Responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
				continue
			}
			counter := resp.Counter
			if counter == nil && c.indep != nil {
				counter = c.indep.Propose(partnerID, sess.State())
			}
			if err := sess.RecordOwnOffer(counter); err != nil {
				c.fault(ctx, partnerID, domain.FaultInvalidOutcome, err.Error())
				c.ctrl.OnFailure(partnerID)
				d.Responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
				continue
			}
			if counter == nil {
				c.ctrl.OnFailure(partnerID)
				c.event(ctx, partnerID, "session_ended", "reject without counter offer", nil)
				d.Responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
				continue
			}
			d.Responses[partnerID] = domain.Response{Decision: domain.DecisionReject, Counter: counter}

		default:
			c.logger.Printf("agent=%s partner=%s unknown decision %q, ending session", c.agentID, partnerID, resp.Decision)
			_ = sess.ApplyDecision(domain.DecisionEnd)
			c.ctrl.OnFailure(partnerID)
			d.Responses[partnerID] = domain.Response{Decision: domain.DecisionEnd}
		}
	}

	if c.excl && len(acceptedNow) > 0 {
		c.endOthersLocked(ctx, d, acceptedNow)
	}
	return d
}

func (c *Coordinator) closeAgreementLocked(ctx context.Context, d *Dispatch, partnerID string, sess *session.Session) {
	outcome := sess.AgreedOutcome()
	if outcome == nil {
		return
	}
	rec := domain.AgreementRecord{
		ID:        uuid.NewString(),
		RoundID:   c.roundID,
		AgentID:   c.agentID,
		PartnerID: partnerID,
		Role:      sess.Role(),
		Outcome:   *outcome,
		Period:    c.period,
		CreatedAt: time.Now().UTC(),
	}
	if c.excl {
		c.agreed = true
	}
	c.state.ApplyAgreement(rec)
	c.ctrl.OnAgreement(partnerID, rec)
	d.Agreements = append(d.Agreements, rec)
	c.event(ctx, partnerID, "session_agreed", "", map[string]any{
		"quantity":   rec.Outcome.Quantity,
		"unit_price": rec.Outcome.UnitPrice,
		"role":       rec.Role,
	})
}

// endOthersLocked ends every active session outside keep. This is the
// exclusive-agreement side effect and spans the whole round, not only
// the dispatched subset.
func (c *Coordinator) endOthersLocked(ctx context.Context, d *Dispatch, keep map[string]bool) {
	for partnerID, sess := range c.sessions {
		if keep[partnerID] || sess.Terminal() {
			continue
		}
		sess.ForceEnd()
		delete(c.buffer, partnerID)
		c.ctrl.OnFailure(partnerID)
		c.event(ctx, partnerID, "session_ended", "exclusive agreement reached elsewhere", nil)
		d.EndedPartners = append(d.EndedPartners, partnerID)
	}
	sort.Strings(d.EndedPartners)
}

func (c *Coordinator) event(ctx context.Context, partnerID, kind, reason string, payload any) {
	if c.recorder == nil {
		return
	}
	raw := json.RawMessage(nil)
	if payload != nil {
		raw = mustJSON(payload)
	}
	_ = c.recorder.LogEvent(ctx, domain.NegotiationEvent{
		RoundID:   c.roundID,
		AgentID:   c.agentID,
		PartnerID: partnerID,
		Kind:      kind,
		Reason:    reason,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) fault(ctx context.Context, partnerID string, kind domain.FaultKind, reason string) {
	c.logger.Printf("agent=%s partner=%s fault=%s: %s", c.agentID, partnerID, kind, reason)
	c.event(ctx, partnerID, string(kind), reason, nil)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
