package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"oneshot_market/internal/breaker"
	"oneshot_market/internal/controller"
	"oneshot_market/internal/domain"
	"oneshot_market/internal/round"
)

var ErrAgentExists = errors.New("agent already registered")

// Ledger persists agreements and the negotiation event stream.
type Ledger interface {
	AppendAgreement(ctx context.Context, rec domain.AgreementRecord) error
	LogEvent(ctx context.Context, ev domain.NegotiationEvent) error
}

// Bus routes protocol envelopes between registered agents.
type Bus interface {
	Register(agentID string) <-chan domain.OfferEnvelope
	Unregister(agentID string)
	Publish(msg domain.OfferEnvelope) error
}

type Config struct {
	// NRounds is the alternation budget every session gets per period.
	NRounds int
	// PeriodTimeout caps how long one period may negotiate before the
	// remaining sessions are forced to end.
	PeriodTimeout time.Duration
	// PollInterval is how often period completion is checked.
	PollInterval time.Duration
	Breaker      breaker.Config
}

func (c Config) withDefaults() Config {
	if c.NRounds <= 0 {
		c.NRounds = 20
	}
	if c.PeriodTimeout <= 0 {
		c.PeriodTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 25 * time.Millisecond
	}
	return c
}

type agentRuntime struct {
	id     string
	sells  bool
	coord  *round.Coordinator
	inbox  <-chan domain.OfferEnvelope
	period int
}

// Report summarizes one negotiated period.
type Report struct {
	Period     int                         `json:"period"`
	Agreements []domain.AgreementRecord    `json:"agreements"`
	Rounds     map[string]string           `json:"rounds"`
	Secured    map[string]controller.State `json:"secured"`
}

// Service hosts one trading-period simulation: it pairs sellers with
// buyers, runs every agent's round coordinator against the shared bus,
// and arms the deadlock breaker over the batched ones.
type Service struct {
	cfg    Config
	ledger Ledger
	bus    Bus
	brk    *breaker.Breaker
	logger *log.Logger

	mu         sync.Mutex
	agents     map[string]*agentRuntime
	order      []string
	agreements []domain.AgreementRecord
}

func New(cfg Config, ledger Ledger, bus Bus, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:    cfg,
		ledger: ledger,
		bus:    bus,
		brk:    breaker.New(cfg.Breaker, logger),
		logger: logger,
		agents: make(map[string]*agentRuntime),
	}
}

// Register adds one agent to the market. Agents that sell are paired
// with every buyer and vice versa; the seller opens each session.
func (s *Service) Register(id string, ctrl controller.Controller, sells bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrAgentExists)
	}
	coord, err := round.New(id, ctrl, s.cfg.NRounds, s.ledger, s.logger)
	if err != nil {
		return err
	}
	s.agents[id] = &agentRuntime{
		id:    id,
		sells: sells,
		coord: coord,
		inbox: s.bus.Register(id),
	}
	s.order = append(s.order, id)
	sort.Strings(s.order)
	return nil
}

func (s *Service) AgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.bus.Unregister(id)
	}
}

// Agreements returns everything closed so far across periods.
func (s *Service) Agreements() []domain.AgreementRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgreementRecord, len(s.agreements))
	copy(out, s.agreements)
	return out
}

// RunPeriod negotiates one trading period over the given offer space
// and blocks until every session is terminal or the timeout fires.
func (s *Service) RunPeriod(ctx context.Context, period int, space domain.OfferSpace) (Report, error) {
	agents := s.snapshotAgents()
	sellers := make([]*agentRuntime, 0, len(agents))
	buyers := make([]*agentRuntime, 0, len(agents))
	for _, rt := range agents {
		if rt.sells {
			sellers = append(sellers, rt)
		} else {
			buyers = append(buyers, rt)
		}
	}
	if len(sellers) == 0 || len(buyers) == 0 {
		return Report{}, fmt.Errorf("period %d needs at least one seller and one buyer", period)
	}

	for _, rt := range agents {
		rt.period = period
		counterparts := buyers
		role := domain.RoleSeller
		if !rt.sells {
			counterparts = sellers
			role = domain.RoleBuyer
		}
		partners := make([]round.PartnerSpec, 0, len(counterparts))
		for _, other := range counterparts {
			partners = append(partners, round.PartnerSpec{
				PartnerID:     other.id,
				Role:          role,
				FirstProposer: rt.sells,
				Space:         space,
			})
		}
		if _, err := rt.coord.BeginRound(ctx, period, partners); err != nil {
			return Report{}, fmt.Errorf("begin round for %s: %w", rt.id, err)
		}
	}

	periodCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.brk.Reset()
	for _, rt := range agents {
		rt := rt
		s.brk.Watch(rt.coord, func(ctx context.Context, d *round.Dispatch) {
			s.deliverDispatch(ctx, rt, d)
		})
	}
	s.brk.Start(periodCtx)

	var wg sync.WaitGroup
	for _, rt := range agents {
		wg.Add(1)
		go s.runAgent(periodCtx, rt, &wg)
	}

	s.openSessions(ctx, sellers)

	deadline := time.NewTimer(s.cfg.PeriodTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer deadline.Stop()
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			s.logger.Printf("period %d timed out, ending remaining sessions", period)
			break wait
		case <-ticker.C:
			if allDone(agents) {
				break wait
			}
		}
	}

	cancel()
	wg.Wait()
	s.brk.Wait()

	report := Report{
		Period:  period,
		Rounds:  make(map[string]string, len(agents)),
		Secured: make(map[string]controller.State, len(agents)),
	}
	for _, rt := range agents {
		report.Rounds[rt.id] = rt.coord.RoundID()
		rt.coord.EndRound(ctx)
		report.Secured[rt.id] = rt.coord.State()
	}

	s.mu.Lock()
	for _, rec := range s.agreements {
		if rec.Period == period {
			report.Agreements = append(report.Agreements, rec)
		}
	}
	s.mu.Unlock()
	return report, nil
}

func (s *Service) snapshotAgents() []*agentRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agentRuntime, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id])
	}
	return out
}

// openSessions collects and publishes the opening proposals of every
// first-proposing agent.
func (s *Service) openSessions(ctx context.Context, openers []*agentRuntime) {
	for _, rt := range openers {
		proposals, err := rt.coord.FirstProposals(ctx)
		if err != nil {
			s.logger.Printf("first proposals for %s: %v", rt.id, err)
			continue
		}
		partnerIDs := make([]string, 0, len(proposals))
		for partnerID := range proposals {
			partnerIDs = append(partnerIDs, partnerID)
		}
		sort.Strings(partnerIDs)
		for _, partnerID := range partnerIDs {
			offer := proposals[partnerID]
			if offer == nil {
				s.publish(rt, partnerID, domain.EnvelopeEnd, nil)
				continue
			}
			s.publish(rt, partnerID, domain.EnvelopeOffer, offer)
		}
	}
}

func (s *Service) runAgent(ctx context.Context, rt *agentRuntime, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-rt.inbox:
			if !ok {
				return
			}
			s.handleEnvelope(ctx, rt, env)
		}
	}
}

func (s *Service) handleEnvelope(ctx context.Context, rt *agentRuntime, env domain.OfferEnvelope) {
	switch env.Kind {
	case domain.EnvelopeOffer:
		if env.Outcome == nil {
			s.logger.Printf("agent=%s dropped offer envelope without outcome from %s", rt.id, env.FromAgent)
			return
		}
		d, err := rt.coord.DeliverOffer(ctx, env.FromAgent, *env.Outcome)
		if err != nil && d == nil {
			if !errors.Is(err, round.ErrNoRound) {
				s.logger.Printf("agent=%s deliver offer from %s: %v", rt.id, env.FromAgent, err)
			}
			return
		}
		if err != nil {
			s.logger.Printf("agent=%s rejected invalid offer from %s: %v", rt.id, env.FromAgent, err)
		}
		if d != nil {
			s.deliverDispatch(ctx, rt, d)
		}

	case domain.EnvelopeAccept:
		d, err := rt.coord.PartnerAccepted(ctx, env.FromAgent)
		if err != nil {
			s.logger.Printf("agent=%s partner accept from %s: %v", rt.id, env.FromAgent, err)
			return
		}
		s.deliverDispatch(ctx, rt, d)

	case domain.EnvelopeEnd:
		if err := rt.coord.PartnerEnded(ctx, env.FromAgent); err != nil && !errors.Is(err, round.ErrNoRound) {
			s.logger.Printf("agent=%s partner end from %s: %v", rt.id, env.FromAgent, err)
		}

	default:
		s.logger.Printf("agent=%s unknown envelope kind %q from %s", rt.id, env.Kind, env.FromAgent)
	}
}

// deliverDispatch persists the agreements of one atomic decision step
// and publishes its outward moves.
func (s *Service) deliverDispatch(ctx context.Context, rt *agentRuntime, d *round.Dispatch) {
	for _, rec := range d.Agreements {
		if err := s.ledger.AppendAgreement(ctx, rec); err != nil {
			s.logger.Printf("agent=%s append agreement: %v", rt.id, err)
		}
		s.mu.Lock()
		s.agreements = append(s.agreements, rec)
		s.mu.Unlock()
	}

	partnerIDs := make([]string, 0, len(d.Responses))
	for partnerID := range d.Responses {
		partnerIDs = append(partnerIDs, partnerID)
	}
	sort.Strings(partnerIDs)
	for _, partnerID := range partnerIDs {
		resp := d.Responses[partnerID]
		switch resp.Decision {
		case domain.DecisionAccept:
			s.publish(rt, partnerID, domain.EnvelopeAccept, nil)
		case domain.DecisionReject:
			s.publish(rt, partnerID, domain.EnvelopeOffer, resp.Counter)
		default:
			s.publish(rt, partnerID, domain.EnvelopeEnd, nil)
		}
	}
	for _, partnerID := range d.EndedPartners {
		s.publish(rt, partnerID, domain.EnvelopeEnd, nil)
	}
}

func (s *Service) publish(rt *agentRuntime, to string, kind domain.EnvelopeKind, outcome *domain.Outcome) {
	env := domain.OfferEnvelope{
		ID:        uuid.NewString(),
		RoundID:   rt.coord.RoundID(),
		Period:    rt.period,
		FromAgent: rt.id,
		ToAgent:   to,
		Kind:      kind,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.bus.Publish(env); err != nil {
		s.logger.Printf("publish %s from %s to %s: %v", kind, rt.id, to, err)
	}
}

func allDone(agents []*agentRuntime) bool {
	for _, rt := range agents {
		if !rt.coord.Done() {
			return false
		}
	}
	return true
}
