package breaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"oneshot_market/internal/round"
)

// Target is the slice of a round coordinator the breaker watches: a
// batched decision point that may be holding buffered offers.
type Target interface {
	AgentID() string
	Batched() bool
	HasPendingBatch() bool
	PendingSince() time.Time
	ForceDispatch(ctx context.Context) (*round.Dispatch, error)
}

// DeliverFunc routes a forced dispatch back to the host so its
// responses leave the agent exactly like a regular dispatch.
type DeliverFunc func(ctx context.Context, d *round.Dispatch)

type Config struct {
	// Quantum is how long a batched coordinator may sit on a partial
	// offer set without progress before partial delivery is forced.
	Quantum time.Duration
	// SweepInterval is how often stalled coordinators are looked for.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Quantum <= 0 {
		c.Quantum = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.Quantum / 4
	}
	return c
}

type watched struct {
	target  Target
	deliver DeliverFunc
}

// Breaker resolves circular waiting among synchronously-deciding
// agents. When every agent holds back its batched decision waiting for
// offers that will never complete, the breaker forces whichever
// partial sets have gone stale, unblocking the round.
type Breaker struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	targets []watched
}

func New(cfg Config, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.Default()
	}
	return &Breaker{cfg: cfg.withDefaults(), logger: logger}
}

// Watch registers a coordinator. Non-batched coordinators never stall
// and are ignored.
func (b *Breaker) Watch(t Target, deliver DeliverFunc) {
	if !t.Batched() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets = append(b.targets, watched{target: t, deliver: deliver})
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets = nil
}

func (b *Breaker) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sweepLoop(ctx)
	}()
}

func (b *Breaker) Wait() {
	b.wg.Wait()
}

func (b *Breaker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SweepOnce(ctx)
		}
	}
}

// SweepOnce forces partial dispatch on every watched coordinator whose
// buffered offers have been waiting longer than one quantum.
func (b *Breaker) SweepOnce(ctx context.Context) {
	b.mu.Lock()
	targets := make([]watched, len(b.targets))
	copy(targets, b.targets)
	b.mu.Unlock()

	now := time.Now().UTC()
	for _, w := range targets {
		if !w.target.HasPendingBatch() {
			continue
		}
		since := w.target.PendingSince()
		if since.IsZero() || now.Sub(since) < b.cfg.Quantum {
			continue
		}
		d, err := w.target.ForceDispatch(ctx)
		if err != nil {
			if !errors.Is(err, round.ErrNothingToFlush) && !errors.Is(err, round.ErrNoRound) {
				b.logger.Printf("breaker force dispatch agent=%s: %v", w.target.AgentID(), err)
			}
			continue
		}
		b.logger.Printf("breaker forced partial dispatch agent=%s responses=%d", w.target.AgentID(), len(d.Responses))
		if w.deliver != nil {
			w.deliver(ctx, d)
		}
	}
}
