package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"oneshot_market/internal/agent"
	"oneshot_market/internal/breaker"
	"oneshot_market/internal/config"
	"oneshot_market/internal/controller"
	"oneshot_market/internal/domain"
	"oneshot_market/internal/exchange"
	sqliteledger "oneshot_market/internal/ledger/sqlite"
	"oneshot_market/internal/messaging/inproc"
	"oneshot_market/internal/utility"
)

type app struct {
	cfg      config.Config
	store    *sqliteledger.Store
	exchange *exchange.Service

	mu      sync.Mutex
	reports []exchange.Report
}

func main() {
	configPath := flag.String("config", "", "path to exchange.toml (default: ~/.oneshot/exchange.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	periodsFlag := flag.Int("periods", 0, "number of trading periods override")
	demo := flag.Bool("demo", false, "run with a built-in demo market when no agents are configured")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" {
			log.Fatalf("load config: %v", err)
		}
		log.Printf("no config file, using defaults: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Exchange.Addr, ":8093")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Exchange.DBPath, "data/oneshot_market.db")
	dbPath = filepath.Clean(dbPath)
	periods := intOrDefault(*periodsFlag, intOrDefault(cfg.Exchange.Periods, 1))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqliteledger.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite ledger: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(intOrDefault(cfg.Exchange.BusBuffer, 256))
	svc := exchange.New(exchange.Config{
		NRounds:       intOrDefault(cfg.Exchange.NRounds, 20),
		PeriodTimeout: durationMS(cfg.Exchange.PeriodTimeoutMS, 30*time.Second),
		Breaker: breaker.Config{
			Quantum:       durationMS(cfg.Exchange.BreakerQuantumMS, 2*time.Second),
			SweepInterval: durationMS(cfg.Exchange.BreakerIntervalMS, 0),
		},
	}, store, bus, log.Default())
	defer svc.Close()

	agentConfigs := cfg.Agents
	if len(agentConfigs) == 0 {
		if !*demo {
			log.Fatalf("no agents configured (pass -demo for a built-in market)")
		}
		agentConfigs = demoAgents()
	}
	for _, ac := range agentConfigs {
		ctrl, err := buildController(ac)
		if err != nil {
			log.Fatalf("agent %s: %v", ac.ID, err)
		}
		sells := ac.Profile.ExogenousInputQuantity > 0
		if err := svc.Register(ac.ID, ctrl, sells); err != nil {
			log.Fatalf("register agent %s: %v", ac.ID, err)
		}
	}

	space := marketSpace(cfg.Market)
	a := &app{
		cfg:      cfg,
		store:    store,
		exchange: svc,
	}

	go func() {
		for p := 0; p < periods; p++ {
			if ctx.Err() != nil {
				return
			}
			report, err := svc.RunPeriod(ctx, p, space)
			if err != nil {
				log.Printf("period %d failed: %v", p, err)
				return
			}
			a.addReport(report)
			log.Printf("period=%d agreements=%d agents=%d", p, len(report.Agreements), len(report.Rounds))
		}
		log.Printf("all %d periods completed", periods)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/agreements", a.handleAgreements)
	mux.HandleFunc("/events", a.handleEvents)
	mux.HandleFunc("/reports", a.handleReports)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"oneshot_market started addr=%s db=%s agents=%d periods=%d",
		addr,
		dbPath,
		len(agentConfigs),
		periods,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func (a *app) addReport(report exchange.Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleAgreements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agentID == "" {
		writeJSON(w, http.StatusOK, a.exchange.Agreements())
		return
	}
	period := queryInt(r, "period", 0)
	items, err := a.store.ListAgreements(r.Context(), agentID, period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	roundID := strings.TrimSpace(r.URL.Query().Get("round"))
	if roundID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("round query parameter is required"))
		return
	}
	limit := queryInt(r, "limit", 300)
	items, err := a.store.ListEvents(r.Context(), roundID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.mu.Lock()
	reports := make([]exchange.Report, len(a.reports))
	copy(reports, a.reports)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, reports)
}

func buildController(ac config.AgentConfig) (controller.Controller, error) {
	profile := utility.Profile{
		ExogenousInputQuantity:  ac.Profile.ExogenousInputQuantity,
		ExogenousInputPrice:     ac.Profile.ExogenousInputPrice,
		ExogenousOutputQuantity: ac.Profile.ExogenousOutputQuantity,
		ExogenousOutputPrice:    ac.Profile.ExogenousOutputPrice,
		ProductionCost:          ac.Profile.ProductionCost,
		StorageCost:             ac.Profile.StorageCost,
		DeliveryPenalty:         ac.Profile.DeliveryPenalty,
	}
	switch ac.Flavor {
	case "greedy", "":
		return agent.NewGreedyIndependent(profile), nil
	case "greedy_sync":
		return agent.NewGreedySync(profile), nil
	case "single_agreement":
		return agent.NewGreedySingleAgreement(profile, ac.Strict), nil
	default:
		return nil, fmt.Errorf("unknown agent flavor %q", ac.Flavor)
	}
}

func demoAgents() []config.AgentConfig {
	return []config.AgentConfig{
		{
			ID:     "seller-greedy",
			Flavor: "greedy",
			Profile: config.ProfileConfig{
				ExogenousInputQuantity: 8,
				ExogenousInputPrice:    80,
				ProductionCost:         2,
				StorageCost:            1,
				DeliveryPenalty:        3,
			},
		},
		{
			ID:     "seller-sync",
			Flavor: "greedy_sync",
			Profile: config.ProfileConfig{
				ExogenousInputQuantity: 6,
				ExogenousInputPrice:    66,
				ProductionCost:         2,
				StorageCost:            1,
				DeliveryPenalty:        3,
			},
		},
		{
			ID:     "buyer-single",
			Flavor: "single_agreement",
			Profile: config.ProfileConfig{
				ExogenousOutputQuantity: 7,
				ExogenousOutputPrice:    140,
				ProductionCost:          2,
				StorageCost:             1,
				DeliveryPenalty:         3,
			},
		},
		{
			ID:     "buyer-greedy",
			Flavor: "greedy",
			Profile: config.ProfileConfig{
				ExogenousOutputQuantity: 9,
				ExogenousOutputPrice:    180,
				ProductionCost:          2,
				StorageCost:             1,
				DeliveryPenalty:         3,
			},
		},
	}
}

func marketSpace(m config.MarketConfig) domain.OfferSpace {
	space := domain.OfferSpace{
		MinQuantity:  m.MinQuantity,
		MaxQuantity:  m.MaxQuantity,
		MinUnitPrice: m.MinUnitPrice,
		MaxUnitPrice: m.MaxUnitPrice,
	}
	if space.MaxQuantity <= 0 {
		space.MinQuantity = 1
		space.MaxQuantity = 10
	}
	if space.MaxUnitPrice <= 0 {
		space.MinUnitPrice = 10
		space.MaxUnitPrice = 20
	}
	return space
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
