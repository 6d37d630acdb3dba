package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tracevault/promptguard-engine/internal/alert"
	"github.com/tracevault/promptguard-engine/internal/api"
	"github.com/tracevault/promptguard-engine/internal/cache"
	"github.com/tracevault/promptguard-engine/internal/compress"
	"github.com/tracevault/promptguard-engine/internal/config"
	"github.com/tracevault/promptguard-engine/internal/db"
	"github.com/tracevault/promptguard-engine/internal/detect"
	"github.com/tracevault/promptguard-engine/internal/guard"
	"github.com/tracevault/promptguard-engine/internal/knowledge"
	"github.com/tracevault/promptguard-engine/internal/pii"
	"github.com/tracevault/promptguard-engine/internal/policy"
	"github.com/tracevault/promptguard-engine/internal/provenance"
	"github.com/tracevault/promptguard-engine/internal/router"
	"github.com/tracevault/promptguard-engine/internal/shadow"
	"github.com/tracevault/promptguard-engine/internal/upstream"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

func main() {
	cfg := config.Load()
	logrus.SetLevel(cfg.LogLevel)

	logrus.Info("[Gateway] Starting PromptGuard Engine...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Audit store ─────────────────────────────────────────────────────
	// Postgres is optional. Without it the gateway still enforces policy
	// and detection, but usage rows, provenance chains and key digests
	// only live as long as the process.
	// ─────────────────────────────────────────────────────────────────────

	var store db.Store
	if cfg.DatabaseURL != "" {
		pg, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			logrus.Warnf("[Gateway] PostgreSQL unavailable, keeping audit data in memory: %v", err)
		} else {
			if err := pg.InitSchema(); err != nil {
				logrus.Warnf("[Gateway] DB schema init failed: %v", err)
			}
			store = pg
		}
	}
	if store == nil {
		store = db.NewMemoryStore()
	}
	defer store.Close()

	// ─── Knowledge graph ─────────────────────────────────────────────────

	var graph knowledge.Graph
	if cfg.Neo4jURI != "" {
		g, err := knowledge.NewGraphStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			logrus.Warnf("[Gateway] Neo4j unavailable, using in-memory sample index: %v", err)
		} else {
			graph = g
		}
	}
	if graph == nil {
		graph = knowledge.NewMemoryStore()
	}
	defer graph.Close(context.Background())

	// ─── Detection stack ─────────────────────────────────────────────────

	specs := detect.DefaultCatalogue()
	if cfg.CataloguePath != "" {
		loaded, err := detect.LoadCatalogueFile(cfg.CataloguePath)
		if err != nil {
			logrus.Warnf("[Gateway] Signature catalogue %s unreadable, using built-in set: %v", cfg.CataloguePath, err)
		} else {
			specs = loaded
		}
	}
	patterns := detect.NewPatternClassifier(specs)

	ingestor := knowledge.NewIngestor(graph, patterns, cfg.IngestQueue, cfg.MinOverlap)
	go ingestor.Run(ctx)

	fusion := detect.NewFusion(
		patterns,
		detect.NewSemanticClassifier(graph, cfg.MinOverlap),
		detect.NewModelClassifier(detect.ModelClassifierConfig{
			ArtefactDir: cfg.ModelArtefactDir,
			Endpoint:    cfg.ClassifierEndpoint,
			Threshold:   cfg.ModelConfidence,
		}),
		detect.NewIntentClassifier(),
		ingestor,
		detect.FusionConfig{
			BlockThreshold: cfg.BlockThreshold,
			WarnThreshold:  cfg.WarnThreshold,
		},
	)

	// ─── Response cache ──────────────────────────────────────────────────

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logrus.Warnf("[Gateway] Redis unavailable, response cache runs in-process only: %v", err)
			rdb = nil
		}
		cancel()
	}
	respCache := cache.NewResponseCache(cache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		TTL:        cfg.CacheTTL,
		Redis:      rdb,
	})
	go respCache.Run(ctx)

	// ─── Cost policy ─────────────────────────────────────────────────────

	pol := policy.DefaultPolicy()
	pol.DailyBudgetUSD = cfg.DailyBudgetUSD
	pol.MonthlyBudgetUSD = cfg.MonthlyBudgetUSD
	pol.PerRequestLimitUSD = cfg.PerRequestLimitUSD
	pol.AutoCompressThresholdTokens = cfg.AutoCompressThresholdTokens
	pol.AutoDowngradeThresholdUSD = cfg.AutoDowngradeThresholdUSD
	pol.AlertAtBudgetPercent = cfg.AlertAtBudgetPercent

	ledger := policy.NewLedger()
	today := time.Now().UTC().Format("2006-01-02")
	if spent, err := store.BudgetDay(ctx, today); err != nil {
		logrus.Warnf("[Gateway] Could not restore committed spend for %s: %v", today, err)
	} else if spent > 0 {
		ledger.Seed(today, spent)
		logrus.Infof("[Gateway] Restored $%.4f committed spend for %s", spent, today)
	}
	// Commit callbacks run on the request path, so persistence happens on
	// its own goroutine.
	ledger.OnCommit(func(day string, spent float64) {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.SaveBudgetDay(pctx, day, spent); err != nil {
				logrus.Warnf("[Gateway] Budget persist failed for %s: %v", day, err)
			}
		}()
	})
	policyEngine := policy.NewEngine(pol, ledger)

	// ─── Provenance chain ────────────────────────────────────────────────

	var chain *provenance.Chain
	if cfg.ProvenanceEnabled {
		if cfg.ProvenanceSecret == "" {
			logrus.Warn("[Gateway] PROVENANCE_SECRET not set, export digests use an empty key")
		}
		chain = provenance.NewChain(store, cfg.ProvenanceSecret)
	}

	// ─── Alert fan-out ───────────────────────────────────────────────────

	hub := api.NewHub(nil)
	go hub.Run(ctx)

	alerts := alert.NewManager(hub.BroadcastAlert)
	if cfg.AlertWebhookURL != "" {
		alerts.RegisterWebhook("soc", cfg.AlertWebhookURL, models.Severity(cfg.AlertWebhookMinSeverity), nil)
	}

	sessions := guard.NewSessionTracker(cfg.SessionFlagThreshold, alerts.EmitSessionFlagged)
	go sessions.Run(ctx)

	// ─── Shadow evaluation ───────────────────────────────────────────────

	var shadowEval *shadow.Evaluator
	if cfg.ShadowCataloguePath != "" {
		candidate, err := detect.LoadCatalogueFile(cfg.ShadowCataloguePath)
		if err != nil {
			logrus.Warnf("[Gateway] Shadow catalogue %s unreadable, shadow evaluation disabled: %v", cfg.ShadowCataloguePath, err)
		} else {
			shadowEval = shadow.New(patterns, detect.NewPatternClassifier(candidate), cfg.BlockThreshold, cfg.IngestQueue, store, alerts, nil)
		}
	}
	if shadowEval != nil {
		go shadowEval.Run(ctx)
	}

	// ─── Guard pipeline ──────────────────────────────────────────────────

	deps := guard.Deps{
		Fusion:     fusion,
		PII:        pii.NewScanner(),
		Cache:      respCache,
		Router:     router.New(router.DefaultCatalogue(), cfg.AutoDowngradeThresholdUSD),
		Compressor: compress.New(cfg.AutoCompressThresholdTokens),
		Policy:     policyEngine,
		Chain:      chain,
		Sessions:   sessions,
		Store:      store,
		Alerts:     alerts,
	}
	// A nil *Evaluator must never reach the interface field, or the
	// guard's nil checks stop protecting anything.
	if shadowEval != nil {
		deps.Shadow = shadowEval
	}
	g := guard.New(deps, guard.Config{
		ProvenanceEnabled: cfg.ProvenanceEnabled,
		AutoSanitize:      cfg.AutoSanitize,
		CacheTTL:          cfg.CacheTTL,
	})

	// ─── HTTP surface ────────────────────────────────────────────────────

	auth := api.NewAuthenticator(cfg.APIKeys, cfg.JWTSecret, store)
	if err := auth.RefreshFromStore(ctx); err != nil {
		logrus.Warnf("[Gateway] Could not load API key digests from store: %v", err)
	}

	limiter := api.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	handler := &api.APIHandler{
		Guard: g,
		Upstream: upstream.NewClient(
			upstream.ProviderConfig{BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIKey},
			upstream.ProviderConfig{BaseURL: cfg.AnthropicBaseURL, APIKey: cfg.AnthropicKey},
			cfg.UpstreamTimeout,
		),
		Store:    store,
		Graph:    graph,
		Ingestor: ingestor,
		Cache:    respCache,
		Chain:    chain,
		Policy:   policyEngine,
		Alerts:   alerts,
		Shadow:   shadowEval,
		Hub:      hub,
		Patterns: patterns,
	}

	r := api.SetupRouter(handler, cfg, auth, limiter)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logrus.Infof("[Gateway] Listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("FATAL: Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("[Gateway] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("[Gateway] Forced shutdown: %v", err)
	}
}
