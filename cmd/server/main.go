package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/proofmeet/backend/internal/card"
	"github.com/proofmeet/backend/internal/config"
	"github.com/proofmeet/backend/internal/database"
	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/finalizer"
	"github.com/proofmeet/backend/internal/handlers"
	"github.com/proofmeet/backend/internal/infra"
	"github.com/proofmeet/backend/internal/middleware"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/normalize"
	"github.com/proofmeet/backend/internal/notify"
	"github.com/proofmeet/backend/internal/reconcile"
	"github.com/proofmeet/backend/internal/requirement"
	"github.com/proofmeet/backend/internal/signature"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/timeline"
	"github.com/proofmeet/backend/internal/validate"
	"github.com/proofmeet/backend/internal/verify"
	ws "github.com/proofmeet/backend/internal/websocket"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var st store.Store
	storageMode := "memory"
	if cfg.Database.URL != "" {
		pg, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		st = pg
		storageMode = "postgres"
	} else {
		st = store.NewMemoryStore()
	}
	log.Printf("Storage: %s", storageMode)

	// Leases and signing nonces move to Redis when an address is configured;
	// multi-instance deployments need them shared.
	var leases store.LeaseStore = st
	var nonces store.NonceStore = st
	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		leases = rdb
		nonces = rdb
	}

	// Event bus: in-process by default, Pub/Sub-backed when configured. The
	// Pub/Sub bus embeds the in-memory fan-out, so local subscribers (mail
	// dispatcher, websocket feed) work the same either way.
	bus := events.NewEventBus()
	var emitter events.Emitter = bus
	if cfg.PubSub.ProjectID != "" {
		psBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer psBus.Close()
		bus = psBus.EventBus
		emitter = psBus
	}

	metrics := monitoring.NewMetrics()

	signer, err := signature.NewSigner()
	if err != nil {
		log.Fatalf("Failed to initialize signer: %v", err)
	}

	// Domain services.
	tl := timeline.NewService(st)
	normalizer := normalize.New(tl, st, st, st, st)
	issuer := card.NewIssuer(st, st, cfg.Cards.PublicBaseURL, emitter)
	verifier := verify.New(st, st, emitter, metrics)
	collector := signature.NewCollector(st, st, st, nonces, signer, emitter,
		time.Duration(cfg.Auth.SignatureMaxEmailLinkDays)*24*time.Hour, metrics)
	reqEngine := requirement.NewEngine(st, st)

	reconCfg := reconcile.Config{HeartbeatPeriodSec: cfg.Pipeline.HeartbeatPeriodSec}
	valCfg := validate.Config{
		GraceWindowMin: cfg.Pipeline.GraceWindowMin,
		WindowRule:     validate.WindowRule(cfg.Pipeline.WindowRule),
	}

	pipeline := finalizer.NewPipeline(tl, st, st, st, st, issuer, reconCfg, valCfg, emitter, metrics)
	scheduler := finalizer.NewScheduler(pipeline, st, st, leases, emitter, finalizer.SchedulerConfig{
		Tick:          time.Duration(cfg.Pipeline.FinalizerTickSec) * time.Second,
		MaxStaleGrace: time.Duration(cfg.Pipeline.SessionIdleGraceMin) * time.Minute,
	}, metrics)
	go scheduler.Run(ctx)

	// Outbound mail rides a circuit breaker. Cloud Tasks gives durable
	// delivery when configured; the log mailer stands in for local runs.
	var baseMailer notify.Mailer = notify.NewLogMailer()
	if cfg.Notify.CloudTasksEnabled() {
		ctMailer, err := notify.NewCloudTasksMailer(
			cfg.Notify.TasksProject, cfg.Notify.TasksLocation,
			cfg.Notify.TasksQueue, cfg.Notify.MailRelayURL)
		if err != nil {
			log.Fatalf("Failed to connect to Cloud Tasks: %v", err)
		}
		defer ctMailer.Close()
		baseMailer = ctMailer
	}
	mailer := notify.NewBreakerMailer(baseMailer, notify.NewBreaker(notify.BreakerConfig{Name: "mail"}))
	dispatcher := notify.NewDispatcher(mailer, st, cfg.Notify.Workers, metrics)
	go dispatcher.ListenCardIssued(ctx, bus)
	digests := notify.NewDigestSender(st, st, st, mailer, emitter, metrics)
	go runDigestCutoff(ctx, digests, cfg.Notify.DigestCutoffLocalTime)

	feed := ws.NewFeed()
	go feed.Run(ctx)
	go feed.Listen(ctx, bus)

	auth := middleware.NewAuth(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, metrics.RateLimitRejects.Inc)

	sessionDeps := handlers.SessionDeps{
		Timeline:     tl,
		Normalizer:   normalizer,
		Pipeline:     pipeline,
		Participants: st,
		Meetings:     st,
		Requirements: st,
		Sessions:     st,
		Snapshots:    st,
		Metrics:      metrics,
	}
	cardDeps := handlers.CardDeps{
		Cards:      st,
		Signatures: st,
		Collector:  collector,
		Dispatcher: dispatcher,
		Metrics:    metrics,
	}
	officerDeps := handlers.OfficerDeps{
		Participants: st,
		Sessions:     st,
		Cards:        st,
		Requirements: reqEngine,
		Digests:      digests,
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Config:     cfg,
		Auth:       auth,
		Limiter:    limiter,
		Session:    sessionDeps,
		Card:       cardDeps,
		Officer:    officerDeps,
		Officers:   st,
		Normalizer: normalizer,
		Verifier:   verifier,
		Feed:       feed,
		Metrics:    metrics,
		Health: func() map[string]interface{} {
			return map[string]interface{}{
				"storage":     storageMode,
				"subscribers": bus.SubscriberCount(),
			}
		},
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		dispatcher.Shutdown()
	}()

	log.Printf("ProofMeet API starting on port %s (env=%s)", cfg.Server.Port, cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

// runDigestCutoff fires the daily digest delivery at the configured local
// wall-clock time ("HH:MM"). Delivery itself is idempotent, so firing again
// after a restart is harmless.
func runDigestCutoff(ctx context.Context, digests *notify.DigestSender, cutoff string) {
	hour, minute := parseCutoff(cutoff)
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if err := digests.SendDue(ctx); err != nil {
				log.Printf("Digest delivery: %v", err)
			}
		}
	}
}

func parseCutoff(s string) (hour, minute int) {
	hour, minute = 17, 0
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 2 {
		if h, err := strconv.Atoi(parts[0]); err == nil && h >= 0 && h < 24 {
			hour = h
		}
		if m, err := strconv.Atoi(parts[1]); err == nil && m >= 0 && m < 60 {
			minute = m
		}
	}
	return hour, minute
}
