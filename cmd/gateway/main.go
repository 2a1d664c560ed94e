package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/guildcast/gateway/internal/app/dispatch"
	"github.com/guildcast/gateway/internal/app/entitystore"
	"github.com/guildcast/gateway/internal/app/gate"
	"github.com/guildcast/gateway/internal/app/gateway"
	"github.com/guildcast/gateway/internal/app/ingest"
	"github.com/guildcast/gateway/internal/app/session"
	"github.com/guildcast/gateway/internal/app/snapshot"
	"github.com/guildcast/gateway/internal/platform/auth"
	"github.com/guildcast/gateway/internal/platform/dbpool"
	"github.com/guildcast/gateway/internal/platform/env"
	"github.com/guildcast/gateway/internal/platform/metrics"
	"github.com/guildcast/gateway/internal/platform/natsutil"
)

var (
	dispatchedTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "gateway_events_dispatched_total",
		Help: "Events delivered to sessions, by event type.",
	}, []string{"type"})

	droppedTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "gateway_events_dropped_total",
		Help: "Events dropped because a session could not accept them, by event type.",
	}, []string{"type"})

	ingestErrorsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "gateway_ingest_errors_total",
		Help: "Broker messages rejected by the ingest pipeline.",
	}, []string{"reason"})

	identifyFailuresTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "gateway_identify_failures_total",
		Help: "Connections closed before completing identify, by close code.",
	}, []string{"code"})

	snapshotBuildsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "gateway_snapshot_builds_total",
		Help: "Ready snapshot builds, by outcome.",
	}, []string{"outcome"})

	openConnections = metrics.NewGauge(metrics.Opts{
		Name: "gateway_open_connections",
		Help: "Open websocket connections, including those not yet identified.",
	})
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gatewayAddr := env.String("GATEWAY_ADDR", env.DefaultGatewayAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	tokenTTL := env.Duration("TOKEN_TTL", 24*time.Hour)
	identifyWindow := env.Duration("IDENTIFY_WINDOW", 30*time.Second)
	heartbeatInterval := env.Duration("HEARTBEAT_INTERVAL", 41250*time.Millisecond)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := entitystore.NewPostgresStore(pool)
	if err := waitForSchema(runCtx, store, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	dispatcher := dispatch.NewDispatcher()
	registry := session.NewRegistry(store, dispatcher)
	builder := snapshot.NewBuilder(store)
	tokens := auth.NewManager(jwtSecret, tokenTTL)

	handler := gateway.NewHandler(gate.New(tokens, store), registry, builder, dispatcher)
	handler.IdentifyWindow = identifyWindow
	handler.HeartbeatInterval = heartbeatInterval

	dispatcher.OnSendFailure = handler.DisconnectSession
	dispatcher.OnDispatch = func(eventType string) { dispatchedTotal.WithLabelValues(eventType).Inc() }
	dispatcher.OnDrop = func(eventType string) { droppedTotal.WithLabelValues(eventType).Inc() }

	handler.OnConnect = openConnections.Inc
	handler.OnDisconnect = openConnections.Dec
	handler.OnIdentifyFailure = func(code int) {
		identifyFailuresTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}
	handler.OnSnapshotBuild = func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		snapshotBuildsTotal.WithLabelValues(outcome).Inc()
	}

	sessionsGauge := metrics.NewGaugeFunc(metrics.Opts{
		Name: "gateway_live_sessions",
		Help: "Sessions currently attached to the fan-out table.",
	}, func() float64 { return float64(dispatcher.SessionCount()) })
	metrics.Default.MustRegister(dispatchedTotal, droppedTotal, ingestErrorsTotal,
		identifyFailuresTotal, snapshotBuildsTotal, openConnections, sessionsGauge)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ingestSvc := ingest.NewService(dispatcher, dispatcher)
	sub, err := client.JS.Subscribe("app.dispatch.>", func(msg *nats.Msg) {
		if err := ingestSvc.Handle(msg.Data); err != nil {
			switch {
			case errors.Is(err, ingest.ErrInvalidEventPayload):
				ingestErrorsTotal.WithLabelValues("invalid_payload").Inc()
			case errors.Is(err, dispatch.ErrInvalidTarget):
				ingestErrorsTotal.WithLabelValues("invalid_target").Inc()
			default:
				ingestErrorsTotal.WithLabelValues("other").Inc()
			}
			log.Printf("ingest rejected message on %s: %v", msg.Subject, err)
		}
	}, nats.DeliverNew())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := checkGatewayReadiness(req.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.DefaultHandler())
	r.Handle("/gateway", handler)

	server := &http.Server{
		Addr:              gatewayAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Read/Write timeouts stay unset for long-lived websocket streams.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("Gateway listening on %s\n", gatewayAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway graceful shutdown failed: %v", err)
	}
}

func waitForSchema(ctx context.Context, store *entitystore.PostgresStore, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = store.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for entity schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkGatewayReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
