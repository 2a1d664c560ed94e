package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nuid"

	"github.com/guildcast/gateway/internal/contracts"
	"github.com/guildcast/gateway/internal/platform/env"
	"github.com/guildcast/gateway/internal/platform/metrics"
	"github.com/guildcast/gateway/internal/platform/natsutil"
	"github.com/guildcast/gateway/internal/sharding"
)

var (
	publishedTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "gateway_probe_events_published_total",
		Help: "Synthetic events published by the dispatch probe.",
	}, []string{"type", "outcome"})
)

func init() {
	metrics.Default.MustRegister(publishedTotal)
}

// The probe publishes synthetic dispatch envelopes so delivery latency and
// fan-out behavior can be observed against a running gateway without a real
// producer fleet.
func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	metricsAddr := env.String("PROBE_METRICS_ADDR", ":9099")
	interval := env.Duration("PROBE_INTERVAL", 500*time.Millisecond)
	guildCount := env.Int("PROBE_GUILDS", 4)
	userCount := env.Int("PROBE_USERS", 8)
	duration := env.Duration("PROBE_DURATION", 0)

	if guildCount <= 0 || userCount <= 0 {
		log.Fatal("PROBE_GUILDS and PROBE_USERS must be > 0")
	}

	ctx := runCtx
	if duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(runCtx, duration)
		defer cancel()
		ctx = timeoutCtx
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	go runMetricsServer(metricsAddr)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("dispatch probe started: guilds=%d users=%d interval=%s", guildCount, userCount, interval)
	published := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("dispatch probe done: published=%d", published)
			return
		case <-ticker.C:
			envelope := nextEnvelope(rng, guildCount, userCount)
			if err := publish(publisher, envelope); err != nil {
				publishedTotal.WithLabelValues(envelope.Type, "error").Inc()
				log.Printf("publish %s to %s failed: %v", envelope.Type, envelope.Target.Kind, err)
				continue
			}
			publishedTotal.WithLabelValues(envelope.Type, "success").Inc()
			published++
		}
	}
}

func nextEnvelope(rng *rand.Rand, guildCount, userCount int) contracts.EventEnvelope {
	guildID := fmt.Sprintf("probe-guild-%d", rng.Intn(guildCount))
	userID := fmt.Sprintf("probe-user-%d", rng.Intn(userCount))

	envelope := contracts.EventEnvelope{
		EventID:    nuid.Next(),
		OccurredAt: time.Now().UTC(),
	}

	switch choice := rng.Float64(); {
	case choice < 0.70:
		envelope.Type = contracts.EventMessageCreate
		envelope.Target = contracts.Target{Kind: contracts.TargetGuild, ID: guildID}
		envelope.Payload = messagePayload(guildID, userID)
	case choice < 0.85:
		envelope.Type = contracts.EventGuildMemberAdd
		envelope.Target = contracts.Target{Kind: contracts.TargetGuild, ID: guildID}
		envelope.MemberUserID = userID
		envelope.Guild = guildPayload(guildID)
	case choice < 0.95:
		envelope.Type = contracts.EventGuildMemberRemove
		envelope.Target = contracts.Target{Kind: contracts.TargetGuild, ID: guildID}
		envelope.MemberUserID = userID
	default:
		envelope.Type = contracts.EventRelationshipAdd
		envelope.Target = contracts.Target{Kind: contracts.TargetUser, ID: userID}
	}
	return envelope
}

func guildPayload(guildID string) json.RawMessage {
	payload, err := json.Marshal(map[string]string{
		"id":   guildID,
		"name": "probe guild " + guildID,
	})
	if err != nil {
		return nil
	}
	return payload
}

func messagePayload(guildID, userID string) json.RawMessage {
	payload, err := json.Marshal(map[string]string{
		"guild_id":  guildID,
		"author_id": userID,
		"content":   "probe message " + nuid.Next(),
	})
	if err != nil {
		return nil
	}
	return payload
}

func publish(publisher natsutil.JetStreamPublisher, envelope contracts.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return publisher.Publish(sharding.DispatchSubject(envelope.Target), payload)
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("dispatch probe metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("dispatch probe metrics server failed: %v", err)
	}
}
