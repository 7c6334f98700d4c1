package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/veilpay/brain/internal/api"
	"github.com/veilpay/brain/internal/attestation"
	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/events"
	"github.com/veilpay/brain/internal/intent"
	"github.com/veilpay/brain/internal/llm"
	"github.com/veilpay/brain/internal/monitoring"
	"github.com/veilpay/brain/internal/planner"
	"github.com/veilpay/brain/internal/rpc"
	"github.com/veilpay/brain/internal/session"
	"github.com/veilpay/brain/internal/soul"
	"github.com/veilpay/brain/internal/tools"
	"github.com/veilpay/brain/pb"
)

func main() {
	// Local development convenience; inside the TEE env comes pre-injected.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("🧠 Starting Brain Orchestrator v%s (soul=%s strict=%v)",
		cfg.Server.Version, cfg.Soul.GRPCURL, cfg.Attestation.Strict)

	metrics := monitoring.NewMetrics()

	// Event fabric: in-process bus plus optional external mirrors.
	bus := events.NewBus()
	defer bus.Close()
	if cfg.Events.RedisURL != "" {
		mirror, err := events.NewRedisMirror(cfg.Events.RedisURL, "brain:events:")
		if err != nil {
			log.Printf("⚠️  redis mirror disabled: %v", err)
		} else {
			bus.AttachMirror(mirror)
			log.Println("📡 Redis event mirror attached")
		}
	}
	if cfg.Events.PubSubProject != "" && cfg.Events.PubSubTopic != "" {
		mirror, err := events.NewPubSubMirror(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Printf("⚠️  pubsub mirror disabled: %v", err)
		} else {
			bus.AttachMirror(mirror)
			log.Println("📡 Pub/Sub event mirror attached")
		}
	}

	// Soul client and attestation.
	soulClient := soul.NewClient(cfg.Soul)
	defer soulClient.Close()
	verifier := attestation.NewVerifier(cfg.Attestation, soulClient)
	verifier.SetMetrics(metrics)

	// Tool registry, sealed once everything is in.
	orch := tools.NewOrchestrator(cfg.Tools, verifier, metrics)
	if err := tools.RegisterSoulTools(orch, soulClient, verifier); err != nil {
		log.Fatalf("tool registration: %v", err)
	}
	if err := tools.RegisterLocalTools(orch); err != nil {
		log.Fatalf("tool registration: %v", err)
	}
	orch.Seal()
	log.Printf("🔧 %d tools registered and sealed", len(orch.List()))

	// Sessions, planner, replies.
	sessions := session.NewManager(cfg.Session, cfg.Privacy, nil)
	engine := planner.NewEngine(cfg.Planner, orch, bus, metrics)
	sessions.OnEvict = func(sessionID string) {
		if n := engine.CancelForSession(sessionID, "session expired"); n > 0 {
			log.Printf("🧹 cancelled %d plans for evicted session %s", n, sessionID)
		}
	}
	sessions.StartSweeper(ctx)

	replies := llm.NewGenerator(cfg.LLM)
	if replies.Enabled() {
		log.Printf("💬 LLM replies enabled (model=%s)", cfg.LLM.Model)
	} else {
		log.Println("💬 LLM replies disabled, using deterministic phrasing")
	}

	brain := rpc.NewServer(cfg, sessions, intent.NewParser(), engine, orch, replies, metrics)

	// gRPC surface.
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	grpcServer := grpc.NewServer()
	pb.RegisterBrainServiceServer(grpcServer, brain)
	go func() {
		log.Printf("🚀 gRPC listening on :%d", cfg.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	// Warm the attestation cache; failure is visible in /ready.
	if res := verifier.Verify(ctx, false); res.Verified {
		log.Println("✅ Soul attestation verified")
	} else {
		log.Printf("⚠️  Soul attestation not verified yet: %s", res.Error)
	}

	// HTTP surface blocks until shutdown.
	httpSrv := api.NewServer(cfg, verifier, bus, orch, sessions, engine, brain)
	if err := httpSrv.Start(ctx); err != nil {
		log.Fatalf("http: %v", err)
	}
	log.Println("Server stopped")
}
