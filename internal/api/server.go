// Package api is the HTTP side surface: health and readiness probes, the
// attestation report, Prometheus metrics, a websocket event feed, and an
// optional REST fallback for Converse. The primary surface is gRPC.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilpay/brain/internal/attestation"
	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/events"
	"github.com/veilpay/brain/internal/planner"
	"github.com/veilpay/brain/internal/rpc"
	"github.com/veilpay/brain/internal/session"
	"github.com/veilpay/brain/internal/tools"
	"github.com/veilpay/brain/pb"
)

// Server serves the HTTP endpoints.
type Server struct {
	cfg      *config.Config
	verifier *attestation.Verifier
	bus      *events.Bus
	orch     *tools.Orchestrator
	sessions *session.Manager
	engine   *planner.Engine
	brain    *rpc.Server
	logger   *log.Logger
	started  time.Time

	httpSrv *http.Server
	feed    *EventFeed
}

// NewServer builds the HTTP server around the already-wired components.
func NewServer(cfg *config.Config, verifier *attestation.Verifier, bus *events.Bus,
	orch *tools.Orchestrator, sessions *session.Manager, engine *planner.Engine,
	brain *rpc.Server) *Server {
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		bus:      bus,
		orch:     orch,
		sessions: sessions,
		engine:   engine,
		brain:    brain,
		logger:   log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		started:  time.Now(),
		feed:     NewEventFeed(bus),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/attestation", s.handleAttestation).Methods("GET")
	r.HandleFunc("/tools", s.handleTools).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/events/ws", s.feed.Handle)

	if s.cfg.Server.ConverseEnabled {
		r.HandleFunc("/converse", s.handleConverse).Methods("POST")
	}

	// Preflight requests need a matching route or the middleware never runs.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found", "path": req.URL.Path})
	})
	return r
}

// Start runs the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket feed holds connections open
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.feed.Close()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "brain-orchestrator",
		"version": s.cfg.Server.Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	att := s.verifier.Verify(r.Context(), false)

	soulStatus := "untrusted"
	if att.Verified {
		soulStatus = "verified"
	} else if att.Details.Reachable {
		soulStatus = "reachable"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "brain-orchestrator",
		"version":        s.cfg.Server.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"rpc_port":       s.cfg.Server.GRPCPort,
		"soul":           soulStatus,
		"llm": map[string]interface{}{
			"enabled":  s.cfg.LLM.Enabled(),
			"model":    s.cfg.LLM.Model,
			"base_url": s.cfg.LLM.BaseURL,
		},
		"metrics":         s.brain.Stats().Snapshot(),
		"sessions":        s.sessions.SessionCount(),
		"active_plans":    s.engine.ActivePlans(),
		"tools_in_flight": s.orch.InFlight(),
	})
}

// handleReady gates readiness on attestation in strict mode: an orchestrator
// that cannot trust its enclave should not take traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Attestation.Strict && !s.verifier.ShouldTrust(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "enclave attestation not verified",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	info := s.verifier.GetForChain(r.Context())
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.orch.List()})
}

// handleConverse is the REST fallback for clients without gRPC: one request,
// one aggregated response with the buffered event trail.
func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request payload"})
		return
	}

	result, trail, err := s.brain.ConverseOnce(r.Context(), &pb.ConverseRequest{
		SessionId: req.SessionID,
		UserId:    req.UserID,
		Message:   req.Message,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	if trail == nil {
		trail = []*events.Event{}
	}
	resp := map[string]interface{}{
		"success":             true,
		"needs_clarification": result.Clarification != nil,
		"parse_time_ms":       result.ParseTimeMs,
		"llm_latency_ms":      result.LLMLatencyMs,
		"llm_enabled":         s.cfg.LLM.Enabled(),
		"events":              trail,
	}
	if result.Intent != nil {
		resp["intent"] = string(result.Intent.Action)
		resp["confidence"] = result.Intent.Confidence
	}
	if result.Clarification != nil {
		resp["response_text"] = result.Clarification.Question
		resp["clarification_question"] = result.Clarification.Question
		if len(result.Clarification.Options) > 0 {
			resp["clarification_options"] = result.Clarification.Options
		}
	} else if result.Reply != nil {
		resp["response_text"] = result.Reply.Text
	}
	if result.PlanID != "" {
		resp["plan_id"] = result.PlanID
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
