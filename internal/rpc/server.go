// Package rpc implements the BrainService gRPC surface: the Converse stream
// plus the approval, cancellation and snapshot unary calls. The conversation
// pipeline lives here; the HTTP fallback in internal/api reuses it through
// ConverseOnce.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/events"
	"github.com/veilpay/brain/internal/intent"
	"github.com/veilpay/brain/internal/llm"
	"github.com/veilpay/brain/internal/monitoring"
	"github.com/veilpay/brain/internal/planner"
	"github.com/veilpay/brain/internal/session"
	"github.com/veilpay/brain/internal/tools"
	"github.com/veilpay/brain/pb"
)

// Server implements pb.BrainServiceServer.
type Server struct {
	pb.UnimplementedBrainServiceServer

	cfg      *config.Config
	sessions *session.Manager
	parser   *intent.Parser
	engine   *planner.Engine
	orch     *tools.Orchestrator
	replies  *llm.Generator
	metrics  *monitoring.Metrics
	stats    *monitoring.Stats
	logger   *log.Logger
}

// NewServer wires the conversation pipeline. metrics may be nil.
func NewServer(cfg *config.Config, sessions *session.Manager, parser *intent.Parser,
	engine *planner.Engine, orch *tools.Orchestrator, replies *llm.Generator,
	metrics *monitoring.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		parser:   parser,
		engine:   engine,
		orch:     orch,
		replies:  replies,
		metrics:  metrics,
		stats:    &monitoring.Stats{},
		logger:   log.New(log.Writer(), "[RPC] ", log.LstdFlags),
	}
}

// Stats exposes the request counters for the health surface.
func (s *Server) Stats() *monitoring.Stats { return s.stats }

// fail counts a request-level error before returning it.
func (s *Server) fail(err error) error {
	s.stats.Errors.Add(1)
	return err
}

// Converse handles one conversation turn, streaming plan events as they
// happen and ending with a final chunk.
func (s *Server) Converse(req *pb.ConverseRequest, stream pb.BrainService_ConverseServer) error {
	ctx := stream.Context()
	out, err := s.converse(ctx, req, func(evt *events.Event) error {
		return stream.Send(&pb.ConverseChunk{Event: eventToPB(evt)})
	})
	if err != nil {
		return err
	}

	chunk := &pb.ConverseChunk{Final: true}
	if out.Clarification != nil {
		chunk.Clarification = &pb.Clarification{
			Question: out.Clarification.Question,
			Options:  out.Clarification.Options,
			Blocking: out.Clarification.Blocking,
		}
	} else {
		chunk.Reply = out.Reply
	}
	return stream.Send(chunk)
}

// TurnResult is the aggregate outcome of one conversation turn.
type TurnResult struct {
	Reply         *pb.AssistantReply
	Clarification *intent.Clarification
	PlanID        string
	Intent        *intent.Intent
	ParseTimeMs   int64
	LLMLatencyMs  int64
}

// ConverseOnce runs the pipeline without a stream, buffering events; the
// HTTP fallback surface uses it.
func (s *Server) ConverseOnce(ctx context.Context, req *pb.ConverseRequest) (*TurnResult, []*events.Event, error) {
	var buffered []*events.Event
	out, err := s.converse(ctx, req, func(evt *events.Event) error {
		buffered = append(buffered, evt)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, buffered, nil
}

// converse is the shared pipeline: session bookkeeping, parsing, and either
// a direct reply, a clarification, or plan execution with event delivery
// through deliver.
func (s *Server) converse(ctx context.Context, req *pb.ConverseRequest, deliver func(*events.Event) error) (*TurnResult, error) {
	s.stats.TotalRequests.Add(1)
	if req.SessionId == "" || req.UserId == "" {
		return nil, s.fail(status.Error(codes.InvalidArgument, "session_id and user_id are required"))
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, s.fail(status.Error(codes.InvalidArgument, "message is empty"))
	}

	s.sessions.GetOrCreate(req.SessionId, req.UserId)

	parseStart := time.Now()
	in, _, clar, err := s.parser.Parse(req.Message, s.sessions.RecentTargets(req.UserId))
	parseMs := time.Since(parseStart).Milliseconds()
	if err != nil {
		return nil, s.fail(status.Errorf(codes.InvalidArgument, "cannot parse message: %v", err))
	}
	s.stats.IntentsParsed.Add(1)
	if s.metrics != nil {
		s.metrics.ObserveIntent(string(in.Action))
	}

	if err := s.sessions.AppendTurn(req.SessionId, session.Turn{
		Role:    session.RoleUser,
		Content: req.Message,
		Intent:  in,
	}); err != nil {
		return nil, s.fail(status.Errorf(codes.Internal, "session: %v", err))
	}

	if clar != nil {
		if s.metrics != nil {
			s.metrics.Clarifications.Inc()
		}
		_ = s.sessions.MarkClarificationPending(req.SessionId, in.ID)
		s.appendAssistantTurn(req.SessionId, clar.Question, nil)
		return &TurnResult{Clarification: clar, Intent: in, ParseTimeMs: parseMs}, nil
	}
	s.sessions.ResolveClarification(req.SessionId, in.ID)

	state, _ := s.sessions.UserState(req.UserId)
	plan, err := planner.NewPlanFromIntent(in, req.SessionId, &state, s.cfg.Planner)
	if err != nil {
		// Non-plannable intents answer directly.
		reply, llmMs := s.directReply(ctx, in, &state)
		s.appendAssistantTurn(req.SessionId, reply.Text, nil)
		return &TurnResult{Reply: reply, Intent: in, ParseTimeMs: parseMs, LLMLatencyMs: llmMs}, nil
	}

	if err := s.engine.Register(plan); err != nil {
		return nil, s.fail(status.Errorf(codes.Internal, "plan registration: %v", err))
	}

	// The executor goroutine owns the plan; this goroutine forwards its
	// lossless event stream to the caller.
	sink := newChanSink()
	go func() {
		defer sink.close()
		if err := s.engine.Execute(ctx, plan.ID, sink); err != nil {
			s.logger.Printf("plan %s: %v", plan.ID, err)
		}
	}()

	for evt := range sink.ch {
		if err := deliver(evt); err != nil {
			// Caller is gone; the stream context cancellation reaches the
			// executor, which rolls back and terminates the plan.
			for range sink.ch {
			}
			return nil, err
		}
	}

	final, _ := s.engine.Plan(plan.ID)
	s.stats.PlansExecuted.Add(1)
	if final != nil && final.Status == planner.PlanFailed {
		s.stats.Errors.Add(1)
	}
	reply, llmMs := s.planReply(ctx, in, final)
	s.appendAssistantTurn(req.SessionId, reply.Text, final)
	return &TurnResult{Reply: reply, PlanID: plan.ID, Intent: in, ParseTimeMs: parseMs, LLMLatencyMs: llmMs}, nil
}

// directReply answers read-only intents without a plan. Balance checks go
// straight through the orchestrator so the reply still carries attestation.
// The second return is the reply-phrasing latency in milliseconds.
func (s *Server) directReply(ctx context.Context, in *intent.Intent, state *session.UserState) (*pb.AssistantReply, int64) {
	reply := &pb.AssistantReply{
		IntentAction: string(in.Action),
		Confidence:   in.Confidence,
	}

	var outcome string
	if in.Action == intent.ActionCheckBalance {
		res := s.orch.Call(ctx, tools.ToolCheckBalance, tools.Params{
			"card_id":        state.CardID,
			"user_id":        state.UserID,
			"wallet_address": state.WalletAddress,
		})
		if res.Success {
			reply.AttestationQuote = res.AttestationQuote
			if suff, ok := res.Output["sufficient"].(bool); ok && suff {
				outcome = "The balance is available and covered."
			} else {
				outcome = "The balance was checked inside the enclave."
			}
		} else {
			outcome = "The balance service is unavailable right now; " + res.Err.Suggestion
		}
	}

	return s.phrase(ctx, reply, in, outcome)
}

// planReply summarizes a terminal plan for the user.
func (s *Server) planReply(ctx context.Context, in *intent.Intent, plan *planner.Plan) (*pb.AssistantReply, int64) {
	reply := &pb.AssistantReply{
		IntentAction: string(in.Action),
		Confidence:   in.Confidence,
	}
	if plan == nil {
		reply.Text = "Something went wrong handling that request."
		return reply, 0
	}

	var outcome string
	switch plan.Status {
	case planner.PlanCompleted:
		outcome = fmt.Sprintf("Your %s request completed (%d/%d steps).",
			strings.ReplaceAll(string(in.Action), "_", " "), plan.CompletedSteps, plan.TotalSteps)
		for _, step := range plan.Steps {
			if step.Result != nil && len(step.Result.AttestationQuote) > 0 {
				reply.AttestationQuote = step.Result.AttestationQuote
			}
		}
	case planner.PlanCancelled:
		outcome = "The request was cancelled; completed steps were reverted where possible."
	default:
		outcome = "The request could not be completed."
		for _, step := range plan.Steps {
			if step.Status == planner.StepFailed && step.Result != nil && step.Result.Err != nil {
				outcome = fmt.Sprintf("The request stopped at %s: %s.",
					strings.ReplaceAll(string(step.Action), "_", " "), step.Result.Err.Message)
				if step.Result.Err.Suggestion != "" {
					outcome += " " + step.Result.Err.Suggestion + "."
				}
				break
			}
		}
	}

	return s.phrase(ctx, reply, in, outcome)
}

// phrase fills in the reply text, timing the generator call.
func (s *Server) phrase(ctx context.Context, reply *pb.AssistantReply, in *intent.Intent, outcome string) (*pb.AssistantReply, int64) {
	start := time.Now()
	reply.Text = s.replies.Reply(ctx, in, outcome)
	reply.LlmGenerated = s.replies.Enabled()
	return reply, time.Since(start).Milliseconds()
}

func (s *Server) appendAssistantTurn(sessionID, text string, plan *planner.Plan) {
	turn := session.Turn{Role: session.RoleAssistant, Content: text}
	if plan != nil {
		for _, step := range plan.Steps {
			if step.Result == nil {
				continue
			}
			turn.ToolCalls = append(turn.ToolCalls, session.ToolCallRecord{
				Tool:       string(step.Action),
				Success:    step.Result.Success,
				DurationMs: step.Result.DurationMs,
			})
		}
	}
	if err := s.sessions.AppendTurn(sessionID, turn); err != nil {
		s.logger.Printf("assistant turn for %s dropped: %v", sessionID, err)
	}
}

// ApproveStep records an approval decision. Deciding a step that is not
// awaiting approval is a rejected no-op, not an error.
func (s *Server) ApproveStep(ctx context.Context, req *pb.ApproveStepRequest) (*pb.Ack, error) {
	s.stats.TotalRequests.Add(1)
	if req.PlanId == "" || req.StepId == "" {
		return nil, s.fail(status.Error(codes.InvalidArgument, "plan_id and step_id are required"))
	}
	err := s.engine.ApproveStep(req.PlanId, req.StepId, req.Approved, req.Approver, req.Comment)
	if err == planner.ErrPlanNotFound {
		return nil, s.fail(status.Errorf(codes.NotFound, "plan %s not found", req.PlanId))
	}
	if err != nil {
		return &pb.Ack{Success: false, Message: err.Error()}, nil
	}
	verb := "approved"
	if !req.Approved {
		verb = "denied"
	}
	return &pb.Ack{Success: true, Message: fmt.Sprintf("step %s %s", req.StepId, verb)}, nil
}

// CancelPlan requests cancellation. Cancelling a terminal plan succeeds as a
// no-op.
func (s *Server) CancelPlan(ctx context.Context, req *pb.CancelPlanRequest) (*pb.Ack, error) {
	s.stats.TotalRequests.Add(1)
	if req.PlanId == "" {
		return nil, s.fail(status.Error(codes.InvalidArgument, "plan_id is required"))
	}
	err := s.engine.Cancel(req.PlanId, req.Reason)
	if err == planner.ErrPlanNotFound {
		return nil, s.fail(status.Errorf(codes.NotFound, "plan %s not found", req.PlanId))
	}
	if err != nil {
		return &pb.Ack{Success: false, Message: err.Error()}, nil
	}
	return &pb.Ack{Success: true, Message: "cancellation requested"}, nil
}

// GetSessionSnapshot returns the session's conversation history.
func (s *Server) GetSessionSnapshot(ctx context.Context, req *pb.SnapshotRequest) (*pb.SessionSnapshot, error) {
	s.stats.TotalRequests.Add(1)
	if req.SessionId == "" {
		return nil, s.fail(status.Error(codes.InvalidArgument, "session_id is required"))
	}
	snap, err := s.sessions.Snapshot(req.SessionId)
	if err != nil {
		return nil, s.fail(status.Errorf(codes.NotFound, "session %s not found", req.SessionId))
	}

	out := &pb.SessionSnapshot{
		SessionId:      snap.SessionID,
		UserId:         snap.UserID,
		CreatedAt:      timestamppb.New(snap.CreatedAt),
		LastActivityAt: timestamppb.New(snap.LastActivityAt),
		ExpiresAt:      timestamppb.New(snap.ExpiresAt),
	}
	for _, t := range snap.History {
		turn := &pb.Turn{
			Id:        t.ID,
			Role:      string(t.Role),
			Content:   t.Content,
			Timestamp: timestamppb.New(t.Timestamp),
		}
		if t.Intent != nil {
			turn.IntentAction = string(t.Intent.Action)
		}
		out.Turns = append(out.Turns, turn)
	}
	return out, nil
}

// chanSink is the lossless, ordered event channel between the executor and
// the stream forwarder.
type chanSink struct {
	ch chan *events.Event
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan *events.Event, 64)}
}

func (s *chanSink) Publish(evt *events.Event) { s.ch <- evt }
func (s *chanSink) close()                    { close(s.ch) }

func eventToPB(evt *events.Event) *pb.PlanEvent {
	var data []byte
	if evt.Data != nil {
		data, _ = json.Marshal(evt.Data)
	}
	return &pb.PlanEvent{
		EventId:   evt.ID,
		PlanId:    evt.PlanID,
		StepId:    evt.StepID,
		EventType: string(evt.Type),
		Message:   evt.Message,
		DataJson:  data,
		Timestamp: timestamppb.New(evt.Timestamp),
	}
}
