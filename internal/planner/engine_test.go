package planner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/brain/internal/attestation"
	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/events"
	"github.com/veilpay/brain/internal/intent"
	"github.com/veilpay/brain/internal/session"
	"github.com/veilpay/brain/internal/soul"
	"github.com/veilpay/brain/internal/tools"
	"github.com/veilpay/brain/pb"
)

// recordSink captures the ordered event stream of one execution.
type recordSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *recordSink) Publish(e *events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordSink) all() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*events.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordSink) types() []events.Type {
	var out []events.Type
	for _, e := range s.all() {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordSink) await(t *testing.T, typ events.Type) *events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range s.all() {
			if e.Type == typ {
				return e
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event %s never arrived; got %v", typ, s.types())
	return nil
}

func plannerConfig() config.PlannerConfig {
	return config.PlannerConfig{
		MaxRetries:      3,
		StepTimeout:     time.Second,
		ApprovalTimeout: 500 * time.Millisecond,
		RetryBackoff:    2 * time.Millisecond,
		RetryBackoffCap: 10 * time.Millisecond,
	}
}

func engineFixture(t *testing.T, mock *pb.MockSoulClient) *Engine {
	t.Helper()
	client := soul.NewClientWithSoul(config.SoulConfig{CallTimeout: time.Second}, mock)
	verifier := attestation.NewVerifier(config.AttestationConfig{
		Strict:   true,
		CacheTTL: time.Minute,
	}, client)
	orch := tools.NewOrchestrator(config.ToolsConfig{
		MaxConcurrentCalls: 4,
		CallTimeout:        time.Second,
		AcquireTimeout:     time.Second,
	}, verifier, nil)
	require.NoError(t, tools.RegisterSoulTools(orch, client, verifier))
	require.NoError(t, tools.RegisterLocalTools(orch))
	orch.Seal()
	return NewEngine(plannerConfig(), orch, nil, nil)
}

func userState(mode session.ConfirmationMode) *session.UserState {
	return &session.UserState{
		UserID:        "u1",
		WalletAddress: "0xwallet",
		CardID:        "c1",
		Prefs:         session.Preferences{ConfirmationMode: mode},
	}
}

func fundIntent(t *testing.T) *intent.Intent {
	t.Helper()
	amount := decimal.NewFromInt(50)
	return &intent.Intent{
		ID:         "i1",
		Action:     intent.ActionFundCard,
		Amount:     &amount,
		Currency:   "USD",
		RawText:    "add $50 to my card",
		Confidence: 0.86,
		Parameters: map[string]interface{}{"amount": "50"},
	}
}

func TestNewPlanFromIntentTemplates(t *testing.T) {
	cfg := plannerConfig()

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), cfg)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, ActionVerifyWithSoul, plan.Steps[0].Action)
	assert.Equal(t, ActionFundCard, plan.Steps[1].Action)
	assert.Equal(t, []string{plan.Steps[0].ID}, plan.Steps[1].DependsOn)
	assert.False(t, plan.RequiresApproval)
	assert.Equal(t, PlanPending, plan.Status)
	assert.Equal(t, 2, plan.TotalSteps)

	// Balance checks and general queries never become plans.
	_, err = NewPlanFromIntent(&intent.Intent{ID: "i2", Action: intent.ActionCheckBalance}, "s1", userState(session.ConfirmNever), cfg)
	assert.ErrorIs(t, err, ErrNotPlannable)
	_, err = NewPlanFromIntent(&intent.Intent{ID: "i3", Action: intent.ActionUnknown}, "s1", userState(session.ConfirmNever), cfg)
	assert.ErrorIs(t, err, ErrNotPlannable)
}

func TestApprovalFlagsFollowConfirmationMode(t *testing.T) {
	cfg := plannerConfig()

	always, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmAlways), cfg)
	require.NoError(t, err)
	assert.False(t, always.Steps[0].RequiresApproval, "verification is never gated")
	assert.True(t, always.Steps[1].RequiresApproval)
	assert.True(t, always.RequiresApproval)

	highRisk, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmHighRisk), cfg)
	require.NoError(t, err)
	assert.True(t, highRisk.Steps[1].RequiresApproval, "funding is a sensitive action")

	never, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), cfg)
	require.NoError(t, err)
	assert.False(t, never.Steps[1].RequiresApproval)
}

func TestExecuteFundPlanHappyPath(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	assert.Equal(t, []events.Type{
		events.PlanStarted,
		events.StepStarted,
		events.StepVerified,
		events.StepStarted,
		events.StepCompleted,
		events.PlanCompleted,
	}, sink.types())

	final, ok := e.Plan(plan.ID)
	require.True(t, ok)
	assert.Equal(t, PlanCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedSteps)
	assert.Equal(t, StepVerifiedBySoul, final.Steps[0].Status)
	assert.Equal(t, StepCompleted, final.Steps[1].Status)
	assert.Equal(t, 1, mock.CallCount("VerifyIntent"))
	assert.Equal(t, 1, mock.CallCount("ExecuteEncryptedFund"))

	// Event timestamps are totally ordered.
	evts := sink.all()
	for i := 1; i < len(evts); i++ {
		assert.False(t, evts[i].Timestamp.Before(evts[i-1].Timestamp))
	}
}

func TestExecuteWithApprovalGate(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmAlways), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), plan.ID, sink) }()

	gate := sink.await(t, events.StepAwaitingApproval)
	assert.Equal(t, plan.Steps[1].ID, gate.StepID)
	assert.Zero(t, mock.CallCount("ExecuteEncryptedFund"), "gated step has not run")

	// Deciding a step that is not awaiting approval is rejected.
	assert.Error(t, e.ApproveStep(plan.ID, plan.Steps[0].ID, true, "u1", ""))

	require.NoError(t, e.ApproveStep(plan.ID, plan.Steps[1].ID, true, "u1", "looks right"))
	require.NoError(t, <-done)

	assert.Equal(t, []events.Type{
		events.PlanStarted,
		events.StepStarted,
		events.StepVerified,
		events.StepAwaitingApproval,
		events.StepStarted,
		events.StepCompleted,
		events.PlanCompleted,
	}, sink.types())
	assert.Equal(t, 1, mock.CallCount("ExecuteEncryptedFund"))

	// Late decisions on the finished step are rejected no-ops.
	assert.Error(t, e.ApproveStep(plan.ID, plan.Steps[1].ID, true, "u1", "again"))
}

func TestApprovalDenialFailsPlan(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmAlways), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), plan.ID, sink) }()

	sink.await(t, events.StepAwaitingApproval)
	require.NoError(t, e.ApproveStep(plan.ID, plan.Steps[1].ID, false, "u1", "not now"))
	require.NoError(t, <-done)

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanFailed, final.Status)
	assert.Equal(t, StepFailed, final.Steps[1].Status)
	assert.Equal(t, tools.CodeApprovalDenied, final.Steps[1].Result.Err.Code)
	assert.Zero(t, mock.CallCount("ExecuteEncryptedFund"))
}

func TestApprovalTimeoutFailsPlan(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	cfg := plannerConfig()
	cfg.ApprovalTimeout = 30 * time.Millisecond
	e.cfg = cfg

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmAlways), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanFailed, final.Status)
	assert.Equal(t, tools.CodeApprovalTimeout, final.Steps[1].Result.Err.Code)
}

func TestTransientFailureRetriesOnce(t *testing.T) {
	mock := pb.NewMockSoulClient()
	failures := 1
	mock.FundFunc = func(ctx context.Context, in *pb.FundRequest) (*pb.FundResponse, error) {
		if failures > 0 {
			failures--
			return &pb.FundResponse{Error: &pb.SoulError{
				Code:        string(tools.CodeSoulUnreachable),
				Message:     "transient",
				Recoverable: true,
			}}, nil
		}
		return &pb.FundResponse{Success: true, NewHandle: "h2", NewEpoch: 2, AttestationQuote: []byte("q")}, nil
	}
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	retries := 0
	for _, evt := range sink.all() {
		if evt.Type == events.StepRetrying {
			retries++
		}
	}
	assert.Equal(t, 1, retries, "exactly one retry for a single transient failure")

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanCompleted, final.Status)
	assert.Equal(t, 1, final.Steps[1].RetryCount)
	assert.Equal(t, 2, mock.CallCount("ExecuteEncryptedFund"))
}

func TestRetriesExhaustedFailsPlan(t *testing.T) {
	mock := pb.NewMockSoulClient()
	mock.FundFunc = func(ctx context.Context, in *pb.FundRequest) (*pb.FundResponse, error) {
		return &pb.FundResponse{Error: &pb.SoulError{
			Code:        string(tools.CodeSoulUnreachable),
			Message:     "still down",
			Recoverable: true,
		}}, nil
	}
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanFailed, final.Status)
	assert.Equal(t, 3, final.Steps[1].RetryCount)
	assert.Equal(t, 4, mock.CallCount("ExecuteEncryptedFund"), "initial attempt plus three retries")
}

func TestNonRecoverableVerifyFailureSkipsRest(t *testing.T) {
	mock := pb.NewMockSoulClient()
	mock.VerifyIntentFunc = func(ctx context.Context, in *pb.VerifyIntentRequest) (*pb.VerifyIntentResponse, error) {
		return &pb.VerifyIntentResponse{Verified: false, Reason: "policy violation"}, nil
	}
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanFailed, final.Status)
	assert.Equal(t, StepFailed, final.Steps[0].Status)
	assert.Equal(t, StepSkipped, final.Steps[1].Status, "unreached steps close out as skipped")
	assert.Zero(t, mock.CallCount("ExecuteEncryptedFund"))

	// Every step is terminal once the plan is terminal.
	for _, step := range final.Steps {
		assert.True(t, step.Status.Terminal(), "step %s is %s", step.Action, step.Status)
	}
}

func TestPlanFailedEventNamesTheCause(t *testing.T) {
	mock := pb.NewMockSoulClient()
	mock.FundFunc = func(ctx context.Context, in *pb.FundRequest) (*pb.FundResponse, error) {
		return &pb.FundResponse{Error: &pb.SoulError{
			Code:        "insufficient_funds",
			Message:     "wallet balance too low",
			Recoverable: false,
			Suggestion:  "top up the wallet first",
		}}, nil
	}
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	failed := sink.await(t, events.PlanFailed)
	assert.Contains(t, failed.Message, "fund_card")
	assert.Contains(t, failed.Message, "wallet balance too low")
	assert.Contains(t, failed.Message, "top up the wallet first")
}

func TestFailedDependencyFailsPlan(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)

	// A dependency already in a failed state before execution: the dependent
	// mandatory step must fail the plan, not let it drift to completed.
	now := time.Now()
	plan.Steps[0].Status = StepFailed
	plan.Steps[0].CompletedAt = &now
	plan.Steps[0].Result = tools.Fail(tools.Errf(tools.CodeToolError, false, "verification rejected"))
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanFailed, final.Status)
	assert.Equal(t, StepFailed, final.Steps[1].Status)
	assert.Equal(t, tools.CodeDependencyFailed, final.Steps[1].Result.Err.Code)
	assert.Zero(t, mock.CallCount("ExecuteEncryptedFund"))

	sink.await(t, events.StepFailed)
	failed := sink.await(t, events.PlanFailed)
	assert.Contains(t, failed.Message, "dependency of fund_card did not complete")
}

func TestRollbackCompensatesCompletedSteps(t *testing.T) {
	mock := pb.NewMockSoulClient()
	// Outbound card transfers fail; the wallet-bound compensation succeeds.
	mock.TransferFunc = func(ctx context.Context, in *pb.TransferRequest) (*pb.TransferResponse, error) {
		if in.DestinationType == "card" {
			return &pb.TransferResponse{Error: &pb.SoulError{
				Code:        "limit_exceeded",
				Message:     "destination rejected the transfer",
				Recoverable: false,
			}}, nil
		}
		return &pb.TransferResponse{Success: true, AttestationQuote: []byte("q")}, nil
	}
	e := engineFixture(t, mock)

	amount := decimal.NewFromInt(50)
	in := fundIntent(t)
	plan, err := NewPlanFromIntent(in, "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)

	// Append a transfer after the fund so a later failure has something
	// completed to compensate.
	extra := &Step{
		ID:         "step-transfer",
		PlanID:     plan.ID,
		Sequence:   len(plan.Steps),
		Action:     ActionExecuteTransfer,
		Parameters: tools.Params{
			"source_card_id":   "c1",
			"amount":           amount.String(),
			"user_id":          "u1",
			"wallet_address":   "0xwallet",
			"destination_type": "card",
			"destination_id":   "c2",
		},
		DependsOn:  []string{plan.Steps[1].ID},
		Status:     StepPending,
		MaxRetries: 0,
	}
	plan.Steps = append(plan.Steps, extra)
	plan.TotalSteps = len(plan.Steps)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanFailed, final.Status)
	assert.Equal(t, StepRolledBack, final.Steps[1].Status, "the completed fund was compensated")
	assert.Equal(t, StepFailed, final.Steps[2].Status)

	var sawRollback bool
	for _, evt := range sink.all() {
		if evt.Type == events.StepRolledBack {
			sawRollback = true
			assert.Equal(t, plan.Steps[1].ID, evt.StepID)
		}
	}
	assert.True(t, sawRollback)

	// The compensation went back to the wallet.
	assert.GreaterOrEqual(t, mock.CallCount("ExecuteEncryptedTransfer"), 2)
}

func TestCancelPendingPlan(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	require.NoError(t, e.Cancel(plan.ID, "changed my mind"))
	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanCancelled, final.Status)

	// Cancelling a terminal plan is a no-op success.
	assert.NoError(t, e.Cancel(plan.ID, "again"))
	assert.ErrorIs(t, e.Cancel("nope", "x"), ErrPlanNotFound)
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmAlways), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), plan.ID, sink) }()

	sink.await(t, events.StepAwaitingApproval)
	require.NoError(t, e.Cancel(plan.ID, "user cancelled"))
	require.NoError(t, <-done)

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanCancelled, final.Status)
	assert.Zero(t, mock.CallCount("ExecuteEncryptedFund"))
	sink.await(t, events.PlanCancelled)
}

func TestCancelForSession(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	p1, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(p1))
	p2, err := NewPlanFromIntent(fundIntent(t), "s2", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.NoError(t, e.Register(p2))

	n := e.CancelForSession("s1", "session expired")
	assert.Equal(t, 1, n)

	_, ok := e.Plan(p1.ID)
	assert.False(t, ok, "terminal plans of an evicted session are forgotten")
	still, ok := e.Plan(p2.ID)
	require.True(t, ok)
	assert.Equal(t, PlanPending, still.Status)
}

func TestCreateCardTemplateHasOptionalNotify(t *testing.T) {
	in := &intent.Intent{
		ID:         "i-create",
		Action:     intent.ActionCreateCard,
		RawText:    "create a new card",
		Confidence: 0.9,
		Parameters: map[string]interface{}{},
	}
	plan, err := NewPlanFromIntent(in, "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, ActionNotifyUser, plan.Steps[2].Action)
	assert.True(t, plan.Steps[2].Optional)
}

func TestOptionalStepFailureDoesNotFailPlan(t *testing.T) {
	mock := pb.NewMockSoulClient()
	e := engineFixture(t, mock)

	plan, err := NewPlanFromIntent(fundIntent(t), "s1", userState(session.ConfirmNever), plannerConfig())
	require.NoError(t, err)

	// Tack on an optional swap that fails validation (negative amount).
	bad := &Step{
		ID:         "step-opt-swap",
		PlanID:     plan.ID,
		Sequence:   len(plan.Steps),
		Action:     ActionExecuteSwap,
		Parameters: tools.Params{"user_id": "u1", "amount": "-1"},
		DependsOn:  []string{plan.Steps[1].ID},
		Optional:   true,
		Status:     StepPending,
	}
	plan.Steps = append(plan.Steps, bad)
	plan.TotalSteps = len(plan.Steps)
	require.NoError(t, e.Register(plan))

	sink := &recordSink{}
	require.NoError(t, e.Execute(context.Background(), plan.ID, sink))

	final, _ := e.Plan(plan.ID)
	assert.Equal(t, PlanCompleted, final.Status)
	assert.Equal(t, StepSkipped, final.Steps[2].Status)
	assert.Equal(t, StepCompleted, final.Steps[1].Status, "the fund was not rolled back")

	var optionalFailure *events.Event
	for _, evt := range sink.all() {
		if evt.Type == events.StepFailed {
			optionalFailure = evt
		}
	}
	require.NotNil(t, optionalFailure)
	assert.Equal(t, true, optionalFailure.Data["optional"])
}
