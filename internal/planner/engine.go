package planner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/events"
	"github.com/veilpay/brain/internal/monitoring"
	"github.com/veilpay/brain/internal/tools"
)

// ErrPlanNotFound is returned for operations on unknown plan ids.
var ErrPlanNotFound = fmt.Errorf("plan not found")

type approvalDecision struct {
	approved bool
	approver string
	comment  string
}

// execution is a plan plus its runtime machinery. All mutation of the plan
// after registration happens under mu, on the single executor goroutine or
// through ApproveStep / Cancel.
type execution struct {
	mu        sync.Mutex
	plan      *Plan
	approvals map[string]chan approvalDecision
	cancel    context.CancelFunc
	reason    string
}

// Engine owns plan lifecycles: registration, execution, approvals and
// cancellation. One executor goroutine drives each plan, so the event stream
// a plan produces is totally ordered.
type Engine struct {
	cfg     config.PlannerConfig
	orch    *tools.Orchestrator
	bus     *events.Bus
	metrics *monitoring.Metrics
	logger  *log.Logger

	mu    sync.RWMutex
	plans map[string]*execution
}

// NewEngine creates an engine. bus and metrics may be nil.
func NewEngine(cfg config.PlannerConfig, orch *tools.Orchestrator, bus *events.Bus, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		cfg:     cfg,
		orch:    orch,
		bus:     bus,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
		plans:   make(map[string]*execution),
	}
}

// Register adds a plan to the engine. The plan must be pending.
func (e *Engine) Register(p *Plan) error {
	if p.Status != PlanPending {
		return fmt.Errorf("plan %s is %s, only pending plans register", p.ID, p.Status)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.plans[p.ID]; dup {
		return fmt.Errorf("plan %s already registered", p.ID)
	}
	e.plans[p.ID] = &execution{
		plan:      p,
		approvals: make(map[string]chan approvalDecision),
	}
	if e.metrics != nil {
		e.metrics.PlansCreated.Inc()
	}
	return nil
}

// Plan returns a point-in-time copy of a plan.
func (e *Engine) Plan(planID string) (*Plan, bool) {
	ex := e.lookup(planID)
	if ex == nil {
		return nil, false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	cp := *ex.plan
	cp.Steps = make([]*Step, len(ex.plan.Steps))
	for i, s := range ex.plan.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	return &cp, true
}

// ActivePlans counts plans that have not reached a terminal status.
func (e *Engine) ActivePlans() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, ex := range e.plans {
		ex.mu.Lock()
		if !ex.plan.Status.Terminal() {
			n++
		}
		ex.mu.Unlock()
	}
	return n
}

func (e *Engine) lookup(planID string) *execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.plans[planID]
}

// Execute drives a plan to a terminal status, writing every event in order
// to sink (the caller's lossless stream) and mirroring it onto the bus.
// It returns once the plan is terminal; the error covers engine misuse only,
// never step failures, which end in a plan_failed event.
func (e *Engine) Execute(ctx context.Context, planID string, sink events.Sink) error {
	ex := e.lookup(planID)
	if ex == nil {
		return ErrPlanNotFound
	}

	ex.mu.Lock()
	if ex.plan.Status != PlanPending {
		status := ex.plan.Status
		ex.mu.Unlock()
		return fmt.Errorf("plan %s already %s", planID, status)
	}
	cctx, cancel := context.WithCancel(ctx)
	ex.cancel = cancel
	ex.plan.Status = PlanExecuting
	now := time.Now()
	ex.plan.StartedAt = &now
	ex.mu.Unlock()
	defer cancel()

	e.emit(ex, sink, events.PlanStarted, "", fmt.Sprintf("executing plan for %s", ex.plan.Intent.Action),
		map[string]interface{}{"action": string(ex.plan.Intent.Action), "total_steps": ex.plan.TotalSteps})

	for {
		if cctx.Err() != nil {
			e.finishCancelled(ex, sink)
			return nil
		}

		step, broken := e.nextRunnable(ex)
		if broken != nil {
			e.emit(ex, sink, events.StepFailed, broken.ID,
				fmt.Sprintf("%s failed: %s", broken.Action, broken.Result.Err.Message),
				map[string]interface{}{"action": string(broken.Action), "error": broken.Result.Err})
			e.rollback(cctx, ex, sink)
			e.finish(ex, sink, PlanFailed, events.PlanFailed, failureMessage(broken))
			return nil
		}
		if step == nil {
			break
		}

		if failed := e.runStep(cctx, ex, sink, step); failed {
			if cctx.Err() != nil {
				e.finishCancelled(ex, sink)
				return nil
			}
			e.rollback(cctx, ex, sink)
			e.finish(ex, sink, PlanFailed, events.PlanFailed, failureMessage(step))
			return nil
		}
	}

	if cctx.Err() != nil {
		e.finishCancelled(ex, sink)
		return nil
	}
	e.finish(ex, sink, PlanCompleted, events.PlanCompleted, "all steps completed")
	return nil
}

// nextRunnable picks the lowest-sequence pending step whose dependencies are
// satisfied. Steps whose dependencies failed are resolved here: optional ones
// are skipped inline; a mandatory one is marked failed with dependency_failed
// and returned as broken so the caller fails the plan.
func (e *Engine) nextRunnable(ex *execution) (runnable, broken *Step) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	for _, s := range ex.plan.Steps {
		if s.Status != StepPending && s.Status != StepBlocked {
			continue
		}
		ready, depFailed := true, false
		for _, dep := range s.DependsOn {
			d := ex.plan.step(dep)
			if d == nil || !d.Status.Terminal() {
				ready = false
				break
			}
			if !d.Status.satisfiesDependency() {
				depFailed = true
				break
			}
		}
		if depFailed {
			now := time.Now()
			s.CompletedAt = &now
			if s.Optional {
				s.Status = StepSkipped
				continue
			}
			s.Status = StepFailed
			s.Result = tools.Fail(tools.Errf(tools.CodeDependencyFailed, false,
				"dependency of %s did not complete", s.Action))
			return nil, s
		}
		if ready {
			return s, nil
		}
		s.Status = StepBlocked
	}
	return nil, nil
}

// failureMessage derives the terminal plan_failed message from the failing
// step's error so the cause reaches the event stream, not just the reply.
func failureMessage(step *Step) string {
	if step.Result == nil || step.Result.Err == nil {
		return fmt.Sprintf("step %s failed", step.Action)
	}
	msg := fmt.Sprintf("step %s failed: %s", step.Action, step.Result.Err.Message)
	if s := step.Result.Err.Suggestion; s != "" {
		msg += "; " + s
	}
	return msg
}

// runStep executes one step, including its approval gate and retry loop.
// It returns true when the step failed in a way that fails the plan.
func (e *Engine) runStep(ctx context.Context, ex *execution, sink events.Sink, step *Step) bool {
	if step.RequiresApproval {
		if ok := e.awaitApproval(ctx, ex, sink, step); !ok {
			return !step.Optional
		}
	}

	ex.mu.Lock()
	step.Status = StepExecuting
	now := time.Now()
	step.StartedAt = &now
	ex.mu.Unlock()
	e.emit(ex, sink, events.StepStarted, step.ID, fmt.Sprintf("executing %s", step.Action),
		map[string]interface{}{"action": string(step.Action)})

	spec := actionTable[step.Action]

	var res *tools.Result
	if spec.tool == "" {
		res = e.runInternal(step)
	} else {
		res = e.callWithRetry(ctx, ex, sink, step, spec.tool)
	}

	ex.mu.Lock()
	done := time.Now()
	step.CompletedAt = &done
	step.Result = res
	if res.Success {
		if step.Action == ActionVerifyWithSoul {
			step.Status = StepVerifiedBySoul
		} else {
			step.Status = StepCompleted
		}
		ex.plan.CompletedSteps++
	} else if step.Optional {
		step.Status = StepSkipped
	} else {
		step.Status = StepFailed
	}
	status := step.Status
	ex.mu.Unlock()

	switch status {
	case StepVerifiedBySoul:
		e.emit(ex, sink, events.StepVerified, step.ID, "intent verified by the enclave",
			map[string]interface{}{"action": string(step.Action)})
	case StepCompleted:
		data := map[string]interface{}{
			"action":      string(step.Action),
			"retry_count": step.RetryCount,
		}
		if res.Output != nil {
			data["output"] = res.Output
		}
		e.emit(ex, sink, events.StepCompleted, step.ID, fmt.Sprintf("%s completed", step.Action), data)
	case StepSkipped:
		e.emit(ex, sink, events.StepFailed, step.ID,
			fmt.Sprintf("optional step %s failed, skipping", step.Action),
			map[string]interface{}{"action": string(step.Action), "optional": true, "error": res.Err})
	case StepFailed:
		e.emit(ex, sink, events.StepFailed, step.ID, fmt.Sprintf("%s failed: %s", step.Action, res.Err.Message),
			map[string]interface{}{"action": string(step.Action), "error": res.Err, "retry_count": step.RetryCount})
		return true
	}
	return false
}

// runInternal handles actions the engine services itself, with no tool call.
func (e *Engine) runInternal(step *Step) *tools.Result {
	switch step.Action {
	case ActionNotifyUser:
		return &tools.Result{
			Success: true,
			Output:  map[string]interface{}{"notified": true, "message": step.Description},
		}
	default:
		// parse_intent and the approval-only actions have nothing left to do
		// by the time the executor reaches them.
		return &tools.Result{Success: true}
	}
}

// callWithRetry dispatches the step's tool, retrying recoverable failures
// with exponential backoff up to MaxRetries.
func (e *Engine) callWithRetry(ctx context.Context, ex *execution, sink events.Sink, step *Step, tool string) *tools.Result {
	for {
		res := e.orch.Call(ctx, tool, step.Parameters)
		if res.Success || res.Err == nil || !res.Err.Recoverable || step.RetryCount >= step.MaxRetries {
			return res
		}
		if ctx.Err() != nil {
			return res
		}

		ex.mu.Lock()
		step.RetryCount++
		attempt := step.RetryCount
		ex.mu.Unlock()
		if e.metrics != nil {
			e.metrics.StepRetries.Inc()
		}
		e.emit(ex, sink, events.StepRetrying, step.ID,
			fmt.Sprintf("%s failed (%s), retry %d/%d", step.Action, res.Err.Code, attempt, step.MaxRetries),
			map[string]interface{}{"action": string(step.Action), "retry_count": attempt, "error_code": string(res.Err.Code)})

		backoff := e.cfg.RetryBackoff
		if backoff <= 0 {
			backoff = 500 * time.Millisecond
		}
		backoff <<= attempt - 1
		if ceiling := e.cfg.RetryBackoffCap; ceiling > 0 && backoff > ceiling {
			backoff = ceiling
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return res
		}
	}
}

// awaitApproval parks the step until a decision, the approval timeout, or
// cancellation. Returns true when the step may run.
func (e *Engine) awaitApproval(ctx context.Context, ex *execution, sink events.Sink, step *Step) bool {
	ch := make(chan approvalDecision, 1)
	ex.mu.Lock()
	step.Status = StepAwaitingApproval
	ex.plan.Status = PlanAwaitingApproval
	ex.approvals[step.ID] = ch
	ex.mu.Unlock()

	e.emit(ex, sink, events.StepAwaitingApproval, step.ID,
		fmt.Sprintf("%s needs your approval", step.Action),
		map[string]interface{}{"action": string(step.Action), "parameters": redacted(step.Parameters)})

	timeout := e.cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var failure *tools.Error
	decided := false
	select {
	case d := <-ch:
		if d.approved {
			decided = true
		} else {
			failure = tools.Errf(tools.CodeApprovalDenied, false, "denied by %s: %s", d.approver, d.comment)
		}
	case <-timer.C:
		failure = tools.Errf(tools.CodeApprovalTimeout, false, "no decision within %s", timeout)
	case <-ctx.Done():
		failure = tools.Errf(tools.CodeApprovalTimeout, false, "plan cancelled while awaiting approval")
	}

	ex.mu.Lock()
	delete(ex.approvals, step.ID)
	if decided {
		ex.plan.Status = PlanExecuting
		step.Status = StepPending
	} else {
		now := time.Now()
		step.CompletedAt = &now
		step.Result = tools.Fail(failure)
		if step.Optional {
			step.Status = StepSkipped
		} else {
			step.Status = StepFailed
		}
	}
	ex.mu.Unlock()

	if !decided && ctx.Err() == nil {
		e.emit(ex, sink, events.StepFailed, step.ID,
			fmt.Sprintf("%s not approved: %s", step.Action, failure.Message),
			map[string]interface{}{"action": string(step.Action), "error": failure})
	}
	return decided
}

// ApproveStep records an approval decision for a step currently parked at
// its gate. Decisions for steps not awaiting approval are rejected.
func (e *Engine) ApproveStep(planID, stepID string, approved bool, approver, comment string) error {
	ex := e.lookup(planID)
	if ex == nil {
		return ErrPlanNotFound
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()

	step := ex.plan.step(stepID)
	if step == nil {
		return fmt.Errorf("plan %s has no step %s", planID, stepID)
	}
	ch, waiting := ex.approvals[stepID]
	if !waiting || step.Status != StepAwaitingApproval {
		return fmt.Errorf("step %s is %s, not awaiting approval", stepID, step.Status)
	}
	ch <- approvalDecision{approved: approved, approver: approver, comment: comment}
	return nil
}

// Cancel requests cancellation. Cancelling a terminal plan is a no-op; a
// pending plan is cancelled immediately, a running one at its next
// checkpoint (completed steps are rolled back first).
func (e *Engine) Cancel(planID, reason string) error {
	ex := e.lookup(planID)
	if ex == nil {
		return ErrPlanNotFound
	}
	ex.mu.Lock()
	if ex.plan.Status.Terminal() {
		ex.mu.Unlock()
		return nil
	}
	ex.reason = reason
	if ex.plan.Status == PlanPending {
		ex.plan.Status = PlanCancelled
		now := time.Now()
		ex.plan.CompletedAt = &now
		ex.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ObservePlanOutcome(string(PlanCancelled))
		}
		if e.bus != nil {
			e.bus.Publish(events.New(events.PlanCancelled, planID, "", reason, nil))
		}
		return nil
	}
	cancel := ex.cancel
	ex.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// CancelForSession cancels every live plan owned by a session and forgets
// its terminal ones. Used when the session is evicted.
func (e *Engine) CancelForSession(sessionID, reason string) int {
	e.mu.Lock()
	var owned []string
	for id, ex := range e.plans {
		if ex.plan.SessionID == sessionID {
			owned = append(owned, id)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, id := range owned {
		if err := e.Cancel(id, reason); err == nil {
			n++
		}
	}

	e.mu.Lock()
	for _, id := range owned {
		if ex := e.plans[id]; ex != nil {
			ex.mu.Lock()
			terminal := ex.plan.Status.Terminal()
			ex.mu.Unlock()
			if terminal {
				delete(e.plans, id)
			}
		}
	}
	e.mu.Unlock()
	return n
}

// rollback compensates completed steps in reverse order. Steps without an
// inverse are left as they are; a failed compensation is reported and the
// sweep continues.
func (e *Engine) rollback(ctx context.Context, ex *execution, sink events.Sink) {
	ex.mu.Lock()
	completed := make([]*Step, 0, len(ex.plan.Steps))
	for _, s := range ex.plan.Steps {
		if s.Status == StepCompleted {
			completed = append(completed, s)
		}
	}
	ex.mu.Unlock()

	for i := len(completed) - 1; i >= 0; i-- {
		s := completed[i]
		spec := actionTable[s.Action]
		if spec.invert == nil {
			continue
		}
		tool, params, ok := spec.invert(s)
		if !ok {
			continue
		}

		// Rollback must be able to run even when the failing step's context
		// is already dead.
		rctx := ctx
		if rctx.Err() != nil {
			timeout := e.cfg.StepTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(context.Background(), timeout)
			defer cancel()
		}
		res := e.orch.Call(rctx, tool, params)
		if res.Success {
			ex.mu.Lock()
			s.Status = StepRolledBack
			ex.plan.CompletedSteps--
			ex.mu.Unlock()
			if e.metrics != nil {
				e.metrics.StepRollbacks.Inc()
			}
			e.emit(ex, sink, events.StepRolledBack, s.ID,
				fmt.Sprintf("%s compensated", s.Action),
				map[string]interface{}{"action": string(s.Action)})
		} else {
			e.logger.Printf("rollback of step %s (%s) failed: %v", s.ID, s.Action, res.Err)
			e.emit(ex, sink, events.RollbackFailed, s.ID,
				fmt.Sprintf("could not compensate %s; manual reconciliation needed", s.Action),
				map[string]interface{}{"action": string(s.Action), "error": res.Err})
		}
	}
}

func (e *Engine) finishCancelled(ex *execution, sink events.Sink) {
	e.rollback(context.Background(), ex, sink)
	ex.mu.Lock()
	reason := ex.reason
	ex.mu.Unlock()
	if reason == "" {
		reason = "cancelled"
	}
	e.finish(ex, sink, PlanCancelled, events.PlanCancelled, reason)
}

func (e *Engine) finish(ex *execution, sink events.Sink, status PlanStatus, evt events.Type, message string) {
	ex.mu.Lock()
	ex.plan.Status = status
	now := time.Now()
	ex.plan.CompletedAt = &now
	// Anything still pending or blocked at terminalization was never
	// reachable; close it out as skipped so every step is terminal.
	for _, s := range ex.plan.Steps {
		if s.Status == StepPending || s.Status == StepBlocked {
			s.Status = StepSkipped
			s.CompletedAt = &now
		}
	}
	completed := ex.plan.CompletedSteps
	total := ex.plan.TotalSteps
	ex.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ObservePlanOutcome(string(status))
	}
	e.emit(ex, sink, evt, "", message,
		map[string]interface{}{"completed_steps": completed, "total_steps": total})
}

// emit writes one event to the caller's sink and mirrors it on the bus.
func (e *Engine) emit(ex *execution, sink events.Sink, typ events.Type, stepID, message string, data map[string]interface{}) {
	evt := events.New(typ, ex.plan.ID, stepID, message, data)
	if sink != nil {
		sink.Publish(evt)
	}
	if e.bus != nil && events.Sink(e.bus) != sink {
		e.bus.Publish(evt)
	}
}

// redacted trims step parameters for the approval event: the raw intent and
// anything bulky stays out of the user-facing payload.
func redacted(p tools.Params) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		switch k {
		case "intent", "context":
			continue
		}
		out[k] = v
	}
	return out
}
