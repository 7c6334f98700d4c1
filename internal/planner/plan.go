// Package planner turns parsed intents into execution plans (DAGs of steps)
// and drives them to a terminal status, emitting an ordered event stream.
package planner

import (
	"time"

	"github.com/veilpay/brain/internal/intent"
	"github.com/veilpay/brain/internal/tools"
)

// PlanStatus is the plan lifecycle state.
type PlanStatus string

const (
	PlanPending          PlanStatus = "pending"
	PlanAwaitingApproval PlanStatus = "awaiting_approval"
	PlanExecuting        PlanStatus = "executing"
	PlanPaused           PlanStatus = "paused"
	PlanCompleted        PlanStatus = "completed"
	PlanFailed           PlanStatus = "failed"
	PlanCancelled        PlanStatus = "cancelled"
)

// Terminal statuses are final: no transition leaves them.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCancelled
}

// StepStatus is the step lifecycle state.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepBlocked          StepStatus = "blocked"
	StepExecuting        StepStatus = "executing"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepVerifiedBySoul   StepStatus = "verified_by_soul"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
	StepRolledBack       StepStatus = "rolled_back"
)

// Terminal reports whether the step has finished. verified_by_soul counts:
// it is the success terminal for verification steps.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepRolledBack, StepVerifiedBySoul:
		return true
	}
	return false
}

// satisfiesDependency reports whether a dependent step may proceed.
func (s StepStatus) satisfiesDependency() bool {
	return s == StepCompleted || s == StepSkipped || s == StepVerifiedBySoul
}

// StepAction enumerates everything a plan step can do.
type StepAction string

const (
	ActionParseIntent      StepAction = "parse_intent"
	ActionVerifyWithSoul   StepAction = "verify_with_soul"
	ActionCheckBalance     StepAction = "check_balance"
	ActionExecuteTransfer  StepAction = "execute_transfer"
	ActionExecuteSwap      StepAction = "execute_swap"
	ActionFundCard         StepAction = "fund_card"
	ActionCreateCard       StepAction = "create_card"
	ActionFreezeCard       StepAction = "freeze_card"
	ActionNotifyUser       StepAction = "notify_user"
	ActionRequestApproval  StepAction = "request_approval"
	ActionWaitConfirmation StepAction = "wait_for_confirmation"
	ActionRollback         StepAction = "rollback"
)

// Step is one node of a plan DAG.
type Step struct {
	ID                       string       `json:"step_id"`
	PlanID                   string       `json:"plan_id"`
	Sequence                 int          `json:"sequence"`
	Action                   StepAction   `json:"action"`
	Description              string       `json:"description"`
	Parameters               tools.Params `json:"parameters,omitempty"`
	DependsOn                []string     `json:"depends_on,omitempty"`
	RequiresSoulVerification bool         `json:"requires_soul_verification"`
	RequiresApproval         bool         `json:"requires_approval"`
	Optional                 bool         `json:"optional"`

	Status      StepStatus    `json:"status"`
	Result      *tools.Result `json:"result,omitempty"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Plan is a DAG of steps materializing one intent.
type Plan struct {
	ID               string         `json:"plan_id"`
	SessionID        string         `json:"session_id"`
	UserID           string         `json:"user_id"`
	Intent           *intent.Intent `json:"original_intent"`
	Steps            []*Step        `json:"steps"`
	Status           PlanStatus     `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	TotalSteps       int            `json:"total_steps"`
	CompletedSteps   int            `json:"completed_steps"`
	RequiresApproval bool           `json:"requires_approval"`
}

// step looks a step up by id.
func (p *Plan) step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// actionSpec is the per-action vtable: which orchestrator tool runs it, how
// to invert it on rollback, and whether it is sensitive enough to need an
// approval gate under the high_risk confirmation mode.
type actionSpec struct {
	tool      string // "" means the engine handles the action internally
	sensitive bool
	// invert builds the compensating call for a completed step, or returns
	// ok=false when the action has no inverse (skipped during rollback).
	invert func(s *Step) (toolName string, params tools.Params, ok bool)
}

var actionTable = map[StepAction]actionSpec{
	ActionParseIntent:      {},
	ActionNotifyUser:       {},
	ActionRequestApproval:  {},
	ActionWaitConfirmation: {},
	ActionRollback:         {},
	ActionVerifyWithSoul:   {tool: tools.ToolVerifyIntent},
	ActionCheckBalance:     {tool: tools.ToolCheckBalance},
	ActionCreateCard:       {tool: "create_card"},
	ActionFreezeCard:       {tool: "freeze_card", sensitive: true},
	ActionExecuteSwap:      {tool: "execute_swap", sensitive: true},
	ActionFundCard: {
		tool:      tools.ToolExecuteFund,
		sensitive: true,
		invert: func(s *Step) (string, tools.Params, bool) {
			// Funding inverts to a transfer from the card back to the wallet.
			return tools.ToolExecuteTransfer, tools.Params{
				"source_card_id":   s.Parameters["card_id"],
				"amount":           s.Parameters["amount"],
				"user_id":          s.Parameters["user_id"],
				"wallet_address":   s.Parameters["wallet_address"],
				"destination_type": "wallet",
				"destination_id":   s.Parameters["wallet_address"],
			}, true
		},
	},
	ActionExecuteTransfer: {
		tool:      tools.ToolExecuteTransfer,
		sensitive: true,
		invert: func(s *Step) (string, tools.Params, bool) {
			// Reverse the transfer: destination becomes the source card.
			return tools.ToolExecuteTransfer, tools.Params{
				"source_card_id":   s.Parameters["destination_id"],
				"amount":           s.Parameters["amount"],
				"user_id":          s.Parameters["user_id"],
				"wallet_address":   s.Parameters["wallet_address"],
				"destination_type": "card",
				"destination_id":   s.Parameters["source_card_id"],
			}, true
		},
	},
}
