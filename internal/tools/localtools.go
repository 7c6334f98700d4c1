package tools

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Names of the tools serviced in-process. Card provisioning and swaps do not
// touch encrypted balances, so they skip the attestation gate; the enclave
// still verifies the intent before the planner reaches them.
const (
	ToolCreateCard  = "create_card"
	ToolFreezeCard  = "freeze_card"
	ToolExecuteSwap = "execute_swap"
)

// RegisterLocalTools registers the in-process tools the plan templates use.
func RegisterLocalTools(o *Orchestrator) error {
	specs := []Tool{
		{
			Name:                ToolCreateCard,
			Description:         "Provision a new virtual card for the user",
			RecoverableFailures: true,
			ParamsSchema: `{
				"type": "object",
				"required": ["user_id"],
				"properties": {
					"user_id": {"type": "string", "minLength": 1},
					"currency": {"type": "string"}
				}
			}`,
			Handler: createCardHandler,
		},
		{
			Name:        ToolFreezeCard,
			Description: "Freeze a card so no further spend clears",
			ParamsSchema: `{
				"type": "object",
				"required": ["user_id", "card_id"],
				"properties": {
					"user_id": {"type": "string", "minLength": 1},
					"card_id": {"type": "string", "minLength": 1}
				}
			}`,
			Handler: freezeCardHandler,
		},
		{
			Name:                ToolExecuteSwap,
			Description:         "Swap between supported assets at the current quote",
			RecoverableFailures: true,
			ParamsSchema: `{
				"type": "object",
				"required": ["user_id", "amount"],
				"properties": {
					"user_id": {"type": "string", "minLength": 1},
					"amount": {"type": "string", "minLength": 1},
					"currency": {"type": "string"},
					"target": {"type": "string"}
				}
			}`,
			Handler: swapHandler,
		},
	}
	for _, t := range specs {
		if err := o.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func createCardHandler(ctx context.Context, params Params) (*Result, error) {
	currency := strParam(params, "currency")
	if currency == "" {
		currency = "USD"
	}
	return &Result{
		Success: true,
		Output: map[string]interface{}{
			"card_id":    "card_" + uuid.New().String(),
			"currency":   currency,
			"status":     "active",
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func freezeCardHandler(ctx context.Context, params Params) (*Result, error) {
	cardID := strParam(params, "card_id")
	if cardID == "" {
		return Fail(Errf(CodeInvalidInput, false, "card_id is required")), nil
	}
	return &Result{
		Success: true,
		Output: map[string]interface{}{
			"card_id":   cardID,
			"status":    "frozen",
			"frozen_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func swapHandler(ctx context.Context, params Params) (*Result, error) {
	amount, err := decParam(params, "amount", decimal.Zero)
	if err != nil {
		return Fail(Errf(CodeInvalidInput, false, "amount: %v", err)), nil
	}
	if !amount.IsPositive() {
		return Fail(Errf(CodeInvalidInput, false, "amount must be > 0, got %s", amount)), nil
	}
	from := strParam(params, "currency")
	if from == "" {
		from = "USD"
	}
	to := strParam(params, "target")
	if to == "" {
		to = "USDC"
	}
	return &Result{
		Success: true,
		Output: map[string]interface{}{
			"swap_id":     "swap_" + uuid.New().String(),
			"from":        from,
			"to":          to,
			"amount":      amount.String(),
			"executed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}
