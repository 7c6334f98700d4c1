package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilpay/brain/internal/attestation"
	"github.com/veilpay/brain/internal/soul"
	"github.com/veilpay/brain/pb"
)

// Names of the built-in enclave-backed tools.
const (
	ToolVerifyIntent    = "verify_intent"
	ToolCheckBalance    = "check_encrypted_balance"
	ToolExecuteFund     = "execute_encrypted_fund"
	ToolExecuteTransfer = "execute_encrypted_transfer"
)

// RegisterSoulTools registers the privileged tools backed by the Soul
// enclave. All of them require remote verification, so the orchestrator's
// attestation gate fronts every dispatch.
func RegisterSoulTools(o *Orchestrator, client *soul.Client, verifier *attestation.Verifier) error {
	specs := []Tool{
		{
			Name:                       ToolVerifyIntent,
			Description:                "Ask the enclave to validate a parsed intent against policy",
			RequiresRemoteVerification: true,
			RecoverableFailures:        true,
			Handler:                    verifyIntentHandler(client, verifier),
		},
		{
			Name:                       ToolCheckBalance,
			Description:                "Check whether an encrypted card balance covers a minimum",
			RequiresRemoteVerification: true,
			RecoverableFailures:        true,
			ParamsSchema: `{
				"type": "object",
				"required": ["card_id", "user_id"],
				"properties": {
					"card_id": {"type": "string", "minLength": 1},
					"user_id": {"type": "string", "minLength": 1},
					"minimum_required": {"type": "string"},
					"wallet_address": {"type": "string"}
				}
			}`,
			Handler: checkBalanceHandler(client, verifier),
		},
		{
			Name:                       ToolExecuteFund,
			Description:                "Fund a card from the user's wallet inside the enclave",
			RequiresRemoteVerification: true,
			RecoverableFailures:        true,
			ParamsSchema: `{
				"type": "object",
				"required": ["card_id", "amount", "user_id"],
				"properties": {
					"card_id": {"type": "string", "minLength": 1},
					"amount": {"type": "string", "minLength": 1},
					"user_id": {"type": "string", "minLength": 1},
					"wallet_address": {"type": "string"},
					"source_type": {"type": "string"},
					"source_id": {"type": "string"}
				}
			}`,
			Handler: fundHandler(client, verifier),
		},
		{
			Name:                       ToolExecuteTransfer,
			Description:                "Move encrypted balance to another card or wallet",
			RequiresRemoteVerification: true,
			RecoverableFailures:        true,
			ParamsSchema: `{
				"type": "object",
				"required": ["source_card_id", "amount", "user_id", "destination_type", "destination_id"],
				"properties": {
					"source_card_id": {"type": "string", "minLength": 1},
					"amount": {"type": "string", "minLength": 1},
					"user_id": {"type": "string", "minLength": 1},
					"wallet_address": {"type": "string"},
					"destination_type": {"type": "string", "minLength": 1},
					"destination_id": {"type": "string", "minLength": 1}
				}
			}`,
			Handler: transferHandler(client, verifier),
		},
	}

	for _, t := range specs {
		if err := o.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func verifyIntentHandler(client *soul.Client, verifier *attestation.Verifier) Handler {
	return func(ctx context.Context, params Params) (*Result, error) {
		intentJSON, err := json.Marshal(params["intent"])
		if err != nil {
			return Fail(Errf(CodeInvalidInput, false, "intent not serializable: %v", err)), nil
		}
		contextJSON, _ := json.Marshal(params["context"])

		resp, err := client.VerifyIntent(ctx, &pb.VerifyIntentRequest{
			IntentJson:  intentJSON,
			ContextJson: contextJSON,
			UserId:      strParam(params, "user_id"),
		})
		if err != nil {
			return unreachable(err), nil
		}
		if resp.Error != nil {
			return Fail(soulError(resp.Error)), nil
		}
		if !resp.Verified {
			return Fail(&Error{
				Code:        CodeToolError,
				Message:     fmt.Sprintf("enclave rejected intent: %s", resp.Reason),
				Recoverable: false,
			}), nil
		}
		return verified(resp.AttestationQuote, verifier, map[string]interface{}{
			"verified": true,
		}), nil
	}
}

func checkBalanceHandler(client *soul.Client, verifier *attestation.Verifier) Handler {
	return func(ctx context.Context, params Params) (*Result, error) {
		minimum, err := decParam(params, "minimum_required", decimal.Zero)
		if err != nil {
			return Fail(Errf(CodeInvalidInput, false, "minimum_required: %v", err)), nil
		}
		if minimum.IsNegative() {
			return Fail(Errf(CodeInvalidInput, false, "minimum_required must be >= 0, got %s", minimum)), nil
		}

		resp, err := client.CheckEncryptedBalance(ctx, &pb.CheckBalanceRequest{
			CardId:          strParam(params, "card_id"),
			MinimumRequired: minimum.String(),
			UserId:          strParam(params, "user_id"),
			WalletAddress:   strParam(params, "wallet_address"),
		})
		if err != nil {
			return unreachable(err), nil
		}
		if resp.Error != nil {
			return Fail(soulError(resp.Error)), nil
		}

		out := map[string]interface{}{"sufficient": resp.Sufficient}
		if resp.AttestationTimestamp != nil {
			out["attestation_timestamp"] = resp.AttestationTimestamp.AsTime().Format(time.RFC3339)
		}
		return verified(resp.AttestationQuote, verifier, out), nil
	}
}

func fundHandler(client *soul.Client, verifier *attestation.Verifier) Handler {
	return func(ctx context.Context, params Params) (*Result, error) {
		amount, err := requirePositiveAmount(params)
		if err != nil {
			return Fail(err), nil
		}

		resp, callErr := client.ExecuteEncryptedFund(ctx, &pb.FundRequest{
			CardId:        strParam(params, "card_id"),
			Amount:        amount.String(),
			UserId:        strParam(params, "user_id"),
			WalletAddress: strParam(params, "wallet_address"),
			SourceType:    strParam(params, "source_type"),
			SourceId:      strParam(params, "source_id"),
		})
		if callErr != nil {
			return unreachable(callErr), nil
		}
		if resp.Error != nil {
			return Fail(soulError(resp.Error)), nil
		}
		if !resp.Success {
			return Fail(Errf(CodeToolError, false, "enclave refused fund operation")), nil
		}

		return verified(resp.AttestationQuote, verifier, map[string]interface{}{
			"new_handle": resp.NewHandle,
			"new_epoch":  resp.NewEpoch,
			"amount":     amount.String(),
		}), nil
	}
}

func transferHandler(client *soul.Client, verifier *attestation.Verifier) Handler {
	return func(ctx context.Context, params Params) (*Result, error) {
		amount, err := requirePositiveAmount(params)
		if err != nil {
			return Fail(err), nil
		}
		destType := strParam(params, "destination_type")
		destID := strParam(params, "destination_id")
		if destType == "" || destID == "" {
			return Fail(Errf(CodeInvalidInput, false, "destination_type and destination_id are required")), nil
		}

		resp, callErr := client.ExecuteEncryptedTransfer(ctx, &pb.TransferRequest{
			SourceCardId:    strParam(params, "source_card_id"),
			Amount:          amount.String(),
			UserId:          strParam(params, "user_id"),
			WalletAddress:   strParam(params, "wallet_address"),
			DestinationType: destType,
			DestinationId:   destID,
		})
		if callErr != nil {
			return unreachable(callErr), nil
		}
		if resp.Error != nil {
			return Fail(soulError(resp.Error)), nil
		}
		if !resp.Success {
			return Fail(Errf(CodeToolError, false, "enclave refused transfer")), nil
		}

		return verified(resp.AttestationQuote, verifier, map[string]interface{}{
			"new_source_handle": resp.NewSourceHandle,
			"new_source_epoch":  resp.NewSourceEpoch,
			"amount":            amount.String(),
		}), nil
	}
}

// verified wraps a successful enclave response with its attestation binding.
func verified(quote []byte, verifier *attestation.Verifier, output map[string]interface{}) *Result {
	rec := &VerificationRecord{Verified: true, Timestamp: time.Now()}
	if verifier != nil {
		if info := verifier.GetForChain(context.Background()); info.MrEnclave != "" {
			rec.MrEnclave = info.MrEnclave
			rec.MrSigner = info.MrSigner
		}
	}
	return &Result{
		Success:          true,
		Output:           output,
		Verification:     rec,
		AttestationQuote: quote,
	}
}

func unreachable(err error) *Result {
	return Fail(&Error{
		Code:        CodeSoulUnreachable,
		Message:     fmt.Sprintf("enclave call failed: %v", err),
		Recoverable: true,
		Suggestion:  "the enclave may be restarting; retry shortly",
	})
}

func soulError(e *pb.SoulError) *Error {
	code := CodeToolError
	if e.Code != "" {
		code = ErrorCode(e.Code)
	}
	return &Error{
		Code:        code,
		Message:     e.Message,
		Recoverable: e.Recoverable,
		Suggestion:  e.Suggestion,
	}
}

func strParam(p Params, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// decParam reads a decimal parameter given as a string or number.
func decParam(p Params, key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case decimal.Decimal:
		return t, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}

func requirePositiveAmount(params Params) (decimal.Decimal, *Error) {
	amount, err := decParam(params, "amount", decimal.Zero)
	if err != nil {
		return decimal.Zero, Errf(CodeInvalidInput, false, "amount: %v", err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, Errf(CodeInvalidInput, false, "amount must be > 0, got %s", amount)
	}
	return amount, nil
}
