package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/brain/internal/attestation"
	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/soul"
	"github.com/veilpay/brain/pb"
)

func soulFixture(t *testing.T, mock *pb.MockSoulClient) (*Orchestrator, *soul.Client) {
	t.Helper()
	client := soul.NewClientWithSoul(config.SoulConfig{CallTimeout: time.Second}, mock)
	verifier := attestation.NewVerifier(config.AttestationConfig{
		Strict:   true,
		CacheTTL: time.Minute,
	}, client)

	o := NewOrchestrator(config.ToolsConfig{
		MaxConcurrentCalls: 4,
		CallTimeout:        time.Second,
		AcquireTimeout:     time.Second,
	}, verifier, nil)
	require.NoError(t, RegisterSoulTools(o, client, verifier))
	require.NoError(t, RegisterLocalTools(o))
	o.Seal()
	return o, client
}

func TestFundToolSuccessCarriesAttestation(t *testing.T) {
	mock := pb.NewMockSoulClient()
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolExecuteFund, Params{
		"card_id": "c1",
		"amount":  "50",
		"user_id": "u1",
	})
	require.True(t, res.Success, "fund failed: %v", res.Err)
	assert.Equal(t, "handle-c1", res.Output["new_handle"])
	assert.NotEmpty(t, res.AttestationQuote)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.Verified)
	assert.Equal(t, mock.MrEnclave, res.Verification.MrEnclave)
}

func TestFundToolRejectsNonPositiveAmount(t *testing.T) {
	mock := pb.NewMockSoulClient()
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolExecuteFund, Params{
		"card_id": "c1",
		"amount":  "-5",
		"user_id": "u1",
	})
	require.False(t, res.Success)
	assert.Equal(t, CodeInvalidInput, res.Err.Code)
	assert.False(t, res.Err.Recoverable)
	assert.Zero(t, mock.CallCount("ExecuteEncryptedFund"), "invalid input never reaches the enclave")
}

func TestFundToolMissingParamsFailSchema(t *testing.T) {
	mock := pb.NewMockSoulClient()
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolExecuteFund, Params{"card_id": "c1"})
	require.False(t, res.Success)
	assert.Equal(t, CodeInvalidInput, res.Err.Code)
}

func TestTransferToolRequiresDestination(t *testing.T) {
	mock := pb.NewMockSoulClient()
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolExecuteTransfer, Params{
		"source_card_id":   "c1",
		"amount":           "10",
		"user_id":          "u1",
		"destination_type": "card",
		"destination_id":   "c2",
	})
	assert.True(t, res.Success, "transfer failed: %v", res.Err)
}

func TestCheckBalanceRejectsNegativeMinimum(t *testing.T) {
	mock := pb.NewMockSoulClient()
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolCheckBalance, Params{
		"card_id":          "c1",
		"user_id":          "u1",
		"minimum_required": "-1",
	})
	require.False(t, res.Success)
	assert.Equal(t, CodeInvalidInput, res.Err.Code)
}

func TestTransportFailureIsRecoverable(t *testing.T) {
	mock := pb.NewMockSoulClient()
	mock.FundFunc = func(ctx context.Context, in *pb.FundRequest) (*pb.FundResponse, error) {
		return nil, errors.New("connection reset")
	}
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolExecuteFund, Params{
		"card_id": "c1",
		"amount":  "50",
		"user_id": "u1",
	})
	require.False(t, res.Success)
	assert.Equal(t, CodeSoulUnreachable, res.Err.Code)
	assert.True(t, res.Err.Recoverable)
	assert.NotEmpty(t, res.Err.Suggestion)
}

func TestSoulErrorPassesThrough(t *testing.T) {
	mock := pb.NewMockSoulClient()
	mock.FundFunc = func(ctx context.Context, in *pb.FundRequest) (*pb.FundResponse, error) {
		return &pb.FundResponse{Error: &pb.SoulError{
			Code:        "insufficient_funds",
			Message:     "wallet balance too low",
			Recoverable: false,
			Suggestion:  "top up the wallet first",
		}}, nil
	}
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolExecuteFund, Params{
		"card_id": "c1",
		"amount":  "50",
		"user_id": "u1",
	})
	require.False(t, res.Success)
	assert.Equal(t, ErrorCode("insufficient_funds"), res.Err.Code)
	assert.Equal(t, "wallet balance too low", res.Err.Message)
	assert.Equal(t, "top up the wallet first", res.Err.Suggestion)
}

func TestVerifyIntentRejectionIsNotRecoverable(t *testing.T) {
	mock := pb.NewMockSoulClient()
	mock.VerifyIntentFunc = func(ctx context.Context, in *pb.VerifyIntentRequest) (*pb.VerifyIntentResponse, error) {
		return &pb.VerifyIntentResponse{Verified: false, Reason: "policy violation"}, nil
	}
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolVerifyIntent, Params{"user_id": "u1"})
	require.False(t, res.Success)
	assert.False(t, res.Err.Recoverable)
	assert.Contains(t, res.Err.Message, "policy violation")
}

func TestLocalTools(t *testing.T) {
	mock := pb.NewMockSoulClient()
	o, _ := soulFixture(t, mock)

	res := o.Call(context.Background(), ToolCreateCard, Params{"user_id": "u1"})
	require.True(t, res.Success)
	assert.Contains(t, res.Output["card_id"], "card_")
	assert.Equal(t, "USD", res.Output["currency"])

	res = o.Call(context.Background(), ToolFreezeCard, Params{"user_id": "u1", "card_id": "c1"})
	require.True(t, res.Success)
	assert.Equal(t, "frozen", res.Output["status"])

	res = o.Call(context.Background(), ToolExecuteSwap, Params{"user_id": "u1", "amount": "25"})
	require.True(t, res.Success)
	assert.Equal(t, "25", res.Output["amount"])
}
