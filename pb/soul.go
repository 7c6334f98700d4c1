// Package pb holds the hand-maintained wire types and service contracts for
// the Brain RPC surface and the sibling Soul enclave. The message shapes track
// proto/brain.proto and proto/soul.proto; keep them in sync when the contract
// changes.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// AttestationReport is the quote + measurements returned by the Soul enclave.
type AttestationReport struct {
	Quote     []byte
	MrEnclave string
	MrSigner  string
	PublicKey []byte
	Timestamp *timestamppb.Timestamp
	ExpiresAt *timestamppb.Timestamp
	Nonce     string
	TeeType   string
}

// SoulError is the structured error carried inside Soul responses.
type SoulError struct {
	Code        string
	Message     string
	Recoverable bool
	Suggestion  string
}

type GetAttestationRequest struct {
	Nonce   string
	Refresh bool
}

type VerifyIntentRequest struct {
	IntentJson  []byte
	ContextJson []byte
	UserId      string
}

type VerifyIntentResponse struct {
	Verified         bool
	Reason           string
	AttestationQuote []byte
	Error            *SoulError
}

type CheckBalanceRequest struct {
	CardId          string
	MinimumRequired string // decimal string
	UserId          string
	WalletAddress   string
}

type CheckBalanceResponse struct {
	Sufficient           bool
	AttestationQuote     []byte
	AttestationTimestamp *timestamppb.Timestamp
	Error                *SoulError
}

type FundRequest struct {
	CardId        string
	Amount        string // decimal string
	UserId        string
	WalletAddress string
	SourceType    string
	SourceId      string
}

type FundResponse struct {
	Success          bool
	NewHandle        string
	NewEpoch         int64
	AttestationQuote []byte
	Error            *SoulError
}

type TransferRequest struct {
	SourceCardId    string
	Amount          string // decimal string
	UserId          string
	WalletAddress   string
	DestinationType string
	DestinationId   string
}

type TransferResponse struct {
	Success          bool
	NewSourceHandle  string
	NewSourceEpoch   int64
	AttestationQuote []byte
	Error            *SoulError
}

type SoulHealthRequest struct{}

type SoulHealthResponse struct {
	Healthy bool
	Version string
}

// SoulServiceClient is the consumer contract for the sibling enclave.
// Every response carries an attestation quote so callers can bind results to
// the enclave measurement they verified.
type SoulServiceClient interface {
	GetAttestation(ctx context.Context, in *GetAttestationRequest, opts ...grpc.CallOption) (*AttestationReport, error)
	VerifyIntent(ctx context.Context, in *VerifyIntentRequest, opts ...grpc.CallOption) (*VerifyIntentResponse, error)
	CheckEncryptedBalance(ctx context.Context, in *CheckBalanceRequest, opts ...grpc.CallOption) (*CheckBalanceResponse, error)
	ExecuteEncryptedFund(ctx context.Context, in *FundRequest, opts ...grpc.CallOption) (*FundResponse, error)
	ExecuteEncryptedTransfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*TransferResponse, error)
	HealthCheck(ctx context.Context, in *SoulHealthRequest, opts ...grpc.CallOption) (*SoulHealthResponse, error)
}

type soulServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSoulServiceClient wraps a client connection with the Soul contract.
func NewSoulServiceClient(cc grpc.ClientConnInterface) SoulServiceClient {
	return &soulServiceClient{cc: cc}
}

func (c *soulServiceClient) GetAttestation(ctx context.Context, in *GetAttestationRequest, opts ...grpc.CallOption) (*AttestationReport, error) {
	out := new(AttestationReport)
	if err := c.cc.Invoke(ctx, SoulMethodGetAttestation, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *soulServiceClient) VerifyIntent(ctx context.Context, in *VerifyIntentRequest, opts ...grpc.CallOption) (*VerifyIntentResponse, error) {
	out := new(VerifyIntentResponse)
	if err := c.cc.Invoke(ctx, SoulMethodVerifyIntent, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *soulServiceClient) CheckEncryptedBalance(ctx context.Context, in *CheckBalanceRequest, opts ...grpc.CallOption) (*CheckBalanceResponse, error) {
	out := new(CheckBalanceResponse)
	if err := c.cc.Invoke(ctx, SoulMethodCheckBalance, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *soulServiceClient) ExecuteEncryptedFund(ctx context.Context, in *FundRequest, opts ...grpc.CallOption) (*FundResponse, error) {
	out := new(FundResponse)
	if err := c.cc.Invoke(ctx, SoulMethodFund, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *soulServiceClient) ExecuteEncryptedTransfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*TransferResponse, error) {
	out := new(TransferResponse)
	if err := c.cc.Invoke(ctx, SoulMethodTransfer, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *soulServiceClient) HealthCheck(ctx context.Context, in *SoulHealthRequest, opts ...grpc.CallOption) (*SoulHealthResponse, error) {
	out := new(SoulHealthResponse)
	if err := c.cc.Invoke(ctx, SoulMethodHealth, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Full method names for the Soul service.
const (
	SoulMethodGetAttestation = "/soul.v1.SoulService/GetAttestation"
	SoulMethodVerifyIntent   = "/soul.v1.SoulService/VerifyIntent"
	SoulMethodCheckBalance   = "/soul.v1.SoulService/CheckEncryptedBalance"
	SoulMethodFund           = "/soul.v1.SoulService/ExecuteEncryptedFund"
	SoulMethodTransfer       = "/soul.v1.SoulService/ExecuteEncryptedTransfer"
	SoulMethodHealth         = "/soul.v1.SoulService/HealthCheck"
)
