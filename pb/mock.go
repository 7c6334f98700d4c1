package pb

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MockSoulClient is a scriptable in-process Soul used by tests and by the
// dev-mode binary when no enclave is reachable. Function fields override
// individual methods; unset methods return healthy canned responses carrying
// a fake quote.
type MockSoulClient struct {
	mu    sync.Mutex
	calls []string

	GetAttestationFunc func(ctx context.Context, in *GetAttestationRequest) (*AttestationReport, error)
	VerifyIntentFunc   func(ctx context.Context, in *VerifyIntentRequest) (*VerifyIntentResponse, error)
	CheckBalanceFunc   func(ctx context.Context, in *CheckBalanceRequest) (*CheckBalanceResponse, error)
	FundFunc           func(ctx context.Context, in *FundRequest) (*FundResponse, error)
	TransferFunc       func(ctx context.Context, in *TransferRequest) (*TransferResponse, error)

	// MrEnclave/MrSigner override the canned measurement values.
	MrEnclave string
	MrSigner  string
}

// NewMockSoulClient returns a mock with stable fake measurements.
func NewMockSoulClient() *MockSoulClient {
	return &MockSoulClient{
		MrEnclave: "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90",
		MrSigner:  "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
	}
}

func (m *MockSoulClient) record(method string) {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	m.mu.Unlock()
}

// Calls returns the ordered list of methods invoked so far.
func (m *MockSoulClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *MockSoulClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *MockSoulClient) fakeQuote(nonce string) []byte {
	return []byte("mock-quote:" + m.MrEnclave + ":" + nonce)
}

func (m *MockSoulClient) GetAttestation(ctx context.Context, in *GetAttestationRequest, _ ...grpc.CallOption) (*AttestationReport, error) {
	m.record("GetAttestation")
	if m.GetAttestationFunc != nil {
		return m.GetAttestationFunc(ctx, in)
	}
	now := time.Now()
	return &AttestationReport{
		Quote:     m.fakeQuote(in.Nonce),
		MrEnclave: m.MrEnclave,
		MrSigner:  m.MrSigner,
		PublicKey: []byte("mock-soul-public-key"),
		Timestamp: timestamppb.New(now),
		ExpiresAt: timestamppb.New(now.Add(10 * time.Minute)),
		Nonce:     in.Nonce,
		TeeType:   "simulated",
	}, nil
}

func (m *MockSoulClient) VerifyIntent(ctx context.Context, in *VerifyIntentRequest, _ ...grpc.CallOption) (*VerifyIntentResponse, error) {
	m.record("VerifyIntent")
	if m.VerifyIntentFunc != nil {
		return m.VerifyIntentFunc(ctx, in)
	}
	return &VerifyIntentResponse{Verified: true, AttestationQuote: m.fakeQuote("")}, nil
}

func (m *MockSoulClient) CheckEncryptedBalance(ctx context.Context, in *CheckBalanceRequest, _ ...grpc.CallOption) (*CheckBalanceResponse, error) {
	m.record("CheckEncryptedBalance")
	if m.CheckBalanceFunc != nil {
		return m.CheckBalanceFunc(ctx, in)
	}
	return &CheckBalanceResponse{
		Sufficient:           true,
		AttestationQuote:     m.fakeQuote(""),
		AttestationTimestamp: timestamppb.Now(),
	}, nil
}

func (m *MockSoulClient) ExecuteEncryptedFund(ctx context.Context, in *FundRequest, _ ...grpc.CallOption) (*FundResponse, error) {
	m.record("ExecuteEncryptedFund")
	if m.FundFunc != nil {
		return m.FundFunc(ctx, in)
	}
	return &FundResponse{
		Success:          true,
		NewHandle:        "handle-" + in.CardId,
		NewEpoch:         1,
		AttestationQuote: m.fakeQuote(""),
	}, nil
}

func (m *MockSoulClient) ExecuteEncryptedTransfer(ctx context.Context, in *TransferRequest, _ ...grpc.CallOption) (*TransferResponse, error) {
	m.record("ExecuteEncryptedTransfer")
	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, in)
	}
	return &TransferResponse{
		Success:          true,
		NewSourceHandle:  "handle-" + in.SourceCardId,
		NewSourceEpoch:   1,
		AttestationQuote: m.fakeQuote(""),
	}, nil
}

func (m *MockSoulClient) HealthCheck(ctx context.Context, in *SoulHealthRequest, _ ...grpc.CallOption) (*SoulHealthResponse, error) {
	m.record("HealthCheck")
	return &SoulHealthResponse{Healthy: true, Version: "mock"}, nil
}

var _ SoulServiceClient = (*MockSoulClient)(nil)
