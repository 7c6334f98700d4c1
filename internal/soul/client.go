// Package soul is the RPC client for the sibling enclave. It is a thin
// connection and retry layer: one persistent multiplexed gRPC connection,
// lazy reconnect with jittered exponential backoff, per-call deadlines, and
// a circuit breaker so a dead enclave fails fast instead of piling up calls.
package soul

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/pb"
)

// Client talks to the Soul enclave.
type Client struct {
	cfg config.SoulConfig

	mu           sync.Mutex
	conn         *grpc.ClientConn
	soul         pb.SoulServiceClient
	dialFailures int
	nextDialAt   time.Time

	breaker *Breaker
}

// NewClient creates a disconnected client; the first call dials.
func NewClient(cfg config.SoulConfig) *Client {
	return &Client{
		cfg:     cfg,
		breaker: NewBreaker(3, 15*time.Second),
	}
}

// NewClientWithSoul wraps an injected Soul implementation (tests, dev mode).
func NewClientWithSoul(cfg config.SoulConfig, soul pb.SoulServiceClient) *Client {
	c := NewClient(cfg)
	c.soul = soul
	return c
}

// Connect dials eagerly. Optional; calls dial lazily anyway.
func (c *Client) Connect() error {
	_, err := c.ensure()
	return err
}

func (c *Client) ensure() (pb.SoulServiceClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.soul != nil {
		return c.soul, nil
	}
	if now := time.Now(); now.Before(c.nextDialAt) {
		return nil, fmt.Errorf("soul dial backoff until %s", c.nextDialAt.Format(time.RFC3339))
	}

	conn, err := grpc.NewClient(c.cfg.GRPCURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		c.dialFailures++
		c.nextDialAt = time.Now().Add(c.backoff())
		return nil, fmt.Errorf("dial soul at %s: %w", c.cfg.GRPCURL, err)
	}

	c.conn = conn
	c.soul = pb.NewSoulServiceClient(conn)
	c.dialFailures = 0
	slog.Info("connected to soul", "addr", c.cfg.GRPCURL)
	return c.soul, nil
}

// backoff computes the next reconnect delay: base * 2^failures with full
// jitter, capped.
func (c *Client) backoff() time.Duration {
	base := c.cfg.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := c.cfg.BackoffCap
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	d := base << uint(c.dialFailures)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.soul = nil
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Breaker exposes the connection breaker state for diagnostics.
func (c *Client) Breaker() *Breaker { return c.breaker }

// call runs fn against the connected Soul with a deadline and breaker
// accounting. ctx may already carry a tighter deadline.
func call[T any](c *Client, ctx context.Context, fn func(context.Context, pb.SoulServiceClient) (T, error)) (T, error) {
	var zero T

	if err := c.breaker.Allow(); err != nil {
		return zero, err
	}
	soul, err := c.ensure()
	if err != nil {
		c.breaker.OnFailure()
		return zero, err
	}

	timeout := c.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := fn(cctx, soul)
	if err != nil {
		c.breaker.OnFailure()
		return zero, err
	}
	c.breaker.OnSuccess()
	return out, nil
}

// GetAttestation fetches a fresh (or cached, when refresh is false) quote
// bound to the supplied nonce.
func (c *Client) GetAttestation(ctx context.Context, nonce string, refresh bool) (*pb.AttestationReport, error) {
	return call(c, ctx, func(ctx context.Context, s pb.SoulServiceClient) (*pb.AttestationReport, error) {
		return s.GetAttestation(ctx, &pb.GetAttestationRequest{Nonce: nonce, Refresh: refresh})
	})
}

// VerifyIntent asks the enclave to validate a parsed intent.
func (c *Client) VerifyIntent(ctx context.Context, req *pb.VerifyIntentRequest) (*pb.VerifyIntentResponse, error) {
	return call(c, ctx, func(ctx context.Context, s pb.SoulServiceClient) (*pb.VerifyIntentResponse, error) {
		return s.VerifyIntent(ctx, req)
	})
}

// CheckEncryptedBalance asks whether a card holds at least the given amount.
func (c *Client) CheckEncryptedBalance(ctx context.Context, req *pb.CheckBalanceRequest) (*pb.CheckBalanceResponse, error) {
	return call(c, ctx, func(ctx context.Context, s pb.SoulServiceClient) (*pb.CheckBalanceResponse, error) {
		return s.CheckEncryptedBalance(ctx, req)
	})
}

// ExecuteEncryptedFund funds a card inside the enclave.
func (c *Client) ExecuteEncryptedFund(ctx context.Context, req *pb.FundRequest) (*pb.FundResponse, error) {
	return call(c, ctx, func(ctx context.Context, s pb.SoulServiceClient) (*pb.FundResponse, error) {
		return s.ExecuteEncryptedFund(ctx, req)
	})
}

// ExecuteEncryptedTransfer moves encrypted balance between cards/wallets.
func (c *Client) ExecuteEncryptedTransfer(ctx context.Context, req *pb.TransferRequest) (*pb.TransferResponse, error) {
	return call(c, ctx, func(ctx context.Context, s pb.SoulServiceClient) (*pb.TransferResponse, error) {
		return s.ExecuteEncryptedTransfer(ctx, req)
	})
}

// HealthCheck pings the enclave and reports round-trip latency.
func (c *Client) HealthCheck(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	resp, err := call(c, ctx, func(ctx context.Context, s pb.SoulServiceClient) (*pb.SoulHealthResponse, error) {
		return s.HealthCheck(ctx, &pb.SoulHealthRequest{})
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	return resp.Healthy, latency, nil
}
