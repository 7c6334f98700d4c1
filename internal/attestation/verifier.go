// Package attestation fetches and verifies the Soul enclave's attestation
// quote and caches a single trust decision for the tool orchestrator. The
// quote check here validates freshness, nonce binding and measurement
// allow-lists; strict deployments substitute a platform quote verifier behind
// the same interface.
package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/monitoring"
	"github.com/veilpay/brain/internal/soul"
)

// Record is a verified attestation in the canonical cross-tool format:
// opaque quote bytes plus the (mr_enclave, mr_signer, timestamp) triple.
type Record struct {
	Quote     []byte    `json:"quote"`
	MrEnclave string    `json:"mr_enclave"`
	MrSigner  string    `json:"mr_signer"`
	PublicKey []byte    `json:"public_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
	TeeType   string    `json:"tee_type,omitempty"`
}

// Details itemizes the individual verification checks.
type Details struct {
	SignatureValid bool `json:"signature_valid"`
	NotExpired     bool `json:"not_expired"`
	MrEnclaveMatch bool `json:"mr_enclave_match"`
	MrSignerMatch  bool `json:"mr_signer_match"`
	Reachable      bool `json:"reachable"`
}

// Result is one verification outcome.
type Result struct {
	Verified    bool      `json:"verified"`
	Attestation *Record   `json:"attestation,omitempty"`
	Details     Details   `json:"details"`
	Error       string    `json:"error,omitempty"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// ChainInfo is the attestation summary attached to caller-facing responses.
type ChainInfo struct {
	Service     string    `json:"service"`
	QuoteBase64 string    `json:"quote_base64,omitempty"`
	QuoteDigest string    `json:"quote_digest,omitempty"`
	MrEnclave   string    `json:"mr_enclave"`
	MrSigner    string    `json:"mr_signer"`
	TeeType     string    `json:"tee_type,omitempty"`
	Verified    bool      `json:"verified"`
	Timestamp   time.Time `json:"timestamp"`
}

// Verifier owns the single cached attestation for the sibling enclave.
type Verifier struct {
	cfg     config.AttestationConfig
	client  *soul.Client
	metrics *monitoring.Metrics

	mu        sync.RWMutex
	cached    *Result
	cachedAt  time.Time
	mrEnclave []string
	mrSigner  []string
}

// NewVerifier creates a verifier bound to the Soul client.
func NewVerifier(cfg config.AttestationConfig, client *soul.Client) *Verifier {
	return &Verifier{
		cfg:       cfg,
		client:    client,
		mrEnclave: lowerAll(cfg.ExpectedMrEnclave),
		mrSigner:  lowerAll(cfg.ExpectedMrSigner),
	}
}

// SetMetrics attaches Prometheus instrumentation. Remote verifications (not
// cache hits) are counted by result.
func (v *Verifier) SetMetrics(m *monitoring.Metrics) { v.metrics = m }

// Verify returns the cached result while fresh, otherwise fetches a new
// quote from the enclave and re-verifies. forceRefresh bypasses the cache.
func (v *Verifier) Verify(ctx context.Context, forceRefresh bool) Result {
	if !forceRefresh {
		if r, ok := v.cachedResult(); ok {
			return r
		}
	}

	result := v.verifyRemote(ctx)

	v.mu.Lock()
	// Failures are cached only in non-strict mode, and briefly, so a
	// recovering enclave is retried quickly.
	if result.Verified || !v.cfg.Strict {
		v.cached = &result
		v.cachedAt = time.Now()
	} else {
		v.cached = nil
	}
	v.mu.Unlock()

	return result
}

func (v *Verifier) cachedResult() (Result, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cached == nil {
		return Result{}, false
	}
	ttl := v.cfg.CacheTTL
	if !v.cached.Verified {
		ttl = v.cfg.NegativeCacheTTL
	}
	if time.Since(v.cachedAt) >= ttl {
		return Result{}, false
	}
	// The attestation itself must still be inside its validity window.
	if v.cached.Attestation != nil && time.Now().After(v.cached.Attestation.ExpiresAt) {
		return Result{}, false
	}
	return *v.cached, true
}

func (v *Verifier) verifyRemote(ctx context.Context) Result {
	result := Result{VerifiedAt: time.Now()}
	nonce := newNonce()

	report, err := v.client.GetAttestation(ctx, nonce, true)
	if err != nil {
		result.Error = fmt.Sprintf("attestation fetch: %v", err)
		slog.Warn("attestation fetch failed", "error", err)
		if v.metrics != nil {
			v.metrics.ObserveAttestation("unreachable")
		}
		return result
	}
	result.Details.Reachable = true

	rec := &Record{
		Quote:     report.Quote,
		MrEnclave: strings.ToLower(report.MrEnclave),
		MrSigner:  strings.ToLower(report.MrSigner),
		PublicKey: report.PublicKey,
		Nonce:     report.Nonce,
		TeeType:   report.TeeType,
	}
	if report.Timestamp != nil {
		rec.Timestamp = report.Timestamp.AsTime()
	}
	if report.ExpiresAt != nil {
		rec.ExpiresAt = report.ExpiresAt.AsTime()
	}
	result.Attestation = rec

	result.Details.NotExpired = time.Now().Before(rec.ExpiresAt)
	result.Details.MrEnclaveMatch = matchMeasurement(v.expectedEnclaves(), rec.MrEnclave)
	result.Details.MrSignerMatch = matchMeasurement(v.expectedSigners(), rec.MrSigner)
	// Placeholder signature check: a non-empty quote bound to our nonce.
	// Strict deployments swap in a platform attestation verifier here.
	result.Details.SignatureValid = len(rec.Quote) > 0 && rec.Nonce == nonce

	result.Verified = result.Details.NotExpired &&
		result.Details.MrEnclaveMatch &&
		result.Details.MrSignerMatch &&
		result.Details.SignatureValid

	if !result.Verified {
		result.Error = describeFailure(result.Details)
	}
	if v.metrics != nil {
		if result.Verified {
			v.metrics.ObserveAttestation("verified")
		} else {
			v.metrics.ObserveAttestation("rejected")
		}
	}
	return result
}

// ShouldTrust is the gate consulted before every privileged tool dispatch.
// Strict mode requires a fully verified quote; non-strict mode only requires
// the enclave to be reachable.
func (v *Verifier) ShouldTrust(ctx context.Context) bool {
	r := v.Verify(ctx, false)
	if v.cfg.Strict {
		return r.Verified
	}
	return r.Details.Reachable
}

// Strict reports whether the verifier runs in strict mode.
func (v *Verifier) Strict() bool { return v.cfg.Strict }

// GetForChain summarizes the cached attestation for caller-facing payloads.
func (v *Verifier) GetForChain(ctx context.Context) ChainInfo {
	r := v.Verify(ctx, false)
	info := ChainInfo{Service: "brain-orchestrator", Verified: r.Verified, Timestamp: r.VerifiedAt}
	if r.Attestation != nil {
		info.QuoteBase64 = base64.StdEncoding.EncodeToString(r.Attestation.Quote)
		digest := sha3.Sum256(r.Attestation.Quote)
		info.QuoteDigest = hex.EncodeToString(digest[:])
		info.MrEnclave = r.Attestation.MrEnclave
		info.MrSigner = r.Attestation.MrSigner
		info.TeeType = r.Attestation.TeeType
	}
	return info
}

// VerifyResponse checks an enclave response signature against the attested
// public key. Returns false when no verified attestation is cached.
func (v *Verifier) VerifyResponse(signature, data []byte) bool {
	v.mu.RLock()
	cached := v.cached
	v.mu.RUnlock()

	if cached == nil || !cached.Verified || cached.Attestation == nil {
		return false
	}
	key := cached.Attestation.PublicKey
	if len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), data, signature)
}

// ClearCache drops the cached verification.
func (v *Verifier) ClearCache() {
	v.mu.Lock()
	v.cached = nil
	v.mu.Unlock()
}

// SetExpectedMrEnclave replaces the enclave measurement allow-list and
// invalidates the cache.
func (v *Verifier) SetExpectedMrEnclave(values []string) {
	v.mu.Lock()
	v.mrEnclave = lowerAll(values)
	v.cached = nil
	v.mu.Unlock()
}

// SetExpectedMrSigner replaces the signer measurement allow-list and
// invalidates the cache.
func (v *Verifier) SetExpectedMrSigner(values []string) {
	v.mu.Lock()
	v.mrSigner = lowerAll(values)
	v.cached = nil
	v.mu.Unlock()
}

func (v *Verifier) expectedEnclaves() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mrEnclave
}

func (v *Verifier) expectedSigners() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mrSigner
}

// matchMeasurement: an empty allow-list accepts any measurement.
func matchMeasurement(allowed []string, got string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == got {
			return true
		}
	}
	return false
}

func describeFailure(d Details) string {
	var reasons []string
	if !d.NotExpired {
		reasons = append(reasons, "attestation expired")
	}
	if !d.MrEnclaveMatch {
		reasons = append(reasons, "mr_enclave not in allow-list")
	}
	if !d.MrSignerMatch {
		reasons = append(reasons, "mr_signer not in allow-list")
	}
	if !d.SignatureValid {
		reasons = append(reasons, "quote rejected")
	}
	return strings.Join(reasons, "; ")
}

// newNonce builds a fresh per-request nonce: "brain-<base36 ms>-<hex rand>".
func newNonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "brain-" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(b[:])
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
