// Package tools is the single dispatch point for every side-effecting call
// the planner makes. Tools register once at startup; after Seal the registry
// is read-only and dispatch is lock-free. Dispatch enforces the attestation
// gate for privileged tools and a global concurrency cap.
package tools

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/monitoring"
)

// Params is a tool call's named arguments.
type Params map[string]interface{}

// Result is the uniform shape of every tool outcome.
type Result struct {
	Success          bool                   `json:"success"`
	Output           map[string]interface{} `json:"output,omitempty"`
	Err              *Error                 `json:"error,omitempty"`
	Verification     *VerificationRecord    `json:"verification,omitempty"`
	AttestationQuote []byte                 `json:"attestation_quote,omitempty"`
	DurationMs       int64                  `json:"duration_ms"`
}

// VerificationRecord binds a result to the enclave measurement that
// produced it. The canonical format: quote bytes live on the Result, the
// metadata triple lives here.
type VerificationRecord struct {
	Verified  bool      `json:"verified"`
	MrEnclave string    `json:"mr_enclave,omitempty"`
	MrSigner  string    `json:"mr_signer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Fail builds a failed result.
func Fail(err *Error) *Result {
	return &Result{Success: false, Err: err}
}

// Handler executes a tool call. Returning an *Error inside the Result is the
// normal failure path; a returned Go error or panic is translated by the
// orchestrator into CodeToolError.
type Handler func(ctx context.Context, params Params) (*Result, error)

// Tool is a registered entity.
type Tool struct {
	Name                       string
	Description                string
	RequiresRemoteVerification bool
	// RecoverableFailures is the per-tool policy applied when the handler
	// itself errors or panics.
	RecoverableFailures bool
	// ParamsSchema optionally holds a JSON schema the arguments must
	// satisfy; violations map to CodeInvalidInput.
	ParamsSchema string
	Handler      Handler
}

// Metadata is the read-only listing entry for a tool.
type Metadata struct {
	Name                       string `json:"name"`
	Description                string `json:"description"`
	RequiresRemoteVerification bool   `json:"requires_remote_verification"`
}

// TrustGate is the attestation decision consulted before privileged calls.
type TrustGate interface {
	ShouldTrust(ctx context.Context) bool
	Strict() bool
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Orchestrator is the typed registry plus dispatcher.
type Orchestrator struct {
	cfg     config.ToolsConfig
	trust   TrustGate
	metrics *monitoring.Metrics
	logger  *log.Logger

	mu     sync.Mutex
	tools  map[string]*registered
	sealed atomic.Bool

	sem      chan struct{}
	inFlight atomic.Int64
}

// NewOrchestrator creates an empty registry. metrics may be nil.
func NewOrchestrator(cfg config.ToolsConfig, trust TrustGate, metrics *monitoring.Metrics) *Orchestrator {
	max := cfg.MaxConcurrentCalls
	if max <= 0 {
		max = 8
	}
	return &Orchestrator{
		cfg:     cfg,
		trust:   trust,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
		tools:   make(map[string]*registered),
		sem:     make(chan struct{}, max),
	}
}

// Register adds a tool. Duplicate names and post-Seal registration are
// rejected.
func (o *Orchestrator) Register(t Tool) error {
	if o.sealed.Load() {
		return fmt.Errorf("registry is sealed, cannot register %q", t.Name)
	}
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.tools[t.Name]; dup {
		return fmt.Errorf("tool %q already registered", t.Name)
	}

	reg := &registered{tool: t}
	if t.ParamsSchema != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(t.ParamsSchema))
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(t.Name+".json", doc); err != nil {
			return fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		reg.schema, err = compiler.Compile(t.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
	}
	o.tools[t.Name] = reg
	o.logger.Printf("registered tool %s (verified=%v)", t.Name, t.RequiresRemoteVerification)
	return nil
}

// Seal freezes the registry; reads are lock-free afterwards.
func (o *Orchestrator) Seal() { o.sealed.Store(true) }

// List returns metadata for every registered tool.
func (o *Orchestrator) List() []Metadata {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Metadata, 0, len(o.tools))
	for _, r := range o.tools {
		out = append(out, Metadata{
			Name:                       r.tool.Name,
			Description:                r.tool.Description,
			RequiresRemoteVerification: r.tool.RequiresRemoteVerification,
		})
	}
	return out
}

// InFlight returns the number of calls currently executing.
func (o *Orchestrator) InFlight() int64 { return o.inFlight.Load() }

// Call dispatches a tool by name. It never returns a Go error: every
// failure is encoded in the Result.
func (o *Orchestrator) Call(ctx context.Context, name string, params Params) *Result {
	start := time.Now()
	result := o.dispatch(ctx, name, params)
	result.DurationMs = time.Since(start).Milliseconds()

	if o.metrics != nil {
		o.metrics.ObserveToolCall(name, result.Success, time.Since(start))
	}
	return result
}

func (o *Orchestrator) dispatch(ctx context.Context, name string, params Params) *Result {
	o.mu.Lock()
	reg, ok := o.tools[name]
	o.mu.Unlock()
	if !ok {
		return Fail(Errf(CodeToolNotFound, false, "no tool named %q", name))
	}

	if reg.tool.RequiresRemoteVerification && o.trust != nil {
		if !o.trust.ShouldTrust(ctx) {
			e := Errf(CodeSoulNotTrusted, true, "enclave attestation not trusted")
			if o.trust.Strict() {
				e.Suggestion = "attestation rejected; check expected measurements"
			} else {
				e.Suggestion = "enclave temporarily unavailable; retry shortly"
			}
			return Fail(e)
		}
	}

	if reg.schema != nil {
		if err := reg.schema.Validate(map[string]interface{}(params)); err != nil {
			return Fail(Errf(CodeInvalidInput, false, "parameters rejected: %v", err))
		}
	}

	// Global concurrency cap.
	acquire := o.cfg.AcquireTimeout
	if acquire <= 0 {
		acquire = 5 * time.Second
	}
	acquireTimer := time.NewTimer(acquire)
	defer acquireTimer.Stop()
	select {
	case o.sem <- struct{}{}:
	case <-acquireTimer.C:
		return Fail(Errf(CodeOverloaded, true, "tool orchestrator at capacity"))
	case <-ctx.Done():
		return Fail(Errf(CodeTimeout, true, "cancelled while waiting for a slot: %v", ctx.Err()))
	}
	o.inFlight.Add(1)
	if o.metrics != nil {
		o.metrics.ToolInFlight.Inc()
	}
	defer func() {
		o.inFlight.Add(-1)
		if o.metrics != nil {
			o.metrics.ToolInFlight.Dec()
		}
		<-o.sem
	}()

	timeout := o.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return o.invoke(cctx, reg.tool, params)
}

// invoke runs the handler with panic containment.
func (o *Orchestrator) invoke(ctx context.Context, t Tool, params Params) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("tool %s panicked: %v", t.Name, r)
			result = Fail(Errf(CodeToolError, t.RecoverableFailures, "tool %s panicked: %v", t.Name, r))
		}
	}()

	res, err := t.Handler(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return Fail(Errf(CodeTimeout, true, "tool %s deadline exceeded", t.Name))
		}
		return Fail(Errf(CodeToolError, t.RecoverableFailures, "tool %s: %v", t.Name, err))
	}
	if res == nil {
		return Fail(Errf(CodeInternal, false, "tool %s returned no result", t.Name))
	}
	return res
}
