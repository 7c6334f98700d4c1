// Package config resolves the Brain runtime configuration. Environment
// variables are the primary source (the service runs inside a TEE where env
// is the injection surface); an optional YAML overlay pointed to by
// BRAIN_CONFIG fills anything the environment leaves unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Soul        SoulConfig        `yaml:"soul"`
	Server      ServerConfig      `yaml:"server"`
	Session     SessionConfig     `yaml:"session"`
	Planner     PlannerConfig     `yaml:"planner"`
	Tools       ToolsConfig       `yaml:"tools"`
	Attestation AttestationConfig `yaml:"attestation"`
	LLM         LLMConfig         `yaml:"llm"`
	Events      EventsConfig      `yaml:"events"`
	Privacy     PrivacyConfig     `yaml:"privacy"`
	LogLevel    string            `yaml:"log_level"`
}

type SoulConfig struct {
	GRPCURL        string        `yaml:"grpc_url"`
	AttestationURL string        `yaml:"attestation_url"`
	SPIFFEID       string        `yaml:"spiffe_id"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
}

type ServerConfig struct {
	GRPCPort        int    `yaml:"grpc_port"`
	HTTPPort        int    `yaml:"http_port"`
	Version         string `yaml:"version"`
	ConverseEnabled bool   `yaml:"converse_enabled"`
}

type SessionConfig struct {
	TTL                time.Duration `yaml:"ttl"`
	MaxTurns           int           `yaml:"max_turns"`
	SummarizeThreshold int           `yaml:"summarize_threshold"`
	MaxSessions        int           `yaml:"max_sessions"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	PersistUserState   bool          `yaml:"persist_user_state"`
}

type PlannerConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffCap time.Duration `yaml:"retry_backoff_cap"`
}

type ToolsConfig struct {
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
}

type AttestationConfig struct {
	Strict            bool          `yaml:"strict"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	NegativeCacheTTL  time.Duration `yaml:"negative_cache_ttl"`
	ExpectedMrEnclave []string      `yaml:"expected_mr_enclave"`
	ExpectedMrSigner  []string      `yaml:"expected_mr_signer"`
}

type LLMConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether natural-language reply generation is available.
func (l LLMConfig) Enabled() bool { return l.APIKey != "" }

type EventsConfig struct {
	RedisURL      string `yaml:"redis_url"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type PrivacyConfig struct {
	Enabled bool    `yaml:"enabled"`
	Epsilon float64 `yaml:"epsilon"`
	Delta   float64 `yaml:"delta"`
}

// Defaults returns the configuration the service boots with when nothing is
// set. Values match the documented resource limits.
func Defaults() *Config {
	return &Config{
		Soul: SoulConfig{
			GRPCURL:     "localhost:50051",
			CallTimeout: 5 * time.Second,
			BackoffBase: 100 * time.Millisecond,
			BackoffCap:  5 * time.Second,
		},
		Server: ServerConfig{
			GRPCPort:        50052,
			HTTPPort:        8092,
			Version:         "0.3.0",
			ConverseEnabled: true,
		},
		Session: SessionConfig{
			TTL:                3600 * time.Second,
			MaxTurns:           50,
			SummarizeThreshold: 25,
			MaxSessions:        10000,
			SweepInterval:      30 * time.Second,
			PersistUserState:   true,
		},
		Planner: PlannerConfig{
			MaxRetries:      3,
			StepTimeout:     30 * time.Second,
			ApprovalTimeout: 120 * time.Second,
			RetryBackoff:    500 * time.Millisecond,
			RetryBackoffCap: 10 * time.Second,
		},
		Tools: ToolsConfig{
			MaxConcurrentCalls: 8,
			CallTimeout:        10 * time.Second,
			AcquireTimeout:     5 * time.Second,
		},
		Attestation: AttestationConfig{
			Strict:           true,
			CacheTTL:         60 * time.Second,
			NegativeCacheTTL: 5 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.redpill.ai/v1",
			Model:   "phala/llama-3.3-70b-instruct",
			Timeout: 15 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// overlay, then environment variables on top.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("BRAIN_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config overlay %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(c)
}

func (c *Config) applyEnv() {
	setStr(&c.Soul.GRPCURL, "SOUL_GRPC_URL")
	setStr(&c.Soul.AttestationURL, "SOUL_ATTESTATION_URL")
	setStr(&c.Soul.SPIFFEID, "SOUL_SPIFFE_ID")
	setInt(&c.Server.GRPCPort, "GRPC_PORT")
	setInt(&c.Server.HTTPPort, "HTTP_PORT")
	setBool(&c.Server.ConverseEnabled, "HTTP_CONVERSE_ENABLED")
	setSeconds(&c.Session.TTL, "CONTEXT_TTL_SECONDS")
	setInt(&c.Session.MaxTurns, "MAX_CONTEXT_TURNS")
	setBool(&c.Session.PersistUserState, "PERSIST_USER_STATE")
	setInt(&c.Tools.MaxConcurrentCalls, "MAX_CONCURRENT_TOOL_CALLS")
	setBool(&c.Attestation.Strict, "ATTESTATION_STRICT")
	setList(&c.Attestation.ExpectedMrEnclave, "EXPECTED_MR_ENCLAVE")
	setList(&c.Attestation.ExpectedMrSigner, "EXPECTED_MR_SIGNER")
	setStr(&c.LLM.APIKey, "PHALA_AI_API_KEY")
	setStr(&c.LLM.BaseURL, "PHALA_AI_BASE_URL")
	setStr(&c.LLM.Model, "PHALA_AI_MODEL")
	setStr(&c.Events.RedisURL, "REDIS_URL")
	setStr(&c.Events.PubSubProject, "PUBSUB_PROJECT")
	setStr(&c.Events.PubSubTopic, "PUBSUB_TOPIC")
	setBool(&c.Privacy.Enabled, "DP_ENABLED")
	setFloat(&c.Privacy.Epsilon, "DP_EPSILON")
	setFloat(&c.Privacy.Delta, "DP_DELTA")
	setStr(&c.LogLevel, "LOG_LEVEL")

	// Summarize threshold tracks half of max turns unless pinned explicitly.
	if os.Getenv("SUMMARIZE_THRESHOLD") != "" {
		setInt(&c.Session.SummarizeThreshold, "SUMMARIZE_THRESHOLD")
	} else {
		c.Session.SummarizeThreshold = c.Session.MaxTurns / 2
	}
}

func (c *Config) validate() error {
	if c.Session.MaxTurns <= 0 {
		return fmt.Errorf("MAX_CONTEXT_TURNS must be positive, got %d", c.Session.MaxTurns)
	}
	if c.Tools.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_TOOL_CALLS must be positive, got %d", c.Tools.MaxConcurrentCalls)
	}
	if c.Soul.SPIFFEID != "" {
		if _, err := spiffeid.FromString(c.Soul.SPIFFEID); err != nil {
			return fmt.Errorf("SOUL_SPIFFE_ID %q: %w", c.Soul.SPIFFEID, err)
		}
	}
	if c.Privacy.Enabled && c.Privacy.Epsilon <= 0 {
		return fmt.Errorf("DP_EPSILON must be positive when DP_ENABLED, got %f", c.Privacy.Epsilon)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
