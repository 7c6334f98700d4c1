package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so host state never leaks in.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BRAIN_CONFIG", "SOUL_GRPC_URL", "SOUL_ATTESTATION_URL", "SOUL_SPIFFE_ID",
		"GRPC_PORT", "HTTP_PORT", "HTTP_CONVERSE_ENABLED",
		"CONTEXT_TTL_SECONDS", "MAX_CONTEXT_TURNS", "PERSIST_USER_STATE",
		"SUMMARIZE_THRESHOLD", "MAX_CONCURRENT_TOOL_CALLS",
		"ATTESTATION_STRICT", "EXPECTED_MR_ENCLAVE", "EXPECTED_MR_SIGNER",
		"PHALA_AI_API_KEY", "PHALA_AI_BASE_URL", "PHALA_AI_MODEL",
		"REDIS_URL", "PUBSUB_PROJECT", "PUBSUB_TOPIC",
		"DP_ENABLED", "DP_EPSILON", "DP_DELTA", "LOG_LEVEL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:50051", cfg.Soul.GRPCURL)
	assert.Equal(t, 50052, cfg.Server.GRPCPort)
	assert.Equal(t, 8092, cfg.Server.HTTPPort)
	assert.True(t, cfg.Server.ConverseEnabled)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 50, cfg.Session.MaxTurns)
	assert.Equal(t, 25, cfg.Session.SummarizeThreshold, "threshold defaults to half of max turns")
	assert.True(t, cfg.Attestation.Strict)
	assert.Equal(t, 3, cfg.Planner.MaxRetries)
	assert.Equal(t, 8, cfg.Tools.MaxConcurrentCalls)
	assert.False(t, cfg.LLM.Enabled(), "no API key, no model")
	assert.False(t, cfg.Privacy.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOUL_GRPC_URL", "soul.internal:9000")
	t.Setenv("GRPC_PORT", "6000")
	t.Setenv("HTTP_CONVERSE_ENABLED", "false")
	t.Setenv("CONTEXT_TTL_SECONDS", "120")
	t.Setenv("MAX_CONTEXT_TURNS", "30")
	t.Setenv("ATTESTATION_STRICT", "false")
	t.Setenv("EXPECTED_MR_ENCLAVE", "AABB01, ccdd02 ,")
	t.Setenv("PHALA_AI_API_KEY", "sk-test")
	t.Setenv("DP_ENABLED", "true")
	t.Setenv("DP_EPSILON", "1.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "soul.internal:9000", cfg.Soul.GRPCURL)
	assert.Equal(t, 6000, cfg.Server.GRPCPort)
	assert.False(t, cfg.Server.ConverseEnabled)
	assert.Equal(t, 2*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 30, cfg.Session.MaxTurns)
	assert.Equal(t, 15, cfg.Session.SummarizeThreshold, "threshold tracks max turns")
	assert.False(t, cfg.Attestation.Strict)
	assert.Equal(t, []string{"aabb01", "ccdd02"}, cfg.Attestation.ExpectedMrEnclave,
		"measurements are normalized to lowercase")
	assert.True(t, cfg.LLM.Enabled())
	assert.True(t, cfg.Privacy.Enabled)
	assert.Equal(t, 1.5, cfg.Privacy.Epsilon)
}

func TestSummarizeThresholdPinned(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CONTEXT_TURNS", "40")
	t.Setenv("SUMMARIZE_THRESHOLD", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Session.SummarizeThreshold)
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CONTEXT_TURNS", "0")
	_, err := Load()
	assert.ErrorContains(t, err, "MAX_CONTEXT_TURNS")

	clearEnv(t)
	t.Setenv("SOUL_SPIFFE_ID", "not-a-spiffe-id")
	_, err = Load()
	assert.ErrorContains(t, err, "SOUL_SPIFFE_ID")

	clearEnv(t)
	t.Setenv("SOUL_SPIFFE_ID", "spiffe://veilpay.example/soul")
	_, err = Load()
	assert.NoError(t, err)

	clearEnv(t)
	t.Setenv("DP_ENABLED", "true")
	_, err = Load()
	assert.ErrorContains(t, err, "DP_EPSILON")
}

func TestYAMLOverlayUnderEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "brain.yaml")
	overlay := []byte("server:\n  grpc_port: 7001\n  http_port: 7002\nsession:\n  max_turns: 12\n")
	require.NoError(t, os.WriteFile(path, overlay, 0o600))

	t.Setenv("BRAIN_CONFIG", path)
	t.Setenv("HTTP_PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.GRPCPort, "file fills what env leaves unset")
	assert.Equal(t, 7100, cfg.Server.HTTPPort, "env wins over the file")
	assert.Equal(t, 12, cfg.Session.MaxTurns)
	assert.Equal(t, 6, cfg.Session.SummarizeThreshold)
}

func TestMissingOverlayFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("BRAIN_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
