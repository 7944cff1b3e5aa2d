package sts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/cell-sts/internal/testutil"
	"github.com/StricklySoft/cell-sts/pkg/config"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

func loadConfig(t *testing.T, env map[string]string) (CellConfig, error) {
	t.Helper()
	var cfg CellConfig
	err := config.New().WithEnvPrefix("CELL_STS").WithLookup(testutil.LookupMap(env)).Load(&cfg)
	return cfg, err
}

func TestCellConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := loadConfig(t, map[string]string{"CELL_STS_CELL_NAME": "cellb"})
	require.NoError(t, err)

	assert.Equal(t, "cellb", cfg.CellName)
	assert.Equal(t, "cellb--sts-service", cfg.Identity().IssuerName())
	assert.Equal(t, "global--sts-service", cfg.GlobalIssuer)
	assert.Equal(t, "cellery", cfg.DefaultAudience)
	assert.Equal(t, 1200*time.Second, cfg.TokenTTL)
	assert.Equal(t, 300*time.Second, cfg.Context.TTL)
	assert.Equal(t, "memory", cfg.Context.Backend)
	assert.Equal(t, time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.ReadTimeout)
	assert.Equal(t, ":8080", cfg.Listen.Inbound)
	assert.Equal(t, ":8081", cfg.Listen.Outbound)
	assert.Equal(t, ":8090", cfg.Listen.JWKS)
	assert.Equal(t, ":8091", cfg.Listen.Admin)
	assert.Empty(t, cfg.Policy.Endpoint)
	assert.False(t, cfg.Audit.Enabled())
	assert.False(t, cfg.Telemetry.Enabled())
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 1e-9)
}

func TestCellConfig_EnvOverrides(t *testing.T) {
	t.Parallel()
	cfg, err := loadConfig(t, map[string]string{
		"CELL_STS_CELL_NAME":              "cellb",
		"CELL_STS_CONTEXT_TTL":            "60",
		"CELL_STS_POLICY_ENDPOINT":        "http://localhost:8181/v1/data/cellery",
		"CELL_STS_UNSECURED_PATHS":        "/healthz, /public/*",
		"CELL_STS_TOKEN_ENDPOINT":         "https://global-sts:9443/token",
		"CELL_STS_TOKEN_USERNAME":         "sts",
		"CELL_STS_TOKEN_PASSWORD":         "s3cret",
		"CELL_STS_LISTEN_INBOUND":         ":9080",
		"CELL_STS_CONTEXT_BACKEND":        "redis",
		"CELL_STS_REDIS_ADDR":             "redis.cellb:6379",
		"CELL_STS_AUDIT_DSN":              "postgres://sts@db:5432/audit",
		"CELL_STS_TELEMETRY_ENDPOINT":     "otel-collector:4317",
		"CELL_STS_TELEMETRY_SAMPLE_RATIO": "0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Context.TTL)
	assert.Equal(t, "http://localhost:8181/v1/data/cellery", cfg.Policy.Endpoint)
	assert.Equal(t, []string{"/healthz", "/public/*"}, cfg.UnsecuredPaths)
	assert.Equal(t, "s3cret", cfg.Token.Password.Value())
	assert.Equal(t, ":9080", cfg.Listen.Inbound)
	assert.Equal(t, "redis.cellb:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Audit.Enabled())
	assert.True(t, cfg.Telemetry.Enabled())
	assert.InDelta(t, 0.1, cfg.Telemetry.SampleRatio, 1e-9)
}

func TestCellConfig_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		env  map[string]string
		code sserr.Code
	}{
		{"missing cell name", map[string]string{}, sserr.CodeValidationRequired},
		{"separator in cell name", map[string]string{"CELL_STS_CELL_NAME": "cell--b"}, sserr.CodeInternalConfiguration},
		{"key without cert", map[string]string{"CELL_STS_CELL_NAME": "cellb", "CELL_STS_KEY_FILE": "/k.pem"}, sserr.CodeValidation},
		{"template without placeholder", map[string]string{"CELL_STS_CELL_NAME": "cellb", "CELL_STS_JWKS_URL_TEMPLATE": "http://jwks/"}, sserr.CodeValidation},
		{"unknown backend", map[string]string{"CELL_STS_CELL_NAME": "cellb", "CELL_STS_CONTEXT_BACKEND": "etcd"}, sserr.CodeValidation},
		{"sample ratio above one", map[string]string{"CELL_STS_CELL_NAME": "cellb", "CELL_STS_TELEMETRY_SAMPLE_RATIO": "2"}, sserr.CodeValidation},
		{"bad redis uri", map[string]string{"CELL_STS_CELL_NAME": "cellb", "CELL_STS_CONTEXT_BACKEND": "redis", "CELL_STS_REDIS_URI": "http://x"}, sserr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadConfig(t, tt.env)
			testutil.RequireErrorCode(t, err, tt.code)
		})
	}
}
