package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/cell-sts/internal/testutil"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/lifecycle"
)

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &out, &errOut))
	assert.Equal(t, "cell-sts dev\n", out.String())
}

func TestRun_UnknownFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Error(t, run([]string{"--bogus"}, &out, &errOut))
}

func TestRun_CheckConfig(t *testing.T) {
	t.Setenv("CELL_STS_CELL_NAME", "cellb")

	var out, errOut bytes.Buffer
	require.NoError(t, run([]string{"--check-config"}, &out, &errOut))
	assert.Contains(t, out.String(), `"cellb"`)
}

func TestRun_MissingCellName(t *testing.T) {
	t.Setenv("CELL_STS_CELL_NAME", "")
	require.NoError(t, os.Unsetenv("CELL_STS_CELL_NAME"))

	var out, errOut bytes.Buffer
	err := run([]string{"--check-config"}, &out, &errOut)
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	t.Parallel()

	path := testutil.TempFile(t, "config.yaml", `
cellName: cella
tokenTTL: 600s
unsecuredPaths: ["/healthz"]
listen:
  admin: ":9191"
`)

	cfg, err := loadConfig(path, testutil.LookupMap(map[string]string{
		"CELL_STS_CELL_NAME": "cellb",
	}))
	require.NoError(t, err)
	assert.Equal(t, "cellb", cfg.CellName)
	assert.Equal(t, 600*time.Second, cfg.TokenTTL)
	assert.Equal(t, []string{"/healthz"}, cfg.UnsecuredPaths)
	assert.Equal(t, ":9191", cfg.Listen.Admin)
	assert.Equal(t, ":8080", cfg.Listen.Inbound)
}

func TestTokenEndpoint_MountedOnlyWithCredentials(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("", testutil.LookupMap(map[string]string{"CELL_STS_CELL_NAME": "cellb"}))
	require.NoError(t, err)
	assert.Nil(t, tokenEndpoint(cfg, nil, nil))

	cfg, err = loadConfig("", testutil.LookupMap(map[string]string{
		"CELL_STS_CELL_NAME":      "cellb",
		"CELL_STS_TOKEN_USERNAME": "sts",
		"CELL_STS_TOKEN_PASSWORD": "s3cret",
	}))
	require.NoError(t, err)
	assert.NotNil(t, tokenEndpoint(cfg, nil, nil))
}

func TestBuild_StartsAndStops(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("", testutil.LookupMap(map[string]string{
		"CELL_STS_CELL_NAME":       "cellb",
		"CELL_STS_LISTEN_INBOUND":  "127.0.0.1:0",
		"CELL_STS_LISTEN_OUTBOUND": "127.0.0.1:0",
		"CELL_STS_LISTEN_JWKS":     "127.0.0.1:0",
		"CELL_STS_LISTEN_ADMIN":    "127.0.0.1:0",
	}))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc, err := build(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateUnknown, proc.State())

	require.NoError(t, proc.Start(context.Background()))
	require.NoError(t, proc.Health(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, proc.Stop(ctx))
	assert.Equal(t, lifecycle.StateStopped, proc.State())
}

func TestBuild_RedisUnreachable(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("", testutil.LookupMap(map[string]string{
		"CELL_STS_CELL_NAME":          "cellb",
		"CELL_STS_CONTEXT_BACKEND":    "redis",
		"CELL_STS_REDIS_ADDR":         "127.0.0.1:1",
		"CELL_STS_REDIS_DIAL_TIMEOUT": "100ms",
	}))
	require.NoError(t, err)

	_, err = build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
}
