package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/whooprelay/internal/reconcile"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WHOOPRELAY_OAUTH_CLIENT_ID", "client")
	t.Setenv("WHOOPRELAY_OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("WHOOPRELAY_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("WHOOPRELAY_STORAGE_PROFILE", "memory")
	t.Setenv("WHOOPRELAY_LOGGING_LEVEL", "error")
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["reconcile"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestBuildAppFromMemoryProfile(t *testing.T) {
	setMinimalEnv(t)
	cfg, logger, err := loadConfig("")
	require.NoError(t, err)

	a, err := buildApp(cfg, logger, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.pipeline)
	assert.NotNil(t, a.server)
	assert.Nil(t, a.secret)
	assert.Len(t, a.scheduler.Resources(), 3)
}

func TestIngestRetryPolicyFollowsConfig(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("WHOOPRELAY_INGEST_RETRY_BASE_DELAY", "5s")
	t.Setenv("WHOOPRELAY_INGEST_MAX_TASK_ATTEMPTS", "6")
	cfg, _, err := loadConfig("")
	require.NoError(t, err)

	policy := backoffPolicy(cfg.Ingest.Retry, cfg.Ingest.MaxTaskAttempts)
	assert.Equal(t, 6, policy.MaxAttempts)
	assert.Equal(t, 5*time.Second, policy.BaseDelay)
	assert.Equal(t, time.Minute, policy.MaxDelay)

	cfg.Ingest.Retry.MaxAttempts = 2
	assert.Equal(t, 2, backoffPolicy(cfg.Ingest.Retry, cfg.Ingest.MaxTaskAttempts).MaxAttempts)
}

func TestBuildAppWatchesSecretFile(t *testing.T) {
	setMinimalEnv(t)
	path := filepath.Join(t.TempDir(), "webhook-secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	t.Setenv("WHOOPRELAY_WEBHOOK_SECRET", "")
	t.Setenv("WHOOPRELAY_WEBHOOK_SECRET_FILE", path)

	cfg, logger, err := loadConfig("")
	require.NoError(t, err)
	a, err := buildApp(cfg, logger, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NotNil(t, a.secret)
	assert.Equal(t, "from-file", string(a.secret.Secret()))
}

func TestBuildAppRejectsUnknownIntervalResource(t *testing.T) {
	setMinimalEnv(t)
	cfg, logger, err := loadConfig("")
	require.NoError(t, err)
	cfg.Reconcile.Intervals = map[string]time.Duration{"cycle": time.Hour}

	_, err = buildApp(cfg, logger, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.intervals")
}

func TestLoadConfigReportsMissingCredentials(t *testing.T) {
	t.Setenv("WHOOPRELAY_OAUTH_CLIENT_ID", "")
	t.Setenv("WHOOPRELAY_WEBHOOK_SECRET", "")
	_, _, err := loadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oauth.client_id")
}

func TestReconcileCommandSweepsOnce(t *testing.T) {
	setMinimalEnv(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"reconcile", "--resource", "sleep,workout"})

	require.NoError(t, root.ExecuteContext(context.Background()))

	var results []reconcile.SweepResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "sleep", results[0].Resource.String())
	assert.Equal(t, "workout", results[1].Resource.String())
	assert.Zero(t, results[0].Users)
}

func TestReconcileCommandRejectsUnknownResource(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"reconcile", "--resource", "cycle"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource")
}

func TestServeAnswersAndShutsDown(t *testing.T) {
	setMinimalEnv(t)
	cfg, logger, err := loadConfig("")
	require.NoError(t, err)
	a, err := buildApp(cfg, logger, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	webhook, err := http.Post(base+"/v1/webhooks/whoop", "application/json", strings.NewReader(`{"user_id":1,"id":"1","type":"sleep.updated","trace_id":"t"}`))
	require.NoError(t, err)
	webhook.Body.Close()
	assert.Equal(t, http.StatusForbidden, webhook.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
