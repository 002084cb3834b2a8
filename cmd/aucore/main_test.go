package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/auth"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/testutil"
)

// setup writes a config file pointing at a fake backend and returns its path.
func setup(t *testing.T) (*testutil.Backend, string) {
	t.Helper()
	b := testutil.NewBackend(t)
	b.AddSuperintendent(1, "super@church.org", "secret", 9)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`api:
  base_url: %q
  retry_attempts: 1
  retry_base_delay: 1ms
  retry_max_delay: 1ms
storage:
  data_dir: %q
log:
  level: error
`, b.URL(), filepath.Join(dir, "data"))
	path := filepath.Join(dir, "aumanager.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return b, path
}

// run executes the CLI with args and returns its standard output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, dataDir, baseURL, jsonOutput = "", "", "", false
	syncType, queueClearYes = "", false
	exportOut, exportPassword, inspectPassword = "", "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "aucore v"+Version+"\n", out)
}

func TestLoginStatusLogout(t *testing.T) {
	_, cfg := setup(t)

	out, err := run(t, "--config", cfg, "login", "--email", "super@church.org", "--password", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as")

	out, err = run(t, "--config", cfg, "--json", "status")
	require.NoError(t, err)
	var s app.Status
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.True(t, s.Authenticated)
	assert.True(t, s.Network.Connected, "the API answers the reachability probe")
	require.NotNil(t, s.User)
	assert.Equal(t, "9", s.User.Church)

	_, err = run(t, "--config", cfg, "logout")
	require.NoError(t, err)
	out, err = run(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "signed out")
}

func TestLogin_wrongPassword(t *testing.T) {
	_, cfg := setup(t)
	_, err := run(t, "--config", cfg, "login", "--email", "super@church.org", "--password", "nope")
	assert.Error(t, err)
}

// seed records one attendance mark through the library, as the host app would.
func seed(t *testing.T, cfg string) {
	t.Helper()
	configPath = cfg
	c, err := loadConfig()
	require.NoError(t, err)

	ctx := context.Background()
	a, err := app.Open(ctx, c, app.WithoutScheduler(), app.WithoutLogging())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Login(ctx, auth.Credentials{Role: models.RoleSuperintendent, Email: "super@church.org", Password: "secret"})
	require.NoError(t, err)
	_, _, err = a.Record(ctx, models.TypeAttendance, json.RawMessage(`{"class_member":"cm_1","date":"2024-03-10","is_present":true}`))
	require.NoError(t, err)
}

func TestQueueAndSync(t *testing.T) {
	b, cfg := setup(t)
	seed(t, cfg)

	out, err := run(t, "--config", cfg, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE")
	assert.Contains(t, out, "attendance")

	out, err = run(t, "--config", cfg, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 1 synced, 0 failed")
	assert.Len(t, b.Records("attendance"), 1)

	out, err = run(t, "--config", cfg, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue is empty")
}

func TestSync_failureExitsNonZero(t *testing.T) {
	b, cfg := setup(t)
	seed(t, cfg)
	b.FailNext("POST", "/api/attendance/", 400, 1)

	out, err := run(t, "--config", cfg, "sync")
	require.Error(t, err)
	assert.Contains(t, out, "failed: 0 synced, 1 failed")

	out, err = run(t, "--config", cfg, "--json", "queue", "list")
	require.NoError(t, err)
	var entries []models.QueueEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Contains(t, entries[0].LastError, "injected")
}

func TestQueueRetry_validatesIDs(t *testing.T) {
	_, cfg := setup(t)
	_, err := run(t, "--config", cfg, "queue", "retry", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid queue id")

	out, err := run(t, "--config", cfg, "queue", "retry")
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued 0 operation(s)")
}

func TestQueueClear_requiresConfirmation(t *testing.T) {
	_, cfg := setup(t)
	seed(t, cfg)

	_, err := run(t, "--config", cfg, "queue", "clear")
	require.Error(t, err)

	_, err = run(t, "--config", cfg, "queue", "clear", "--yes")
	require.NoError(t, err)
	out, err := run(t, "--config", cfg, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue is empty")
}

func TestExportAndInspect(t *testing.T) {
	_, cfg := setup(t)
	seed(t, cfg)
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")

	out, err := run(t, "--config", cfg, "export", "--out", archive, "--password", "church-secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 record(s)")

	_, err = run(t, "--config", cfg, "export", "inspect", archive)
	require.Error(t, err)

	out, err = run(t, "--config", cfg, "export", "inspect", archive, "--password", "church-secret")
	require.NoError(t, err)
	assert.Contains(t, out, "1 record(s), 1 queued")
	assert.Contains(t, out, "attendance")
}
