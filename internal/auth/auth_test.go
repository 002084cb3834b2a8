package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionunit/aumanager/backend/internal/api"
	"github.com/actionunit/aumanager/backend/internal/config"
	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/network"
	"github.com/actionunit/aumanager/backend/internal/testutil"
)

type fixture struct {
	backend *testutil.Backend
	kv      *db.KV
	monitor *network.Monitor
	auth    *Context
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := testutil.NewBackend(t)
	b.AddSuperintendent(1, "super@church.org", "secret", 9)
	b.AddTeacher(2, "0244000000", "teacher", 9)

	conn, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	f := &fixture{
		backend: b,
		kv:      db.NewKV(conn),
		monitor: network.NewMonitor(network.Status{Connected: true, Type: network.TypeWifi}),
		now:     time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	cfg := config.Default().API
	cfg.BaseURL = b.URL()
	client := api.New(cfg, nil)
	f.auth = New(f.kv, client, f.monitor, WithClock(func() time.Time { return f.now }))
	t.Cleanup(f.auth.Close)
	return f
}

var superCred = Credentials{Role: models.RoleSuperintendent, Email: "super@church.org", Password: "secret"}

func TestLogin_online(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users, cancel := f.auth.Subscribe()
	defer cancel()
	assert.Nil(t, <-users)

	resp, err := f.auth.Login(ctx, superCred)
	require.NoError(t, err)
	assert.False(t, resp.Offline)
	assert.True(t, f.auth.IsAuthenticated())
	assert.NotEmpty(t, f.auth.RefreshToken())

	u := <-users
	require.NotNil(t, u)
	assert.Equal(t, "1", u.ID)
	assert.Equal(t, "9", u.Church)
	assert.Equal(t, models.Owner{UserID: "1", ChurchID: "9"}, f.auth.Owner())
	assert.True(t, f.auth.HasRole(models.RoleSuperintendent))

	exp, ok := f.auth.TokenExpiry()
	assert.True(t, ok)
	assert.True(t, exp.After(time.Now()))

	cached, err := f.auth.CachedLogin(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "super@church.org", cached.Identifier)
	assert.Equal(t, models.RoleSuperintendent, cached.Role)
}

func TestLogin_rejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.auth.Login(context.Background(), Credentials{Role: models.RoleSuperintendent, Email: "super@church.org", Password: "nope"})
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthentication))
	assert.False(t, f.auth.IsAuthenticated())
}

func TestLogin_offlineUsesFreshCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Login(ctx, superCred)
	require.NoError(t, err)
	require.NoError(t, f.auth.Logout(ctx))
	assert.False(t, f.auth.IsAuthenticated())

	f.monitor.Report(network.Offline)
	f.now = f.now.Add(23 * time.Hour)

	resp, err := f.auth.Login(ctx, Credentials{Role: models.RoleSuperintendent, Email: "Super@Church.org"})
	require.NoError(t, err)
	assert.True(t, resp.Offline)
	assert.Equal(t, MsgOfflineLogin, resp.Message)
	assert.True(t, f.auth.IsAuthenticated())
}

func TestLogin_offlineRejectsStaleOrMismatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Login(ctx, Credentials{Role: models.RoleTeacher, Phone: "0244000000"})
	require.NoError(t, err)
	require.NoError(t, f.auth.Logout(ctx))
	f.monitor.Report(network.Offline)

	_, err = f.auth.Login(ctx, Credentials{Role: models.RoleMember, Phone: "0244000000"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNoCachedCredential), "role must match")

	_, err = f.auth.Login(ctx, Credentials{Role: models.RoleTeacher, Phone: "0200000000"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNoCachedCredential), "identifier must match")

	f.now = f.now.Add(25 * time.Hour)
	_, err = f.auth.Login(ctx, Credentials{Role: models.RoleTeacher, Phone: "0244000000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), MsgNoCachedLogin)
}

func TestLogin_serverUnreachable(t *testing.T) {
	f := newFixture(t)
	f.backend.Server.Close()

	cfg := config.Default().API
	cfg.BaseURL = f.backend.URL()
	cfg.RetryAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = time.Millisecond
	a := New(f.kv, api.New(cfg, nil), f.monitor)

	_, err := a.Login(context.Background(), superCred)
	assert.True(t, apperrors.Is(err, apperrors.ErrConnectivity))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Refresh(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthentication), "no refresh token")

	_, err = f.auth.Login(ctx, superCred)
	require.NoError(t, err)
	before := f.auth.AccessToken()

	f.backend.ExpireAccessTokens()
	access, err := f.auth.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, access)
	assert.Equal(t, access, f.auth.AccessToken())

	f.monitor.Report(network.Offline)
	_, err = f.auth.Refresh(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrConnectivity))
	assert.Contains(t, err.Error(), MsgRefreshNeedsOnline)

	f.monitor.Report(network.Status{Connected: true, Type: network.TypeWifi})
	f.backend.RejectRefresh(true)
	_, err = f.auth.Refresh(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthentication))
}

func TestRefresh_concurrentCallersShareOneCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.Login(ctx, superCred)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.auth.Refresh(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	calls := f.backend.CallsTo("POST", "/api/auth/token/refresh/")
	assert.GreaterOrEqual(t, len(calls), 1)
	assert.Less(t, len(calls), 8)
}

func TestLoad_restoresSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.Login(ctx, superCred)
	require.NoError(t, err)

	restored := New(f.kv, nil, f.monitor)
	require.NoError(t, restored.Load(ctx))
	assert.True(t, restored.IsAuthenticated())
	assert.Equal(t, "1", restored.CurrentUser().ID)
}

func TestLoad_corruptSessionLogsOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.kv.Put(ctx, KeyAuthData, []byte("not json")))

	require.NoError(t, f.auth.Load(ctx))
	assert.False(t, f.auth.IsAuthenticated())
	_, ok, err := f.kv.Get(ctx, KeyAuthData)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogout_keepsCachedLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.auth.Login(ctx, superCred)
	require.NoError(t, err)

	require.NoError(t, f.auth.Logout(ctx))
	assert.Nil(t, f.auth.CurrentUser())
	assert.Equal(t, models.Owner{}, f.auth.Owner())
	_, ok := f.auth.TokenExpiry()
	assert.False(t, ok)

	cached, err := f.auth.CachedLogin(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cached)
}
