// Package auth holds the session identity and tokens for the sync core.
package auth

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/pubsub"
)

// Storage keys.
const (
	KeyAuthData   = "actionunit_auth_data"
	KeyCachedAuth = "actionunit_cached_auth"
)

// DefaultOfflineWindow is how long a cached login can be reused offline.
const DefaultOfflineWindow = 24 * time.Hour

// Messages surfaced to the host app.
const (
	MsgOfflineLogin       = "Offline login successful (using cached data)"
	MsgNoCachedLogin      = "No internet connection and no cached login data available."
	MsgCannotConnect      = "Cannot connect to server. Please check your internet connection."
	MsgRefreshNeedsOnline = "Internet connection required to refresh token."
	MsgNoRefreshToken     = "No refresh token available"
)

// Remote is the subset of the API client used for authentication.
type Remote interface {
	LoginSuperintendent(ctx context.Context, email, password string) (*models.AuthResponse, error)
	LoginTeacherMember(ctx context.Context, phone string) (*models.AuthResponse, error)
	RefreshToken(ctx context.Context, refresh string) (string, error)
}

// Connectivity reports whether the device is online.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// Credentials identify a login attempt. Superintendents sign in with email
// and password; teachers and members with their phone number.
type Credentials struct {
	Role     models.Role `json:"role"`
	Email    string      `json:"email,omitempty"`
	Password string      `json:"password,omitempty"`
	Phone    string      `json:"phone,omitempty"`
}

// Identifier is the value a cached login is matched on.
func (c Credentials) Identifier() string {
	if c.Role == models.RoleSuperintendent {
		return strings.TrimSpace(strings.ToLower(c.Email))
	}
	return strings.TrimSpace(c.Phone)
}

// session is the persisted authenticated state.
type session struct {
	Access  string              `json:"access_token"`
	Refresh string              `json:"refresh_token"`
	User    *models.SessionUser `json:"user"`
}

// Context is the authenticated session.
type Context struct {
	kv            *db.KV
	remote        Remote
	conn          Connectivity
	offlineWindow time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	current session
	users   *pubsub.Broadcaster[*models.SessionUser]
	refresh singleflight.Group
}

// Option configures a Context.
type Option func(*Context)

// WithOfflineWindow sets how long cached logins stay usable offline.
func WithOfflineWindow(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.offlineWindow = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// New creates an unauthenticated Context. Call Load to restore a persisted
// session.
func New(kv *db.KV, remote Remote, conn Connectivity, opts ...Option) *Context {
	c := &Context{
		kv:            kv,
		remote:        remote,
		conn:          conn,
		offlineWindow: DefaultOfflineWindow,
		now:           time.Now,
		users:         pubsub.NewWithValue[*models.SessionUser](nil, pubsub.DefaultBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores the persisted session. A corrupt record logs the session out.
func (c *Context) Load(ctx context.Context) error {
	raw, ok, err := c.kv.Get(ctx, KeyAuthData)
	if err != nil {
		return apperrors.Storage("read auth data", err)
	}
	if !ok {
		return nil
	}
	var s session
	if err := json.Unmarshal(raw, &s); err != nil || s.Access == "" || s.User == nil {
		logging.Warn("[Auth] Discarding unreadable session")
		return c.Logout(ctx)
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.users.Publish(s.User)

	logging.Info("[Auth] Session restored", map[string]interface{}{"user_id": s.User.ID, "role": s.User.Role})
	return nil
}

// Login authenticates online, or offline from a cached login when the
// device has no connectivity.
func (c *Context) Login(ctx context.Context, cred Credentials) (*models.AuthResponse, error) {
	if !c.conn.IsOnline(ctx) {
		return c.offlineLogin(ctx, cred)
	}

	var (
		resp *models.AuthResponse
		err  error
	)
	switch cred.Role {
	case models.RoleSuperintendent:
		resp, err = c.remote.LoginSuperintendent(ctx, cred.Email, cred.Password)
	case models.RoleTeacher, models.RoleMember:
		resp, err = c.remote.LoginTeacherMember(ctx, cred.Phone)
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, "unsupported login role "+string(cred.Role))
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrTransient) {
			return nil, apperrors.Wrap(apperrors.ErrConnectivity, MsgCannotConnect, err)
		}
		return nil, apperrors.Authentication("login failed", err)
	}

	if err := c.cacheLogin(ctx, cred, resp); err != nil {
		// offline fallback is lost, but the online session is still valid
		logging.Error("[Auth] Failed to cache login", err)
	}
	if err := c.HandleAuthentication(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Context) offlineLogin(ctx context.Context, cred Credentials) (*models.AuthResponse, error) {
	cached, err := c.CachedLogin(ctx)
	if err != nil {
		logging.Error("[Auth] Error reading cached auth data", err)
	}
	if cached == nil || !cached.FreshAt(c.now(), c.offlineWindow) ||
		cached.Identifier != cred.Identifier() || cached.Role != cred.Role {
		return nil, apperrors.New(apperrors.ErrNoCachedCredential, MsgNoCachedLogin)
	}

	resp := cached.Response
	resp.Message = MsgOfflineLogin
	resp.Offline = true
	if err := c.HandleAuthentication(ctx, &resp); err != nil {
		return nil, err
	}
	logging.Info("[Auth] Offline login", map[string]interface{}{"user_id": resp.User.ID.String()})
	return &resp, nil
}

func (c *Context) cacheLogin(ctx context.Context, cred Credentials, resp *models.AuthResponse) error {
	role := resp.User.Role
	if role == "" {
		role = cred.Role
	}
	cached := models.CachedAuth{
		Identifier: cred.Identifier(),
		Role:       role,
		Response:   *resp,
		Timestamp:  c.now(),
	}
	raw, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, KeyCachedAuth, raw)
}

// CachedLogin returns the cached login used for offline fallback, or nil.
func (c *Context) CachedLogin(ctx context.Context) (*models.CachedAuth, error) {
	raw, ok, err := c.kv.Get(ctx, KeyCachedAuth)
	if err != nil || !ok {
		return nil, err
	}
	var cached models.CachedAuth
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, apperrors.Storage("decode cached auth", err)
	}
	return &cached, nil
}

// HandleAuthentication stores the tokens of resp, derives the session user
// and notifies subscribers.
func (c *Context) HandleAuthentication(ctx context.Context, resp *models.AuthResponse) error {
	if resp == nil || resp.Access == "" {
		return apperrors.Authentication("login response carried no access token", nil)
	}
	user := &models.SessionUser{
		ID:        resp.User.ID.String(),
		Name:      resp.User.Name,
		Email:     resp.User.Email,
		Role:      resp.User.Role,
		Church:    resp.ChurchID(),
		IsOfficer: resp.User.IsOfficer || resp.IsOfficer,
	}
	s := session{Access: resp.Access, Refresh: resp.Refresh, User: user}
	if err := c.persist(ctx, s); err != nil {
		return err
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.users.Publish(user)

	logging.Info("[Auth] Authenticated", map[string]interface{}{
		"user_id": user.ID, "role": user.Role, "church": user.Church, "offline": resp.Offline,
	})
	return nil
}

func (c *Context) persist(ctx context.Context, s session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return apperrors.Storage("encode auth data", err)
	}
	if err := c.kv.Put(ctx, KeyAuthData, raw); err != nil {
		return apperrors.Storage("write auth data", err)
	}
	return nil
}

// Logout clears tokens and identity. The cached login is kept so the user
// can sign in again offline.
func (c *Context) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.current = session{}
	c.mu.Unlock()
	c.users.Publish(nil)

	if err := c.kv.Delete(ctx, KeyAuthData); err != nil {
		return apperrors.Storage("clear auth data", err)
	}
	logging.Info("[Auth] Logged out")
	return nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one remote call.
func (c *Context) Refresh(ctx context.Context) (string, error) {
	v, err, shared := c.refresh.Do("refresh", func() (interface{}, error) {
		return c.doRefresh(ctx)
	})
	if shared {
		logging.Debug("[Auth] Joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Context) doRefresh(ctx context.Context) (string, error) {
	if !c.conn.IsOnline(ctx) {
		return "", apperrors.Connectivity(MsgRefreshNeedsOnline)
	}
	refresh := c.RefreshToken()
	if refresh == "" {
		return "", apperrors.Authentication(MsgNoRefreshToken, nil)
	}

	access, err := c.remote.RefreshToken(ctx, refresh)
	if err != nil {
		logging.Warn("[Auth] Token refresh failed", map[string]interface{}{"error": err.Error()})
		return "", err
	}

	c.mu.Lock()
	if c.current.Refresh != refresh {
		// logged out or re-authenticated while the refresh was in flight
		c.mu.Unlock()
		return "", apperrors.Authentication("session changed during refresh", nil)
	}
	c.current.Access = access
	s := c.current
	c.mu.Unlock()

	if err := c.persist(ctx, s); err != nil {
		return "", err
	}
	logging.Info("[Auth] Access token refreshed")
	return access, nil
}

// AccessToken returns the access token, or "" when unauthenticated.
func (c *Context) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Access
}

// RefreshToken returns the refresh token, or "".
func (c *Context) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Refresh
}

// IsAuthenticated reports whether an access token is present.
func (c *Context) IsAuthenticated() bool {
	return c.AccessToken() != ""
}

// CurrentUser returns the session user, or nil.
func (c *Context) CurrentUser() *models.SessionUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current.User == nil {
		return nil
	}
	u := *c.current.User
	return &u
}

// Owner returns the storage context of the session.
func (c *Context) Owner() models.Owner {
	u := c.CurrentUser()
	if u == nil {
		return models.Owner{}
	}
	return models.Owner{UserID: u.ID, ChurchID: u.Church}
}

// HasRole reports whether the session user has role.
func (c *Context) HasRole(role models.Role) bool {
	u := c.CurrentUser()
	return u != nil && u.Role == role
}

// Subscribe streams the current user, nil after logout. The current value is
// delivered first.
func (c *Context) Subscribe() (<-chan *models.SessionUser, func()) {
	return c.users.Subscribe()
}

// TokenExpiry reads the exp claim of the access token without verifying
// its signature. It returns false when there is no token or no claim.
func (c *Context) TokenExpiry() (time.Time, bool) {
	token := c.AccessToken()
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Close ends every subscription.
func (c *Context) Close() {
	c.users.Close()
}
