// Package app wires the sync core together for one device: database, entity
// store, mutation queue, network monitor, auth context, REST client, sync
// engine and scheduler.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/actionunit/aumanager/backend/internal/access"
	"github.com/actionunit/aumanager/backend/internal/api"
	"github.com/actionunit/aumanager/backend/internal/auth"
	"github.com/actionunit/aumanager/backend/internal/config"
	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/metrics"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/network"
	"github.com/actionunit/aumanager/backend/internal/storage"
	syncpkg "github.com/actionunit/aumanager/backend/internal/sync"
	"github.com/actionunit/aumanager/backend/internal/sync/queue"
	"github.com/actionunit/aumanager/backend/internal/sync/scheduler"
)

// App owns every long-lived service of the sync core.
type App struct {
	Config    *config.Config
	DB        *db.DB
	KV        *db.KV
	Queue     *queue.Queue
	Store     *storage.Store
	Monitor   *network.Monitor
	Client    *api.Client
	Auth      *auth.Context
	Gate      *access.Gate
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Registry  *prometheus.Registry

	prober    *network.Prober
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type options struct {
	network    network.Status
	httpClient *http.Client
	logging    bool
	background bool
}

// Option configures Open.
type Option func(*options)

// WithNetwork seeds the network monitor. Without a probe URL the host app
// reports every later change through Monitor.Report.
func WithNetwork(s network.Status) Option {
	return func(o *options) { o.network = s }
}

// WithHTTPClient replaces the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithoutLogging leaves the global logger untouched.
func WithoutLogging() Option {
	return func(o *options) { o.logging = false }
}

// WithoutScheduler skips the background scheduler loops. Runs can still be
// started through Scheduler.SyncNow.
func WithoutScheduler() Option {
	return func(o *options) { o.background = false }
}

// ConfigureLogging replaces the global logger according to cfg.
func ConfigureLogging(cfg config.LogConfig) {
	logging.SetGlobal(logging.NewFromOptions(logging.Options{
		Level:      logging.ParseLevel(cfg.Level),
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}))
}

// Open builds the services, restores a persisted session and starts the
// background loops. The caller must Close the App.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{network: network.Offline, logging: true, background: true}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", err)
	}
	if o.logging {
		ConfigureLogging(cfg.Log)
	}

	conn, err := db.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open database", err)
	}

	a := &App{
		Config:   cfg,
		DB:       conn,
		KV:       db.NewKV(conn),
		Monitor:  network.NewMonitor(o.network),
		Gate:     access.NewGate(),
		Registry: prometheus.NewRegistry(),
	}
	a.Queue = queue.New(a.KV, queue.WithMaxRetries(cfg.Sync.MaxRetries))
	a.Store = storage.New(a.KV, a.Queue, storage.WithGate(a.Gate))

	var clientOpts []api.Option
	if o.httpClient != nil {
		clientOpts = append(clientOpts, api.WithHTTPClient(o.httpClient))
	}
	a.Client = api.New(cfg.API, api.TokenFunc(func() string { return a.Auth.AccessToken() }), clientOpts...)
	a.Auth = auth.New(a.KV, a.Client, a.Monitor, auth.WithOfflineWindow(cfg.Auth.OfflineWindow))

	a.Engine = syncpkg.New(a.Store, a.Client, a.Auth, a.Monitor,
		syncpkg.WithRunLog(db.NewRunLog(conn)),
		syncpkg.WithMetrics(metrics.NewSync(a.Registry)),
	)
	a.Scheduler = scheduler.NewScheduler(a.Engine, a.Monitor, a.Auth, a.Queue, scheduler.ConfigFrom(cfg.Sync))

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// Subscribe before Load so the restored user sets the storage context.
	users, stop := a.Auth.Subscribe()
	a.wg.Add(1)
	go a.watchSession(runCtx, users, stop)

	if err := a.Auth.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Store.SetContext(a.Auth.Owner())

	if cfg.Network.ProbeURL != "" {
		a.prober = network.NewProber(a.Monitor, cfg.Network.ProbeURL, cfg.Network.ProbeInterval, o.httpClient)
		a.prober.Probe(ctx)
		a.prober.Start(runCtx)
	}
	if o.background {
		a.Scheduler.Start(runCtx)
	}

	logging.Info("[App] Sync core ready", map[string]interface{}{
		"data_dir":      cfg.Storage.DataDir,
		"authenticated": a.Auth.IsAuthenticated(),
		"online":        a.Monitor.Current().Connected,
	})
	return a, nil
}

// watchSession keeps the storage context in step with the signed-in user
// and refreshes the subscription status after every sign-in.
func (a *App) watchSession(ctx context.Context, users <-chan *models.SessionUser, stop func()) {
	defer a.wg.Done()
	defer stop()

	var current string
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-users:
			if !ok {
				return
			}
			if u == nil {
				a.Store.ClearContext()
				a.Gate.Set(nil)
				current = ""
				continue
			}
			a.Store.SetContext(models.Owner{UserID: u.ID, ChurchID: u.Church})
			if u.ID != current {
				current = u.ID
				a.refreshGate(ctx)
			}
		}
	}
}

func (a *App) refreshGate(ctx context.Context) {
	if !a.Monitor.IsOnline(ctx) {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, a.Config.API.Timeout)
	defer cancel()
	if err := a.Gate.Refresh(reqCtx, a.Client); err != nil {
		logging.Warn("[App] Could not load subscription status", map[string]interface{}{"error": err.Error()})
	}
}

// Login signs in and sets the storage context for the new user.
func (a *App) Login(ctx context.Context, cred auth.Credentials) (*models.AuthResponse, error) {
	resp, err := a.Auth.Login(ctx, cred)
	if err != nil {
		return nil, err
	}
	a.Store.SetContext(a.Auth.Owner())
	return resp, nil
}

// Logout ends the session. Local data and queued mutations are kept for the
// next sign-in of the same church.
func (a *App) Logout(ctx context.Context) error {
	if err := a.Auth.Logout(ctx); err != nil {
		return err
	}
	a.Store.ClearContext()
	return nil
}

// Record writes a record of type t from its JSON form and queues it for
// sync. It returns the stored record and the queue entry id, which is empty
// when the write cancelled a pending create.
func (a *App) Record(ctx context.Context, t models.EntityType, raw json.RawMessage) (models.Entity, string, error) {
	e, err := models.DecodeEntity(t, raw)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrValidation, "invalid record", err)
	}
	return storage.UpsertEntity(ctx, a.Store, e)
}

// Remove deletes a record locally and queues the deletion.
func (a *App) Remove(ctx context.Context, t models.EntityType, id string) (string, error) {
	return storage.DeleteEntity(ctx, a.Store, t, id)
}

// Status is a snapshot for diagnostics and the host app.
type Status struct {
	Network       network.Status            `json:"network"`
	Authenticated bool                      `json:"authenticated"`
	User          *models.SessionUser       `json:"user,omitempty"`
	TokenExpiry   *time.Time                `json:"tokenExpiry,omitempty"`
	Access        string                    `json:"access"`
	Sync          scheduler.SchedulerStatus `json:"sync"`
	Progress      float64                   `json:"progress"`
	Queue         models.QueueStats         `json:"queue"`
	Storage       models.StorageStats       `json:"storage"`
	History       []models.SyncResult       `json:"history,omitempty"`
}

// Status collects the current state of every service.
func (a *App) Status(ctx context.Context) (Status, error) {
	s := Status{
		Network:       a.Monitor.Current(),
		Authenticated: a.Auth.IsAuthenticated(),
		User:          a.Auth.CurrentUser(),
		Access:        a.Gate.PermissionMessage(),
		Sync:          a.Scheduler.Status(ctx),
		Progress:      a.Engine.Progress(),
	}
	if exp, ok := a.Auth.TokenExpiry(); ok {
		s.TokenExpiry = &exp
	}

	var err error
	if s.Queue, err = a.Queue.Stats(ctx); err != nil {
		return s, err
	}
	if s.Storage, err = a.Store.Stats(ctx); err != nil {
		return s, err
	}
	if s.History, err = a.Engine.History(ctx, 10); err != nil {
		return s, err
	}
	return s, nil
}

// Close stops the background loops and releases the database. It is safe
// to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Scheduler.Stop()
		if a.prober != nil {
			a.prober.Stop()
		}
		a.cancel()
		a.Engine.Close()
		a.Auth.Close()
		a.Monitor.Close()
		a.wg.Wait()
		err = a.DB.Close()
		logging.Info("[App] Sync core closed")
	})
	return err
}
