package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/auth"
	"github.com/actionunit/aumanager/backend/internal/config"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/network"
)

// core holds the single sync core a host process embeds. Every exported
// call goes through it so the cgo layer only converts strings.
type core struct {
	mu  sync.Mutex
	app *app.App

	// opts is appended to the options passed to app.Open.
	opts []app.Option
}

var errNotInitialized = apperrors.New(apperrors.ErrInternal, "core not initialized")

// open starts the core from a JSON config. Calling it again replaces the
// running core.
func (c *core) open(configJSON string) error {
	cfg, err := config.Parse("json", []byte(configJSON))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
	a, err := app.Open(context.Background(), cfg, c.opts...)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *core) current() (*app.App, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.app == nil {
		return nil, errNotInitialized
	}
	return c.app, nil
}

// setNetwork forwards a connectivity change reported by the platform.
func (c *core) setNetwork(statusJSON string) error {
	a, err := c.current()
	if err != nil {
		return err
	}
	var s network.Status
	if err := json.Unmarshal([]byte(statusJSON), &s); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid network status", err)
	}
	a.Monitor.Report(s)
	return nil
}

func (c *core) login(credJSON string) (string, error) {
	a, err := c.current()
	if err != nil {
		return "", err
	}
	var cred auth.Credentials
	if err := json.Unmarshal([]byte(credJSON), &cred); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid credentials", err)
	}
	if _, err := a.Login(context.Background(), cred); err != nil {
		return "", err
	}
	return encode(a.Auth.CurrentUser())
}

func (c *core) logout() error {
	a, err := c.current()
	if err != nil {
		return err
	}
	return a.Logout(context.Background())
}

type recordResult struct {
	Record       models.Entity `json:"record"`
	QueueEntryID string        `json:"queueEntryId,omitempty"`
}

// record saves a record of the given type and queues it for sync.
func (c *core) record(entityType, recordJSON string) (string, error) {
	a, err := c.current()
	if err != nil {
		return "", err
	}
	t, err := models.ParseEntityType(entityType)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "unknown entity type", err)
	}
	e, entryID, err := a.Record(context.Background(), t, json.RawMessage(recordJSON))
	if err != nil {
		return "", err
	}
	return encode(recordResult{Record: e, QueueEntryID: entryID})
}

func (c *core) remove(entityType, id string) (string, error) {
	a, err := c.current()
	if err != nil {
		return "", err
	}
	t, err := models.ParseEntityType(entityType)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "unknown entity type", err)
	}
	entryID, err := a.Remove(context.Background(), t, id)
	if err != nil {
		return "", err
	}
	return encode(map[string]string{"queueEntryId": entryID})
}

// sync runs a sync now, limited to one entity type when entityType is set.
func (c *core) sync(entityType string) (string, error) {
	a, err := c.current()
	if err != nil {
		return "", err
	}
	ctx := context.Background()
	if entityType == "" {
		return encode(a.Scheduler.SyncNow(ctx))
	}
	t, err := models.ParseEntityType(entityType)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "unknown entity type", err)
	}
	return encode(a.Engine.SyncEntityType(ctx, t))
}

func (c *core) status() (string, error) {
	a, err := c.current()
	if err != nil {
		return "", err
	}
	s, err := a.Status(context.Background())
	if err != nil {
		return "", err
	}
	return encode(s)
}

func (c *core) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return string(data), nil
}

// errorJSON renders err for the host with its error code.
func errorJSON(err error) string {
	data, _ := json.Marshal(map[string]string{
		"code":    string(apperrors.CodeOf(err)),
		"message": err.Error(),
	})
	return string(data)
}
