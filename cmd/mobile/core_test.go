package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionunit/aumanager/backend/internal/app"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/testutil"
)

func openCore(t *testing.T) (*core, *testutil.Backend) {
	t.Helper()
	b := testutil.NewBackend(t)
	b.AddSuperintendent(1, "super@church.org", "secret", 9)

	c := &core{opts: []app.Option{app.WithoutScheduler(), app.WithoutLogging()}}
	cfg := fmt.Sprintf(`{"api":{"base_url":%q,"retry_attempts":1,"retry_base_delay":"1ms","retry_max_delay":"1ms"},"storage":{"data_dir":%q}}`,
		b.URL(), filepath.Join(t.TempDir(), "data"))
	require.NoError(t, c.open(cfg))
	t.Cleanup(func() { c.close() })
	return c, b
}

func TestCore_notInitialized(t *testing.T) {
	c := &core{}
	_, err := c.status()
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, c.close())
}

func TestCore_invalidConfig(t *testing.T) {
	c := &core{}
	err := c.open(`{"api":{"base_url":""}}`)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestCore_recordAndSync(t *testing.T) {
	c, b := openCore(t)

	require.NoError(t, c.setNetwork(`{"connected":true,"connectionType":"wifi"}`))
	out, err := c.login(`{"role":"superintendent","email":"super@church.org","password":"secret"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"church":"9"`)

	out, err = c.record("attendance", `{"class_member":"cm_1","date":"2024-03-10","is_present":true}`)
	require.NoError(t, err)
	var rec struct {
		Record       map[string]interface{} `json:"record"`
		QueueEntryID string                 `json:"queueEntryId"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.NotEmpty(t, rec.QueueEntryID)

	out, err = c.sync("")
	require.NoError(t, err)
	var res models.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.SyncedItems)
	assert.Len(t, b.Records("attendance"), 1)

	out, err = c.status()
	require.NoError(t, err)
	var s app.Status
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.True(t, s.Authenticated)
	assert.Zero(t, s.Queue.Total)
}

func TestCore_offlineSyncIsRefused(t *testing.T) {
	c, _ := openCore(t)
	require.NoError(t, c.setNetwork(`{"connected":true,"connectionType":"cellular"}`))
	_, err := c.login(`{"role":"superintendent","email":"super@church.org","password":"secret"}`)
	require.NoError(t, err)
	require.NoError(t, c.setNetwork(`{"connected":false,"connectionType":"none"}`))

	_, err = c.record("offering", `{"action_unit_class":"3","amount":"12.00","currency":"GHS","date":"2024-03-10"}`)
	require.NoError(t, err)

	out, err := c.sync("offering")
	require.NoError(t, err)
	var res models.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)
}

func TestCore_rejectsBadInput(t *testing.T) {
	c, _ := openCore(t)

	assert.Error(t, c.setNetwork(`not json`))
	_, err := c.record("sermon", `{}`)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	_, err = c.sync("sermon")
	assert.Error(t, err)
	_, err = c.record("attendance", `{"class_member":`)
	assert.Error(t, err, "invalid payload")
}

func TestErrorJSON(t *testing.T) {
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(errorJSON(apperrors.Rejection(400, "bad date"))), &got))
	assert.Equal(t, "REMOTE_REJECTION", got["code"])
	assert.Contains(t, got["message"], "bad date")
}
