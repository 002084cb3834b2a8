package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/actionunit/aumanager/backend/internal/api"
	"github.com/actionunit/aumanager/backend/internal/db"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/metrics"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/pubsub"
	"github.com/actionunit/aumanager/backend/internal/storage"
	"github.com/actionunit/aumanager/backend/internal/sync/queue"
)

// State is the engine's position in the run lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Messages reported in SyncResult.Errors.
const (
	MsgInProgress       = "Sync already in progress"
	MsgOffline          = "Device offline"
	MsgNotAuthenticated = "User not authenticated"
	MsgAuthFailed       = "Authentication failed. Please login again."
)

// DefaultHistory is the number of runs kept in the run log.
const DefaultHistory = 100

// Engine drains the mutation queue. Only one run is active at a time; a
// caller arriving during a run gets the last result instead of a second run.
type Engine struct {
	store   *storage.Store
	queue   *queue.Queue
	remote  Remote
	session Session
	conn    Connectivity
	runs    *db.RunLog
	metrics *metrics.Sync
	history int
	now     func() time.Time

	mu    sync.Mutex
	state State
	prev  State
	last  *models.SyncResult

	progress *pubsub.Broadcaster[float64]
	results  *pubsub.Broadcaster[models.SyncResult]
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunLog appends every finished run to l.
func WithRunLog(l *db.RunLog) Option {
	return func(e *Engine) { e.runs = l }
}

// WithMetrics records runs in m.
func WithMetrics(m *metrics.Sync) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHistory sets how many runs the run log keeps.
func WithHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.history = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine writing through remote on behalf of session.
func New(store *storage.Store, remote Remote, session Session, conn Connectivity, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		queue:    store.Queue(),
		remote:   remote,
		session:  session,
		conn:     conn,
		history:  DefaultHistory,
		now:      time.Now,
		state:    StateIdle,
		progress: pubsub.NewWithValue[float64](0, pubsub.DefaultBuffer),
		results:  pubsub.New[models.SyncResult](pubsub.DefaultBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncAll drains every pending entry.
func (e *Engine) SyncAll(ctx context.Context) models.SyncResult {
	return e.sync(ctx, nil)
}

// SyncEntityType drains the pending entries of t only.
func (e *Engine) SyncEntityType(ctx context.Context, t models.EntityType) models.SyncResult {
	return e.sync(ctx, []models.EntityType{t})
}

func (e *Engine) sync(ctx context.Context, types []models.EntityType) models.SyncResult {
	if res, busy := e.begin(); busy {
		logging.Debug("[Sync] Sync already in progress")
		return res
	}

	if !e.conn.IsOnline(ctx) {
		logging.Info("[Sync] Skipping sync - device offline")
		return e.skip(MsgOffline)
	}
	if !e.session.IsAuthenticated() {
		logging.Info("[Sync] Skipping sync - user not authenticated")
		return e.skip(MsgNotAuthenticated)
	}

	started := e.now()
	res := e.run(ctx, types)
	e.finish(ctx, started, res)
	return res
}

func (e *Engine) begin() (models.SyncResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		if e.last != nil {
			return *e.last, true
		}
		return models.FailedResult(e.now(), MsgInProgress), true
	}
	e.prev = e.state
	e.state = StateRunning
	return models.SyncResult{}, false
}

// skip reports a run that did not start. It does not replace the last
// result.
func (e *Engine) skip(reason string) models.SyncResult {
	e.mu.Lock()
	e.state = e.prev
	e.mu.Unlock()
	e.metrics.Run(metrics.OutcomeSkipped, 0)
	return models.FailedResult(e.now(), reason)
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeAuthFailed
	outcomeGone
)

func (e *Engine) run(ctx context.Context, types []models.EntityType) models.SyncResult {
	e.progress.Publish(0)
	res := models.SyncResult{Errors: []string{}}
	if len(types) == 1 {
		res.EntityType = types[0]
	}

	entries, err := e.queue.Pending(ctx, types...)
	if err != nil {
		logging.Error("[Sync] Sync failed", err)
		res.Errors = append(res.Errors, "Sync failed: "+err.Error())
		res.Timestamp = e.now()
		return res
	}
	// Entries made under another user or church wait for that session.
	owner := e.store.Context()
	scoped := entries[:0]
	for _, entry := range entries {
		if entry.Scope().VisibleTo(owner) {
			scoped = append(scoped, entry)
		}
	}
	if skipped := len(entries) - len(scoped); skipped > 0 {
		logging.Info("[Sync] Leaving entries of another session queued", map[string]interface{}{"skipped": skipped})
	}
	entries = scoped
	if len(entries) == 0 {
		logging.Debug("[Sync] No pending operations to sync")
		res.Success = true
		res.Timestamp = e.now()
		return res
	}

	total := len(entries)
	done := 0
	aborted := false
	logging.Info("[Sync] Starting data synchronization", map[string]interface{}{"pending": total})

	report := func() {
		e.progress.Publish(float64(done) / float64(total) * 100)
	}
	failure := func(entry models.QueueEntry, err error) {
		msg := fmt.Sprintf("Failed to sync %s %s: %v", entry.EntityType, entry.EntityID, err)
		res.Errors = append(res.Errors, msg)
		logging.Warn("[Sync] "+msg, map[string]interface{}{"entry_id": entry.ID})
	}
	// step processes one entry and reports whether the run must stop.
	step := func(entry models.QueueEntry, deferred *[]models.QueueEntry) bool {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, "Sync interrupted: "+err.Error())
			aborted = true
			return true
		}
		out, err := e.process(ctx, entry)
		switch out {
		case outcomeSynced:
			res.SyncedItems++
			done++
		case outcomeFailed:
			res.FailedItems++
			failure(entry, err)
			done++
		case outcomeDeferred:
			*deferred = append(*deferred, entry)
		case outcomeGone:
			done++
		case outcomeAuthFailed:
			res.FailedItems++
			res.AuthFailed = true
			res.Errors = append(res.Errors, MsgAuthFailed)
			logging.Error("[Sync] Token refresh failed, ending session", err, map[string]interface{}{"entry_id": entry.ID})
			if lerr := e.session.Logout(ctx); lerr != nil {
				logging.Error("[Sync] Logout failed", lerr)
			}
			aborted = true
			done++
			return true
		}
		report()
		return false
	}

	var deferred []models.QueueEntry
	for _, entry := range order(entries) {
		if step(entry, &deferred) {
			break
		}
	}

	// Parents synced later in this run release their children, so deferred
	// entries are retried for as long as each pass makes progress.
	for !aborted && len(deferred) > 0 {
		var again []models.QueueEntry
		for _, entry := range deferred {
			if step(entry, &again) {
				break
			}
		}
		if aborted || len(again) == len(deferred) {
			deferred = again
			break
		}
		deferred = again
	}
	if !aborted {
		for _, entry := range deferred {
			res.DeferredItems++
			done++
			e.metrics.Entry(entry.EntityType, "deferred")
			failure(entry, apperrors.New(apperrors.ErrDependencyPending, "waiting for a record that has not synced yet"))
		}
	}

	res.Success = res.FailedItems == 0 && !aborted
	res.Timestamp = e.now()
	return res
}

// order groups entries by entity type in priority order, keeping insertion
// order within a type.
func order(entries []models.QueueEntry) []models.QueueEntry {
	byType := make(map[models.EntityType][]models.QueueEntry)
	for _, entry := range entries {
		byType[entry.EntityType] = append(byType[entry.EntityType], entry)
	}
	out := make([]models.QueueEntry, 0, len(entries))
	for _, t := range priority {
		out = append(out, byType[t]...)
		delete(byType, t)
	}
	for _, entry := range entries {
		if _, ok := byType[entry.EntityType]; ok {
			out = append(out, entry)
		}
	}
	return out
}

func (e *Engine) process(ctx context.Context, entry models.QueueEntry) (outcome, error) {
	// Earlier confirmations in this run may have rewritten the entry, and a
	// local edit may have superseded it.
	current, ok, err := e.queue.Get(ctx, entry.ID)
	if err != nil {
		return outcomeFailed, err
	}
	if !ok || current.Dead {
		return outcomeGone, nil
	}
	entry = current

	entity, err := entry.Entity()
	if err != nil {
		return e.fail(ctx, entry, apperrors.Storage("decode queued payload", err))
	}

	if entry.Operation != models.OpDelete {
		dep, queued, err := e.pendingDependency(ctx, entity)
		if err != nil {
			return e.fail(ctx, entry, err)
		}
		if dep != "" && !queued {
			// The parent was dead-lettered or dropped from the queue, so
			// waiting would never end.
			return e.fail(ctx, entry, apperrors.New(apperrors.ErrDependencyPending,
				fmt.Sprintf("%s is not queued to sync", dep)))
		}
		if dep != "" {
			logging.Debug("[Sync] Deferring entry until its parent syncs", map[string]interface{}{
				"entry_id": entry.ID, "waiting_for": dep,
			})
			return outcomeDeferred, nil
		}
	}

	rec, err := e.send(ctx, entry, entity)
	if api.IsUnauthorized(err) {
		logging.Info("[Sync] Access token rejected, refreshing", map[string]interface{}{"entry_id": entry.ID})
		_, rerr := e.session.Refresh(ctx)
		e.metrics.Refresh(rerr == nil)
		if rerr != nil {
			return outcomeAuthFailed, rerr
		}
		rec, err = e.send(ctx, entry, entity)
		if api.IsUnauthorized(err) {
			return outcomeAuthFailed, err
		}
	}
	if err != nil {
		return e.fail(ctx, entry, err)
	}

	serverID, err := e.confirm(ctx, entry, entity, rec)
	if err != nil {
		return e.fail(ctx, entry, err)
	}
	if err := e.submit(ctx, entity, serverID, rec); err != nil {
		e.metrics.Entry(entry.EntityType, "failed")
		return outcomeFailed, err
	}

	e.metrics.Entry(entry.EntityType, "synced")
	logging.Debug("[Sync] Entry synced", map[string]interface{}{
		"entry_id": entry.ID, "entity_type": entry.EntityType, "operation": entry.Operation, "server_id": serverID,
	})
	return outcomeSynced, nil
}

// fail leaves entry queued with its failure recorded.
func (e *Engine) fail(ctx context.Context, entry models.QueueEntry, cause error) (outcome, error) {
	dead, err := e.queue.RecordFailure(ctx, entry.ID, cause)
	if err != nil {
		logging.Error("[Sync] Could not record failure", err, map[string]interface{}{"entry_id": entry.ID})
	}
	if entry.Operation != models.OpDelete {
		if err := e.store.MarkFailed(ctx, entry.EntityType, entry.EntityID); err != nil {
			logging.Error("[Sync] Could not flag failed entity", err, map[string]interface{}{"entity_id": entry.EntityID})
		}
	}
	result := "failed"
	if dead {
		result = "dead"
	}
	e.metrics.Entry(entry.EntityType, result)
	return outcomeFailed, cause
}

// pendingDependency names the first record entity refers to that the
// server has not confirmed yet, or "" when there is none. The flag
// reports whether that record still has a live queue entry.
func (e *Engine) pendingDependency(ctx context.Context, entity models.Entity) (string, bool, error) {
	for _, r := range entity.References() {
		if *r.ID == "" {
			continue
		}
		local, err := e.store.IsLocalID(ctx, r.Type, *r.ID)
		if err != nil {
			return "", false, err
		}
		if !local {
			continue
		}
		queued, err := e.queue.Queued(ctx, r.Type, *r.ID)
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%s %s", r.Type, *r.ID), queued, nil
	}
	return "", false, nil
}

func (e *Engine) send(ctx context.Context, entry models.QueueEntry, entity models.Entity) (api.Record, error) {
	if entry.EntityType == models.TypeChurch {
		if entry.Operation == models.OpDelete {
			return nil, apperrors.New(apperrors.ErrInvalid, "churches cannot be deleted from the device")
		}
		b, err := toRemote(entity)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "map payload", err)
		}
		return e.remote.UpdateChurchProfile(ctx, b)
	}

	collection, ok := Collection(entry.EntityType)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s records are not synced", entry.EntityType))
	}
	if entry.Operation == models.OpDelete {
		return nil, e.remote.Delete(ctx, collection, entry.EntityID)
	}

	b, err := toRemote(entity)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "map payload", err)
	}
	if entry.Operation == models.OpCreate {
		// The local id stays fixed until the server confirms, so a retry of
		// a create whose response was lost reuses the same key.
		return e.remote.Create(ctx, collection, entry.EntityID, b)
	}
	return e.remote.Update(ctx, collection, entry.EntityID, b)
}

// confirm stores the server's answer and completes the entry. It returns
// the entity's server id.
func (e *Engine) confirm(ctx context.Context, entry models.QueueEntry, entity models.Entity, rec api.Record) (string, error) {
	if entry.Operation == models.OpDelete {
		return entry.EntityID, e.queue.Complete(ctx, entry.ID)
	}

	serverID := entry.EntityID
	if entry.Operation == models.OpCreate && entry.EntityType != models.TypeChurch {
		serverID = rec.ID()
		if serverID == "" {
			return "", apperrors.New(apperrors.ErrRemoteRejection, "create response carried no id")
		}
	}

	fields := rec
	if needsSubmit(entity, rec) {
		// Keep the local submitted status until the submit call lands.
		fields = make(api.Record, len(rec))
		for k, v := range rec {
			if k != "status" {
				fields[k] = v
			}
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "encode server record", err)
	}

	return serverID, e.store.MarkSynced(ctx, storage.Confirmation{
		EntryID:  entry.ID,
		Type:     entry.EntityType,
		LocalID:  entry.EntityID,
		ServerID: serverID,
		Fields:   raw,
	})
}

// needsSubmit reports whether a synced book order still has to be moved
// out of draft on the server.
func needsSubmit(entity models.Entity, rec api.Record) bool {
	order, ok := entity.(*models.BookOrder)
	if !ok || order.Status != models.OrderSubmitted {
		return false
	}
	var status models.OrderStatus
	if raw, ok := rec["status"]; ok {
		_ = json.Unmarshal(raw, &status)
	}
	return status != models.OrderSubmitted && status != models.OrderApproved
}

// submit calls the submit endpoint for an order that needs it. On failure
// the order is queued again so the next run retries the transition.
func (e *Engine) submit(ctx context.Context, entity models.Entity, serverID string, rec api.Record) error {
	if !needsSubmit(entity, rec) {
		return nil
	}

	submitted, err := e.remote.SubmitBookOrder(ctx, serverID)
	if err == nil {
		raw, merr := json.Marshal(submitted)
		if merr != nil {
			logging.Error("[Sync] Could not encode submitted order", merr, map[string]interface{}{"entity_id": serverID})
			return apperrors.Wrap(apperrors.ErrInternal, "encode submitted order", merr)
		}
		return e.store.MarkSynced(ctx, storage.Confirmation{
			Type: models.TypeBookOrder, LocalID: serverID, ServerID: serverID, Fields: raw,
		})
	}

	cause := fmt.Errorf("submit book order %s: %w", serverID, err)
	stored, found, lerr := e.store.Lookup(ctx, models.TypeBookOrder, serverID)
	if lerr != nil || !found {
		return cause
	}
	id, qerr := e.queue.Enqueue(ctx, models.OpUpdate, stored)
	if qerr != nil {
		logging.Error("[Sync] Could not requeue book order", qerr, map[string]interface{}{"entity_id": serverID})
		return cause
	}
	if _, qerr := e.queue.RecordFailure(ctx, id, cause); qerr != nil {
		logging.Error("[Sync] Could not record failure", qerr, map[string]interface{}{"entry_id": id})
	}
	if merr := e.store.MarkFailed(ctx, models.TypeBookOrder, serverID); merr != nil {
		logging.Error("[Sync] Could not flag failed entity", merr, map[string]interface{}{"entity_id": serverID})
	}
	return cause
}

func (e *Engine) finish(ctx context.Context, started time.Time, res models.SyncResult) {
	if res.Success {
		if err := e.store.SetLastSync(ctx, res.Timestamp); err != nil {
			logging.Error("[Sync] Could not record last sync time", err)
		}
	}
	if e.runs != nil {
		if err := e.runs.Record(ctx, started, res); err != nil {
			logging.Error("[Sync] Could not record run", err)
		} else if err := e.runs.Prune(ctx, e.history); err != nil {
			logging.Warn("[Sync] Could not prune run history", map[string]interface{}{"error": err.Error()})
		}
	}

	label := metrics.OutcomeSuccess
	switch {
	case res.AuthFailed:
		label = metrics.OutcomeAuthFailed
	case !res.Success:
		label = metrics.OutcomePartial
	}
	e.metrics.Run(label, res.Timestamp.Sub(started))
	if n, err := e.queue.Size(ctx); err == nil {
		e.metrics.QueueDepth(n)
	}

	e.mu.Lock()
	e.last = &res
	if res.Success {
		e.state = StateCompleted
	} else {
		e.state = StateFailed
	}
	e.mu.Unlock()

	e.progress.Publish(100)
	e.results.Publish(res)

	logging.Info("[Sync] Sync completed", map[string]interface{}{
		"synced":   res.SyncedItems,
		"failed":   res.FailedItems,
		"deferred": res.DeferredItems,
		"success":  res.Success,
	})
}

// Status returns the engine state.
func (e *Engine) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsSyncing reports whether a run is in progress.
func (e *Engine) IsSyncing() bool {
	return e.Status() == StateRunning
}

// LastResult returns the result of the most recent run.
func (e *Engine) LastResult() (models.SyncResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return models.SyncResult{}, false
	}
	return *e.last, true
}

// Progress returns the completion percentage of the current or last run.
func (e *Engine) Progress() float64 {
	p, _ := e.progress.Current()
	return p
}

// SubscribeProgress streams completion percentages.
func (e *Engine) SubscribeProgress() (<-chan float64, func()) {
	return e.progress.Subscribe()
}

// SubscribeResults streams the result of every finished run.
func (e *Engine) SubscribeResults() (<-chan models.SyncResult, func()) {
	return e.results.Subscribe()
}

// History returns up to limit past runs, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]models.SyncResult, error) {
	if e.runs == nil {
		return nil, nil
	}
	rows, err := e.runs.Recent(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read run history", err)
	}
	out := make([]models.SyncResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Result())
	}
	return out, nil
}

// Close ends every stream.
func (e *Engine) Close() {
	e.progress.Close()
	e.results.Close()
}
