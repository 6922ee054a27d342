// Package syncer drains the write queue against the backend.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpclient"
)

const component = "sync"

// Backend is the remote API the manager delivers entries to.
type Backend interface {
	Create(ctx context.Context, t offline.ResourceType, idempotencyKey string, payload json.RawMessage) (httpclient.Ack, error)
	Update(ctx context.Context, t offline.ResourceType, id, idempotencyKey string, baseRevision int64, payload json.RawMessage) (httpclient.Ack, error)
	Delete(ctx context.Context, t offline.ResourceType, id, idempotencyKey string, baseRevision int64) (httpclient.Ack, error)
	UploadMedia(ctx context.Context, blob offline.MediaBlob, idempotencyKey string) (httpclient.Ack, error)
}

var _ Backend = (*httpclient.Client)(nil)

// Connectivity is the part of the connectivity monitor the manager needs.
type Connectivity interface {
	Online() bool
	// ReportFailure re-verifies reachability after a network failure and
	// returns the resulting state.
	ReportFailure(ctx context.Context, cause error) bool
}

// Store is the part of the durable store the manager touches.
type Store interface {
	offline.RecordStore
	offline.MediaStore
}

// Options configures a Manager.
type Options struct {
	// AttemptTimeout bounds every network attempt.
	AttemptTimeout time.Duration
	// Concurrency is the number of records drained in parallel.
	Concurrency   int
	SweepInterval time.Duration
	Resolver      ConflictResolver
	Bus           *offline.Bus
	Metrics       offline.MetricsCollector
	Logger        *slog.Logger
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Resolver == nil {
		o.Resolver = &LastWriterWins{}
	}
	if o.Metrics == nil {
		o.Metrics = &offline.NoOpMetricsCollector{}
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent(component).Logger
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// DrainResult summarizes one drain.
type DrainResult struct {
	// Skipped is set when the drain did not run; Reason says why.
	Skipped      bool          `json:"skipped"`
	Reason       string        `json:"reason,omitempty"`
	Acknowledged int           `json:"acknowledged"`
	Retrying     int           `json:"retrying"`
	Failed       int           `json:"failed"`
	Cancelled    bool          `json:"cancelled"`
	Remaining    int           `json:"remaining"`
	Duration     time.Duration `json:"duration"`
}

// Manager drains the queue. Drain is idempotent: a trigger while a drain is
// running is a no-op.
type Manager struct {
	store   Store
	queue   *queue.Queue
	backend Backend
	conn    Connectivity
	opts    Options
	logger  *slog.Logger

	mu          sync.Mutex
	draining    bool
	cancelDrain context.CancelFunc
	lastDrainAt time.Time
	closed      bool
	sweepStop   chan struct{}
	sweepDone   chan struct{}
	kick        chan struct{}
}

// New creates a manager.
func New(store Store, q *queue.Queue, backend Backend, conn Connectivity, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		store:   store,
		queue:   q,
		backend: backend,
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger,
		kick:    make(chan struct{}, 1),
	}
}

// Draining reports whether a drain is running.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// LastDrainAt returns when the last drain finished.
func (m *Manager) LastDrainAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDrainAt
}

// Drain delivers every eligible entry. It returns when nothing eligible is
// left, ctx is done, or CancelDrain is called. Entries interrupted mid-flight
// stay inFlight and are retried by a later drain.
func (m *Manager) Drain(ctx context.Context) (res DrainResult, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return DrainResult{}, errors.NewWithComponent(errors.OpDrain, component, fmt.Errorf("sync manager is closed"))
	}
	if m.draining {
		m.mu.Unlock()
		m.logger.Debug("drain already running")
		return DrainResult{Skipped: true, Reason: "already draining"}, nil
	}
	if !m.conn.Online() {
		m.mu.Unlock()
		return DrainResult{Skipped: true, Reason: "offline"}, nil
	}
	dctx, cancel := context.WithCancel(ctx)
	m.draining = true
	m.cancelDrain = cancel
	m.mu.Unlock()

	start := time.Now()
	var counts sync.Mutex

	defer func() {
		cancel()
		res.Duration = time.Since(start)
		res.Remaining = m.queue.Stats().Pending

		m.mu.Lock()
		m.draining = false
		m.cancelDrain = nil
		m.lastDrainAt = m.opts.Now()
		m.mu.Unlock()

		m.opts.Metrics.RecordDrainDuration(res.Duration)
		m.logger.Info("drain finished",
			slog.Int("acknowledged", res.Acknowledged),
			slog.Int("retrying", res.Retrying),
			slog.Int("failed", res.Failed),
			slog.Int("remaining", res.Remaining),
			slog.Bool("cancelled", res.Cancelled),
			slog.Duration("duration", res.Duration))
		if !res.Cancelled {
			m.opts.Bus.Publish(offline.Event{Type: offline.EventQueueDrained, Pending: res.Remaining})
		}
	}()

	m.logger.Debug("drain started")
	for {
		if dctx.Err() != nil {
			res.Cancelled = true
			return res, nil
		}
		batch := m.eligible(dctx)
		if len(batch) == 0 {
			return res, nil
		}

		progressed := 0
		g := new(errgroup.Group)
		g.SetLimit(m.opts.Concurrency)
		for _, e := range batch {
			e := e
			g.Go(func() error {
				outcome := m.process(dctx, e)
				counts.Lock()
				if outcome != "" {
					progressed++
				}
				switch outcome {
				case offline.EntryAcknowledged:
					res.Acknowledged++
				case offline.EntryRetryScheduled:
					res.Retrying++
				case offline.EntryPermanentlyFailed:
					res.Failed++
				}
				counts.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if dctx.Err() != nil {
			res.Cancelled = true
			return res, nil
		}
		if progressed == 0 {
			return res, nil
		}
	}
}

// eligible returns the heads ready to send. Media uploads wait while their
// owner still has a temporary id; an upload whose owner will never be
// created fails permanently.
func (m *Manager) eligible(ctx context.Context) []offline.QueueEntry {
	ready := m.queue.Ready(m.opts.Now())
	out := ready[:0]
	for _, e := range ready {
		if e.Operation == offline.OpUploadMedia && offline.IsTempID(e.OwnerRecordID) {
			if m.queue.HasPendingCreate(e.OwnerRecordID) {
				continue
			}
			m.failOrphanMedia(ctx, e)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (m *Manager) failOrphanMedia(ctx context.Context, e offline.QueueEntry) {
	if _, err := m.queue.Claim(ctx, e.ID); err != nil {
		return
	}
	cause := errors.NewValidationError(errors.OpSend, fmt.Errorf("owner record %q was never created", e.OwnerRecordID))
	if failed, err := m.queue.Fail(ctx, e.ID, cause); err == nil {
		m.onPermanentFailure(ctx, failed, cause)
	}
}

// process runs one attempt for e and returns the entry's resulting state, or
// "" if the attempt did not complete.
func (m *Manager) process(ctx context.Context, e offline.QueueEntry) offline.EntryState {
	claimed, err := m.queue.Claim(ctx, e.ID)
	if err != nil {
		m.logger.Debug("claim skipped", slog.String("entry_id", e.ID), logging.ErrorAttr(err))
		return ""
	}
	log := m.logger.With(
		slog.String("entry_id", claimed.ID),
		slog.String("record_id", claimed.TargetRecordID),
		slog.String("operation", string(claimed.Operation)),
		slog.Int("attempt", claimed.AttemptCount),
	)

	attemptCtx, cancel := context.WithTimeout(ctx, m.opts.AttemptTimeout)
	ack, sendErr := m.send(attemptCtx, claimed)
	cancel()

	// Bookkeeping after the attempt must complete even if the drain is
	// cancelled meanwhile.
	book := context.WithoutCancel(ctx)

	if sendErr == nil {
		if err := m.onAck(book, claimed, ack); err != nil {
			logging.LogError(ctx, log, err, "failed to record acknowledgment")
			m.queue.Release(claimed.ID)
			return ""
		}
		log.Debug("entry acknowledged")
		return offline.EntryAcknowledged
	}

	if ctx.Err() != nil {
		// Interrupted by cancellation: the server may or may not have the
		// change. The entry stays inFlight and is replayed under its key.
		m.queue.Release(claimed.ID)
		log.Debug("attempt interrupted")
		return ""
	}

	if errors.HasCode(sendErr, errors.ErrCodeSyncConflict) {
		return m.onConflict(book, claimed, sendErr, log)
	}

	if errors.HasCode(sendErr, errors.ErrCodeTransientNetwork) && !m.conn.ReportFailure(ctx, sendErr) {
		m.CancelDrain()
	}

	failed, err := m.queue.Fail(book, claimed.ID, sendErr)
	if err != nil {
		logging.LogError(ctx, log, err, "failed to record failure")
		m.queue.Release(claimed.ID)
		return ""
	}
	if failed.State == offline.EntryPermanentlyFailed {
		log.Warn("entry permanently failed", logging.ErrorAttr(sendErr))
		m.onPermanentFailure(book, failed, sendErr)
	} else {
		log.Debug("retry scheduled", slog.Time("next_attempt_at", failed.NextAttemptAt), logging.ErrorAttr(sendErr))
		m.opts.Metrics.RecordEntryOutcome(failed.Operation, "retry_scheduled")
	}
	return failed.State
}

func (m *Manager) send(ctx context.Context, e offline.QueueEntry) (httpclient.Ack, error) {
	switch e.Operation {
	case offline.OpCreate:
		return m.backend.Create(ctx, e.TargetResourceType, e.IdempotencyKey, e.PayloadSnapshot)
	case offline.OpUpdate:
		return m.backend.Update(ctx, e.TargetResourceType, e.TargetRecordID, e.IdempotencyKey, m.baseRevision(ctx, e), e.PayloadSnapshot)
	case offline.OpDelete:
		return m.backend.Delete(ctx, e.TargetResourceType, e.TargetRecordID, e.IdempotencyKey, m.baseRevision(ctx, e))
	case offline.OpUploadMedia:
		blob, err := m.store.GetMedia(ctx, e.TargetRecordID)
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return httpclient.Ack{}, errors.NewValidationError(errors.OpSend, fmt.Errorf("media %q no longer exists", e.TargetRecordID))
		}
		if err != nil {
			return httpclient.Ack{}, err
		}
		blob.OwnerRecordID = e.OwnerRecordID
		return m.backend.UploadMedia(ctx, blob, e.IdempotencyKey)
	}
	return httpclient.Ack{}, errors.NewValidationError(errors.OpSend, fmt.Errorf("unknown operation %q", e.Operation))
}

// baseRevision is the newest server revision the device has seen for the
// record. Earlier entries for the same record advance it as they are acknowledged.
func (m *Manager) baseRevision(ctx context.Context, e offline.QueueEntry) int64 {
	base := e.BaseRevision
	if r, err := m.store.GetRecord(ctx, e.TargetRecordID); err == nil && r.ServerRevision > base {
		base = r.ServerRevision
	}
	return base
}

// remainingFor counts live record entries for id other than exclude.
func (m *Manager) remainingFor(id, exclude string) int {
	n := 0
	for _, other := range m.queue.EntriesFor(id) {
		if other.ID != exclude && other.Operation.Class() == offline.ClassRecord && other.State != offline.EntryPermanentlyFailed {
			n++
		}
	}
	return n
}

// onAck applies an acknowledgment. Identifier substitution happens before
// the entry is removed so a crash in between replays the create under the
// same idempotency key instead of creating a second server record.
func (m *Manager) onAck(ctx context.Context, e offline.QueueEntry, ack httpclient.Ack) error {
	if e.Operation == offline.OpUploadMedia {
		if err := m.store.SetMediaUploadState(ctx, e.TargetRecordID, offline.UploadUploaded); err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
			return err
		}
		return m.ack(ctx, e)
	}

	target := e.TargetRecordID
	if e.Operation == offline.OpCreate && ack.ID != "" && ack.ID != target {
		if err := m.rekey(ctx, target, ack.ID); err != nil {
			return err
		}
		target = ack.ID
	}

	if e.Operation == offline.OpDelete {
		if err := m.ack(ctx, e); err != nil {
			return err
		}
		_, err := m.store.UpdateRecord(ctx, target, func(r *offline.Record) error {
			r.SyncState = offline.SyncStateSynced
			return nil
		})
		if err == nil {
			err = m.store.DeleteRecord(ctx, target)
		}
		if err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
			return err
		}
		return nil
	}

	remaining := m.remainingFor(target, e.ID)
	_, err := m.store.UpdateRecord(ctx, target, func(r *offline.Record) error {
		if ack.Revision > r.ServerRevision {
			r.ServerRevision = ack.Revision
		}
		switch {
		case r.SyncState == offline.SyncStatePendingDelete:
		case remaining == 0:
			r.SyncState = offline.SyncStateSynced
		case r.SyncState == offline.SyncStatePendingCreate:
			r.SyncState = offline.SyncStatePendingUpdate
		}
		return nil
	})
	if err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
		return err
	}
	return m.ack(ctx, e)
}

func (m *Manager) ack(ctx context.Context, e offline.QueueEntry) error {
	if err := m.queue.Ack(ctx, e.ID); err != nil {
		return err
	}
	m.opts.Metrics.RecordEntryOutcome(e.Operation, "acknowledged")
	m.opts.Bus.Publish(offline.Event{Type: offline.EventEntryAcknowledged, EntryID: e.ID, RecordID: e.TargetRecordID})
	return nil
}

func (m *Manager) rekey(ctx context.Context, oldID, newID string) error {
	if err := m.store.ReplaceRecordID(ctx, oldID, newID); err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
		return err
	}
	if err := m.queue.RewriteRecordID(ctx, oldID, newID); err != nil {
		return err
	}
	if err := m.store.RewriteMediaOwner(ctx, oldID, newID); err != nil {
		return err
	}
	m.logger.Info("record re-keyed", slog.String("old_id", oldID), slog.String("new_id", newID))
	m.opts.Bus.Publish(offline.Event{Type: offline.EventRecordRekeyed, RecordID: oldID, NewRecordID: newID})
	return nil
}

func (m *Manager) onConflict(ctx context.Context, e offline.QueueEntry, cause error, log *slog.Logger) offline.EntryState {
	server, ok := httpclient.AsConflict(cause)
	if !ok {
		server = &httpclient.Conflict{}
	}
	c := Conflict{Entry: e, Server: *server}
	if r, err := m.store.GetRecord(ctx, e.TargetRecordID); err == nil {
		c.Local, c.LocalFound = r, true
	}

	decision, err := m.opts.Resolver.Resolve(ctx, c)
	if err != nil {
		logging.LogError(ctx, log, err, "conflict resolver failed")
		decision = Decision{Resolution: ResolutionManualReview, Reasons: []string{err.Error()}}
	}
	log.Info("conflict resolved",
		slog.String("resolution", string(decision.Resolution)),
		slog.Any("reasons", decision.Reasons),
		slog.Int64("server_revision", server.Revision))
	m.opts.Metrics.RecordConflict(string(decision.Resolution))
	m.opts.Bus.Publish(offline.Event{
		Type:       offline.EventConflictResolved,
		EntryID:    e.ID,
		RecordID:   e.TargetRecordID,
		Resolution: string(decision.Resolution),
	})

	switch decision.Resolution {
	case ResolutionRebaseLocal:
		if c.LocalFound {
			_, _ = m.store.UpdateRecord(ctx, e.TargetRecordID, func(r *offline.Record) error {
				if server.Revision > r.ServerRevision {
					r.ServerRevision = server.Revision
				}
				return nil
			})
		}
		rescheduled, err := m.queue.Reschedule(ctx, e.ID, "rebased after conflict", func(q *offline.QueueEntry) {
			q.BaseRevision = server.Revision
		})
		if err != nil {
			m.queue.Release(e.ID)
			return ""
		}
		if rescheduled.State == offline.EntryPermanentlyFailed {
			m.onPermanentFailure(ctx, rescheduled, cause)
		}
		return rescheduled.State

	case ResolutionAdoptServer:
		remaining := m.remainingFor(e.TargetRecordID, e.ID)
		if c.LocalFound {
			_, err := m.store.UpdateRecord(ctx, e.TargetRecordID, func(r *offline.Record) error {
				if len(server.Record) > 0 {
					r.Payload = server.Record
				}
				r.ServerRevision = server.Revision
				r.LastModifiedAt = server.ModifiedAt
				r.Version++
				if remaining == 0 {
					r.SyncState = offline.SyncStateSynced
				}
				return nil
			})
			if err != nil {
				logging.LogError(ctx, log, err, "failed to adopt server record")
				m.queue.Release(e.ID)
				return ""
			}
		}
		if err := m.ack(ctx, e); err != nil {
			m.queue.Release(e.ID)
			return ""
		}
		return offline.EntryAcknowledged
	}

	failed, err := m.queue.Fail(ctx, e.ID, cause)
	if err != nil {
		m.queue.Release(e.ID)
		return ""
	}
	m.onPermanentFailure(ctx, failed, cause)
	return failed.State
}

func (m *Manager) onPermanentFailure(ctx context.Context, e offline.QueueEntry, cause error) {
	if e.Operation == offline.OpUploadMedia {
		_ = m.store.SetMediaUploadState(ctx, e.TargetRecordID, offline.UploadFailed)
	}
	m.opts.Metrics.RecordEntryOutcome(e.Operation, "permanently_failed")
	m.opts.Bus.Publish(offline.Event{
		Type:     offline.EventEntryFailed,
		EntryID:  e.ID,
		RecordID: e.TargetRecordID,
		Error:    e.LastError,
		Code:     string(errors.CodeOf(cause)),
	})
}

// CancelDrain interrupts a running drain.
func (m *Manager) CancelDrain() {
	m.mu.Lock()
	cancel := m.cancelDrain
	m.mu.Unlock()
	if cancel != nil {
		m.logger.Info("cancelling drain")
		cancel()
	}
}

// Trigger requests an asynchronous drain from the sweep loop.
func (m *Manager) Trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start runs the sweep loop: a drain every SweepInterval, on Trigger and when
// the earliest scheduled retry falls due.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.NewWithComponent(errors.OpDrain, component, fmt.Errorf("sync manager is closed"))
	}
	if m.sweepStop != nil {
		return errors.NewWithComponent(errors.OpDrain, component, fmt.Errorf("sweep is already running"))
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.sweepStop, m.sweepDone = stop, done

	go func() {
		defer close(done)
		var tick <-chan time.Time
		if m.opts.SweepInterval > 0 {
			ticker := time.NewTicker(m.opts.SweepInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		wake := time.NewTimer(time.Hour)
		defer wake.Stop()
		for {
			armed := m.armWakeup(wake)
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-tick:
			case <-armed:
			case <-m.kick:
			}
			if _, err := m.Drain(ctx); err != nil {
				logging.LogError(ctx, m.logger, err, "sweep drain failed")
			}
		}
	}()
	return nil
}

// minWakeup bounds how soon the sweep loop wakes for a due retry, so a retry
// that cannot be sent yet does not spin the loop.
const minWakeup = time.Second

// armWakeup resets t to fire when the earliest scheduled retry is due and
// returns its channel, or nil when no retry is scheduled.
func (m *Manager) armWakeup(t *time.Timer) <-chan time.Time {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	next, ok := m.queue.NextWakeup()
	if !ok {
		return nil
	}
	d := next.Sub(m.opts.Now())
	if d < minWakeup {
		d = minWakeup
	}
	t.Reset(d)
	return t.C
}

// Close stops the sweep loop and cancels a running drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop, done := m.sweepStop, m.sweepDone
	m.sweepStop = nil
	m.mu.Unlock()

	m.CancelDrain()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}
