// Package queue implements the durable write queue: one entry per pending
// mutation, coalesced per (record, operation class), drained per record in
// creation order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const component = "queue"

// transitions is the entry state machine. permanentlyFailed -> queued is the
// manual retry path; inFlight -> inFlight re-claims an entry orphaned by a
// cancelled drain or a crash.
var transitions = map[offline.EntryState]map[offline.EntryState]bool{
	offline.EntryQueued: {
		offline.EntryInFlight: true,
	},
	offline.EntryInFlight: {
		offline.EntryInFlight:          true,
		offline.EntryAcknowledged:      true,
		offline.EntryRetryScheduled:    true,
		offline.EntryPermanentlyFailed: true,
	},
	offline.EntryRetryScheduled: {
		offline.EntryInFlight: true,
	},
	offline.EntryPermanentlyFailed: {
		offline.EntryQueued: true,
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to offline.EntryState) bool {
	return transitions[from][to]
}

func transition(e *offline.QueueEntry, to offline.EntryState) error {
	if !CanTransition(e.State, to) {
		return errors.NewInvalidTransition(string(e.State), string(to)).WithMetadata("entry_id", e.ID)
	}
	e.State = to
	return nil
}

type indexKey struct {
	recordID string
	class    offline.OperationClass
}

// Mutation describes one local change to append to the queue.
type Mutation struct {
	ResourceType offline.ResourceType
	RecordID     string
	Operation    offline.Operation
	// Payload is the full object for create and a partial object for update.
	Payload      json.RawMessage
	BaseRevision int64
	ModifiedAt   time.Time
	// OwnerRecordID is the record a media upload belongs to.
	OwnerRecordID string
	// IdempotencyKey is set when the change was already sent to the server
	// under this key and its outcome is unknown. The entry reuses the key and
	// is never merged with other changes.
	IdempotencyKey string
}

// Outcome says what Enqueue did with a mutation.
type Outcome string

const (
	OutcomeAppended  Outcome = "appended"
	OutcomeCoalesced Outcome = "coalesced"
	// OutcomeCancelled means a delete met a create that never left the device:
	// both were dropped and the caller should purge the record.
	OutcomeCancelled Outcome = "cancelled"
)

// Result is returned by Enqueue.
type Result struct {
	Entry   offline.QueueEntry
	Outcome Outcome
}

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	Backoff     BackoffStrategy
	Now         func() time.Time
	Logger      *slog.Logger
}

// Stats summarizes the queue.
type Stats struct {
	Pending   int
	InFlight  int
	Failed    int
	LastError string
}

// Queue holds every undelivered entry in an arena keyed by id, with an index
// of coalescible entries keyed by (record, class) and per-target lists in Seq
// order. All mutations are persisted before the in-memory state changes.
type Queue struct {
	mu       sync.Mutex
	store    offline.QueueStore
	entries  map[string]*offline.QueueEntry
	index    map[indexKey]string
	byTarget map[string][]string
	claimed  map[string]struct{}

	maxAttempts int
	backoff     BackoffStrategy
	now         func() time.Time
	logger      *slog.Logger
}

// New creates an empty queue over store. Call Load to restore persisted entries.
func New(store offline.QueueStore, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(component).Logger
	}
	return &Queue{
		store:       store,
		entries:     make(map[string]*offline.QueueEntry),
		index:       make(map[indexKey]string),
		byTarget:    make(map[string][]string),
		claimed:     make(map[string]struct{}),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		now:         opts.Now,
		logger:      opts.Logger,
	}
}

// Load rebuilds the arena and index from the store. Entries left inFlight by
// a previous process are unclaimed and therefore eligible again.
func (q *Queue) Load(ctx context.Context) error {
	entries, err := q.store.LoadQueue(ctx)
	if err != nil {
		return errors.WrapOpComponent(err, "queue.Load", component)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = make(map[string]*offline.QueueEntry, len(entries))
	q.index = make(map[indexKey]string)
	q.byTarget = make(map[string][]string)
	q.claimed = make(map[string]struct{})

	orphans := 0
	for i := range entries {
		e := entries[i]
		q.entries[e.ID] = &e
		q.byTarget[e.TargetRecordID] = append(q.byTarget[e.TargetRecordID], e.ID)
		// Only the newest entry of a record may absorb later changes.
		if e.Coalescible() {
			q.index[keyOf(&e)] = e.ID
		} else {
			delete(q.index, keyOf(&e))
		}
		if e.State == offline.EntryInFlight {
			orphans++
		}
	}
	q.logger.Info("queue loaded", slog.Int("entries", len(entries)), slog.Int("orphaned_in_flight", orphans))
	return nil
}

func keyOf(e *offline.QueueEntry) indexKey {
	return indexKey{recordID: e.TargetRecordID, class: e.Operation.Class()}
}

// Enqueue appends m, or coalesces it into the record's outstanding entry.
//
// Merge rules for the record class:
//
//	create + update -> create carrying the merged payload
//	update + update -> update carrying the merged payload
//	update + delete -> delete
//	create + delete -> both dropped (OutcomeCancelled)
//	delete + create/update -> VALIDATION_REJECTED
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (Result, error) {
	if m.RecordID == "" || !m.Operation.Valid() {
		return Result{}, errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("invalid mutation %s on %q", m.Operation, m.RecordID))
	}
	if m.Operation != offline.OpDelete && m.Operation != offline.OpUploadMedia {
		if err := offline.ValidatePayload(m.Payload); err != nil {
			return Result{}, errors.NewValidationError(errors.OpEnqueue, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if m.ModifiedAt.IsZero() {
		m.ModifiedAt = now
	}

	key := indexKey{recordID: m.RecordID, class: m.Operation.Class()}
	if id, ok := q.index[key]; ok && mergeable(q.entries[id], m) {
		return q.coalesceLocked(ctx, q.entries[id], m)
	}

	if m.Operation.Class() == offline.ClassRecord {
		if last := q.lastLiveLocked(m.RecordID, offline.ClassRecord); last != nil && last.Operation == offline.OpDelete {
			if m.Operation == offline.OpDelete {
				return Result{Entry: last.Clone(), Outcome: OutcomeCoalesced}, nil
			}
			return Result{}, errors.NewValidationError(errors.OpEnqueue,
				fmt.Errorf("record %q has a pending delete; %s is not allowed", m.RecordID, m.Operation))
		}
	}

	e := &offline.QueueEntry{
		ID:                 offline.NewEntryID(),
		TargetResourceType: m.ResourceType,
		TargetRecordID:     m.RecordID,
		Operation:          m.Operation,
		PayloadSnapshot:    m.Payload,
		CreatedAt:          now,
		State:              offline.EntryQueued,
		IdempotencyKey:     m.IdempotencyKey,
		BaseRevision:       m.BaseRevision,
		ModifiedAt:         m.ModifiedAt,
		OwnerRecordID:      m.OwnerRecordID,
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = offline.NewIdempotencyKey()
	} else {
		// The caller's attempt counts as an attempt: the entry is frozen.
		e.LastAttemptAt = now
	}
	if m.Operation == offline.OpDelete {
		e.PayloadSnapshot = nil
	}
	if err := q.store.InsertEntry(ctx, e); err != nil {
		return Result{}, errors.WrapOpComponent(err, "queue.Enqueue", component)
	}

	q.entries[e.ID] = e
	if e.Coalescible() {
		q.index[key] = e.ID
	} else {
		delete(q.index, key)
	}
	q.byTarget[e.TargetRecordID] = append(q.byTarget[e.TargetRecordID], e.ID)

	q.logger.Debug("entry appended",
		slog.String("entry_id", e.ID),
		slog.String("record_id", e.TargetRecordID),
		slog.String("operation", string(e.Operation)),
	)
	return Result{Entry: e.Clone(), Outcome: OutcomeAppended}, nil
}

// mergeable reports whether m may be folded into existing. A change that may
// already be applied server-side only cancels a create that never left the
// device.
func mergeable(existing *offline.QueueEntry, m Mutation) bool {
	if m.IdempotencyKey == "" {
		return true
	}
	return existing.Operation == offline.OpCreate && m.Operation == offline.OpDelete
}

func (q *Queue) coalesceLocked(ctx context.Context, existing *offline.QueueEntry, m Mutation) (Result, error) {
	next := existing.Clone()
	next.ModifiedAt = m.ModifiedAt

	switch {
	case existing.Operation == offline.OpCreate && m.Operation == offline.OpUpdate,
		existing.Operation == offline.OpUpdate && m.Operation == offline.OpUpdate:
		merged, err := offline.MergePayload(existing.PayloadSnapshot, m.Payload)
		if err != nil {
			return Result{}, errors.NewValidationError(errors.OpEnqueue, err)
		}
		next.PayloadSnapshot = merged

	case existing.Operation == offline.OpUpdate && m.Operation == offline.OpDelete:
		next.Operation = offline.OpDelete
		next.PayloadSnapshot = nil

	case existing.Operation == offline.OpCreate && m.Operation == offline.OpDelete:
		if err := q.store.DeleteEntry(ctx, existing.ID); err != nil {
			return Result{}, errors.WrapOpComponent(err, "queue.Enqueue", component)
		}
		cancelled := existing.Clone()
		q.removeLocked(existing)
		q.logger.Debug("create cancelled by delete",
			slog.String("entry_id", cancelled.ID),
			slog.String("record_id", cancelled.TargetRecordID),
		)
		return Result{Entry: cancelled, Outcome: OutcomeCancelled}, nil

	case existing.Operation == offline.OpDelete && m.Operation == offline.OpDelete:
		return Result{Entry: existing.Clone(), Outcome: OutcomeCoalesced}, nil

	case existing.Operation == offline.OpUploadMedia && m.Operation == offline.OpUploadMedia:
		next.PayloadSnapshot = m.Payload
		next.OwnerRecordID = m.OwnerRecordID

	default:
		return Result{}, errors.NewValidationError(errors.OpEnqueue,
			fmt.Errorf("cannot %s record %q with a queued %s", m.Operation, m.RecordID, existing.Operation))
	}

	if err := q.store.UpdateEntry(ctx, next); err != nil {
		return Result{}, errors.WrapOpComponent(err, "queue.Enqueue", component)
	}
	*existing = next

	q.logger.Debug("entry coalesced",
		slog.String("entry_id", next.ID),
		slog.String("record_id", next.TargetRecordID),
		slog.String("operation", string(next.Operation)),
	)
	return Result{Entry: next.Clone(), Outcome: OutcomeCoalesced}, nil
}

// lastLiveLocked returns the newest entry of class for target that has not
// permanently failed.
func (q *Queue) lastLiveLocked(target string, class offline.OperationClass) *offline.QueueEntry {
	ids := q.byTarget[target]
	for i := len(ids) - 1; i >= 0; i-- {
		e := q.entries[ids[i]]
		if e.Operation.Class() == class && e.State != offline.EntryPermanentlyFailed {
			return e
		}
	}
	return nil
}

// headLocked returns the first entry for target whatever its state. Only the
// head of a target may be in flight, and a permanently failed head holds back
// the rest of its target until it is retried or discarded.
func (q *Queue) headLocked(target string) *offline.QueueEntry {
	ids := q.byTarget[target]
	if len(ids) == 0 {
		return nil
	}
	return q.entries[ids[0]]
}

func (q *Queue) eligibleLocked(e *offline.QueueEntry, now time.Time) bool {
	if _, busy := q.claimed[e.ID]; busy {
		return false
	}
	switch e.State {
	case offline.EntryQueued, offline.EntryInFlight:
		return true
	case offline.EntryRetryScheduled:
		return !e.NextAttemptAt.After(now)
	case offline.EntryPermanentlyFailed:
		return false
	}
	return false
}

// Ready returns, in Seq order, the head entry of every target that may be
// claimed now.
func (q *Queue) Ready(now time.Time) []offline.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []offline.QueueEntry
	for target := range q.byTarget {
		head := q.headLocked(target)
		if head != nil && q.eligibleLocked(head, now) {
			out = append(out, head.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// NextWakeup returns the earliest NextAttemptAt among scheduled retries.
func (q *Queue) NextWakeup() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, e := range q.entries {
		if e.State == offline.EntryRetryScheduled && (next.IsZero() || e.NextAttemptAt.Before(next)) {
			next = e.NextAttemptAt
		}
	}
	return next, !next.IsZero()
}

// Claim moves an eligible head entry to inFlight and counts the attempt.
func (q *Queue) Claim(ctx context.Context, id string) (offline.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return offline.QueueEntry{}, errors.NewNotFound(errors.OpDrain, fmt.Errorf("queue entry %q", id))
	}
	now := q.now()
	if head := q.headLocked(e.TargetRecordID); head == nil || head.ID != id || !q.eligibleLocked(e, now) {
		return offline.QueueEntry{}, errors.NewInvalidTransition(string(e.State), string(offline.EntryInFlight)).
			WithMetadata("entry_id", id).
			WithMetadata("reason", "entry is not an eligible head")
	}

	next := e.Clone()
	if err := transition(&next, offline.EntryInFlight); err != nil {
		return offline.QueueEntry{}, err
	}
	next.AttemptCount++
	next.LastAttemptAt = now
	next.NextAttemptAt = time.Time{}
	if err := q.store.UpdateEntry(ctx, next); err != nil {
		return offline.QueueEntry{}, errors.WrapOpComponent(err, "queue.Claim", component)
	}
	*e = next
	if q.index[keyOf(e)] == id {
		delete(q.index, keyOf(e))
	}
	q.claimed[id] = struct{}{}
	return e.Clone(), nil
}

// Ack records server acknowledgment: the entry is removed.
func (q *Queue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return errors.NewNotFound(errors.OpDrain, fmt.Errorf("queue entry %q", id))
	}
	next := e.Clone()
	if err := transition(&next, offline.EntryAcknowledged); err != nil {
		return err
	}
	if err := q.store.DeleteEntry(ctx, id); err != nil {
		return errors.WrapOpComponent(err, "queue.Ack", component)
	}
	q.removeLocked(e)
	return nil
}

// Fail records a failed attempt. Retryable causes schedule a retry with
// backoff until the attempt budget is spent; anything else fails permanently.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (offline.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return offline.QueueEntry{}, errors.NewNotFound(errors.OpDrain, fmt.Errorf("queue entry %q", id))
	}
	next := e.Clone()
	if cause != nil {
		next.LastError = cause.Error()
	}
	to := offline.EntryPermanentlyFailed
	if errors.IsRetryable(cause) && next.AttemptCount < q.maxAttempts {
		to = offline.EntryRetryScheduled
		next.NextAttemptAt = q.now().Add(q.backoff.NextDelay(next.AttemptCount))
	}
	if err := transition(&next, to); err != nil {
		return offline.QueueEntry{}, err
	}
	if err := q.store.UpdateEntry(ctx, next); err != nil {
		return offline.QueueEntry{}, errors.WrapOpComponent(err, "queue.Fail", component)
	}
	*e = next
	delete(q.claimed, id)
	return e.Clone(), nil
}

// Reschedule makes an in-flight entry eligible again immediately after mutate
// has adjusted it, e.g. to rebase it on a newer server revision. An entry
// whose attempt budget is spent fails permanently instead.
func (q *Queue) Reschedule(ctx context.Context, id string, reason string, mutate func(*offline.QueueEntry)) (offline.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return offline.QueueEntry{}, errors.NewNotFound(errors.OpDrain, fmt.Errorf("queue entry %q", id))
	}
	next := e.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.LastError = reason
	to := offline.EntryRetryScheduled
	if next.AttemptCount >= q.maxAttempts {
		to = offline.EntryPermanentlyFailed
	}
	next.NextAttemptAt = q.now()
	if err := transition(&next, to); err != nil {
		return offline.QueueEntry{}, err
	}
	if err := q.store.UpdateEntry(ctx, next); err != nil {
		return offline.QueueEntry{}, errors.WrapOpComponent(err, "queue.Reschedule", component)
	}
	*e = next
	delete(q.claimed, id)
	return e.Clone(), nil
}

// Release drops this process's claim without changing the entry. The entry
// stays inFlight and is retried by a later drain.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	delete(q.claimed, id)
	q.mu.Unlock()
}

// Retry puts a permanently failed entry back in the queue with a fresh budget.
func (q *Queue) Retry(ctx context.Context, id string) (offline.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return offline.QueueEntry{}, errors.NewNotFound(errors.OpEnqueue, fmt.Errorf("queue entry %q", id))
	}
	next := e.Clone()
	if err := transition(&next, offline.EntryQueued); err != nil {
		return offline.QueueEntry{}, err
	}
	next.AttemptCount = 0
	next.NextAttemptAt = time.Time{}
	if err := q.store.UpdateEntry(ctx, next); err != nil {
		return offline.QueueEntry{}, errors.WrapOpComponent(err, "queue.Retry", component)
	}
	*e = next
	if _, taken := q.index[keyOf(e)]; !taken && e.Coalescible() {
		q.index[keyOf(e)] = id
	}
	return e.Clone(), nil
}

// Discard removes a permanently failed entry. Discarding a create removes the
// record entries queued behind it too.
func (q *Queue) Discard(ctx context.Context, id string) (offline.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return offline.QueueEntry{}, errors.NewNotFound(errors.OpDelete, fmt.Errorf("queue entry %q", id))
	}
	if e.State != offline.EntryPermanentlyFailed {
		return offline.QueueEntry{}, errors.NewInvalidTransition(string(e.State), "discarded").WithMetadata("entry_id", id)
	}
	if err := q.store.DeleteEntry(ctx, id); err != nil {
		return offline.QueueEntry{}, errors.WrapOpComponent(err, "queue.Discard", component)
	}
	out := e.Clone()
	q.removeLocked(e)
	if out.Operation != offline.OpCreate {
		return out, nil
	}

	// The server never saw the record, so the changes queued behind its
	// create go with it.
	for _, rest := range append([]string(nil), q.byTarget[out.TargetRecordID]...) {
		later := q.entries[rest]
		if _, busy := q.claimed[rest]; busy || later.Operation.Class() != offline.ClassRecord {
			continue
		}
		if err := q.store.DeleteEntry(ctx, rest); err != nil {
			return out, errors.WrapOpComponent(err, "queue.Discard", component)
		}
		q.removeLocked(later)
	}
	return out, nil
}

// RewriteRecordID substitutes a server id for a temporary one in every entry
// that targets or is owned by oldID.
func (q *Queue) RewriteRecordID(ctx context.Context, oldID, newID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.RewriteRecordID(ctx, oldID, newID); err != nil {
		return errors.WrapOpComponent(err, "queue.RewriteRecordID", component)
	}

	for _, e := range q.entries {
		if e.OwnerRecordID == oldID {
			e.OwnerRecordID = newID
		}
	}

	ids := q.byTarget[oldID]
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		e := q.entries[id]
		if q.index[keyOf(e)] == id {
			delete(q.index, keyOf(e))
			e.TargetRecordID = newID
			q.index[keyOf(e)] = id
			continue
		}
		e.TargetRecordID = newID
	}
	merged := append(q.byTarget[newID], ids...)
	sort.Slice(merged, func(i, j int) bool { return q.entries[merged[i]].Seq < q.entries[merged[j]].Seq })
	q.byTarget[newID] = merged
	delete(q.byTarget, oldID)
	return nil
}

func (q *Queue) removeLocked(e *offline.QueueEntry) {
	delete(q.entries, e.ID)
	delete(q.claimed, e.ID)
	if q.index[keyOf(e)] == e.ID {
		delete(q.index, keyOf(e))
	}
	ids := q.byTarget[e.TargetRecordID]
	for i, id := range ids {
		if id == e.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(q.byTarget, e.TargetRecordID)
	} else {
		q.byTarget[e.TargetRecordID] = ids
	}
}

// Get returns a copy of the entry with id.
func (q *Queue) Get(id string) (offline.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return offline.QueueEntry{}, false
	}
	return e.Clone(), true
}

// Entries returns copies of all entries in Seq order.
func (q *Queue) Entries() []offline.QueueEntry {
	return q.filter(func(*offline.QueueEntry) bool { return true })
}

// Failed returns permanently failed entries in Seq order.
func (q *Queue) Failed() []offline.QueueEntry {
	return q.filter(func(e *offline.QueueEntry) bool { return e.State == offline.EntryPermanentlyFailed })
}

// EntriesFor returns entries targeting id in Seq order.
func (q *Queue) EntriesFor(id string) []offline.QueueEntry {
	return q.filter(func(e *offline.QueueEntry) bool { return e.TargetRecordID == id })
}

// Outstanding counts entries for target, or owned by it, that have not
// reached a terminal state.
func (q *Queue) Outstanding(target string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if (e.TargetRecordID == target || e.OwnerRecordID == target) && !e.State.Terminal() {
			n++
		}
	}
	return n
}

// HasPendingCreate reports whether a create for id is still undelivered. A
// permanently failed create counts until it is discarded.
func (q *Queue) HasPendingCreate(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, eid := range q.byTarget[id] {
		e := q.entries[eid]
		if e.Operation == offline.OpCreate && e.State != offline.EntryAcknowledged {
			return true
		}
	}
	return false
}

func (q *Queue) filter(keep func(*offline.QueueEntry) bool) []offline.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []offline.QueueEntry
	for _, e := range q.entries {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Stats summarizes the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	var lastAt time.Time
	for _, e := range q.entries {
		switch e.State {
		case offline.EntryPermanentlyFailed:
			s.Failed++
		case offline.EntryInFlight:
			s.InFlight++
			s.Pending++
		default:
			s.Pending++
		}
		if e.LastError != "" && !e.LastAttemptAt.Before(lastAt) {
			lastAt = e.LastAttemptAt
			s.LastError = e.LastError
		}
	}
	return s
}

// Len returns the number of entries held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
