package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/intercept"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/queue"
)

// Mutation is a user change to a record.
type Mutation struct {
	ResourceType offline.ResourceType
	// RecordID is empty for creates. Updates and deletes may name a record
	// the device has never stored.
	RecordID  string
	Operation offline.Operation
	// Payload is the full object for a create and a partial object for an update.
	Payload json.RawMessage
	// IdempotencyKey is set when the change already went out under this key
	// with no answer. Delivery reuses it so the server applies it once.
	IdempotencyKey string
}

// MutationResult is the optimistic outcome of QueueMutation.
type MutationResult struct {
	Record  offline.Record
	Entry   offline.QueueEntry
	Outcome queue.Outcome
}

// recordOverhead approximates the bytes a record row and its queue row add
// beyond the payload.
const recordOverhead = 256

// QueueMutation applies m to the local store and queues it for delivery. The
// change is visible to reads immediately; the sync manager delivers it when
// the backend is reachable.
func (e *Engine) QueueMutation(ctx context.Context, m Mutation) (MutationResult, error) {
	if err := validateMutation(m); err != nil {
		return MutationResult{}, err
	}
	if err := e.ensureRoom(ctx, int64(2*len(m.Payload)+recordOverhead)); err != nil {
		return MutationResult{}, err
	}

	var (
		res MutationResult
		err error
	)
	switch m.Operation {
	case offline.OpCreate:
		res, err = e.create(ctx, m)
	case offline.OpUpdate:
		res, err = e.update(ctx, m)
	case offline.OpDelete:
		res, err = e.delete(ctx, m)
	}
	if err != nil {
		return MutationResult{}, err
	}

	e.logger.Debug("mutation queued",
		slog.String("record_id", res.Record.ID),
		slog.String("operation", string(m.Operation)),
		slog.String("outcome", string(res.Outcome)))
	e.kick()
	return res, nil
}

func validateMutation(m Mutation) error {
	switch {
	case m.ResourceType == "" && m.Operation == offline.OpCreate:
		return errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("resource type is required"))
	case m.Operation == offline.OpCreate && m.RecordID != "":
		return errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("create must not name a record id"))
	case m.Operation == offline.OpUpdate || m.Operation == offline.OpDelete:
		if m.RecordID == "" {
			return errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("%s requires a record id", m.Operation))
		}
	case m.Operation == offline.OpCreate:
	default:
		return errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("unsupported operation %q", m.Operation))
	}
	if m.Operation != offline.OpDelete {
		if err := offline.ValidatePayload(m.Payload); err != nil {
			return errors.NewValidationError(errors.OpEnqueue, err)
		}
	}
	return nil
}

func (e *Engine) create(ctx context.Context, m Mutation) (MutationResult, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := e.now()
	rec := offline.Record{
		ID:             offline.NewTempID(),
		ResourceType:   m.ResourceType,
		Payload:        payload,
		Version:        1,
		SyncState:      offline.SyncStatePendingCreate,
		LastModifiedAt: now,
	}
	if err := e.store.PutRecord(ctx, rec); err != nil {
		return MutationResult{}, err
	}
	qr, err := e.queue.Enqueue(ctx, queue.Mutation{
		ResourceType:   rec.ResourceType,
		RecordID:       rec.ID,
		Operation:      offline.OpCreate,
		Payload:        payload,
		ModifiedAt:     now,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		_ = e.store.PurgeRecord(ctx, rec.ID)
		return MutationResult{}, err
	}
	return MutationResult{Record: rec, Entry: qr.Entry, Outcome: qr.Outcome}, nil
}

func (e *Engine) update(ctx context.Context, m Mutation) (MutationResult, error) {
	now := e.now()
	rec, err := e.store.UpdateRecord(ctx, m.RecordID, func(r *offline.Record) error {
		if r.SyncState == offline.SyncStatePendingDelete {
			return errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("record %q is being deleted", r.ID))
		}
		if m.ResourceType != "" && m.ResourceType != r.ResourceType {
			return errors.NewValidationError(errors.OpEnqueue,
				fmt.Errorf("record %q is a %s, not a %s", r.ID, r.ResourceType, m.ResourceType))
		}
		merged, err := offline.MergePayload(r.Payload, m.Payload)
		if err != nil {
			return errors.NewValidationError(errors.OpEnqueue, err)
		}
		r.Payload = merged
		r.Version++
		r.LastModifiedAt = now
		if r.SyncState == offline.SyncStateSynced {
			r.SyncState = offline.SyncStatePendingUpdate
		}
		return nil
	})
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		rec, err = e.stub(ctx, m, offline.SyncStatePendingUpdate, now)
	}
	if err != nil {
		return MutationResult{}, err
	}

	qr, err := e.queue.Enqueue(ctx, queue.Mutation{
		ResourceType:   rec.ResourceType,
		RecordID:       rec.ID,
		Operation:      offline.OpUpdate,
		Payload:        m.Payload,
		BaseRevision:   rec.ServerRevision,
		ModifiedAt:     now,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		return MutationResult{}, err
	}
	return MutationResult{Record: rec, Entry: qr.Entry, Outcome: qr.Outcome}, nil
}

// stub stores a placeholder for a record the device never fetched so the
// change has a local row to hang on.
func (e *Engine) stub(ctx context.Context, m Mutation, state offline.SyncState, now time.Time) (offline.Record, error) {
	if m.ResourceType == "" {
		return offline.Record{}, errors.NewNotFound(errors.OpEnqueue, fmt.Errorf("record %q is not stored locally", m.RecordID))
	}
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	rec := offline.Record{
		ID:             m.RecordID,
		ResourceType:   m.ResourceType,
		Payload:        payload,
		Version:        1,
		SyncState:      state,
		LastModifiedAt: now,
	}
	if err := e.store.PutRecord(ctx, rec); err != nil {
		return offline.Record{}, err
	}
	return rec, nil
}

func (e *Engine) delete(ctx context.Context, m Mutation) (MutationResult, error) {
	now := e.now()
	rec, err := e.store.GetRecord(ctx, m.RecordID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		rec, err = e.stub(ctx, Mutation{ResourceType: m.ResourceType, RecordID: m.RecordID}, offline.SyncStatePendingDelete, now)
	}
	if err != nil {
		return MutationResult{}, err
	}

	qr, err := e.queue.Enqueue(ctx, queue.Mutation{
		ResourceType:   rec.ResourceType,
		RecordID:       rec.ID,
		Operation:      offline.OpDelete,
		BaseRevision:   rec.ServerRevision,
		ModifiedAt:     now,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		return MutationResult{}, err
	}

	// The create never left the device: nothing to tell the server.
	if qr.Outcome == queue.OutcomeCancelled {
		if err := e.store.PurgeRecord(ctx, rec.ID); err != nil {
			return MutationResult{}, err
		}
		return MutationResult{Record: rec, Entry: qr.Entry, Outcome: qr.Outcome}, nil
	}

	if rec.SyncState != offline.SyncStatePendingDelete {
		rec, err = e.store.UpdateRecord(ctx, rec.ID, func(r *offline.Record) error {
			r.SyncState = offline.SyncStatePendingDelete
			r.Version++
			r.LastModifiedAt = now
			return nil
		})
		if err != nil {
			return MutationResult{}, err
		}
	}
	return MutationResult{Record: rec, Entry: qr.Entry, Outcome: qr.Outcome}, nil
}

// CaptureMedia stores a photo for ownerID and queues its upload. The upload
// waits until the owner exists on the server. An empty mimeType is sniffed.
func (e *Engine) CaptureMedia(ctx context.Context, ownerID, mimeType string, data []byte) (offline.MediaBlob, error) {
	if len(data) == 0 {
		return offline.MediaBlob{}, errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("media is empty"))
	}
	owner, err := e.store.GetRecord(ctx, ownerID)
	if err != nil {
		return offline.MediaBlob{}, err
	}
	if owner.SyncState == offline.SyncStatePendingDelete {
		return offline.MediaBlob{}, errors.NewValidationError(errors.OpEnqueue, fmt.Errorf("record %q is being deleted", ownerID))
	}
	if err := e.ensureRoom(ctx, int64(len(data)+recordOverhead)); err != nil {
		return offline.MediaBlob{}, err
	}

	now := e.now()
	blob := offline.MediaBlob{
		ID:            offline.NewMediaID(),
		OwnerRecordID: ownerID,
		MimeType:      mimeType,
		Bytes:         data,
		CapturedAt:    now,
		UploadState:   offline.UploadPending,
		ContentHash:   offline.ContentHash(data),
	}
	if err := e.store.PutMedia(ctx, blob); err != nil {
		return offline.MediaBlob{}, err
	}
	if _, err := e.queue.Enqueue(ctx, queue.Mutation{
		ResourceType:  offline.ResourceMediaAttachment,
		RecordID:      blob.ID,
		Operation:     offline.OpUploadMedia,
		ModifiedAt:    now,
		OwnerRecordID: ownerID,
	}); err != nil {
		_ = e.store.DeleteMedia(ctx, blob.ID)
		return offline.MediaBlob{}, err
	}
	e.kick()
	return e.store.GetMedia(ctx, blob.ID)
}

// ensureRoom frees cache space for need bytes and reports a refused write to
// subscribers.
func (e *Engine) ensureRoom(ctx context.Context, need int64) error {
	err := e.cache.EnsureRoom(ctx, need)
	if errors.HasCode(err, errors.ErrCodeStorageQuota) {
		e.bus.Publish(offline.Event{
			Type:  offline.EventQuotaExceeded,
			At:    e.now(),
			Error: err.Error(),
			Code:  string(errors.ErrCodeStorageQuota),
		})
	}
	return err
}

// kick starts a drain when the backend is believed reachable.
func (e *Engine) kick() {
	if e.monitor.Online() {
		e.mgr.Trigger()
	}
}

// QueueWrite applies a write the interception layer could not deliver.
func (e *Engine) QueueWrite(ctx context.Context, w intercept.Write) (intercept.WriteReceipt, error) {
	res, err := e.QueueMutation(ctx, Mutation{
		ResourceType:   w.ResourceType,
		RecordID:       w.RecordID,
		Operation:      w.Operation,
		Payload:        w.Payload,
		IdempotencyKey: w.IdempotencyKey,
	})
	if err != nil {
		return intercept.WriteReceipt{}, err
	}
	receipt := intercept.WriteReceipt{
		RecordID:  res.Record.ID,
		EntryID:   res.Entry.ID,
		SyncState: res.Record.SyncState,
	}
	if w.Operation != offline.OpDelete {
		receipt.Record = res.Record.Payload
	}
	return receipt, nil
}

// GetRecord returns the local copy of a record, including unsynced changes.
func (e *Engine) GetRecord(ctx context.Context, id string) (offline.Record, error) {
	return e.store.GetRecord(ctx, id)
}

// ListRecords returns the local records of type t.
func (e *Engine) ListRecords(ctx context.Context, t offline.ResourceType) ([]offline.Record, error) {
	return e.store.ListRecordsByType(ctx, t)
}
