package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/queue"
)

// Recover re-enqueues unsynced records that have no queue entry, e.g.
// after a crash between the record write and the enqueue. Pending media of
// those records is re-enqueued as well. It returns the number of entries added.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	records, err := m.store.ListUnsyncedRecords(ctx)
	if err != nil {
		return 0, errors.WrapOpComponent(err, "sync.Recover", component)
	}

	added := 0
	for _, r := range records {
		if len(m.queue.EntriesFor(r.ID)) == 0 {
			mut := queue.Mutation{
				ResourceType: r.ResourceType,
				RecordID:     r.ID,
				Payload:      r.Payload,
				BaseRevision: r.ServerRevision,
				ModifiedAt:   r.LastModifiedAt,
			}
			switch r.SyncState {
			case offline.SyncStatePendingCreate:
				mut.Operation = offline.OpCreate
			case offline.SyncStatePendingUpdate:
				mut.Operation = offline.OpUpdate
			case offline.SyncStatePendingDelete:
				mut.Operation = offline.OpDelete
				mut.Payload = nil
			default:
				continue
			}
			if _, err := m.queue.Enqueue(ctx, mut); err != nil {
				logging.LogError(ctx, m.logger, err, "failed to re-enqueue record", slog.String("record_id", r.ID))
				continue
			}
			added++
		}

		blobs, err := m.store.ListMediaByOwner(ctx, r.ID)
		if err != nil {
			return added, errors.WrapOpComponent(err, "sync.Recover", component)
		}
		for _, b := range blobs {
			if b.UploadState != offline.UploadPending || len(m.queue.EntriesFor(b.ID)) > 0 {
				continue
			}
			if _, err := m.queue.Enqueue(ctx, queue.Mutation{
				ResourceType:  offline.ResourceMediaAttachment,
				RecordID:      b.ID,
				Operation:     offline.OpUploadMedia,
				ModifiedAt:    b.CapturedAt,
				OwnerRecordID: b.OwnerRecordID,
			}); err == nil {
				added++
			}
		}
	}
	if added > 0 {
		m.logger.Info("recovered unqueued changes", slog.Int("entries", added))
	}
	return added, nil
}

// Status summarizes the queue and drain state.
func (m *Manager) Status(ctx context.Context) offline.SyncStatus {
	stats := m.queue.Stats()
	m.mu.Lock()
	draining, last := m.draining, m.lastDrainAt
	m.mu.Unlock()
	return offline.SyncStatus{
		PendingCount: stats.Pending,
		InFlight:     stats.InFlight,
		FailedCount:  stats.Failed,
		LastError:    stats.LastError,
		Online:       m.conn.Online(),
		Draining:     draining,
		LastDrainAt:  last,
	}
}

// FailedEntries lists permanently failed entries awaiting manual reconciliation.
func (m *Manager) FailedEntries() []offline.QueueEntry {
	return m.queue.Failed()
}

// RetryEntry puts a permanently failed entry back in the queue.
func (m *Manager) RetryEntry(ctx context.Context, id string) (offline.QueueEntry, error) {
	e, err := m.queue.Retry(ctx, id)
	if err != nil {
		return offline.QueueEntry{}, err
	}
	if e.Operation == offline.OpUploadMedia {
		if err := m.store.SetMediaUploadState(ctx, e.TargetRecordID, offline.UploadPending); err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
			return e, err
		}
	}
	m.logger.Info("entry re-queued", slog.String("entry_id", id))
	m.Trigger()
	return e, nil
}

// DiscardEntry drops a permanently failed entry and gives up on its change.
// Discarding a create also drops the edits queued behind it. A record left
// without entries is settled: a create that never reached the server is
// purged, anything else is marked synced so recovery does not resurrect the
// discarded change.
func (m *Manager) DiscardEntry(ctx context.Context, id string) (offline.QueueEntry, error) {
	e, err := m.queue.Discard(ctx, id)
	if err != nil {
		return offline.QueueEntry{}, err
	}
	m.logger.Info("entry discarded",
		slog.String("entry_id", id),
		slog.String("record_id", e.TargetRecordID))

	if e.Operation == offline.OpUploadMedia {
		return e, nil
	}
	if len(m.queue.EntriesFor(e.TargetRecordID)) > 0 {
		return e, nil
	}

	r, err := m.store.GetRecord(ctx, e.TargetRecordID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return e, nil
	}
	if err != nil {
		return e, err
	}
	if r.SyncState == offline.SyncStatePendingCreate {
		return e, m.store.PurgeRecord(ctx, r.ID)
	}
	_, err = m.store.UpdateRecord(ctx, r.ID, func(r *offline.Record) error {
		r.SyncState = offline.SyncStateSynced
		return nil
	})
	if err != nil {
		return e, fmt.Errorf("settle record %s: %w", r.ID, err)
	}
	return e, nil
}
