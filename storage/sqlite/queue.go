package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	offErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const (
	opLoadQueue       = "sqlite.LoadQueue"
	opInsertEntry     = "sqlite.InsertEntry"
	opUpdateEntry     = "sqlite.UpdateEntry"
	opDeleteEntry     = "sqlite.DeleteEntry"
	opRewriteRecordID = "sqlite.RewriteRecordID"
)

const queueColumns = `seq, id, target_resource_type, target_record_id, operation, payload_snapshot,
	attempt_count, created_at, last_attempt_at, last_error, state, idempotency_key, base_revision,
	modified_at, next_attempt_at, owner_record_id`

func scanEntry(row rowScanner) (offline.QueueEntry, error) {
	var e offline.QueueEntry
	var payload []byte
	var created, lastAttempt, modified, next int64
	err := row.Scan(&e.Seq, &e.ID, &e.TargetResourceType, &e.TargetRecordID, &e.Operation, &payload,
		&e.AttemptCount, &created, &lastAttempt, &e.LastError, &e.State, &e.IdempotencyKey, &e.BaseRevision,
		&modified, &next, &e.OwnerRecordID)
	if err != nil {
		return offline.QueueEntry{}, err
	}
	if len(payload) > 0 {
		e.PayloadSnapshot = payload
	}
	e.CreatedAt = fromNanos(created)
	e.LastAttemptAt = fromNanos(lastAttempt)
	e.ModifiedAt = fromNanos(modified)
	e.NextAttemptAt = fromNanos(next)
	return e, nil
}

// LoadQueue returns every persisted entry in Seq order.
func (s *Store) LoadQueue(ctx context.Context) ([]offline.QueueEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue ORDER BY seq`)
	if err != nil {
		return nil, storageErr(err, opLoadQueue)
	}
	defer rows.Close()

	var out []offline.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr(err, opLoadQueue)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, opLoadQueue)
	}
	return out, nil
}

// InsertEntry persists e and assigns e.Seq.
func (s *Store) InsertEntry(ctx context.Context, e *offline.QueueEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e.ID == "" || e.TargetRecordID == "" || !e.Operation.Valid() {
		return offErrors.NewValidationError(offErrors.OpEnqueue, fmt.Errorf("incomplete queue entry %+v", *e))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (id, target_resource_type, target_record_id, operation, payload_snapshot,
			attempt_count, created_at, last_attempt_at, last_error, state, idempotency_key, base_revision,
			modified_at, next_attempt_at, owner_record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.TargetResourceType), e.TargetRecordID, string(e.Operation), payloadBytes(e.PayloadSnapshot),
		e.AttemptCount, toNanos(e.CreatedAt), toNanos(e.LastAttemptAt), e.LastError, string(e.State),
		e.IdempotencyKey, e.BaseRevision, toNanos(e.ModifiedAt), toNanos(e.NextAttemptAt), e.OwnerRecordID)
	if err != nil {
		return storageErr(err, opInsertEntry)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr(err, opInsertEntry)
	}
	e.Seq = seq
	return nil
}

// UpdateEntry rewrites the mutable columns of an existing entry.
func (s *Store) UpdateEntry(ctx context.Context, e offline.QueueEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET target_record_id = ?, operation = ?, payload_snapshot = ?, attempt_count = ?,
			last_attempt_at = ?, last_error = ?, state = ?, base_revision = ?, modified_at = ?,
			next_attempt_at = ?, owner_record_id = ?
		WHERE id = ?`,
		e.TargetRecordID, string(e.Operation), payloadBytes(e.PayloadSnapshot), e.AttemptCount,
		toNanos(e.LastAttemptAt), e.LastError, string(e.State), e.BaseRevision, toNanos(e.ModifiedAt),
		toNanos(e.NextAttemptAt), e.OwnerRecordID, e.ID)
	if err != nil {
		return storageErr(err, opUpdateEntry)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("queue entry", e.ID)
	}
	return nil
}

// DeleteEntry removes an entry. Missing entries are not an error.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	return storageErr(err, opDeleteEntry)
}

// RewriteRecordID substitutes oldID by newID in target and owner references.
func (s *Store) RewriteRecordID(ctx context.Context, oldID, newID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE queue SET target_record_id = ? WHERE target_record_id = ?`, newID, oldID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE queue SET owner_record_id = ? WHERE owner_record_id = ?`, newID, oldID)
		return err
	})
	return storageErr(err, opRewriteRecordID)
}

func payloadBytes(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}
