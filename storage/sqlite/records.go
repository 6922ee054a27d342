package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	offErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const (
	opPutRecord       = "sqlite.PutRecord"
	opGetRecord       = "sqlite.GetRecord"
	opListRecords     = "sqlite.ListRecordsByType"
	opDeleteRecord    = "sqlite.DeleteRecord"
	opPurgeRecord     = "sqlite.PurgeRecord"
	opUpdateRecord    = "sqlite.UpdateRecord"
	opReplaceRecordID = "sqlite.ReplaceRecordID"
	opListUnsynced    = "sqlite.ListUnsyncedRecords"
)

const recordColumns = `id, resource_type, payload, version, sync_state, last_modified_at, server_revision`

func recordKey(id string) string { return "record:" + id }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (offline.Record, error) {
	var r offline.Record
	var payload []byte
	var modified int64
	if err := row.Scan(&r.ID, &r.ResourceType, &payload, &r.Version, &r.SyncState, &modified, &r.ServerRevision); err != nil {
		return offline.Record{}, err
	}
	if len(payload) > 0 {
		r.Payload = payload
	}
	r.LastModifiedAt = fromNanos(modified)
	return r, nil
}

func validateRecord(r offline.Record) error {
	if r.ID == "" {
		return offErrors.NewValidationError(offErrors.OpPut, fmt.Errorf("record id is required"))
	}
	if r.ResourceType == "" {
		return offErrors.NewValidationError(offErrors.OpPut, fmt.Errorf("record %q has no resource type", r.ID))
	}
	switch r.SyncState {
	case offline.SyncStateSynced, offline.SyncStatePendingCreate, offline.SyncStatePendingUpdate, offline.SyncStatePendingDelete:
	default:
		return offErrors.NewValidationError(offErrors.OpPut, fmt.Errorf("record %q has unknown sync state %q", r.ID, r.SyncState))
	}
	if err := offline.ValidatePayload(r.Payload); err != nil {
		return offErrors.NewValidationError(offErrors.OpPut, err)
	}
	return nil
}

// getRecordTx reads a record inside tx.
func getRecordTx(ctx context.Context, tx *sql.Tx, id string) (offline.Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.Record{}, notFound("record", id)
	}
	return r, err
}

func upsertRecordTx(ctx context.Context, tx *sql.Tx, r offline.Record) error {
	payload := []byte(r.Payload)
	if payload == nil {
		payload = []byte{}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource_type = excluded.resource_type,
			payload = excluded.payload,
			version = excluded.version,
			sync_state = excluded.sync_state,
			last_modified_at = excluded.last_modified_at,
			server_revision = excluded.server_revision`,
		r.ID, string(r.ResourceType), payload, r.Version, string(r.SyncState), toNanos(r.LastModifiedAt), r.ServerRevision)
	return err
}

// PutRecord upserts r. A stored row with a higher Version rejects the write.
func (s *Store) PutRecord(ctx context.Context, r offline.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateRecord(r); err != nil {
		return err
	}
	unlock := s.locks.Lock(recordKey(r.ID))
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM records WHERE id = ?`, r.ID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case existing > r.Version:
			return offErrors.NewStaleWrite(offErrors.OpPut,
				fmt.Errorf("record %q: stored version %d is newer than %d", r.ID, existing, r.Version)).
				WithMetadata("stored_version", existing)
		}
		return upsertRecordTx(ctx, tx, r)
	})
	return storageErr(err, opPutRecord)
}

// GetRecord returns the record with id, including tombstones.
func (s *Store) GetRecord(ctx context.Context, id string) (offline.Record, error) {
	if err := s.checkOpen(); err != nil {
		return offline.Record{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.Record{}, notFound("record", id)
	}
	if err != nil {
		return offline.Record{}, storageErr(err, opGetRecord)
	}
	return r, nil
}

// ListRecordsByType returns live records of type t, ordered by id. Tombstones
// are omitted.
func (s *Store) ListRecordsByType(ctx context.Context, t offline.ResourceType) ([]offline.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, opListRecords,
		`SELECT `+recordColumns+` FROM records WHERE resource_type = ? AND sync_state <> ? ORDER BY id`,
		string(t), string(offline.SyncStatePendingDelete))
}

// ListUnsyncedRecords returns every record, tombstones included, whose state
// the server has not confirmed.
func (s *Store) ListUnsyncedRecords(ctx context.Context) ([]offline.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, opListUnsynced,
		`SELECT `+recordColumns+` FROM records WHERE sync_state <> ? ORDER BY last_modified_at, id`,
		string(offline.SyncStateSynced))
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...any) ([]offline.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, op)
	}
	defer rows.Close()

	var out []offline.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr(err, op)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, op)
	}
	return out, nil
}

// DeleteRecord hard-removes a synced record. Any other record is turned into
// a tombstone (pendingDelete, version+1) whose removal waits for the server.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.locks.Lock(recordKey(id))
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getRecordTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.SyncState == offline.SyncStateSynced {
			_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET sync_state = ?, version = version + 1, last_modified_at = ? WHERE id = ?`,
			string(offline.SyncStatePendingDelete), time.Now().UnixNano(), id)
		return err
	})
	return storageErr(err, opDeleteRecord)
}

// PurgeRecord removes the row whatever its state. Missing rows are not an error.
func (s *Store) PurgeRecord(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.locks.Lock(recordKey(id))
	defer unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return storageErr(err, opPurgeRecord)
}

// UpdateRecord is an atomic read-modify-write under the record's lock. fn must
// not change the id.
func (s *Store) UpdateRecord(ctx context.Context, id string, fn func(*offline.Record) error) (offline.Record, error) {
	if err := s.checkOpen(); err != nil {
		return offline.Record{}, err
	}
	unlock := s.locks.Lock(recordKey(id))
	defer unlock()

	var updated offline.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getRecordTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&r); err != nil {
			return err
		}
		if r.ID != id {
			return fmt.Errorf("UpdateRecord cannot change id %q to %q", id, r.ID)
		}
		if err := validateRecord(r); err != nil {
			return err
		}
		updated = r
		return upsertRecordTx(ctx, tx, r)
	})
	if err != nil {
		return offline.Record{}, storageErr(err, opUpdateRecord)
	}
	return updated, nil
}

// ReplaceRecordID re-keys oldID as newID. A stale row already stored under
// newID is replaced.
func (s *Store) ReplaceRecordID(ctx context.Context, oldID, newID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if oldID == newID {
		return nil
	}
	unlock := s.locks.LockAll(recordKey(oldID), recordKey(newID))
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRecordTx(ctx, tx, oldID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, newID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE records SET id = ? WHERE id = ?`, newID, oldID)
		return err
	})
	return storageErr(err, opReplaceRecordID)
}
