package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"

	offErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const (
	opPutMedia          = "sqlite.PutMedia"
	opGetMedia          = "sqlite.GetMedia"
	opListMedia         = "sqlite.ListMediaByOwner"
	opDeleteMedia       = "sqlite.DeleteMedia"
	opRewriteMediaOwner = "sqlite.RewriteMediaOwner"
	opSetUploadState    = "sqlite.SetMediaUploadState"
)

const mediaColumns = `id, owner_record_id, mime_type, bytes, captured_at, upload_state, content_hash`

func mediaKey(id string) string { return "media:" + id }

// ContentHash returns the hex sha-256 of b.
func ContentHash(b []byte) string { return offline.ContentHash(b) }

func scanMedia(row rowScanner) (offline.MediaBlob, error) {
	var m offline.MediaBlob
	var captured int64
	if err := row.Scan(&m.ID, &m.OwnerRecordID, &m.MimeType, &m.Bytes, &captured, &m.UploadState, &m.ContentHash); err != nil {
		return offline.MediaBlob{}, err
	}
	m.CapturedAt = fromNanos(captured)
	return m, nil
}

// PutMedia upserts m. Missing MimeType is sniffed from the bytes, and
// ContentHash, CapturedAt and UploadState are filled in when zero.
func (s *Store) PutMedia(ctx context.Context, m offline.MediaBlob) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if m.ID == "" {
		return offErrors.NewValidationError(offErrors.OpPut, fmt.Errorf("media id is required"))
	}
	if m.MimeType == "" {
		m.MimeType = mimetype.Detect(m.Bytes).String()
	}
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Bytes)
	}
	if m.CapturedAt.IsZero() {
		m.CapturedAt = time.Now().UTC()
	}
	if m.UploadState == "" {
		m.UploadState = offline.UploadPending
	}
	data := m.Bytes
	if data == nil {
		data = []byte{}
	}

	unlock := s.locks.Lock(mediaKey(m.ID))
	defer unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (`+mediaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_record_id = excluded.owner_record_id,
			mime_type = excluded.mime_type,
			bytes = excluded.bytes,
			captured_at = excluded.captured_at,
			upload_state = excluded.upload_state,
			content_hash = excluded.content_hash`,
		m.ID, m.OwnerRecordID, m.MimeType, data, toNanos(m.CapturedAt), string(m.UploadState), m.ContentHash)
	return storageErr(err, opPutMedia)
}

// GetMedia returns the blob with id.
func (s *Store) GetMedia(ctx context.Context, id string) (offline.MediaBlob, error) {
	if err := s.checkOpen(); err != nil {
		return offline.MediaBlob{}, err
	}
	m, err := scanMedia(s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return offline.MediaBlob{}, notFound("media", id)
	}
	if err != nil {
		return offline.MediaBlob{}, storageErr(err, opGetMedia)
	}
	return m, nil
}

// ListMediaByOwner returns blobs attached to ownerID in capture order.
func (s *Store) ListMediaByOwner(ctx context.Context, ownerID string) ([]offline.MediaBlob, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE owner_record_id = ? ORDER BY captured_at, id`, ownerID)
	if err != nil {
		return nil, storageErr(err, opListMedia)
	}
	defer rows.Close()

	var out []offline.MediaBlob
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, storageErr(err, opListMedia)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, opListMedia)
	}
	return out, nil
}

// DeleteMedia removes a blob. Pending uploads are refused so captured photos
// are never lost before the server has them.
func (s *Store) DeleteMedia(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.locks.Lock(mediaKey(id))
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT upload_state FROM media WHERE id = ?`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("media", id)
		}
		if err != nil {
			return err
		}
		if offline.UploadState(state) == offline.UploadPending {
			return offErrors.NewValidationError(offErrors.OpDelete, fmt.Errorf("media %q has not been uploaded yet", id))
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id)
		return err
	})
	return storageErr(err, opDeleteMedia)
}

// RewriteMediaOwner moves every blob owned by oldOwnerID to newOwnerID.
func (s *Store) RewriteMediaOwner(ctx context.Context, oldOwnerID, newOwnerID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE media SET owner_record_id = ? WHERE owner_record_id = ?`, newOwnerID, oldOwnerID)
	return storageErr(err, opRewriteMediaOwner)
}

// SetMediaUploadState records the delivery state of a blob.
func (s *Store) SetMediaUploadState(ctx context.Context, id string, state offline.UploadState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.locks.Lock(mediaKey(id))
	defer unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE media SET upload_state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return storageErr(err, opSetUploadState)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("media", id)
	}
	return nil
}
