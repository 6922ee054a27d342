package backend

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/c0deZ3R0/go-offline-kit/offline"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
)

type recordRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Collection string    `gorm:"index;not null"`
	Payload    string    `gorm:"type:jsonb;not null"`
	Revision   int64     `gorm:"not null"`
	ModifiedAt time.Time `gorm:"not null"`
	Deleted    bool      `gorm:"not null;default:false"`
}

func (recordRow) TableName() string { return "offline_records" }

func (r recordRow) record() Record {
	return Record{
		Collection: r.Collection,
		ID:         strconv.FormatInt(r.ID, 10),
		Payload:    json.RawMessage(r.Payload),
		Revision:   r.Revision,
		ModifiedAt: r.ModifiedAt.UTC(),
		Deleted:    r.Deleted,
	}
}

type mediaRow struct {
	ID            string `gorm:"primaryKey"`
	OwnerRecordID string `gorm:"index"`
	MimeType      string
	Bytes         []byte
	ContentHash   string
	UploadedAt    time.Time
}

func (mediaRow) TableName() string { return "offline_media" }

// PostgresRepository stores records in PostgreSQL through gorm.
type PostgresRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenPostgres connects to dsn, migrates the schema and positions the id
// sequence so the first record gets FirstID.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(defaultMaxOpenConns)
	sqlDB.SetMaxIdleConns(defaultMaxIdleConns)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	repo := &PostgresRepository{db: db, logger: logger}
	if err := repo.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Info("postgres repository ready")
	return repo, nil
}

func (p *PostgresRepository) migrate(ctx context.Context) error {
	db := p.db.WithContext(ctx)
	if err := db.AutoMigrate(&recordRow{}, &mediaRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	err := db.Exec(`SELECT setval(pg_get_serial_sequence('offline_records', 'id'),
		GREATEST((SELECT COALESCE(MAX(id), 0) FROM offline_records), ?))`, FirstID-1).Error
	if err != nil {
		return fmt.Errorf("position id sequence: %w", err)
	}
	return nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, ErrNotFound
	}
	return n, nil
}

func (p *PostgresRepository) Create(ctx context.Context, collection string, payload json.RawMessage, now time.Time) (Record, error) {
	row := recordRow{Collection: collection, Payload: string(payload), Revision: 1, ModifiedAt: now}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, err
	}
	return row.record(), nil
}

func (p *PostgresRepository) Get(ctx context.Context, collection, id string) (Record, error) {
	n, err := parseID(id)
	if err != nil {
		return Record{}, err
	}
	var row recordRow
	err = p.db.WithContext(ctx).Where("id = ? AND collection = ?", n, collection).First(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return row.record(), nil
}

func (p *PostgresRepository) List(ctx context.Context, collection string) ([]Record, error) {
	var rows []recordRow
	err := p.db.WithContext(ctx).
		Where("collection = ? AND deleted = ?", collection, false).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// mutate runs fn on the row locked FOR UPDATE and saves the result.
func (p *PostgresRepository) mutate(ctx context.Context, collection, id string, fn func(*recordRow) error) (Record, error) {
	n, err := parseID(id)
	if err != nil {
		return Record{}, err
	}
	var out Record
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row recordRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND collection = ?", n, collection).
			First(&row).Error
		if stdErrors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(&row); err != nil {
			return err
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.record()
		return nil
	})
	return out, err
}

func (p *PostgresRepository) Update(ctx context.Context, collection, id string, base int64, patch json.RawMessage, now time.Time) (Record, error) {
	return p.mutate(ctx, collection, id, func(row *recordRow) error {
		if err := checkBase(row.record(), base); err != nil {
			return err
		}
		merged, err := offline.MergePayload(json.RawMessage(row.Payload), patch)
		if err != nil {
			return err
		}
		row.Payload = string(merged)
		row.Revision++
		row.ModifiedAt = now
		return nil
	})
}

func (p *PostgresRepository) Delete(ctx context.Context, collection, id string, base int64, now time.Time) (Record, error) {
	return p.mutate(ctx, collection, id, func(row *recordRow) error {
		if row.Deleted {
			return ErrNotFound
		}
		if err := checkBase(row.record(), base); err != nil {
			return err
		}
		row.Deleted = true
		row.Revision++
		row.ModifiedAt = now
		return nil
	})
}

func (p *PostgresRepository) PutMedia(ctx context.Context, m Media) (Media, error) {
	row := mediaRow{
		ID:            m.ID,
		OwnerRecordID: m.OwnerRecordID,
		MimeType:      m.MimeType,
		Bytes:         m.Bytes,
		ContentHash:   m.ContentHash,
		UploadedAt:    m.UploadedAt,
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return Media{}, err
	}
	return m, nil
}

func (p *PostgresRepository) GetMedia(ctx context.Context, id string) (Media, error) {
	var row mediaRow
	err := p.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return Media{}, ErrNotFound
	}
	if err != nil {
		return Media{}, err
	}
	return Media{
		ID:            row.ID,
		OwnerRecordID: row.OwnerRecordID,
		MimeType:      row.MimeType,
		Bytes:         row.Bytes,
		ContentHash:   row.ContentHash,
		UploadedAt:    row.UploadedAt.UTC(),
	}, nil
}

func (p *PostgresRepository) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
