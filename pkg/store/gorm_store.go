package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"alttextpro/pkg/domain"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 41460160

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&OptionModel{}, &AttachmentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) GetOption(name string) (string, bool, error) {
	var m OptionModel
	err := s.db.Where("name = ?", name).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.Value, true, nil
}

// SetOption creates or replaces an option value.
func (s *GormStore) SetOption(name, value string) error {
	m := OptionModel{Name: name, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&m).Error
}

func (s *GormStore) DeleteOption(name string) error {
	return s.db.Where("name = ?", name).Delete(&OptionModel{}).Error
}

// SaveAttachment stores or updates an attachment.
func (s *GormStore) SaveAttachment(a domain.Attachment) error {
	model, err := attachmentToModel(a)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "original_filename", "storage_key", "mime_type", "size_bytes", "alt_text", "meta", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetAttachment(id string) (domain.Attachment, bool, error) {
	var m AttachmentModel
	err := s.db.Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Attachment{}, false, nil
	}
	if err != nil {
		return domain.Attachment{}, false, err
	}
	return attachmentFromModel(m), true, nil
}

// SetAltText overwrites the alt text of an existing attachment.
func (s *GormStore) SetAltText(id, altText string) error {
	res := s.db.Model(&AttachmentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"alt_text": altText, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttachments returns the newest attachments first. An empty ownerID
// lists all owners.
func (s *GormStore) ListAttachments(ownerID string, limit int) ([]domain.Attachment, error) {
	q := s.db.Order("created_at desc")
	if strings.TrimSpace(ownerID) != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []AttachmentModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Attachment, 0, len(models))
	for _, m := range models {
		out = append(out, attachmentFromModel(m))
	}
	return out, nil
}

func (s *GormStore) DeleteAttachment(id string) error {
	return s.db.Where("id = ?", id).Delete(&AttachmentModel{}).Error
}

func attachmentToModel(a domain.Attachment) (AttachmentModel, error) {
	var meta datatypes.JSON
	if len(a.Meta) > 0 {
		raw, err := json.Marshal(a.Meta)
		if err != nil {
			return AttachmentModel{}, fmt.Errorf("encode attachment meta: %w", err)
		}
		meta = datatypes.JSON(raw)
	}
	return AttachmentModel{
		ID:               a.ID,
		OwnerID:          a.OwnerID,
		OriginalFilename: a.OriginalFilename,
		StorageKey:       a.StorageKey,
		MimeType:         a.MimeType,
		SizeBytes:        a.SizeBytes,
		AltText:          a.AltText,
		Meta:             meta,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}, nil
}

func attachmentFromModel(m AttachmentModel) domain.Attachment {
	a := domain.Attachment{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		MimeType:         m.MimeType,
		SizeBytes:        m.SizeBytes,
		AltText:          m.AltText,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if len(m.Meta) > 0 {
		_ = json.Unmarshal(m.Meta, &a.Meta)
	}
	return a
}
