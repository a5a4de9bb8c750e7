package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type OptionModel struct {
	Name      string    `gorm:"primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type AttachmentModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"index"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string `gorm:"not null"`
	MimeType         string
	SizeBytes        int64          `gorm:"not null"`
	AltText          string         `gorm:"type:text"`
	Meta             datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null;index"`
	UpdatedAt        time.Time      `gorm:"not null"`
}
