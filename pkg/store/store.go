package store

import (
	"errors"

	"alttextpro/pkg/domain"
)

// ErrNotFound is returned by updates that target a missing record.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for options and attachments.
type Store interface {
	OptionStore
	AttachmentStore
}

// OptionStore persists named settings such as the API and license keys.
type OptionStore interface {
	GetOption(name string) (string, bool, error)
	SetOption(name, value string) error
	DeleteOption(name string) error
}

// AttachmentStore persists attachment records.
type AttachmentStore interface {
	SaveAttachment(domain.Attachment) error
	GetAttachment(id string) (domain.Attachment, bool, error)
	SetAltText(id, altText string) error
	ListAttachments(ownerID string, limit int) ([]domain.Attachment, error)
	DeleteAttachment(id string) error
}
