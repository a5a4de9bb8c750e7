package domain

import (
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// Capability names a permission a caller may hold.
type Capability string

const (
	CapUploadFiles   Capability = "upload_files"
	CapManageOptions Capability = "manage_options"
)

// Option keys persisted by the option store.
const (
	OptionAPIKey     = "ai_alt_text_api_key"
	OptionLicenseKey = "ai_alt_text_license_key"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Attachment is a media item the host registered with the service.
type Attachment struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerId,omitempty"`
	OriginalFilename string            `json:"originalFilename"`
	StorageKey       string            `json:"-"`
	MimeType         string            `json:"mimeType"`
	SizeBytes        int64             `json:"sizeBytes"`
	AltText          string            `json:"altText"`
	Meta             map[string]string `json:"meta,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// IsImage reports whether the attachment is declared as an image, either by
// its recorded mime type or by the extension of its file name.
func (a Attachment) IsImage() bool {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.MimeType)), "image/") {
		return true
	}
	for _, name := range []string{a.OriginalFilename, a.StorageKey} {
		ext := strings.ToLower(filepath.Ext(name))
		if ext == "" {
			continue
		}
		if strings.HasPrefix(mime.TypeByExtension(ext), "image/") {
			return true
		}
	}
	return false
}

// Caller identifies who triggered an operation and what they may do.
type Caller struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
}

// Can reports whether the caller holds the capability.
func (c Caller) Can(want Capability) bool {
	for _, have := range c.Capabilities {
		if have == want {
			return true
		}
	}
	return false
}

// Job tracks one queued regeneration.
type Job struct {
	ID           string    `json:"id"`
	AttachmentID string    `json:"attachmentId"`
	Force        bool      `json:"force"`
	RequestedBy  string    `json:"requestedBy,omitempty"`
	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Usage summarises the free-tier counter for display.
type Usage struct {
	Used     int64  `json:"used"`
	Limit    int64  `json:"limit"`
	Percent  int    `json:"percent"`
	State    string `json:"state"`
	Licensed bool   `json:"licensed"`
}

// Notice is an advisory message for administrators.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
