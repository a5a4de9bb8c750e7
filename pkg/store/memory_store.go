package store

import (
	"sort"
	"sync"
	"time"

	"alttextpro/pkg/domain"
)

// MemoryStore keeps options and attachments in-process.
type MemoryStore struct {
	mu          sync.RWMutex
	options     map[string]string
	attachments map[string]domain.Attachment
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		options:     make(map[string]string),
		attachments: make(map[string]domain.Attachment),
	}
}

func (m *MemoryStore) GetOption(name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.options[name]
	return v, ok, nil
}

func (m *MemoryStore) SetOption(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options[name] = value
	return nil
}

func (m *MemoryStore) DeleteOption(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.options, name)
	return nil
}

func (m *MemoryStore) SaveAttachment(a domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[a.ID] = cloneAttachment(a)
	return nil
}

func (m *MemoryStore) GetAttachment(id string) (domain.Attachment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attachments[id]
	if !ok {
		return domain.Attachment{}, false, nil
	}
	return cloneAttachment(a), true, nil
}

func (m *MemoryStore) SetAltText(id, altText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[id]
	if !ok {
		return ErrNotFound
	}
	a.AltText = altText
	a.UpdatedAt = time.Now().UTC()
	m.attachments[id] = a
	return nil
}

// ListAttachments returns the newest attachments first.
func (m *MemoryStore) ListAttachments(ownerID string, limit int) ([]domain.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Attachment, 0, len(m.attachments))
	for _, a := range m.attachments {
		if ownerID != "" && a.OwnerID != ownerID {
			continue
		}
		out = append(out, cloneAttachment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteAttachment(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attachments, id)
	return nil
}

func cloneAttachment(a domain.Attachment) domain.Attachment {
	if a.Meta != nil {
		meta := make(map[string]string, len(a.Meta))
		for k, v := range a.Meta {
			meta[k] = v
		}
		a.Meta = meta
	}
	return a
}
