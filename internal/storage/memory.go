package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/model"
)

// Default paging for media listings
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu     sync.RWMutex
	nextID int64

	attachments map[int64]*model.Attachment
	syncFlags   map[int64]bool
	bindings    map[int64][]model.Binding
	sharedIndex map[int64]map[string]int64
	versions    map[int64][]byte // JSON encoded so callers never share slices with the store

	endpoints []model.BrandEndpoint

	localModes    map[int64]model.SyncMode
	keyMap        map[int64]int64
	governingSite string
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		attachments: make(map[int64]*model.Attachment),
		syncFlags:   make(map[int64]bool),
		bindings:    make(map[int64][]model.Binding),
		sharedIndex: make(map[int64]map[string]int64),
		versions:    make(map[int64][]byte),
		localModes:  make(map[int64]model.SyncMode),
		keyMap:      make(map[int64]int64),
	}
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func cloneAttachment(a *model.Attachment) *model.Attachment {
	c := *a
	if a.Terms != nil {
		c.Terms = append([]string(nil), a.Terms...)
	}
	if a.File.Metadata != nil {
		c.File.Metadata = append(json.RawMessage(nil), a.File.Metadata...)
	}
	return &c
}

func (m *memory) CreateAttachment(ctx context.Context, a model.Attachment) (model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	a.ID = m.nextID
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.attachments[a.ID] = cloneAttachment(&a)
	return a, nil
}

func (m *memory) GetAttachment(ctx context.Context, id int64) (*model.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.attachments[id]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneAttachment(a), nil
}

func (m *memory) UpdateAttachment(ctx context.Context, a model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.attachments[a.ID]
	if !exists {
		return ErrNotFound
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	m.attachments[a.ID] = cloneAttachment(&a)
	return nil
}

func (m *memory) DeleteAttachment(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.attachments[id]; !exists {
		return ErrNotFound
	}
	delete(m.attachments, id)
	delete(m.syncFlags, id)
	return nil
}

// matchesQuery applies the image type and search filters of a listing.
func matchesQuery(a *model.Attachment, q model.ListMediaQuery) bool {
	if q.ImageType != "" {
		mt := strings.ToLower(a.File.MimeType)
		want := strings.ToLower(q.ImageType)
		if mt != want && !strings.HasPrefix(mt, want+"/") {
			return false
		}
	}
	if q.SearchTerm != "" {
		term := strings.ToLower(q.SearchTerm)
		if !strings.Contains(strings.ToLower(a.Title), term) && !strings.Contains(strings.ToLower(a.File.Path), term) {
			return false
		}
	}
	return true
}

// normalizePaging clamps page and per-page values.
func normalizePaging(q model.ListMediaQuery) (page, perPage int) {
	page = q.Page
	if page <= 0 {
		page = 1
	}
	perPage = q.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	} else if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}

func totalPages(total, perPage int) int {
	if total == 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

func (m *memory) ListAttachments(ctx context.Context, q model.ListMediaQuery) (*model.ListMediaResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]*model.Attachment, 0, len(m.attachments))
	for _, a := range m.attachments {
		if matchesQuery(a, q) {
			filtered = append(filtered, a)
		}
	}
	// Newest first
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	page, perPage := normalizePaging(q)
	start := (page - 1) * perPage
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + perPage
	if end > len(filtered) {
		end = len(filtered)
	}

	result := &model.ListMediaResult{
		Attachments: make([]model.Attachment, 0, end-start),
		Total:       len(filtered),
		TotalPages:  totalPages(len(filtered), perPage),
	}
	for _, a := range filtered[start:end] {
		result.Attachments = append(result.Attachments, *cloneAttachment(a))
	}
	return result, nil
}

func (m *memory) GetSyncFlag(ctx context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncFlags[id], nil
}

func (m *memory) SetSyncFlag(ctx context.Context, id int64, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.syncFlags[id] = true
	} else {
		delete(m.syncFlags, id)
	}
	return nil
}

func (m *memory) GetBindings(ctx context.Context, id int64) ([]model.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Binding(nil), m.bindings[id]...), nil
}

func (m *memory) PutBinding(ctx context.Context, id int64, b model.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b.SiteURL = model.NormalizeSiteURL(b.SiteURL)
	list := m.bindings[id]
	for i := range list {
		if model.SameSite(list[i].SiteURL, b.SiteURL) {
			list[i] = b
			return nil
		}
	}
	m.bindings[id] = append(list, b)
	return nil
}

func (m *memory) RemoveBinding(ctx context.Context, id int64, siteURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.bindings[id]
	kept := list[:0]
	for _, b := range list {
		if !model.SameSite(b.SiteURL, siteURL) {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		delete(m.bindings, id)
		return nil
	}
	m.bindings[id] = kept
	return nil
}

func (m *memory) DeleteBindings(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, id)
	return nil
}

func (m *memory) GetSharedIndex(ctx context.Context, id int64) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.sharedIndex[id]))
	for site, remoteID := range m.sharedIndex[id] {
		out[site] = remoteID
	}
	return out, nil
}

func (m *memory) PutSharedIndexEntry(ctx context.Context, id int64, siteURL string, remoteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sharedIndex[id]
	if !ok {
		entry = make(map[string]int64)
		m.sharedIndex[id] = entry
	}
	entry[model.NormalizeSiteURL(siteURL)] = remoteID
	return nil
}

func (m *memory) RemoveSharedIndexEntry(ctx context.Context, id int64, siteURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.sharedIndex[id]
	for site := range entry {
		if model.SameSite(site, siteURL) {
			delete(entry, site)
		}
	}
	if len(entry) == 0 {
		delete(m.sharedIndex, id)
	}
	return nil
}

func (m *memory) DeleteSharedIndex(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sharedIndex, id)
	return nil
}

func (m *memory) GetVersions(ctx context.Context, id int64) ([]model.VersionSnapshot, error) {
	m.mu.RLock()
	raw, ok := m.versions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var versions []model.VersionSnapshot
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func (m *memory) PutVersions(ctx context.Context, id int64, versions []model.VersionSnapshot) error {
	raw, err := json.Marshal(versions)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[id] = raw
	return nil
}

func (m *memory) DeleteVersions(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, id)
	return nil
}

func (m *memory) ListEndpoints(ctx context.Context) ([]model.BrandEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.BrandEndpoint(nil), m.endpoints...), nil
}

func (m *memory) GetEndpoint(ctx context.Context, id string) (*model.BrandEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ep := range m.endpoints {
		if ep.ID == id {
			c := ep
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// urlTaken reports whether another endpoint already uses url. Callers hold m.mu.
func (m *memory) urlTaken(url, exceptID string) bool {
	for _, ep := range m.endpoints {
		if ep.ID != exceptID && model.SameSite(ep.URL, url) {
			return true
		}
	}
	return false
}

func (m *memory) CreateEndpoint(ctx context.Context, ep model.BrandEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.urlTaken(ep.URL, "") {
		return ErrConflict
	}
	for _, existing := range m.endpoints {
		if existing.ID == ep.ID {
			return ErrConflict
		}
	}
	m.endpoints = append(m.endpoints, ep)
	return nil
}

func (m *memory) UpdateEndpoint(ctx context.Context, ep model.BrandEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.urlTaken(ep.URL, ep.ID) {
		return ErrConflict
	}
	for i := range m.endpoints {
		if m.endpoints[i].ID == ep.ID {
			m.endpoints[i] = ep
			return nil
		}
	}
	return ErrNotFound
}

func (m *memory) DeleteEndpoint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.endpoints {
		if m.endpoints[i].ID == id {
			m.endpoints = append(m.endpoints[:i], m.endpoints[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memory) GetLocalSyncMode(ctx context.Context, localID int64) (model.SyncMode, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mode, ok := m.localModes[localID]
	return mode, ok, nil
}

func (m *memory) SetLocalSyncMode(ctx context.Context, localID int64, mode model.SyncMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localModes[localID] = mode
	return nil
}

func (m *memory) ClearLocalSyncMode(ctx context.Context, localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.localModes, localID)
	return nil
}

func (m *memory) GetKeyMapping(ctx context.Context, canonicalID int64) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	localID, ok := m.keyMap[canonicalID]
	return localID, ok, nil
}

func (m *memory) PutKeyMapping(ctx context.Context, canonicalID, localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyMap[canonicalID] = localID
	return nil
}

func (m *memory) DeleteKeyMappingByLocal(ctx context.Context, localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for canonicalID, id := range m.keyMap {
		if id == localID {
			delete(m.keyMap, canonicalID)
		}
	}
	return nil
}

func (m *memory) GetGoverningSiteURL(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.governingSite, nil
}

func (m *memory) SetGoverningSiteURL(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	url = model.NormalizeSiteURL(url)
	if m.governingSite != "" && !model.SameSite(m.governingSite, url) {
		return ErrConflict
	}
	m.governingSite = url
	return nil
}

func (m *memory) ClearGoverningSiteURL(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.governingSite = ""
	return nil
}
