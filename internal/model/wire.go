package model

import (
	"encoding/json"
	"time"
)

// MediaFile is one item of an add-media batch, as sent by the governing node.
// ID is the canonical attachment id; ChildID, when set, names the brand-local attachment
// the governing node believes is already bound to it.
type MediaFile struct {
	ID          int64           `json:"id"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	AltText     string          `json:"alt_text"`
	Caption     string          `json:"caption"`
	Description string          `json:"description"`
	MimeType    string          `json:"mime_type"`
	Terms       []string        `json:"terms,omitempty"`
	Size        int64           `json:"size,omitempty"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	Checksum    string          `json:"checksum,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ChildID     int64           `json:"child_id,omitempty"`
}

// AddMediaRequest is the body of POST /add-media.
type AddMediaRequest struct {
	SyncOption string      `json:"sync_option"`
	MediaFiles []MediaFile `json:"media_files"`
}

// IngestedMedia reports one stored item of an add-media batch.
type IngestedMedia struct {
	ID         int64    `json:"id"`        // Brand-local attachment id
	ParentID   int64    `json:"parent_id"` // Canonical attachment id
	Created    bool     `json:"created"`
	SyncOption SyncMode `json:"sync_option"`
	URL        string   `json:"url,omitempty"`
}

// FailedMedia reports one rejected item of an add-media batch.
type FailedMedia struct {
	ParentID int64  `json:"parent_id"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// AddMediaResponse is the data payload of a successful POST /add-media.
type AddMediaResponse struct {
	Media       []IngestedMedia `json:"media"`
	FailedMedia []FailedMedia   `json:"failed_media,omitempty"`
}

// UnsupportedFile names one batch item whose mime type the brand node cannot store.
type UnsupportedFile struct {
	ID       int64  `json:"id"`
	MimeType string `json:"mime_type"`
}

// AttachmentData is the metadata snapshot sent with update-attachment.
type AttachmentData struct {
	Title       string          `json:"title"`
	AltText     string          `json:"alt_text"`
	Caption     string          `json:"caption"`
	Description string          `json:"description"`
	MimeType    string          `json:"mime_type"`
	Terms       []string        `json:"terms,omitempty"`
	Size        int64           `json:"size,omitempty"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	Checksum    string          `json:"checksum,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// UpdateAttachmentRequest is the body of POST /update-attachment.
type UpdateAttachmentRequest struct {
	AttachmentID   int64          `json:"attachment_id"` // Brand-local attachment id
	AttachmentURL  string         `json:"attachment_url"`
	AttachmentData AttachmentData `json:"attachment_data"`
}

// AttachmentIDRequest is the body of every endpoint keyed by a single attachment id.
type AttachmentIDRequest struct {
	AttachmentID int64 `json:"attachment_id"`
}

// HealthCheckResponse is the body of GET /health-check.
type HealthCheckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FailedSite describes one brand site an operation could not reach or update.
type FailedSite struct {
	SiteName      string `json:"site_name"`
	URL           string `json:"url"`
	Message       string `json:"message"`
	AttachmentID  int64  `json:"attachment_id,omitempty"`
	MimeTypeError bool   `json:"is_mime_type_error,omitempty"`
}

// SucceededSite describes one brand site an operation completed on.
type SucceededSite struct {
	SiteName     string `json:"site_name"`
	URL          string `json:"url"`
	AttachmentID int64  `json:"attachment_id,omitempty"`
	RemoteID     int64  `json:"remote_id,omitempty"`
}

// SharedSite is the wire form of a registry entry. APIKey is masked on reads.
type SharedSite struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	APIKey string `json:"api_key,omitempty"`
}

// SharedSitesRequest is the body of POST /shared-sites.
type SharedSitesRequest struct {
	SharedSites []SharedSite `json:"shared_sites"`
}

// SharedSitesResponse is returned by GET and POST /shared-sites.
type SharedSitesResponse struct {
	SharedSites []SharedSite `json:"shared_sites"`
	FailedSites []FailedSite `json:"failed_sites,omitempty"`
}

// MediaDetail references one canonical attachment in a sync-media request.
type MediaDetail struct {
	ID int64 `json:"id"`
}

// SyncMediaRequest is the body of POST /sync-media.
type SyncMediaRequest struct {
	SyncOption   string        `json:"sync_option"`
	BrandSites   []string      `json:"brand_sites"`
	MediaDetails []MediaDetail `json:"media_details"`
}

// UpdateExistingAttachmentRequest is the body of POST /update-existing-attachment.
type UpdateExistingAttachmentRequest struct {
	AttachmentID int64  `json:"attachment_id"`
	SyncOption   string `json:"sync_option"`
}

// UnshareRequest is the body of POST /unshare.
type UnshareRequest struct {
	AttachmentID int64    `json:"attachment_id"`
	BrandSites   []string `json:"brand_sites"`
}

// MetadataEdit carries the fields of an attachment edit; nil fields are left unchanged.
type MetadataEdit struct {
	Title       *string   `json:"title,omitempty"`
	AltText     *string   `json:"alt_text,omitempty"`
	Caption     *string   `json:"caption,omitempty"`
	Description *string   `json:"description,omitempty"`
	Terms       *[]string `json:"terms,omitempty"`
}

// PropagationResponse is the data payload of every fan-out endpoint.
type PropagationResponse struct {
	Success     bool            `json:"success"`
	Succeeded   []SucceededSite `json:"succeeded_sites"`
	FailedSites []FailedSite    `json:"failed_sites"`
}

// MediaListItem is one entry of GET /media.
type MediaListItem struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	URL         string           `json:"url"`
	MimeType    string           `json:"mime_type"`
	AltText     string           `json:"alt_text"`
	Caption     string           `json:"caption"`
	Description string           `json:"description"`
	Terms       []string         `json:"terms,omitempty"`
	Status      SyncStatus       `json:"sync_status"`
	IsSync      bool             `json:"is_sync"`
	SyncedTo    map[string]int64 `json:"synced_to,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// MediaListResponse is the data payload of GET /media.
type MediaListResponse struct {
	MediaFiles []MediaListItem `json:"media_files"`
	TotalPages int             `json:"total_pages"`
	Total      int             `json:"total"`
}

// GoverningSiteResponse is the data payload of GET /governing-site.
type GoverningSiteResponse struct {
	GoverningSiteURL string `json:"governing_site_url"`
}

// IsSyncResponse is the data payload of POST /is-sync-attachment.
type IsSyncResponse struct {
	IsSync     bool       `json:"is_sync"`
	SyncStatus SyncStatus `json:"sync_status"`
	SyncMode   SyncMode   `json:"sync_mode,omitempty"`
}

// SyncEvent is published after every fan-out and pairing change.
type SyncEvent struct {
	Operation    string          `json:"operation"`
	AttachmentID int64           `json:"attachmentId,omitempty"`
	Site         string          `json:"site,omitempty"`
	Succeeded    []SucceededSite `json:"succeeded,omitempty"`
	Failed       []FailedSite    `json:"failed,omitempty"`
}

// CheckSitesResponse is the data payload of POST /check-sites-connected.
type CheckSitesResponse struct {
	Success     bool         `json:"success"`
	FailedSites []FailedSite `json:"failed_sites"`
}

// VersionsResponse is the data payload of POST /sync-attachment-versions.
type VersionsResponse struct {
	Versions []VersionSnapshot `json:"versions"`
}

// MediaChangeResponse is returned by uploads, replacements, restores and edits.
type MediaChangeResponse struct {
	Attachment  Attachment        `json:"attachment"`
	Versions    []VersionSnapshot `json:"versions,omitempty"`
	Succeeded   []SucceededSite   `json:"succeeded_sites,omitempty"`
	FailedSites []FailedSite      `json:"failed_sites,omitempty"`
}
