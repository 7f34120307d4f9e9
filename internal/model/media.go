// Package model defines the data structures used throughout the OneMedia service.
// These structures represent the core domain objects shared by governing and brand nodes:
// attachments, file snapshots, brand bindings, registry endpoints and version history.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies what a node does in the topology. It is resolved once at startup.
type Role string

const (
	RoleGoverning Role = "governing" // Source of truth for shared media
	RoleBrand     Role = "brand"     // Receives media from exactly one governing node
)

// ParseRole converts a configuration value into a Role.
func ParseRole(v string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleGoverning:
		return RoleGoverning, nil
	case RoleBrand:
		return RoleBrand, nil
	default:
		return "", fmt.Errorf("unknown site role %q (want governing or brand)", v)
	}
}

// SyncStatus is the derived sharing state of an attachment.
type SyncStatus string

const (
	StatusNotShared SyncStatus = "not_shared"
	StatusSyncing   SyncStatus = "syncing"
	StatusShared    SyncStatus = "shared"
)

// SyncMode says whether a shared attachment is centrally managed or shared once.
type SyncMode string

const (
	ModeSync   SyncMode = "sync"
	ModeNoSync SyncMode = "no_sync"
)

// ParseSyncMode validates a sync_option value from the wire.
func ParseSyncMode(v string) (SyncMode, error) {
	switch SyncMode(v) {
	case ModeSync:
		return ModeSync, nil
	case ModeNoSync:
		return ModeNoSync, nil
	default:
		return "", fmt.Errorf("invalid sync option %q", v)
	}
}

// FileSnapshot is an immutable description of one stored media file.
// Metadata holds the generated metadata blob (dimensions, derived sizes) as raw JSON
// so that a restore can reuse it without regenerating anything.
type FileSnapshot struct {
	Path     string          `json:"path"`      // Content store key
	URL      string          `json:"url"`       // Public URL of the file
	MimeType string          `json:"mime_type"` // MIME type
	AltText  string          `json:"alt_text"`  // Alt text at the time of the snapshot
	Caption  string          `json:"caption"`   // Caption at the time of the snapshot
	Size     int64           `json:"size"`      // Size in bytes
	Width    int             `json:"width,omitempty"`
	Height   int             `json:"height,omitempty"`
	Checksum string          `json:"checksum"` // SHA-256 hex digest
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// VersionSnapshot is one entry of an attachment's version history.
type VersionSnapshot struct {
	LastUsed time.Time    `json:"last_used"`
	File     FileSnapshot `json:"file"`
}

// Attachment is a media library item. On the governing node it is the canonical asset;
// on a brand node it is the local copy.
type Attachment struct {
	ID          int64        `json:"id"`
	Title       string       `json:"title"`
	AltText     string       `json:"alt_text"`
	Caption     string       `json:"caption"`
	Description string       `json:"description"`
	Terms       []string     `json:"terms,omitempty"` // Taxonomy term slugs
	File        FileSnapshot `json:"file"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Binding associates a canonical asset with one brand node's local copy.
type Binding struct {
	SiteURL  string   `json:"site"`
	RemoteID int64    `json:"id"`
	Mode     SyncMode `json:"mode"`
}

// BrandEndpoint is a registered brand node. APIKey is sealed at rest and is only
// ever opened by the registry when it builds a Target.
type BrandEndpoint struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	APIKey string `json:"-"`
}

// Target is a brand endpoint resolved for an outbound call, carrying the plaintext key.
type Target struct {
	Name   string
	URL    string
	APIKey string
}

// MaxEndpointNameLength bounds BrandEndpoint.Name.
const MaxEndpointNameLength = 20

// MaxVersions bounds the length of an attachment's version history.
const MaxVersions = 5

// NormalizeSiteURL trims whitespace and forces exactly one trailing slash.
func NormalizeSiteURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	return strings.TrimRight(u, "/") + "/"
}

// SameSite compares two site URLs ignoring case and trailing slashes.
func SameSite(a, b string) bool {
	return strings.EqualFold(NormalizeSiteURL(a), NormalizeSiteURL(b))
}

// ListMediaQuery represents the query parameters for listing the media library.
type ListMediaQuery struct {
	Page       int    // 1-based page number
	PerPage    int    // Page size
	ImageType  string // Mime type or mime prefix filter ("image", "image/png")
	SearchTerm string // Case-insensitive match on title and file path
}

// ListMediaResult represents one page of the media library.
type ListMediaResult struct {
	Attachments []Attachment
	Total       int
	TotalPages  int
}
