// Package storage provides the repositories behind a OneMedia node, with
// in-memory and PostgreSQL implementations.
//
// Each method touches a single logical key (one attachment, one binding list,
// one index entry). Callers that update several keys in sequence get no
// transactional guarantee across them.
package storage

import (
	"context"
	"errors"

	"github.com/RegistryAccord/onemedia-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a unique constraint would be violated
)

// AssetStore holds the media library and the governing node's sync bookkeeping.
type AssetStore interface {
	CreateAttachment(ctx context.Context, a model.Attachment) (model.Attachment, error) // Assigns ID and timestamps
	GetAttachment(ctx context.Context, id int64) (*model.Attachment, error)
	UpdateAttachment(ctx context.Context, a model.Attachment) error
	DeleteAttachment(ctx context.Context, id int64) error
	ListAttachments(ctx context.Context, q model.ListMediaQuery) (*model.ListMediaResult, error)

	// is_sync flag (governing)
	GetSyncFlag(ctx context.Context, id int64) (bool, error)
	SetSyncFlag(ctx context.Context, id int64, on bool) error

	// Brand bindings, ordered and unique by site URL
	GetBindings(ctx context.Context, id int64) ([]model.Binding, error)
	PutBinding(ctx context.Context, id int64, b model.Binding) error
	RemoveBinding(ctx context.Context, id int64, siteURL string) error
	DeleteBindings(ctx context.Context, id int64) error

	// Shared media index: canonical id -> brand url -> brand local id
	GetSharedIndex(ctx context.Context, id int64) (map[string]int64, error)
	PutSharedIndexEntry(ctx context.Context, id int64, siteURL string, remoteID int64) error
	RemoveSharedIndexEntry(ctx context.Context, id int64, siteURL string) error
	DeleteSharedIndex(ctx context.Context, id int64) error

	// Version history, newest first
	GetVersions(ctx context.Context, id int64) ([]model.VersionSnapshot, error)
	PutVersions(ctx context.Context, id int64, versions []model.VersionSnapshot) error
	DeleteVersions(ctx context.Context, id int64) error
}

// EndpointRegistry holds the governing node's brand endpoints in registration order.
type EndpointRegistry interface {
	ListEndpoints(ctx context.Context) ([]model.BrandEndpoint, error)
	GetEndpoint(ctx context.Context, id string) (*model.BrandEndpoint, error)
	CreateEndpoint(ctx context.Context, ep model.BrandEndpoint) error // ErrConflict on duplicate URL
	UpdateEndpoint(ctx context.Context, ep model.BrandEndpoint) error // ErrConflict on duplicate URL
	DeleteEndpoint(ctx context.Context, id string) error
}

// BrandStore holds a brand node's records about media received from its governing node.
type BrandStore interface {
	// Local sync mode per local attachment; found is false when never touched by OneMedia
	GetLocalSyncMode(ctx context.Context, localID int64) (mode model.SyncMode, found bool, err error)
	SetLocalSyncMode(ctx context.Context, localID int64, mode model.SyncMode) error
	ClearLocalSyncMode(ctx context.Context, localID int64) error

	// Attachment key map: canonical id -> local id
	GetKeyMapping(ctx context.Context, canonicalID int64) (localID int64, found bool, err error)
	PutKeyMapping(ctx context.Context, canonicalID, localID int64) error
	DeleteKeyMappingByLocal(ctx context.Context, localID int64) error

	// Governing site pointer. SetGoverningSiteURL only succeeds when the pointer is
	// empty or already equal; otherwise it returns ErrConflict.
	GetGoverningSiteURL(ctx context.Context) (string, error)
	SetGoverningSiteURL(ctx context.Context, url string) error
	ClearGoverningSiteURL(ctx context.Context) error
}

// Store is the full persistence surface of a node.
type Store interface {
	AssetStore
	EndpointRegistry
	BrandStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
