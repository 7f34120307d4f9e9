// Package ingest receives media from the governing node on a brand node.
//
// Each incoming item is matched against the attachment key map (canonical id ->
// local id) so that sending the same asset twice refreshes the existing local copy
// instead of creating a second one.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"path"

	errordefs "github.com/RegistryAccord/onemedia-go/internal/errors"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/RegistryAccord/onemedia-go/internal/syncstate"
)

var (
	// ErrAttachmentIDMismatch is returned when an item names a child id other than the
	// local attachment already bound to its canonical id.
	ErrAttachmentIDMismatch = errors.New("attachment id does not match the existing binding")
	// ErrNotSynced is returned for updates aimed at media this node does not hold in sync mode.
	ErrNotSynced = errors.New("attachment is not a synced copy")
	// ErrInvalidRequest wraps malformed inbound requests.
	ErrInvalidRequest = errors.New("invalid sync request")
)

// UnsupportedTypesError lists every item of a batch whose mime type this node does
// not accept. The batch is rejected as a whole.
type UnsupportedTypesError struct {
	Files []model.UnsupportedFile
}

func (e *UnsupportedTypesError) Error() string {
	return fmt.Sprintf("%d file(s) have an unsupported type", len(e.Files))
}

// Store is the persistence the resolver needs.
type Store interface {
	CreateAttachment(ctx context.Context, a model.Attachment) (model.Attachment, error)
	GetAttachment(ctx context.Context, id int64) (*model.Attachment, error)
	UpdateAttachment(ctx context.Context, a model.Attachment) error
	DeleteAttachment(ctx context.Context, id int64) error
	GetKeyMapping(ctx context.Context, canonicalID int64) (int64, bool, error)
	PutKeyMapping(ctx context.Context, canonicalID, localID int64) error
	DeleteKeyMappingByLocal(ctx context.Context, localID int64) error
}

// Fetcher downloads a source file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// Resolver applies inbound sync requests to a brand node.
type Resolver struct {
	store   Store
	tracker *syncstate.Tracker
	content media.ContentStore
	fetcher Fetcher
	allowed []string
}

// New creates a Resolver accepting the mime types in allowed.
func New(store Store, tracker *syncstate.Tracker, content media.ContentStore, fetcher Fetcher, allowed []string) *Resolver {
	return &Resolver{store: store, tracker: tracker, content: content, fetcher: fetcher, allowed: allowed}
}

// IngestBatch handles an add-media request. Unsupported mime types reject the whole
// batch before anything is stored; other failures are reported per item.
func (r *Resolver) IngestBatch(ctx context.Context, req model.AddMediaRequest) (*model.AddMediaResponse, error) {
	mode, err := model.ParseSyncMode(req.SyncOption)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var unsupported []model.UnsupportedFile
	for _, f := range req.MediaFiles {
		if !media.Allowed(r.allowed, f.MimeType) {
			unsupported = append(unsupported, model.UnsupportedFile{ID: f.ID, MimeType: f.MimeType})
		}
	}
	if len(unsupported) > 0 {
		return nil, &UnsupportedTypesError{Files: unsupported}
	}

	resp := &model.AddMediaResponse{Media: []model.IngestedMedia{}}
	for _, f := range req.MediaFiles {
		got, err := r.Ingest(ctx, f, mode)
		if err != nil {
			slog.Warn("media ingestion failed", "parent_id", f.ID, "error", err)
			resp.FailedMedia = append(resp.FailedMedia, model.FailedMedia{ParentID: f.ID, Code: string(itemCode(err)), Message: err.Error()})
			continue
		}
		resp.Media = append(resp.Media, got)
	}
	return resp, nil
}

func itemCode(err error) errordefs.ErrorCode {
	switch {
	case errors.Is(err, ErrAttachmentIDMismatch):
		return errordefs.OM_ATTACHMENT_ID_MISMATCH
	case errors.Is(err, media.ErrTooLarge):
		return errordefs.OM_MEDIA_SIZE
	default:
		return errordefs.OM_INTERNAL
	}
}

// Ingest stores one item, creating a local attachment only when the canonical id
// has no binding yet.
func (r *Resolver) Ingest(ctx context.Context, f model.MediaFile, mode model.SyncMode) (model.IngestedMedia, error) {
	localID, found, err := r.store.GetKeyMapping(ctx, f.ID)
	if err != nil {
		return model.IngestedMedia{}, err
	}

	if found {
		if f.ChildID != 0 && f.ChildID != localID {
			return model.IngestedMedia{}, fmt.Errorf("%w: canonical %d is bound to %d, not %d", ErrAttachmentIDMismatch, f.ID, localID, f.ChildID)
		}
		a, err := r.store.GetAttachment(ctx, localID)
		switch {
		case err == nil:
			return r.refresh(ctx, a, f, mode)
		case errors.Is(err, storage.ErrNotFound):
			// The local copy is gone; store the item again.
			slog.Info("bound attachment missing, ingesting again", "parent_id", f.ID, "attachment_id", localID)
		default:
			return model.IngestedMedia{}, err
		}
	}

	return r.create(ctx, f, mode)
}

func (r *Resolver) refresh(ctx context.Context, a *model.Attachment, f model.MediaFile, mode model.SyncMode) (model.IngestedMedia, error) {
	applyText(a, f.Title, f.AltText, f.Caption, f.Description, f.Terms)
	if err := r.store.UpdateAttachment(ctx, *a); err != nil {
		return model.IngestedMedia{}, err
	}
	if _, err := r.tracker.SetSyncMode(ctx, a.ID, mode); err != nil {
		return model.IngestedMedia{}, err
	}
	return model.IngestedMedia{ID: a.ID, ParentID: f.ID, Created: false, SyncOption: mode, URL: a.File.URL}, nil
}

func (r *Resolver) create(ctx context.Context, f model.MediaFile, mode model.SyncMode) (model.IngestedMedia, error) {
	file, err := r.storeFile(ctx, f.URL, f.MimeType, f.Metadata)
	if err != nil {
		return model.IngestedMedia{}, err
	}

	a := model.Attachment{File: file}
	applyText(&a, f.Title, f.AltText, f.Caption, f.Description, f.Terms)
	a.File.AltText = a.AltText
	a.File.Caption = a.Caption

	created, err := r.store.CreateAttachment(ctx, a)
	if err != nil {
		r.discard(ctx, file.Path)
		return model.IngestedMedia{}, err
	}
	if err := r.store.PutKeyMapping(ctx, f.ID, created.ID); err != nil {
		r.undoCreate(ctx, created, false)
		return model.IngestedMedia{}, err
	}
	if _, err := r.tracker.SetSyncMode(ctx, created.ID, mode); err != nil {
		r.undoCreate(ctx, created, true)
		return model.IngestedMedia{}, err
	}

	slog.Info("media ingested", "parent_id", f.ID, "attachment_id", created.ID, "sync_option", mode)
	return model.IngestedMedia{ID: created.ID, ParentID: f.ID, Created: true, SyncOption: mode, URL: created.File.URL}, nil
}

// undoCreate removes an attachment whose ingestion failed after it was stored.
func (r *Resolver) undoCreate(ctx context.Context, a model.Attachment, mapped bool) {
	if mapped {
		if err := r.store.DeleteKeyMappingByLocal(ctx, a.ID); err != nil {
			slog.Warn("failed to remove key mapping", "attachment_id", a.ID, "error", err)
		}
	}
	if err := r.store.DeleteAttachment(ctx, a.ID); err != nil {
		slog.Warn("failed to remove attachment", "attachment_id", a.ID, "error", err)
	}
	r.discard(ctx, a.File.Path)
}

// storeFile downloads src into the content store.
func (r *Resolver) storeFile(ctx context.Context, src, declared string, metadata []byte) (model.FileSnapshot, error) {
	data, contentType, err := r.fetcher.Fetch(ctx, src)
	if err != nil {
		return model.FileSnapshot{}, err
	}
	if declared == "" {
		declared = contentType
	}
	info := media.Describe(data, declared)

	key := media.NewKey(sourceName(src))
	if err := r.content.Put(ctx, key, info.MimeType, data); err != nil {
		return model.FileSnapshot{}, fmt.Errorf("store media file: %w", err)
	}

	if len(metadata) == 0 {
		metadata = media.GenerateMetadata(key, info)
	}
	return model.FileSnapshot{
		Path:     key,
		URL:      r.content.URL(key),
		MimeType: info.MimeType,
		Size:     info.Size,
		Width:    info.Width,
		Height:   info.Height,
		Checksum: info.Checksum,
		Metadata: metadata,
	}, nil
}

func (r *Resolver) discard(ctx context.Context, key string) {
	if err := r.content.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete media file", "path", key, "error", err)
	}
}

func sourceName(src string) string {
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return "file"
}

// applyText copies HTML-decoded text fields onto a.
func applyText(a *model.Attachment, title, alt, caption, description string, terms []string) {
	a.Title = html.UnescapeString(title)
	a.AltText = html.UnescapeString(alt)
	a.Caption = html.UnescapeString(caption)
	a.Description = html.UnescapeString(description)
	if terms != nil {
		a.Terms = append([]string(nil), terms...)
	}
}

// ApplyUpdate handles update-attachment for a synced local copy. The file is only
// downloaded again when its checksum changed.
func (r *Resolver) ApplyUpdate(ctx context.Context, req model.UpdateAttachmentRequest) error {
	a, err := r.store.GetAttachment(ctx, req.AttachmentID)
	if err != nil {
		return err
	}
	mode, found, err := r.tracker.LocalMode(ctx, a.ID)
	if err != nil {
		return err
	}
	if !found || mode != model.ModeSync {
		return fmt.Errorf("%w: %d", ErrNotSynced, a.ID)
	}

	d := req.AttachmentData
	applyText(a, d.Title, d.AltText, d.Caption, d.Description, d.Terms)

	var stale string
	if req.AttachmentURL != "" && (d.Checksum == "" || d.Checksum != a.File.Checksum) {
		file, err := r.storeFile(ctx, req.AttachmentURL, d.MimeType, d.Metadata)
		if err != nil {
			return err
		}
		if file.Checksum == a.File.Checksum {
			r.discard(ctx, file.Path)
		} else {
			stale = a.File.Path
			a.File = file
		}
	}
	a.File.AltText = a.AltText
	a.File.Caption = a.Caption

	if err := r.store.UpdateAttachment(ctx, *a); err != nil {
		return err
	}
	if stale != "" {
		r.discard(ctx, stale)
	}
	slog.Info("synced media updated", "attachment_id", a.ID, "file_replaced", stale != "")
	return nil
}

// Release turns a received attachment into ordinary local media: its sync mode and
// key mapping are cleared, the attachment and file stay. Releasing twice is a no-op.
func (r *Resolver) Release(ctx context.Context, localID int64) error {
	if _, err := r.store.GetAttachment(ctx, localID); err != nil {
		return err
	}
	if err := r.tracker.Release(ctx, localID); err != nil {
		return err
	}
	if err := r.store.DeleteKeyMappingByLocal(ctx, localID); err != nil {
		return err
	}
	slog.Info("synced media released", "attachment_id", localID)
	return nil
}
