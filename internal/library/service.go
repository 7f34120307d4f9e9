// Package library implements the media library operations of a node: uploads,
// file replacement and version restore, metadata edits, deletion and listing.
//
// On a governing node every change to a shared asset is gated on the health of
// its brand sites and then pushed to them. On a brand node, copies received in
// sync mode are read-only.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/RegistryAccord/onemedia-go/internal/health"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/propagation"
	"github.com/RegistryAccord/onemedia-go/internal/syncstate"
	"github.com/RegistryAccord/onemedia-go/internal/versions"
)

var (
	// ErrUnsupportedType is returned for uploads of a mime type the node does not accept.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrEmptyFile is returned for zero-length uploads.
	ErrEmptyFile = errors.New("file is empty")
)

// Store is the persistence the library needs.
type Store interface {
	CreateAttachment(ctx context.Context, a model.Attachment) (model.Attachment, error)
	GetAttachment(ctx context.Context, id int64) (*model.Attachment, error)
	UpdateAttachment(ctx context.Context, a model.Attachment) error
	DeleteAttachment(ctx context.Context, id int64) error
	ListAttachments(ctx context.Context, q model.ListMediaQuery) (*model.ListMediaResult, error)
	GetSharedIndex(ctx context.Context, id int64) (map[string]int64, error)
	DeleteSharedIndex(ctx context.Context, id int64) error
	DeleteKeyMappingByLocal(ctx context.Context, localID int64) error
}

// Upload is a file received from an admin.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}

// Outcome is the result of a library change. Propagation is nil when nothing was
// sent to brand sites.
type Outcome struct {
	Attachment  model.Attachment
	Versions    []model.VersionSnapshot
	Propagation *propagation.Result
}

// Service is the media library of one node.
type Service struct {
	role     model.Role
	store    Store
	tracker  *syncstate.Tracker
	versions *versions.Tracker
	engine   *propagation.Engine
	content  media.ContentStore
	allowed  []string
	maxSize  int64
}

// New creates a Service. engine and history may be nil on a brand node.
func New(role model.Role, store Store, tracker *syncstate.Tracker, history *versions.Tracker, engine *propagation.Engine, content media.ContentStore, allowed []string, maxSize int64) *Service {
	return &Service{
		role:     role,
		store:    store,
		tracker:  tracker,
		versions: history,
		engine:   engine,
		content:  content,
		allowed:  allowed,
		maxSize:  maxSize,
	}
}

func (s *Service) governing() bool { return s.role == model.RoleGoverning }

// Get returns one attachment.
func (s *Service) Get(ctx context.Context, id int64) (*model.Attachment, error) {
	return s.store.GetAttachment(ctx, id)
}

// storeUpload validates and stores an uploaded file and returns its snapshot.
func (s *Service) storeUpload(ctx context.Context, up Upload) (model.FileSnapshot, error) {
	if len(up.Data) == 0 {
		return model.FileSnapshot{}, ErrEmptyFile
	}
	if s.maxSize > 0 && int64(len(up.Data)) > s.maxSize {
		return model.FileSnapshot{}, media.ErrTooLarge
	}
	info := media.Describe(up.Data, up.MimeType)
	if !media.Allowed(s.allowed, info.MimeType) {
		return model.FileSnapshot{}, fmt.Errorf("%w: %s", ErrUnsupportedType, info.MimeType)
	}

	key := media.NewKey(up.Filename)
	if err := s.content.Put(ctx, key, info.MimeType, up.Data); err != nil {
		return model.FileSnapshot{}, fmt.Errorf("store media file: %w", err)
	}
	return model.FileSnapshot{
		Path:     key,
		URL:      s.content.URL(key),
		MimeType: info.MimeType,
		Size:     info.Size,
		Width:    info.Width,
		Height:   info.Height,
		Checksum: info.Checksum,
		Metadata: media.GenerateMetadata(key, info),
	}, nil
}

// Upload adds a new attachment, titled after the file name.
func (s *Service) Upload(ctx context.Context, up Upload) (model.Attachment, error) {
	file, err := s.storeUpload(ctx, up)
	if err != nil {
		return model.Attachment{}, err
	}
	base := path.Base(strings.ReplaceAll(up.Filename, "\\", "/"))
	a, err := s.store.CreateAttachment(ctx, model.Attachment{
		Title: strings.TrimSuffix(base, path.Ext(base)),
		File:  file,
	})
	if err != nil {
		s.discard(ctx, file.Path)
		return model.Attachment{}, err
	}
	slog.Info("media uploaded", "attachment_id", a.ID, "path", file.Path, "mime_type", file.MimeType)
	return a, nil
}

// writable checks that a change to attachment id may start. Brand nodes refuse
// changes to sync copies; governing nodes health-check the sync bindings first.
func (s *Service) writable(ctx context.Context, id int64) error {
	if !s.governing() {
		mode, found, err := s.tracker.LocalMode(ctx, id)
		if err != nil {
			return err
		}
		if found && mode == model.ModeSync {
			return syncstate.ErrReadOnly
		}
		return nil
	}
	return s.engine.PreUpdateGuard(ctx, id)
}

// propagate pushes the new state of a governing asset to its sync bindings.
func (s *Service) propagate(ctx context.Context, id int64) (*propagation.Result, error) {
	if !s.governing() {
		return nil, nil
	}
	bindings, err := s.tracker.SyncBindings(ctx, id)
	if err != nil || len(bindings) == 0 {
		return nil, err
	}
	res, err := s.engine.Update(ctx, id)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Replace swaps the file of an attachment and records the old one in the version history.
func (s *Service) Replace(ctx context.Context, id int64, up Upload) (*Outcome, error) {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.writable(ctx, id); err != nil {
		return nil, err
	}

	file, err := s.storeUpload(ctx, up)
	if err != nil {
		return nil, err
	}
	file.AltText = a.AltText
	file.Caption = a.Caption

	previous := a.File
	a.File = file
	if err := s.store.UpdateAttachment(ctx, *a); err != nil {
		s.discard(ctx, file.Path)
		return nil, err
	}

	out := &Outcome{}
	if s.governing() {
		// The history is written once the new file is live
		out.Versions, err = s.versions.RecordReplacement(ctx, id, previous, file)
		if err != nil {
			s.rollback(ctx, *a, previous)
			return nil, err
		}
	} else {
		// Without a version history the old file is unreachable
		s.discard(ctx, previous.Path)
	}
	slog.Info("media replaced", "attachment_id", id, "path", file.Path)

	out.Attachment = *a
	out.Propagation, err = s.propagate(ctx, id)
	return out, err
}

// RestoreVersion makes the file stored at versionPath current again. The stored
// snapshot, metadata included, is reused as is.
func (s *Service) RestoreVersion(ctx context.Context, id int64, versionPath string) (*Outcome, error) {
	if !s.governing() {
		return nil, syncstate.ErrWrongRole
	}
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := s.versions.Find(ctx, id, versionPath)
	if err != nil {
		return nil, err
	}
	if err := s.writable(ctx, id); err != nil {
		return nil, err
	}

	live := *a
	a.File = snap.File
	a.AltText = a.File.AltText
	a.Caption = a.File.Caption
	if err := s.store.UpdateAttachment(ctx, *a); err != nil {
		return nil, err
	}
	history, err := s.versions.Promote(ctx, id, versionPath)
	if err != nil {
		if rerr := s.store.UpdateAttachment(ctx, live); rerr != nil {
			slog.Error("failed to roll back version restore", "attachment_id", id, "error", rerr)
		}
		return nil, err
	}
	slog.Info("media version restored", "attachment_id", id, "path", versionPath)

	out := &Outcome{Attachment: *a, Versions: history}
	out.Propagation, err = s.propagate(ctx, id)
	return out, err
}

// EditMetadata changes the text fields of an attachment.
func (s *Service) EditMetadata(ctx context.Context, id int64, edit model.MetadataEdit) (*Outcome, error) {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.writable(ctx, id); err != nil {
		return nil, err
	}

	if edit.Title != nil {
		a.Title = *edit.Title
	}
	if edit.AltText != nil {
		a.AltText = *edit.AltText
		a.File.AltText = *edit.AltText
	}
	if edit.Caption != nil {
		a.Caption = *edit.Caption
		a.File.Caption = *edit.Caption
	}
	if edit.Description != nil {
		a.Description = *edit.Description
	}
	if edit.Terms != nil {
		a.Terms = append([]string{}, (*edit.Terms)...)
	}
	if err := s.store.UpdateAttachment(ctx, *a); err != nil {
		return nil, err
	}

	out := &Outcome{Attachment: *a}
	out.Propagation, err = s.propagate(ctx, id)
	return out, err
}

// Delete removes an attachment. On a governing node every sync copy is released
// first; if any brand site fails, the canonical asset is kept so the delete can be
// repeated, and a *health.FailedSitesError is returned with the partial outcome.
func (s *Service) Delete(ctx context.Context, id int64) (*Outcome, error) {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Attachment: *a}

	if !s.governing() {
		if err := s.writable(ctx, id); err != nil {
			return nil, err
		}
		if err := s.tracker.Release(ctx, id); err != nil {
			return nil, err
		}
		if err := s.store.DeleteKeyMappingByLocal(ctx, id); err != nil {
			return nil, err
		}
		return out, s.remove(ctx, a, nil)
	}

	res, err := s.engine.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	out.Propagation = &res
	if !res.OK() {
		return out, &health.FailedSitesError{Sites: res.Failed}
	}

	history, err := s.versions.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.Unshare(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.DeleteSharedIndex(ctx, id); err != nil {
		return nil, err
	}
	if err := s.versions.Forget(ctx, id); err != nil {
		return nil, err
	}
	return out, s.remove(ctx, a, history)
}

// remove deletes the attachment record and every file it references.
func (s *Service) remove(ctx context.Context, a *model.Attachment, history []model.VersionSnapshot) error {
	if err := s.store.DeleteAttachment(ctx, a.ID); err != nil {
		return err
	}
	s.discard(ctx, a.File.Path)
	for _, v := range history {
		if v.File.Path != a.File.Path {
			s.discard(ctx, v.File.Path)
		}
	}
	slog.Info("media deleted", "attachment_id", a.ID)
	return nil
}

// rollback puts previous back as the live file of a after a failed replacement.
func (s *Service) rollback(ctx context.Context, a model.Attachment, previous model.FileSnapshot) {
	failed := a.File.Path
	a.File = previous
	if err := s.store.UpdateAttachment(ctx, a); err != nil {
		slog.Error("failed to roll back replacement", "attachment_id", a.ID, "error", err)
		return
	}
	s.discard(ctx, failed)
}

func (s *Service) discard(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.content.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete media file", "path", key, "error", err)
	}
}

// History returns the version history of an attachment.
func (s *Service) History(ctx context.Context, id int64) ([]model.VersionSnapshot, error) {
	if !s.governing() {
		return nil, syncstate.ErrWrongRole
	}
	if _, err := s.store.GetAttachment(ctx, id); err != nil {
		return nil, err
	}
	return s.versions.History(ctx, id)
}

// List returns one page of the library with the sync state of each item.
func (s *Service) List(ctx context.Context, q model.ListMediaQuery) (*model.MediaListResponse, error) {
	page, err := s.store.ListAttachments(ctx, q)
	if err != nil {
		return nil, err
	}

	resp := &model.MediaListResponse{
		MediaFiles: make([]model.MediaListItem, 0, len(page.Attachments)),
		TotalPages: page.TotalPages,
		Total:      page.Total,
	}
	for _, a := range page.Attachments {
		item := model.MediaListItem{
			ID:          a.ID,
			Title:       a.Title,
			URL:         a.File.URL,
			MimeType:    a.File.MimeType,
			AltText:     a.AltText,
			Caption:     a.Caption,
			Description: a.Description,
			Terms:       a.Terms,
			UpdatedAt:   a.UpdatedAt,
		}
		if item.Status, err = s.tracker.GetStatus(ctx, a.ID); err != nil {
			return nil, err
		}
		if item.IsSync, err = s.tracker.IsSynced(ctx, a.ID); err != nil {
			return nil, err
		}
		if s.governing() {
			if item.SyncedTo, err = s.store.GetSharedIndex(ctx, a.ID); err != nil {
				return nil, err
			}
			if len(item.SyncedTo) == 0 {
				item.SyncedTo = nil
			}
		}
		resp.MediaFiles = append(resp.MediaFiles, item)
	}
	return resp, nil
}
