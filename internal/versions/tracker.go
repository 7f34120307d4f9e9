// Package versions keeps the bounded file history of each canonical attachment.
// Index 0 is always the file currently in use; older files follow, newest first,
// and the list never grows past model.MaxVersions.
package versions

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/model"
)

// ErrNoVersionHistory is returned when a restore names a file that is not in the history.
var ErrNoVersionHistory = errors.New("no version history for this file")

// Store is the persistence the Tracker needs.
type Store interface {
	GetVersions(ctx context.Context, id int64) ([]model.VersionSnapshot, error)
	PutVersions(ctx context.Context, id int64, versions []model.VersionSnapshot) error
	DeleteVersions(ctx context.Context, id int64) error
}

// Tracker records replacements and restores.
type Tracker struct {
	store Store
	now   func() time.Time
}

// New creates a Tracker.
func New(store Store) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// History returns the stored versions, newest first.
func (t *Tracker) History(ctx context.Context, id int64) ([]model.VersionSnapshot, error) {
	versions, err := t.store.GetVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []model.VersionSnapshot{}
	}
	return versions, nil
}

// RecordReplacement stores that current replaced previous. The first replacement
// seeds the history with both files; later ones prepend current only.
func (t *Tracker) RecordReplacement(ctx context.Context, id int64, previous, current model.FileSnapshot) ([]model.VersionSnapshot, error) {
	versions, err := t.store.GetVersions(ctx, id)
	if err != nil {
		return nil, err
	}

	now := t.now()
	entry := model.VersionSnapshot{LastUsed: now, File: current}
	if len(versions) == 0 {
		versions = []model.VersionSnapshot{entry, {LastUsed: now, File: previous}}
	} else {
		versions = append([]model.VersionSnapshot{entry}, versions...)
	}

	versions = truncate(versions)
	if err := t.store.PutVersions(ctx, id, versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// Find returns the snapshot whose file path is path.
func (t *Tracker) Find(ctx context.Context, id int64, path string) (model.VersionSnapshot, error) {
	versions, err := t.store.GetVersions(ctx, id)
	if err != nil {
		return model.VersionSnapshot{}, err
	}
	if i := indexOf(versions, path); i >= 0 {
		return versions[i], nil
	}
	return model.VersionSnapshot{}, ErrNoVersionHistory
}

// Promote moves the snapshot with the given path to index 0 with a fresh
// last_used time. The file previously at index 0 stays in the list behind it.
func (t *Tracker) Promote(ctx context.Context, id int64, path string) ([]model.VersionSnapshot, error) {
	versions, err := t.store.GetVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	i := indexOf(versions, path)
	if i < 0 {
		return nil, ErrNoVersionHistory
	}

	restored := versions[i]
	restored.LastUsed = t.now()

	rest := make([]model.VersionSnapshot, 0, len(versions))
	rest = append(rest, versions[:i]...)
	rest = append(rest, versions[i+1:]...)
	versions = truncate(append([]model.VersionSnapshot{restored}, rest...))

	if err := t.store.PutVersions(ctx, id, versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// Forget drops the whole history of an attachment.
func (t *Tracker) Forget(ctx context.Context, id int64) error {
	return t.store.DeleteVersions(ctx, id)
}

func indexOf(versions []model.VersionSnapshot, path string) int {
	if path == "" {
		return -1
	}
	for i, v := range versions {
		if v.File.Path == path {
			return i
		}
	}
	return -1
}

func truncate(versions []model.VersionSnapshot) []model.VersionSnapshot {
	if len(versions) > model.MaxVersions {
		return versions[:model.MaxVersions]
	}
	return versions
}
