// Package syncstate tracks whether each attachment is shared, and how.
//
// On a governing node the state is an is_sync flag plus the ordered list of
// brand bindings. On a brand node it is the local sync mode recorded for each
// received attachment. Derived statuses are cached per attachment id, and every
// write that can change a status goes through the Tracker so the cached entry
// is dropped in the same call.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultTTL is how long a derived status stays cached without a write.
const DefaultTTL = time.Hour

var (
	// ErrReadOnly is returned when a brand node tries to unshare media it received.
	ErrReadOnly = errors.New("synced media is read-only on a brand site")
	// ErrWrongRole is returned for operations that only exist on the other role.
	ErrWrongRole = errors.New("operation not available for this site role")
)

// Store is the persistence the Tracker needs.
type Store interface {
	GetSyncFlag(ctx context.Context, id int64) (bool, error)
	SetSyncFlag(ctx context.Context, id int64, on bool) error
	GetBindings(ctx context.Context, id int64) ([]model.Binding, error)
	PutBinding(ctx context.Context, id int64, b model.Binding) error
	RemoveBinding(ctx context.Context, id int64, siteURL string) error
	DeleteBindings(ctx context.Context, id int64) error

	GetLocalSyncMode(ctx context.Context, localID int64) (model.SyncMode, bool, error)
	SetLocalSyncMode(ctx context.Context, localID int64, mode model.SyncMode) error
	ClearLocalSyncMode(ctx context.Context, localID int64) error
}

var _ Store = (storage.Store)(nil)

// Tracker is the sync state model of one node.
type Tracker struct {
	role  model.Role
	store Store
	cache *ttlcache.Cache[int64, model.SyncStatus]
}

// New creates a Tracker for role. Close must be called to stop the cache janitor.
func New(role model.Role, store Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.New[int64, model.SyncStatus](
		ttlcache.WithTTL[int64, model.SyncStatus](ttl),
		ttlcache.WithDisableTouchOnHit[int64, model.SyncStatus](),
	)
	go cache.Start()

	return &Tracker{role: role, store: store, cache: cache}
}

// Close stops the cache's expiry loop.
func (t *Tracker) Close() {
	t.cache.Stop()
}

// Role returns the role the Tracker was created for.
func (t *Tracker) Role() model.Role { return t.role }

func (t *Tracker) invalidate(id int64) {
	t.cache.Delete(id)
}

// GetStatus returns the derived status of an attachment.
func (t *Tracker) GetStatus(ctx context.Context, id int64) (model.SyncStatus, error) {
	if item := t.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	status, err := t.deriveStatus(ctx, id)
	if err != nil {
		return "", err
	}
	t.cache.Set(id, status, ttlcache.DefaultTTL)
	return status, nil
}

func (t *Tracker) deriveStatus(ctx context.Context, id int64) (model.SyncStatus, error) {
	if t.role == model.RoleBrand {
		_, found, err := t.store.GetLocalSyncMode(ctx, id)
		if err != nil {
			return "", err
		}
		if found {
			return model.StatusShared, nil
		}
		return model.StatusNotShared, nil
	}

	bindings, err := t.store.GetBindings(ctx, id)
	if err != nil {
		return "", err
	}
	if len(bindings) > 0 {
		return model.StatusShared, nil
	}
	on, err := t.store.GetSyncFlag(ctx, id)
	if err != nil {
		return "", err
	}
	if on {
		return model.StatusSyncing, nil
	}
	return model.StatusNotShared, nil
}

// IsSynced answers "is this synced" the way each role defines it: the is_sync flag
// on a governing node, local mode == sync on a brand node.
func (t *Tracker) IsSynced(ctx context.Context, id int64) (bool, error) {
	if t.role == model.RoleBrand {
		mode, found, err := t.store.GetLocalSyncMode(ctx, id)
		if err != nil {
			return false, err
		}
		return found && mode == model.ModeSync, nil
	}
	return t.store.GetSyncFlag(ctx, id)
}

// LocalMode returns the raw local sync mode of a brand attachment.
func (t *Tracker) LocalMode(ctx context.Context, localID int64) (model.SyncMode, bool, error) {
	if t.role != model.RoleBrand {
		return "", false, ErrWrongRole
	}
	return t.store.GetLocalSyncMode(ctx, localID)
}

// SetSyncMode marks an attachment as shared. On a brand node it records mode for
// the local attachment; on a governing node it sets the is_sync flag (the mode is
// then carried by each binding). Setting the current value again is a no-op and
// reports changed=false.
func (t *Tracker) SetSyncMode(ctx context.Context, id int64, mode model.SyncMode) (changed bool, err error) {
	if _, err := model.ParseSyncMode(string(mode)); err != nil {
		return false, err
	}

	if t.role == model.RoleBrand {
		current, found, err := t.store.GetLocalSyncMode(ctx, id)
		if err != nil {
			return false, err
		}
		if found && current == mode {
			return false, nil
		}
		if err := t.store.SetLocalSyncMode(ctx, id, mode); err != nil {
			return false, err
		}
		t.invalidate(id)
		return true, nil
	}

	on, err := t.store.GetSyncFlag(ctx, id)
	if err != nil {
		return false, err
	}
	if on {
		return false, nil
	}
	if err := t.store.SetSyncFlag(ctx, id, true); err != nil {
		return false, err
	}
	t.invalidate(id)
	return true, nil
}

// Bindings returns every binding of a canonical asset in share order.
func (t *Tracker) Bindings(ctx context.Context, id int64) ([]model.Binding, error) {
	if t.role != model.RoleGoverning {
		return nil, ErrWrongRole
	}
	return t.store.GetBindings(ctx, id)
}

// SyncBindings returns only the bindings in sync mode, which are the ones that
// receive updates and deletes.
func (t *Tracker) SyncBindings(ctx context.Context, id int64) ([]model.Binding, error) {
	all, err := t.Bindings(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]model.Binding, 0, len(all))
	for _, b := range all {
		if b.Mode == model.ModeSync {
			out = append(out, b)
		}
	}
	return out, nil
}

// Bind records (or refreshes) the binding of a canonical asset to one brand site.
func (t *Tracker) Bind(ctx context.Context, id int64, b model.Binding) error {
	if t.role != model.RoleGoverning {
		return ErrWrongRole
	}
	if err := t.store.PutBinding(ctx, id, b); err != nil {
		return fmt.Errorf("put binding: %w", err)
	}
	t.invalidate(id)
	return nil
}

// Unbind removes the binding to one site. When the last binding goes the is_sync
// flag is cleared as well, returning the asset to not_shared.
func (t *Tracker) Unbind(ctx context.Context, id int64, siteURL string) error {
	if t.role != model.RoleGoverning {
		return ErrWrongRole
	}
	defer t.invalidate(id)

	if err := t.store.RemoveBinding(ctx, id, siteURL); err != nil {
		return fmt.Errorf("remove binding: %w", err)
	}
	remaining, err := t.store.GetBindings(ctx, id)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return t.store.SetSyncFlag(ctx, id, false)
	}
	return nil
}

// Unshare clears every binding and the is_sync flag. Brand nodes cannot unshare.
func (t *Tracker) Unshare(ctx context.Context, id int64) error {
	if t.role == model.RoleBrand {
		return ErrReadOnly
	}
	defer t.invalidate(id)

	if err := t.store.DeleteBindings(ctx, id); err != nil {
		return err
	}
	return t.store.SetSyncFlag(ctx, id, false)
}

// Release clears a brand attachment's local mode. It is only reached from a request
// sent by the governing node; local edits never release media.
func (t *Tracker) Release(ctx context.Context, localID int64) error {
	if t.role != model.RoleBrand {
		return ErrWrongRole
	}
	if err := t.store.ClearLocalSyncMode(ctx, localID); err != nil {
		return err
	}
	t.invalidate(localID)
	return nil
}
