package propagation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/RegistryAccord/onemedia-go/internal/health"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/registry"
	"github.com/RegistryAccord/onemedia-go/internal/remote"
	"github.com/RegistryAccord/onemedia-go/internal/secret"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/RegistryAccord/onemedia-go/internal/syncstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrands stands in for every brand site. Each site keeps its own id sequence
// and a canonical -> local map, so re-sharing returns the existing copy.
type fakeBrands struct {
	mu       sync.Mutex
	down     map[string]bool
	rejectMT map[string]bool
	next     map[string]int64
	copies   map[string]map[int64]int64
	calls    []string
	childIDs []int64
	extra    map[string]model.IngestedMedia // Appended to every add-media response of a site
}

func newFakeBrands() *fakeBrands {
	return &fakeBrands{
		down:     map[string]bool{},
		rejectMT: map[string]bool{},
		next:     map[string]int64{},
		copies:   map[string]map[int64]int64{},
		extra:    map[string]model.IngestedMedia{},
	}
}

func (f *fakeBrands) unreachable(t model.Target) error {
	if f.down[t.URL] {
		return &remote.Error{StatusCode: http.StatusServiceUnavailable}
	}
	return nil
}

func (f *fakeBrands) HealthCheck(ctx context.Context, t model.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "health "+t.URL)
	return f.unreachable(t)
}

func (f *fakeBrands) AddMedia(ctx context.Context, t model.Target, req model.AddMediaRequest) (*model.AddMediaResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "add "+t.URL)
	if err := f.unreachable(t); err != nil {
		return nil, err
	}
	if f.rejectMT[t.URL] {
		return nil, &remote.Error{
			StatusCode:       http.StatusUnsupportedMediaType,
			MimeTypeError:    true,
			UnsupportedFiles: []model.UnsupportedFile{{ID: req.MediaFiles[0].ID, MimeType: req.MediaFiles[0].MimeType}},
		}
	}
	if f.copies[t.URL] == nil {
		f.copies[t.URL] = map[int64]int64{}
	}
	resp := &model.AddMediaResponse{}
	for _, m := range req.MediaFiles {
		f.childIDs = append(f.childIDs, m.ChildID)
		local, ok := f.copies[t.URL][m.ID]
		if !ok {
			f.next[t.URL]++
			local = 100 + f.next[t.URL]
			f.copies[t.URL][m.ID] = local
		}
		resp.Media = append(resp.Media, model.IngestedMedia{ID: local, ParentID: m.ID, Created: !ok, SyncOption: model.SyncMode(req.SyncOption)})
	}
	if extra, ok := f.extra[t.URL]; ok {
		resp.Media = append(resp.Media, extra)
	}
	return resp, nil
}

func (f *fakeBrands) UpdateAttachment(ctx context.Context, t model.Target, req model.UpdateAttachmentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update "+t.URL)
	return f.unreachable(t)
}

func (f *fakeBrands) DeleteMediaMetadata(ctx context.Context, t model.Target, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+t.URL)
	return f.unreachable(t)
}

func (f *fakeBrands) callsOf(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > len(kind) && c[:len(kind)+1] == kind+" " {
			out = append(out, c[len(kind)+1:])
		}
	}
	return out
}

const (
	siteA = "https://a.example.com/"
	siteB = "https://b.example.com/"
	siteC = "https://c.example.com/"
)

type fixture struct {
	engine  *Engine
	brands  *fakeBrands
	store   storage.Store
	tracker *syncstate.Tracker
	asset   model.Attachment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	sealer, err := secret.NewSealer("test-secret")
	require.NoError(t, err)
	reg := registry.New(store, sealer)
	for _, s := range []model.SharedSite{
		{Name: "A", URL: siteA, APIKey: "key-a"},
		{Name: "B", URL: siteB, APIKey: "key-b"},
		{Name: "C", URL: siteC, APIKey: "key-c"},
	} {
		_, err := reg.Add(ctx, s)
		require.NoError(t, err)
	}

	tracker := syncstate.New(model.RoleGoverning, store, 0)
	t.Cleanup(tracker.Close)

	brands := newFakeBrands()
	asset, err := store.CreateAttachment(ctx, model.Attachment{
		Title: "Logo.png",
		File:  model.FileSnapshot{Path: "media/logo.png", URL: "https://gov.example.com/files/media/logo.png", MimeType: "image/png"},
	})
	require.NoError(t, err)

	return &fixture{
		engine:  New(brands, health.NewChecker(brands), reg, tracker, store, nil),
		brands:  brands,
		store:   store,
		tracker: tracker,
		asset:   asset,
	}
}

func failedURLs(res Result) []string {
	var out []string
	for _, f := range res.Failed {
		out = append(out, f.URL)
	}
	return out
}

func TestSharePartialFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.brands.down[siteB] = true

	res, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteC, siteB, siteA})
	require.NoError(t, err)

	// Registry order, not request order
	assert.Equal(t, []string{siteA, siteB, siteC}, fx.brands.callsOf("add"))
	require.Len(t, res.Succeeded, 2)
	assert.Equal(t, siteA, res.Succeeded[0].URL)
	assert.Equal(t, siteC, res.Succeeded[1].URL)
	assert.Equal(t, []string{siteB}, failedURLs(res))
	assert.False(t, res.OK())

	index, err := fx.store.GetSharedIndex(ctx, fx.asset.ID)
	require.NoError(t, err)
	assert.Len(t, index, 2)
	assert.Contains(t, index, siteA)
	assert.Contains(t, index, siteC)

	status, err := fx.tracker.GetStatus(ctx, fx.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusShared, status)
}

func TestShareTwiceKeepsOneBinding(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	first, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA})
	require.NoError(t, err)
	second, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA})
	require.NoError(t, err)

	assert.Equal(t, first.Succeeded[0].RemoteID, second.Succeeded[0].RemoteID)
	assert.Equal(t, []int64{0, first.Succeeded[0].RemoteID}, fx.brands.childIDs)

	bindings, err := fx.store.GetBindings(ctx, fx.asset.ID)
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
	assert.Len(t, fx.brands.copies[siteA], 1)
}

func TestShareBlockedByUnreachableBoundSite(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA})
	require.NoError(t, err)

	fx.brands.down[siteA] = true
	_, err = fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteB})

	var ferr *health.FailedSitesError
	require.True(t, errors.As(err, &ferr), "got %v", err)
	require.Len(t, ferr.Sites, 1)
	assert.Equal(t, siteA, ferr.Sites[0].URL)
	assert.Equal(t, []string{siteA}, fx.brands.callsOf("add"))
}

func TestShareGateChecksEachBoundSiteOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	ids := []int64{fx.asset.ID}
	for _, title := range []string{"Banner.png", "Icon.png"} {
		a, err := fx.store.CreateAttachment(ctx, model.Attachment{Title: title, File: fx.asset.File})
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	_, err := fx.engine.Share(ctx, ids, model.ModeSync, []string{siteA})
	require.NoError(t, err)

	fx.brands.down[siteA] = true
	before := len(fx.brands.callsOf("health"))
	_, err = fx.engine.Share(ctx, ids, model.ModeSync, []string{siteB})

	var ferr *health.FailedSitesError
	require.True(t, errors.As(err, &ferr), "got %v", err)
	require.Len(t, ferr.Sites, 1)
	assert.Equal(t, siteA, ferr.Sites[0].URL)
	assert.Len(t, fx.brands.callsOf("health"), before+1)
	assert.NotContains(t, fx.brands.callsOf("add"), siteB)
}

func TestShareIgnoresMediaThatWasNotRequested(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	other, err := fx.store.CreateAttachment(ctx, model.Attachment{Title: "Other.png", File: fx.asset.File})
	require.NoError(t, err)
	fx.brands.extra[siteA] = model.IngestedMedia{ID: 555, ParentID: other.ID, Created: true}

	res, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA})
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, fx.asset.ID, res.Succeeded[0].AttachmentID)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, other.ID, res.Failed[0].AttachmentID)

	bindings, err := fx.store.GetBindings(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, bindings)
	index, err := fx.store.GetSharedIndex(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, index)
}

func TestShareUnknownSiteAndValidation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	res, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeNoSync, []string{"https://nobody.example.com", siteA})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://nobody.example.com"}, failedURLs(res))
	assert.Len(t, res.Succeeded, 1)

	_, err = fx.engine.Share(ctx, nil, model.ModeSync, []string{siteA})
	assert.ErrorIs(t, err, ErrNothingToShare)

	_, err = fx.engine.Share(ctx, []int64{999}, model.ModeSync, []string{siteA})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = fx.engine.Share(ctx, []int64{fx.asset.ID}, "maybe", []string{siteA})
	assert.Error(t, err)
}

func TestShareMimeTypeRejection(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.brands.rejectMT[siteB] = true

	res, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA, siteB})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.True(t, res.Failed[0].MimeTypeError)
	assert.Contains(t, res.Failed[0].Message, "image/png")
	assert.Equal(t, "B", res.Failed[0].SiteName)
}

func TestUpdateTargetsSyncBindingsOnly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeNoSync, []string{siteA})
	require.NoError(t, err)
	_, err = fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteB, siteC})
	require.NoError(t, err)

	fx.brands.down[siteC] = true
	res, err := fx.engine.Update(ctx, fx.asset.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{siteB}, fx.brands.callsOf("update"))
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, siteB, res.Succeeded[0].URL)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, siteC, res.Failed[0].URL)
	assert.Contains(t, res.Failed[0].Message, "HTTP error")
}

func TestPreUpdateGuard(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.engine.PreUpdateGuard(ctx, fx.asset.ID))

	_, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA, siteB})
	require.NoError(t, err)
	require.NoError(t, fx.engine.PreUpdateGuard(ctx, fx.asset.ID))

	fx.brands.down[siteA] = true
	fx.brands.down[siteB] = true
	err = fx.engine.PreUpdateGuard(ctx, fx.asset.ID)
	var ferr *health.FailedSitesError
	require.True(t, errors.As(err, &ferr))
	assert.Len(t, ferr.Sites, 2)
}

func TestDeleteRecordsEachRelease(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA, siteB, siteC})
	require.NoError(t, err)

	fx.brands.down[siteB] = true
	res, err := fx.engine.Delete(ctx, fx.asset.ID)
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 2)
	assert.Equal(t, []string{siteB}, failedURLs(res))

	bindings, err := fx.store.GetBindings(ctx, fx.asset.ID)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, siteB, bindings[0].SiteURL)

	index, err := fx.store.GetSharedIndex(ctx, fx.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{siteB: bindings[0].RemoteID}, index)
}

func TestUnshareSelectedSites(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeSync, []string{siteA, siteB})
	require.NoError(t, err)

	res, err := fx.engine.Unshare(ctx, fx.asset.ID, []string{siteA, siteC})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 1)
	assert.Equal(t, []string{siteC}, failedURLs(res))

	res, err = fx.engine.Unshare(ctx, fx.asset.ID, nil)
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 1)

	status, err := fx.tracker.GetStatus(ctx, fx.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNotShared, status)
}

func TestChangeModeConvertsInPlace(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	shared, err := fx.engine.Share(ctx, []int64{fx.asset.ID}, model.ModeNoSync, []string{siteA})
	require.NoError(t, err)

	res, err := fx.engine.ChangeMode(ctx, fx.asset.ID, model.ModeSync)
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, shared.Succeeded[0].RemoteID, res.Succeeded[0].RemoteID)

	bindings, err := fx.tracker.SyncBindings(ctx, fx.asset.ID)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, model.ModeSync, bindings[0].Mode)
	assert.Equal(t, shared.Succeeded[0].RemoteID, fx.brands.childIDs[len(fx.brands.childIDs)-1])

	// Already in the requested mode: nothing is sent
	before := len(fx.brands.callsOf("add"))
	_, err = fx.engine.ChangeMode(ctx, fx.asset.ID, model.ModeSync)
	require.NoError(t, err)
	assert.Len(t, fx.brands.callsOf("add"), before)
}
