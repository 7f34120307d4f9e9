package library

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/RegistryAccord/onemedia-go/internal/health"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/propagation"
	"github.com/RegistryAccord/onemedia-go/internal/registry"
	"github.com/RegistryAccord/onemedia-go/internal/remote"
	"github.com/RegistryAccord/onemedia-go/internal/secret"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/RegistryAccord/onemedia-go/internal/syncstate"
	"github.com/RegistryAccord/onemedia-go/internal/versions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const brandURL = "https://brand.example.com/"

// fakeBrand is a single brand site that accepts everything unless down.
type fakeBrand struct {
	down    bool
	updates []model.UpdateAttachmentRequest
	deletes []int64
}

func (f *fakeBrand) err() error {
	if f.down {
		return &remote.Error{StatusCode: http.StatusBadGateway}
	}
	return nil
}

func (f *fakeBrand) HealthCheck(ctx context.Context, t model.Target) error { return f.err() }

func (f *fakeBrand) AddMedia(ctx context.Context, t model.Target, req model.AddMediaRequest) (*model.AddMediaResponse, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	resp := &model.AddMediaResponse{}
	for _, m := range req.MediaFiles {
		resp.Media = append(resp.Media, model.IngestedMedia{ID: 500 + m.ID, ParentID: m.ID, Created: true, SyncOption: model.SyncMode(req.SyncOption)})
	}
	return resp, nil
}

func (f *fakeBrand) UpdateAttachment(ctx context.Context, t model.Target, req model.UpdateAttachmentRequest) error {
	if err := f.err(); err != nil {
		return err
	}
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeBrand) DeleteMediaMetadata(ctx context.Context, t model.Target, id int64) error {
	if err := f.err(); err != nil {
		return err
	}
	f.deletes = append(f.deletes, id)
	return nil
}

type governing struct {
	svc     *Service
	engine  *propagation.Engine
	brand   *fakeBrand
	store   storage.Store
	content *media.MemoryStore
}

func newGoverning(t *testing.T) *governing {
	t.Helper()
	store := storage.NewMemory()
	sealer, err := secret.NewSealer("test-secret")
	require.NoError(t, err)
	reg := registry.New(store, sealer)
	_, err = reg.Add(context.Background(), model.SharedSite{Name: "Brand", URL: brandURL, APIKey: "k"})
	require.NoError(t, err)

	tracker := syncstate.New(model.RoleGoverning, store, 0)
	t.Cleanup(tracker.Close)
	brand := &fakeBrand{}
	engine := propagation.New(brand, health.NewChecker(brand), reg, tracker, store, nil)
	content := media.NewMemoryStore("https://gov.example.com/files/")

	return &governing{
		svc:     New(model.RoleGoverning, store, tracker, versions.New(store), engine, content, []string{"image/png", "text/plain"}, 1<<20),
		engine:  engine,
		brand:   brand,
		store:   store,
		content: content,
	}
}

func file(name, body string) Upload {
	return Upload{Filename: name, MimeType: "text/plain", Data: []byte(body)}
}

func paths(vs []model.VersionSnapshot) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.File.Path)
	}
	return out
}

func TestUpload(t *testing.T) {
	g := newGoverning(t)
	a, err := g.svc.Upload(context.Background(), file("docs/Logo.txt", "file1"))
	require.NoError(t, err)
	assert.Equal(t, "Logo", a.Title)
	assert.Equal(t, "text/plain", a.File.MimeType)
	assert.Contains(t, a.File.URL, "https://gov.example.com/files/media/")

	_, err = g.svc.Upload(context.Background(), Upload{Filename: "a.exe", MimeType: "application/x-msdownload", Data: []byte("MZ")})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = g.svc.Upload(context.Background(), Upload{Filename: "a.txt"})
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = g.svc.Upload(context.Background(), file("big.txt", string(make([]byte, 2<<20))))
	assert.ErrorIs(t, err, media.ErrTooLarge)
}

func TestReplaceTwiceAndRestore(t *testing.T) {
	ctx := context.Background()
	g := newGoverning(t)

	a, err := g.svc.Upload(ctx, file("logo.txt", "file1"))
	require.NoError(t, err)
	file1 := a.File.Path

	out, err := g.svc.Replace(ctx, a.ID, file("logo.txt", "file2"))
	require.NoError(t, err)
	file2 := out.Attachment.File.Path
	out, err = g.svc.Replace(ctx, a.ID, file("logo.txt", "file3"))
	require.NoError(t, err)
	file3 := out.Attachment.File.Path

	assert.Equal(t, []string{file3, file2, file1}, paths(out.Versions))

	restored, err := g.svc.RestoreVersion(ctx, a.ID, file1)
	require.NoError(t, err)
	assert.Equal(t, file1, restored.Attachment.File.Path)
	assert.Equal(t, []string{file1, file3, file2}, paths(restored.Versions))
	assert.False(t, restored.Versions[0].LastUsed.Before(out.Versions[2].LastUsed))

	rc, _, err := g.content.Open(ctx, restored.Attachment.File.Path)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "file1", string(body))

	// Replace again, then restore file1 once more: same file as the first restore
	_, err = g.svc.Replace(ctx, a.ID, file("logo.txt", "file4"))
	require.NoError(t, err)
	again, err := g.svc.RestoreVersion(ctx, a.ID, file1)
	require.NoError(t, err)
	assert.Equal(t, restored.Attachment.File.Checksum, again.Attachment.File.Checksum)
	assert.Equal(t, restored.Attachment.File.Metadata, again.Attachment.File.Metadata)
}

type flakyUpdates struct {
	storage.Store
	fail bool
}

func (f *flakyUpdates) UpdateAttachment(ctx context.Context, a model.Attachment) error {
	if f.fail {
		return errors.New("attachment store unavailable")
	}
	return f.Store.UpdateAttachment(ctx, a)
}

func TestFailedUpdateKeepsHistoryOnLiveFile(t *testing.T) {
	ctx := context.Background()
	g := newGoverning(t)
	flaky := &flakyUpdates{Store: g.store}
	g.svc.store = flaky

	a, err := g.svc.Upload(ctx, file("logo.txt", "file1"))
	require.NoError(t, err)
	out, err := g.svc.Replace(ctx, a.ID, file("logo.txt", "file2"))
	require.NoError(t, err)
	before := paths(out.Versions)

	flaky.fail = true
	_, err = g.svc.Replace(ctx, a.ID, file("logo.txt", "file3"))
	require.Error(t, err)
	_, err = g.svc.RestoreVersion(ctx, a.ID, a.File.Path)
	require.Error(t, err)

	history, err := g.svc.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, before, paths(history))
	live, err := g.store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, history[0].File.Path, live.File.Path, "index 0 is the live file")
}

func TestVersionCap(t *testing.T) {
	ctx := context.Background()
	g := newGoverning(t)

	a, err := g.svc.Upload(ctx, file("logo.txt", "v0"))
	require.NoError(t, err)
	var last *Outcome
	for i := 1; i <= 8; i++ {
		last, err = g.svc.Replace(ctx, a.ID, file("logo.txt", string(rune('a'+i))))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(last.Versions), model.MaxVersions)
		assert.Equal(t, last.Attachment.File.Path, last.Versions[0].File.Path)
	}
	assert.Len(t, last.Versions, model.MaxVersions)
}

func TestRestoreUnknownVersion(t *testing.T) {
	ctx := context.Background()
	g := newGoverning(t)

	a, err := g.svc.Upload(ctx, file("logo.txt", "v0"))
	require.NoError(t, err)
	_, err = g.svc.RestoreVersion(ctx, a.ID, a.File.Path)
	assert.ErrorIs(t, err, versions.ErrNoVersionHistory)
}

func TestReplacePropagatesAndIsGuarded(t *testing.T) {
	ctx := context.Background()
	g := newGoverning(t)

	a, err := g.svc.Upload(ctx, file("logo.txt", "file1"))
	require.NoError(t, err)
	_, err = g.engine.Share(ctx, []int64{a.ID}, model.ModeSync, []string{brandURL})
	require.NoError(t, err)

	out, err := g.svc.Replace(ctx, a.ID, file("logo.txt", "file2"))
	require.NoError(t, err)
	require.NotNil(t, out.Propagation)
	assert.True(t, out.Propagation.OK())
	require.Len(t, g.brand.updates, 1)
	assert.Equal(t, 500+a.ID, g.brand.updates[0].AttachmentID)
	assert.Equal(t, out.Attachment.File.URL, g.brand.updates[0].AttachmentURL)

	title := "New title"
	_, err = g.svc.EditMetadata(ctx, a.ID, model.MetadataEdit{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "New title", g.brand.updates[1].AttachmentData.Title)

	g.brand.down = true
	_, err = g.svc.EditMetadata(ctx, a.ID, model.MetadataEdit{Title: &title})
	var ferr *health.FailedSitesError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, brandURL, ferr.Sites[0].URL)

	_, err = g.svc.Replace(ctx, a.ID, file("logo.txt", "file3"))
	require.True(t, errors.As(err, &ferr))
	current, err := g.store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Attachment.File.Path, current.File.Path)
}

func TestDeleteGoverning(t *testing.T) {
	ctx := context.Background()
	g := newGoverning(t)

	a, err := g.svc.Upload(ctx, file("logo.txt", "file1"))
	require.NoError(t, err)
	_, err = g.engine.Share(ctx, []int64{a.ID}, model.ModeSync, []string{brandURL})
	require.NoError(t, err)

	g.brand.down = true
	out, err := g.svc.Delete(ctx, a.ID)
	var ferr *health.FailedSitesError
	require.True(t, errors.As(err, &ferr))
	require.NotNil(t, out.Propagation)
	_, err = g.store.GetAttachment(ctx, a.ID)
	require.NoError(t, err, "asset is kept while a brand copy could not be released")

	g.brand.down = false
	_, err = g.svc.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{500 + a.ID}, g.brand.deletes)

	_, err = g.store.GetAttachment(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	index, err := g.store.GetSharedIndex(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, index)
	_, _, err = g.content.Open(ctx, a.File.Path)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	g := newGoverning(t)

	a, err := g.svc.Upload(ctx, file("alpha.txt", "a"))
	require.NoError(t, err)
	_, err = g.svc.Upload(ctx, file("beta.txt", "b"))
	require.NoError(t, err)
	_, err = g.engine.Share(ctx, []int64{a.ID}, model.ModeSync, []string{brandURL})
	require.NoError(t, err)

	resp, err := g.svc.List(ctx, model.ListMediaQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, resp.MediaFiles, 2)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.TotalPages)

	byTitle := map[string]model.MediaListItem{}
	for _, item := range resp.MediaFiles {
		byTitle[item.Title] = item
	}
	assert.Equal(t, model.StatusShared, byTitle["alpha"].Status)
	assert.True(t, byTitle["alpha"].IsSync)
	assert.Equal(t, map[string]int64{brandURL: 500 + a.ID}, byTitle["alpha"].SyncedTo)
	assert.Equal(t, model.StatusNotShared, byTitle["beta"].Status)
	assert.Nil(t, byTitle["beta"].SyncedTo)

	resp, err = g.svc.List(ctx, model.ListMediaQuery{SearchTerm: "BETA"})
	require.NoError(t, err)
	require.Len(t, resp.MediaFiles, 1)
}

func TestBrandSyncCopiesAreReadOnly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tracker := syncstate.New(model.RoleBrand, store, 0)
	t.Cleanup(tracker.Close)
	content := media.NewMemoryStore("https://brand.example.com/files/")
	svc := New(model.RoleBrand, store, tracker, nil, nil, content, []string{"text/plain"}, 0)

	synced, err := svc.Upload(ctx, file("synced.txt", "s"))
	require.NoError(t, err)
	_, err = tracker.SetSyncMode(ctx, synced.ID, model.ModeSync)
	require.NoError(t, err)

	owned, err := svc.Upload(ctx, file("owned.txt", "o"))
	require.NoError(t, err)
	_, err = tracker.SetSyncMode(ctx, owned.ID, model.ModeNoSync)
	require.NoError(t, err)
	require.NoError(t, store.PutKeyMapping(ctx, 42, owned.ID))

	title := "x"
	_, err = svc.EditMetadata(ctx, synced.ID, model.MetadataEdit{Title: &title})
	assert.ErrorIs(t, err, syncstate.ErrReadOnly)
	_, err = svc.Replace(ctx, synced.ID, file("new.txt", "n"))
	assert.ErrorIs(t, err, syncstate.ErrReadOnly)
	_, err = svc.Delete(ctx, synced.ID)
	assert.ErrorIs(t, err, syncstate.ErrReadOnly)
	_, err = svc.RestoreVersion(ctx, synced.ID, "any")
	assert.ErrorIs(t, err, syncstate.ErrWrongRole)

	// no_sync copies belong to the brand
	out, err := svc.EditMetadata(ctx, owned.ID, model.MetadataEdit{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "x", out.Attachment.Title)
	assert.Nil(t, out.Propagation)

	_, err = svc.Delete(ctx, owned.ID)
	require.NoError(t, err)
	_, found, err := store.GetKeyMapping(ctx, 42)
	require.NoError(t, err)
	assert.False(t, found)
}
