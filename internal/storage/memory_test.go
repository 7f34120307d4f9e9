package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/onemedia-go/internal/model"
)

func TestMemoryAttachments(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	a, err := s.CreateAttachment(ctx, model.Attachment{Title: "logo", File: model.FileSnapshot{Path: "media/logo.png", MimeType: "image/png"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	got.Title = "changed"
	again, err := s.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "logo", again.Title, "callers get copies")

	require.NoError(t, s.UpdateAttachment(ctx, *got))
	again, err = s.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "changed", again.Title)
	assert.Equal(t, a.CreatedAt, again.CreatedAt)

	assert.ErrorIs(t, s.UpdateAttachment(ctx, model.Attachment{ID: 99}), ErrNotFound)
	require.NoError(t, s.DeleteAttachment(ctx, a.ID))
	_, err = s.GetAttachment(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteAttachment(ctx, a.ID), ErrNotFound)
}

func TestMemoryListAttachments(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i, mt := range []string{"image/png", "image/jpeg", "video/mp4", "image/png"} {
		_, err := s.CreateAttachment(ctx, model.Attachment{
			Title: fmt.Sprintf("item-%d", i),
			File:  model.FileSnapshot{Path: fmt.Sprintf("media/%d", i), MimeType: mt},
		})
		require.NoError(t, err)
	}

	res, err := s.ListAttachments(ctx, model.ListMediaQuery{ImageType: "image", PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.TotalPages)
	require.Len(t, res.Attachments, 2)
	assert.Equal(t, int64(4), res.Attachments[0].ID, "newest first")

	res, err = s.ListAttachments(ctx, model.ListMediaQuery{ImageType: "image/png", SearchTerm: "ITEM-3"})
	require.NoError(t, err)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, "item-3", res.Attachments[0].Title)

	res, err = s.ListAttachments(ctx, model.ListMediaQuery{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, res.Attachments)
	assert.Equal(t, 4, res.Total)
}

func TestMemoryBindingsAreUniqueBySite(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.PutBinding(ctx, 1, model.Binding{SiteURL: "https://a.example", RemoteID: 10, Mode: model.ModeSync}))
	require.NoError(t, s.PutBinding(ctx, 1, model.Binding{SiteURL: "https://b.example/", RemoteID: 20, Mode: model.ModeNoSync}))
	require.NoError(t, s.PutBinding(ctx, 1, model.Binding{SiteURL: "https://a.example/", RemoteID: 11, Mode: model.ModeSync}))

	got, err := s.GetBindings(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []model.Binding{
		{SiteURL: "https://a.example/", RemoteID: 11, Mode: model.ModeSync},
		{SiteURL: "https://b.example/", RemoteID: 20, Mode: model.ModeNoSync},
	}, got)

	require.NoError(t, s.RemoveBinding(ctx, 1, "https://a.example/"))
	got, err = s.GetBindings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://b.example/", got[0].SiteURL)
}

func TestMemorySharedIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.PutSharedIndexEntry(ctx, 7, "https://a.example", 3))
	require.NoError(t, s.PutSharedIndexEntry(ctx, 7, "https://b.example/", 4))
	idx, err := s.GetSharedIndex(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"https://a.example/": 3, "https://b.example/": 4}, idx)

	require.NoError(t, s.RemoveSharedIndexEntry(ctx, 7, "https://a.example/"))
	idx, err = s.GetSharedIndex(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"https://b.example/": 4}, idx)

	require.NoError(t, s.DeleteSharedIndex(ctx, 7))
	idx, err = s.GetSharedIndex(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestMemoryEndpoints(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateEndpoint(ctx, model.BrandEndpoint{ID: "a", Name: "A", URL: "https://a.example/"}))
	require.NoError(t, s.CreateEndpoint(ctx, model.BrandEndpoint{ID: "b", Name: "B", URL: "https://b.example/"}))
	assert.ErrorIs(t, s.CreateEndpoint(ctx, model.BrandEndpoint{ID: "c", Name: "C", URL: "https://a.example"}), ErrConflict)
	assert.ErrorIs(t, s.UpdateEndpoint(ctx, model.BrandEndpoint{ID: "b", Name: "B", URL: "https://a.example/"}), ErrConflict)
	assert.ErrorIs(t, s.UpdateEndpoint(ctx, model.BrandEndpoint{ID: "zz", URL: "https://z.example/"}), ErrNotFound)

	eps, err := s.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "a", eps[0].ID, "registration order")

	require.NoError(t, s.DeleteEndpoint(ctx, "a"))
	_, err = s.GetEndpoint(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGoverningSitePointer(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.SetGoverningSiteURL(ctx, "https://gov.example"))
	require.NoError(t, s.SetGoverningSiteURL(ctx, "https://gov.example/"))
	assert.ErrorIs(t, s.SetGoverningSiteURL(ctx, "https://other.example/"), ErrConflict)

	got, err := s.GetGoverningSiteURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://gov.example/", got)

	require.NoError(t, s.ClearGoverningSiteURL(ctx))
	require.NoError(t, s.SetGoverningSiteURL(ctx, "https://other.example/"))
}

func TestMemoryBrandRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, found, err := s.GetLocalSyncMode(ctx, 5)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetLocalSyncMode(ctx, 5, model.ModeSync))
	require.NoError(t, s.PutKeyMapping(ctx, 42, 5))
	mode, found, err := s.GetLocalSyncMode(ctx, 5)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.ModeSync, mode)

	require.NoError(t, s.DeleteKeyMappingByLocal(ctx, 5))
	_, found, err = s.GetKeyMapping(ctx, 42)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryVersionsRoundTripMetadata(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	versions := []model.VersionSnapshot{{File: model.FileSnapshot{Path: "b", Metadata: []byte(`{"width":4}`)}}, {File: model.FileSnapshot{Path: "a"}}}
	require.NoError(t, s.PutVersions(ctx, 3, versions))
	got, err := s.GetVersions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].File.Path)
	assert.JSONEq(t, `{"width":4}`, string(got[0].File.Metadata))

	require.NoError(t, s.DeleteVersions(ctx, 3))
	got, err = s.GetVersions(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}
