package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckSendsCredentials(t *testing.T) {
	var gotToken, gotOrigin, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(TokenHeader)
		gotOrigin = r.Header.Get("Origin")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"success":true,"message":"ok"}}`))
	}))
	defer srv.Close()

	c := New("https://governing.example.com/", Timeouts{})
	err := c.HealthCheck(context.Background(), model.Target{Name: "A", URL: srv.URL, APIKey: "key-a"})
	require.NoError(t, err)

	assert.Equal(t, "key-a", gotToken)
	assert.Equal(t, "https://governing.example.com", gotOrigin)
	assert.Equal(t, "/health-check", gotPath)
}

func TestMissingAPIKeyShortCircuits(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New("https://governing.example.com/", Timeouts{})
	err := c.HealthCheck(context.Background(), model.Target{URL: srv.URL})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.False(t, called)
}

func TestNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"OM_AUTH_REJECTED","message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := New("https://governing.example.com/", Timeouts{})
	err := c.UpdateAttachment(context.Background(), model.Target{URL: srv.URL, APIKey: "k"}, model.UpdateAttachmentRequest{AttachmentID: 7})

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusUnauthorized, rerr.StatusCode)
	assert.Equal(t, "OM_AUTH_REJECTED", rerr.Code)
	assert.Equal(t, "HTTP 401: invalid api key", rerr.Error())
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New("https://governing.example.com/", Timeouts{})
	err := c.DeleteMediaMetadata(context.Background(), model.Target{URL: url, APIKey: "k"}, 3)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Zero(t, rerr.StatusCode)
	assert.Contains(t, rerr.Error(), "transport error")
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New("https://governing.example.com/", Timeouts{Health: 50 * time.Millisecond})
	start := time.Now()
	err := c.HealthCheck(context.Background(), model.Target{URL: srv.URL, APIKey: "k"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAddMediaDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.AddMediaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		media := make([]model.IngestedMedia, 0, len(req.MediaFiles))
		for i, f := range req.MediaFiles {
			media = append(media, model.IngestedMedia{ID: int64(100 + i), ParentID: f.ID, Created: true, SyncOption: model.SyncMode(req.SyncOption)})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    model.AddMediaResponse{Media: media},
		})
	}))
	defer srv.Close()

	c := New("https://governing.example.com/", Timeouts{})
	resp, err := c.AddMedia(context.Background(), model.Target{URL: srv.URL, APIKey: "k"}, model.AddMediaRequest{
		SyncOption: "sync",
		MediaFiles: []model.MediaFile{{ID: 42, URL: "https://governing.example.com/files/a.png"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Media, 1)
	assert.Equal(t, int64(100), resp.Media[0].ID)
	assert.Equal(t, int64(42), resp.Media[0].ParentID)
}

func TestAddMediaMimeTypeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"OM_UNSUPPORTED_FILE_TYPE","message":"unsupported file type",` +
			`"details":{"is_mime_type_error":true,"unsupported_files":[{"id":42,"mime_type":"image/svg+xml"}]}}}`))
	}))
	defer srv.Close()

	c := New("https://governing.example.com/", Timeouts{})
	_, err := c.AddMedia(context.Background(), model.Target{URL: srv.URL, APIKey: "k"}, model.AddMediaRequest{SyncOption: "sync"})

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.True(t, rerr.MimeTypeError)
	require.Len(t, rerr.UnsupportedFiles, 1)
	assert.Equal(t, "image/svg+xml", rerr.UnsupportedFiles[0].MimeType)
}
