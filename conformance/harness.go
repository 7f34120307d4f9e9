// Package conformance boots in-process OneMedia nodes and drives them end to end
// over real HTTP, the way a governing site and its brand sites talk in production.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/config"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/remote"
	"github.com/RegistryAccord/onemedia-go/internal/server"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
)

// Node is one running OneMedia site.
type Node struct {
	Name   string
	URL    string // Site URL with a trailing slash
	APIKey string
	Store  storage.Store

	srv *httptest.Server
	mux *server.Mux
}

// Envelope mirrors the JSON body written by every endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

// Code returns the error code of a failed response, or "".
func (e Envelope) Code() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Code
}

// StartNode runs a node with in-memory storage on a loopback listener. The node's
// site URL is the listener's URL, so files it serves under /files/ are fetchable
// by its peers.
func StartNode(t *testing.T, name string, role model.Role) *Node {
	t.Helper()
	n := &Node{Name: name, APIKey: name + "-key", Store: storage.NewMemory()}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.mux.ServeHTTP(w, r)
	}))
	n.URL = n.srv.URL + "/"

	cfg := config.Config{
		Env:              "test",
		Role:             role,
		SiteURL:          n.URL,
		APIKey:           n.APIKey,
		Secret:           name + "-secret",
		MaxMediaSize:     1 << 20,
		AllowedMimeTypes: []string{"image/png", "image/jpeg"},
		HealthTimeout:    2 * time.Second,
		CreateTimeout:    5 * time.Second,
		WriteTimeout:     5 * time.Second,
		AuthRate:         100,
		AuthBurst:        100,
	}
	mux, err := server.NewMux(cfg, n.Store, media.NewMemoryStore(n.URL+"files/"), nil)
	if err != nil {
		n.srv.Close()
		t.Fatalf("start %s: %v", name, err)
	}
	n.mux = mux

	t.Cleanup(n.Close)
	return n
}

// DeadURL returns the URL of a site that refuses connections.
func DeadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL + "/"
	srv.Close()
	return u
}

// Close stops the node. It is safe to call more than once.
func (n *Node) Close() {
	if n.srv == nil {
		return
	}
	n.srv.Close()
	n.mux.Close()
	n.srv = nil
}

// Site returns the registry entry another node uses to reach n.
func (n *Node) Site() model.SharedSite {
	return model.SharedSite{Name: n.Name, URL: n.URL, APIKey: n.APIKey}
}

// Admin sends an operator request authenticated with the node's own API key.
func (n *Node) Admin(t *testing.T, method, path string, body interface{}) Envelope {
	t.Helper()
	req := n.request(t, method, path, body)
	req.Header.Set(remote.TokenHeader, n.APIKey)
	return do(t, req)
}

// AsNode sends a node-to-node request to n claiming to come from origin.
func (n *Node) AsNode(t *testing.T, origin, method, path string, body interface{}) (int, Envelope) {
	t.Helper()
	req := n.request(t, method, path, body)
	req.Header.Set(remote.TokenHeader, n.APIKey)
	req.Header.Set("Origin", origin)
	return doStatus(t, req)
}

// Upload adds a file through the media form endpoint and returns the new attachment.
func (n *Node) Upload(t *testing.T, filename string, data []byte) model.Attachment {
	t.Helper()
	env := n.form(t, map[string]string{"action": server.ActionUpload}, filename, data)
	var out model.MediaChangeResponse
	Decode(t, env, &out)
	return out.Attachment
}

// ReplaceFile swaps the file of attachment id.
func (n *Node) ReplaceFile(t *testing.T, id int64, filename string, data []byte) Envelope {
	t.Helper()
	return n.form(t, map[string]string{
		"action":           server.ActionReplace,
		"current_media_id": fmt.Sprint(id),
	}, filename, data)
}

// RestoreVersion makes the version stored at path current again.
func (n *Node) RestoreVersion(t *testing.T, id int64, path string) Envelope {
	t.Helper()
	return n.form(t, map[string]string{
		"action":             server.ActionReplace,
		"current_media_id":   fmt.Sprint(id),
		"is_version_restore": "true",
		"version_path":       path,
	}, "", nil)
}

// Versions returns the version history of attachment id, newest first.
func (n *Node) Versions(t *testing.T, id int64) []model.VersionSnapshot {
	t.Helper()
	env := n.Admin(t, http.MethodPost, "/sync-attachment-versions", model.AttachmentIDRequest{AttachmentID: id})
	var out model.VersionsResponse
	Decode(t, env, &out)
	return out.Versions
}

func (n *Node) form(t *testing.T, fields map[string]string, filename string, data []byte) Envelope {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(data)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, n.srv.URL+"/ajax", &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(remote.TokenHeader, n.APIKey)
	return do(t, req)
}

func (n *Node) request(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, n.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func do(t *testing.T, req *http.Request) Envelope {
	t.Helper()
	_, env := doStatus(t, req)
	return env
}

func doStatus(t *testing.T, req *http.Request) (int, Envelope) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode body: %v", req.Method, req.URL.Path, err)
	}
	return resp.StatusCode, env
}

// Decode unmarshals the data payload of a successful response into out.
func Decode(t *testing.T, env Envelope, out interface{}) {
	t.Helper()
	if !env.Success {
		t.Fatalf("request failed: %s", env.Code())
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// PNG returns a small distinct image per shade.
func PNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: shade, G: 255 - shade, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
