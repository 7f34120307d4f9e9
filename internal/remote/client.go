// Package remote provides the outbound HTTP client a OneMedia node uses to call
// other nodes. Every call carries the target's API key in X-OneMedia-Token and this
// node's site URL as Origin, and runs under a per-operation timeout.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/metrics"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TokenHeader carries the API key on node-to-node requests.
const TokenHeader = "X-OneMedia-Token"

// Remote operations, used as metric labels and span names
const (
	OpHealthCheck         = "health_check"
	OpAddMedia            = "add_media"
	OpUpdateAttachment    = "update_attachment"
	OpDeleteMediaMetadata = "delete_media_metadata"
)

// ErrMissingAPIKey is returned before any network activity when a target has no API key.
var ErrMissingAPIKey = errors.New("API key missing")

// Error describes a failed remote call. StatusCode is zero for transport errors.
type Error struct {
	StatusCode int
	Code       string // Remote error code, when the body carried one
	Message    string
	Err        error // Transport error

	// Set when the remote rejected an add-media batch for unsupported mime types
	MimeTypeError    bool
	UnsupportedFiles []model.UnsupportedFile
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeouts bounds each class of remote call.
type Timeouts struct {
	Health time.Duration
	Create time.Duration
	Write  time.Duration
}

// DefaultTimeouts are used for any zero field of the Timeouts passed to New.
var DefaultTimeouts = Timeouts{
	Health: 15 * time.Second,
	Create: 15 * time.Second,
	Write:  25 * time.Second,
}

// Client calls brand node endpoints on behalf of this node.
type Client struct {
	origin   string
	hc       *http.Client
	timeouts Timeouts
	metrics  *metrics.Metrics
}

// New creates a client that identifies itself as origin (this node's site URL).
func New(origin string, timeouts Timeouts) *Client {
	if timeouts.Health <= 0 {
		timeouts.Health = DefaultTimeouts.Health
	}
	if timeouts.Create <= 0 {
		timeouts.Create = DefaultTimeouts.Create
	}
	if timeouts.Write <= 0 {
		timeouts.Write = DefaultTimeouts.Write
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConnsPerHost: 4,
	}

	// Per-call deadlines come from the context
	return &Client{
		origin:   strings.TrimRight(origin, "/"),
		hc:       &http.Client{Transport: transport},
		timeouts: timeouts,
		metrics:  metrics.NewMetrics(),
	}
}

// envelope is the response body every OneMedia endpoint writes.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

type mimeTypeDetails struct {
	IsMimeTypeError  bool                    `json:"is_mime_type_error"`
	UnsupportedFiles []model.UnsupportedFile `json:"unsupported_files"`
}

// HealthCheck performs an authenticated GET /health-check against t.
func (c *Client) HealthCheck(ctx context.Context, t model.Target) error {
	return c.do(ctx, t, OpHealthCheck, http.MethodGet, "health-check", nil, c.timeouts.Health, nil)
}

// AddMedia sends an add-media batch to t.
func (c *Client) AddMedia(ctx context.Context, t model.Target, req model.AddMediaRequest) (*model.AddMediaResponse, error) {
	var resp model.AddMediaResponse
	if err := c.do(ctx, t, OpAddMedia, http.MethodPost, "add-media", req, c.timeouts.Create, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateAttachment pushes a metadata/file update for one brand-local attachment.
func (c *Client) UpdateAttachment(ctx context.Context, t model.Target, req model.UpdateAttachmentRequest) error {
	return c.do(ctx, t, OpUpdateAttachment, http.MethodPost, "update-attachment", req, c.timeouts.Write, nil)
}

// DeleteMediaMetadata releases one brand-local attachment from sync.
func (c *Client) DeleteMediaMetadata(ctx context.Context, t model.Target, attachmentID int64) error {
	req := model.AttachmentIDRequest{AttachmentID: attachmentID}
	return c.do(ctx, t, OpDeleteMediaMetadata, http.MethodPost, "delete-media-metadata", req, c.timeouts.Write, nil)
}

func (c *Client) do(ctx context.Context, t model.Target, op, method, path string, body interface{}, timeout time.Duration, out interface{}) (err error) {
	ctx, span := otel.Tracer("onemedia-service").Start(ctx, "remote."+op)
	defer span.End()
	span.SetAttributes(attribute.String("site", t.URL), attribute.String("operation", op))

	start := time.Now()
	defer func() {
		c.metrics.RemoteCallDuration.WithLabelValues(op, metrics.StatusLabel(err)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if strings.TrimSpace(t.APIKey) == "" {
		return ErrMissingAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, model.NormalizeSiteURL(t.URL)+path, reader)
	if err != nil {
		return &Error{Err: err}
	}
	req.Header.Set(TokenHeader, t.APIKey)
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &Error{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode != http.StatusOK {
		rerr := &Error{StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			rerr.Code = env.Error.Code
			rerr.Message = env.Error.Message
			var details mimeTypeDetails
			if len(env.Error.Details) > 0 && json.Unmarshal(env.Error.Details, &details) == nil {
				rerr.MimeTypeError = details.IsMimeTypeError
				rerr.UnsupportedFiles = details.UnsupportedFiles
			}
		}
		return rerr
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return &Error{StatusCode: resp.StatusCode, Message: "malformed response body"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: "malformed response data"}
	}
	return nil
}
