package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/auth"
	errordefs "github.com/RegistryAccord/onemedia-go/internal/errors"
	"github.com/RegistryAccord/onemedia-go/internal/event"
	"github.com/RegistryAccord/onemedia-go/internal/health"
	"github.com/RegistryAccord/onemedia-go/internal/ingest"
	"github.com/RegistryAccord/onemedia-go/internal/library"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/propagation"
	"github.com/RegistryAccord/onemedia-go/internal/registry"
	"github.com/RegistryAccord/onemedia-go/internal/remote"
	"github.com/RegistryAccord/onemedia-go/internal/schema"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/RegistryAccord/onemedia-go/internal/syncstate"
	"github.com/RegistryAccord/onemedia-go/internal/versions"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// statusRecorder captures the status and error written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies common middleware to handlers: correlation id, tracing,
// request metrics and the completion log line.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		ctx := context.WithValue(r.Context(), event.CorrelationIDKey{}, correlationID)

		route := routeLabel(r.URL.Path)
		ctx, span := otel.Tracer("onemedia-service").Start(ctx, r.Method+" "+route)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("correlation_id", correlationID),
		)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		h(rec, r)

		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.err != nil {
			span.SetStatus(codes.Error, rec.err.Error())
		}
		m.logRequest(r, rec.status, duration, correlationID, rec.err)
	}
}

// routeLabel collapses per-resource paths so metrics keep a bounded label set.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/media/"):
		return "/media/{id}"
	case strings.HasPrefix(path, "/files/"):
		return "/files/{key}"
	default:
		return path
	}
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(event.CorrelationIDKey{}).(string)
	return id
}

// node authenticates a call from another OneMedia node. The API key must be this
// node's own key and the origin must be the paired governing site. With pair set,
// an unpaired node adopts the caller as its governing site instead.
func (m *Mux) node(pair bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		corrID := correlationID(ctx)

		limiter := m.limiter(clientIP(r))
		if limiter.Tokens() < 1 {
			m.writeErrorDef(w, errordefs.New(errordefs.OM_RATE_LIMIT, "too many failed authentication attempts", corrID))
			return
		}

		if !m.verifier.CheckAPIKey(r.Header.Get(remote.TokenHeader)) {
			limiter.Allow()
			m.writeErrorDef(w, errordefs.New(errordefs.OM_AUTH_REJECTED, "invalid API key", corrID))
			return
		}

		origin := requestOrigin(r)
		if origin == "" {
			limiter.Allow()
			m.writeErrorDef(w, errordefs.New(errordefs.OM_AUTH_REJECTED, "missing request origin", corrID))
			return
		}

		if pair {
			paired, err := m.registry.Connect(ctx, origin)
			var verr *registry.ValidationError
			switch {
			case errors.As(err, &verr):
				limiter.Allow()
				m.writeErrorDef(w, errordefs.New(errordefs.OM_AUTH_REJECTED, "invalid request origin", corrID))
				return
			case err != nil:
				m.fail(w, r, err)
				return
			}
			if paired {
				slog.InfoContext(ctx, "paired with governing site", "site", origin)
				if err := m.p.PublishPairing(ctx, event.PairingConnected, origin); err != nil {
					slog.Warn("failed to publish pairing event", "error", err)
				}
			}
		} else if err := m.registry.VerifyOrigin(ctx, origin); err != nil {
			switch {
			case errors.Is(err, registry.ErrNotPaired):
				limiter.Allow()
			case errors.Is(err, registry.ErrOriginMismatch):
				// Valid key from another site: this node is paired elsewhere
				err = registry.ErrAlreadyConnected
			}
			m.fail(w, r, err)
			return
		}

		ctx = context.WithValue(ctx, ContextKeyPrincipal, "node:"+model.NormalizeSiteURL(origin))
		h(w, r.WithContext(ctx))
	}
}

// admin authenticates an operator: a Bearer admin token, or this node's own API
// key in X-OneMedia-Token.
func (m *Mux) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		corrID := correlationID(r.Context())

		limiter := m.limiter(clientIP(r))
		if limiter.Tokens() < 1 {
			m.writeErrorDef(w, errordefs.New(errordefs.OM_RATE_LIMIT, "too many failed authentication attempts", corrID))
			return
		}

		principal, err := m.authenticateAdmin(r)
		if err != nil {
			limiter.Allow()
			m.writeErrorDef(w, errordefs.New(errordefs.OM_AUTH_REJECTED, err.Error(), corrID))
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyPrincipal, principal)
		h(w, r.WithContext(ctx))
	}
}

func (m *Mux) authenticateAdmin(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", errors.New("invalid Authorization header format")
		}
		claims, err := m.verifier.ValidateAdminToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return "", err
		}
		return "admin:" + claims.Subject, nil
	}
	if m.verifier.CheckAPIKey(r.Header.Get(remote.TokenHeader)) {
		return "key", nil
	}
	return "", errors.New("missing credentials")
}

// limiter returns the failed-authentication limiter of one client address.
func (m *Mux) limiter(ip string) *rate.Limiter {
	if item := m.limiters.Get(ip); item != nil {
		return item.Value()
	}
	item, _ := m.limiters.GetOrSet(ip, rate.NewLimiter(rate.Limit(m.cfg.AuthRate), m.cfg.AuthBurst))
	return item.Value()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestOrigin returns the caller's site from Origin, falling back to Referer.
func requestOrigin(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" && origin != "null" {
		return origin
	}
	ref, err := url.Parse(r.Header.Get("Referer"))
	if err != nil || ref.Scheme == "" || ref.Host == "" {
		return ""
	}
	return ref.Scheme + "://" + ref.Host + "/"
}

// decode reads a JSON body, validates it against the named schema and unmarshals it into out.
func (m *Mux) decode(w http.ResponseWriter, r *http.Request, schemaName string, out interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		return errordefs.New(errordefs.OM_BAD_REQUEST, "failed to read request body", "")
	}
	if err := m.validator.Validate(schemaName, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errordefs.New(errordefs.OM_BAD_REQUEST, "invalid JSON", "")
	}
	return nil
}

// toErrorDef maps a domain error onto the OneMedia error taxonomy.
func toErrorDef(err error, correlationID string) *errordefs.Error {
	var (
		def         *errordefs.Error
		invalid     *schema.ValidationError
		badSite     *registry.ValidationError
		unreachable *health.FailedSitesError
		unsupported *ingest.UnsupportedTypesError
	)

	switch {
	case errors.As(err, &def):
		out := *def
		out.CorrelationID = correlationID
		return &out
	case errors.As(err, &invalid):
		return errordefs.NewWithDetails(errordefs.OM_VALIDATION, "request body failed validation", correlationID,
			map[string]interface{}{"errors": invalid.Errors})
	case errors.As(err, &badSite):
		return errordefs.NewWithDetails(errordefs.OM_VALIDATION, badSite.Error(), correlationID,
			map[string]interface{}{"field": badSite.Field})
	case errors.As(err, &unreachable):
		return errordefs.NewWithDetails(errordefs.OM_UNREACHABLE, unreachable.Error(), correlationID,
			map[string]interface{}{"failed_sites": unreachable.Sites})
	case errors.As(err, &unsupported):
		return errordefs.NewWithDetails(errordefs.OM_UNSUPPORTED_FILE_TYPE, unsupported.Error(), correlationID,
			map[string]interface{}{"is_mime_type_error": true, "unsupported_files": unsupported.Files})
	case errors.Is(err, library.ErrUnsupportedType):
		return errordefs.NewWithDetails(errordefs.OM_UNSUPPORTED_FILE_TYPE, err.Error(), correlationID,
			map[string]interface{}{"is_mime_type_error": true})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, media.ErrNotFound):
		return errordefs.New(errordefs.OM_NOT_FOUND, "attachment not found", correlationID)
	case errors.Is(err, versions.ErrNoVersionHistory):
		return errordefs.New(errordefs.OM_NO_VERSION_HISTORY, err.Error(), correlationID)
	case errors.Is(err, registry.ErrUnknownSite),
		errors.Is(err, ingest.ErrInvalidRequest),
		errors.Is(err, propagation.ErrNothingToShare),
		errors.Is(err, library.ErrEmptyFile):
		return errordefs.New(errordefs.OM_VALIDATION, err.Error(), correlationID)
	case errors.Is(err, registry.ErrAlreadyConnected):
		return errordefs.New(errordefs.OM_ALREADY_CONNECTED, err.Error(), correlationID)
	case errors.Is(err, registry.ErrNotPaired),
		errors.Is(err, auth.ErrInvalidToken):
		return errordefs.New(errordefs.OM_AUTH_REJECTED, err.Error(), correlationID)
	case errors.Is(err, ingest.ErrAttachmentIDMismatch):
		return errordefs.New(errordefs.OM_ATTACHMENT_ID_MISMATCH, err.Error(), correlationID)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, ingest.ErrNotSynced):
		return errordefs.New(errordefs.OM_CONFLICT, err.Error(), correlationID)
	case errors.Is(err, media.ErrTooLarge):
		return errordefs.New(errordefs.OM_MEDIA_SIZE, err.Error(), correlationID)
	case errors.Is(err, syncstate.ErrReadOnly), errors.Is(err, syncstate.ErrWrongRole):
		return errordefs.New(errordefs.OM_FORBIDDEN, err.Error(), correlationID)
	default:
		return errordefs.New(errordefs.OM_INTERNAL, "internal error", correlationID)
	}
}
