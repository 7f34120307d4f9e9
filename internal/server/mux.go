// Package server implements the HTTP handlers and routing for a OneMedia node.
// A governing node exposes the registry, sharing and library endpoints; a brand
// node exposes the inbound sync endpoints called by its governing node. Both
// serve the file-replacement form, the library edit endpoints and stored files.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/auth"
	"github.com/RegistryAccord/onemedia-go/internal/config"
	errordefs "github.com/RegistryAccord/onemedia-go/internal/errors"
	"github.com/RegistryAccord/onemedia-go/internal/event"
	"github.com/RegistryAccord/onemedia-go/internal/health"
	"github.com/RegistryAccord/onemedia-go/internal/ingest"
	"github.com/RegistryAccord/onemedia-go/internal/library"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/metrics"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/propagation"
	"github.com/RegistryAccord/onemedia-go/internal/registry"
	"github.com/RegistryAccord/onemedia-go/internal/remote"
	"github.com/RegistryAccord/onemedia-go/internal/schema"
	"github.com/RegistryAccord/onemedia-go/internal/secret"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/RegistryAccord/onemedia-go/internal/syncstate"
	"github.com/RegistryAccord/onemedia-go/internal/versions"
	"github.com/go-chi/cors"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyPrincipal stores who authenticated the request ("node:<url>", "admin:<sub>" or "key")
	ContextKeyPrincipal ContextKey = "principal"

	// Default limits for list operations
	DefaultListLimit = 20  // Default number of media items per page
	MaxListLimit     = 100 // Maximum number of media items per page

	maxJSONBody = 4 << 20 // Upper bound for JSON request bodies
	limiterTTL  = 10 * time.Minute
)

// Mux handles HTTP requests for a OneMedia node.
// It wires the domain components for the configured role and registers the
// endpoints that role serves.
type Mux struct {
	mux     *http.ServeMux  // HTTP request multiplexer
	handler http.Handler    // mux wrapped with CORS when origins are configured
	cfg     config.Config   // Node configuration
	s       storage.Store   // Storage interface for every repository
	p       event.Publisher // Event publisher for sync and pairing events
	content media.ContentStore

	verifier  *auth.Verifier     // API key and admin token checks
	validator *schema.Validator  // Request body validation
	registry  *registry.Registry // Brand endpoints (governing) or pairing pointer (brand)
	tracker   *syncstate.Tracker // Sync status and bindings
	library   *library.Service   // Media library operations

	// Governing only
	checker *health.Checker
	engine  *propagation.Engine

	// Brand only
	resolver *ingest.Resolver

	limiters *ttlcache.Cache[string, *rate.Limiter] // Failed-auth throttle per client address
	metrics  *metrics.Metrics
}

// NewMux creates the HTTP handler of a node with all endpoints of its role.
// Parameters:
//   - cfg: Node configuration; cfg.Role selects the endpoint set
//   - s: Storage for every repository
//   - content: Content store holding media files
//   - p: Event publisher (nil publishes nothing)
//
// Close must be called to stop the background caches.
func NewMux(cfg config.Config, s storage.Store, content media.ContentStore, p event.Publisher) (*Mux, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("initialize schema validator: %w", err)
	}
	sealer, err := secret.NewSealer(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("initialize key sealer: %w", err)
	}
	if p == nil {
		p = event.NewNoop()
	}

	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go limiters.Start()

	m := &Mux{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		s:         s,
		p:         p,
		content:   content,
		verifier:  auth.NewVerifier(cfg.APIKey, cfg.Secret, cfg.SiteURL),
		validator: validator,
		registry:  registry.New(s, sealer),
		tracker:   syncstate.New(cfg.Role, s, cfg.StatusCacheTTL),
		limiters:  limiters,
		metrics:   metrics.NewMetrics(),
	}

	var history *versions.Tracker
	if cfg.Role == model.RoleGoverning {
		client := remote.New(cfg.SiteURL, remote.Timeouts{
			Health: cfg.HealthTimeout,
			Create: cfg.CreateTimeout,
			Write:  cfg.WriteTimeout,
		})
		m.checker = health.NewChecker(client)
		m.engine = propagation.New(client, m.checker, m.registry, m.tracker, s, p)
		history = versions.New(s)
	} else {
		fetcher := media.NewFetcher(cfg.MaxMediaSize, cfg.CreateTimeout)
		m.resolver = ingest.New(s, m.tracker, content, fetcher, cfg.AllowedMimeTypes)
	}
	m.library = library.New(cfg.Role, s, m.tracker, history, m.engine, content, cfg.AllowedMimeTypes, cfg.MaxMediaSize)

	m.routes()

	m.handler = m.mux
	if len(cfg.CORSAllowedOrigins) > 0 {
		m.handler = cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", remote.TokenHeader, "X-Correlation-Id"},
			ExposedHeaders:   []string{"X-Correlation-Id"},
			AllowCredentials: false,
			MaxAge:           86400,
		})(m.mux)
	}
	return m, nil
}

// ServeHTTP implements http.Handler.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}

// Close stops the background caches of the node.
func (m *Mux) Close() {
	m.limiters.Stop()
	m.tracker.Close()
}

// Verifier exposes the node's credential checks, e.g. to mint admin tokens.
func (m *Mux) Verifier() *auth.Verifier { return m.verifier }

// routes registers the endpoints of the configured role.
func (m *Mux) routes() {
	// Probes and metrics
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())
	m.mux.HandleFunc("/files/", m.method("GET", m.handleFile))

	// Media library, either role
	m.mux.HandleFunc("/media/", m.methods(map[string]http.HandlerFunc{
		"POST":   m.withMiddleware(m.admin(m.handleEditMedia)),
		"DELETE": m.withMiddleware(m.admin(m.handleDeleteMedia)),
	}))
	m.mux.HandleFunc("/ajax", m.method("POST", m.withMiddleware(m.admin(m.handleAjax))))

	if m.cfg.Role == model.RoleBrand {
		m.mux.HandleFunc("/health-check", m.method("GET", m.withMiddleware(m.node(true, m.handleHealthCheck))))
		m.mux.HandleFunc("/add-media", m.method("POST", m.withMiddleware(m.node(false, m.handleAddMedia))))
		m.mux.HandleFunc("/update-attachment", m.method("POST", m.withMiddleware(m.node(false, m.handleUpdateAttachment))))
		m.mux.HandleFunc("/delete-media-metadata", m.method("POST", m.withMiddleware(m.node(false, m.handleDeleteMediaMetadata))))
		m.mux.HandleFunc("/is-sync-attachment", m.method("POST", m.withMiddleware(m.node(false, m.handleIsSyncAttachment))))
		m.mux.HandleFunc("/governing-site", m.methods(map[string]http.HandlerFunc{
			"GET":    m.withMiddleware(m.admin(m.handleGetGoverningSite)),
			"DELETE": m.withMiddleware(m.admin(m.handleDisconnect)),
		}))
		return
	}

	m.mux.HandleFunc("/shared-sites", m.methods(map[string]http.HandlerFunc{
		"GET":  m.withMiddleware(m.admin(m.handleListSharedSites)),
		"POST": m.withMiddleware(m.admin(m.handleSaveSharedSites)),
	}))
	m.mux.HandleFunc("/check-sites-connected", m.method("POST", m.withMiddleware(m.admin(m.handleCheckSitesConnected))))
	m.mux.HandleFunc("/media", m.method("GET", m.withMiddleware(m.admin(m.handleListMedia))))
	m.mux.HandleFunc("/sync-media", m.method("POST", m.withMiddleware(m.admin(m.handleSyncMedia))))
	m.mux.HandleFunc("/update-existing-attachment", m.method("POST", m.withMiddleware(m.admin(m.handleUpdateExistingAttachment))))
	m.mux.HandleFunc("/is-sync-attachment", m.method("POST", m.withMiddleware(m.admin(m.handleIsSyncAttachment))))
	m.mux.HandleFunc("/sync-attachment-versions", m.method("POST", m.withMiddleware(m.admin(m.handleAttachmentVersions))))
	m.mux.HandleFunc("/unshare", m.method("POST", m.withMiddleware(m.admin(m.handleUnshare))))
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return m.methods(map[string]http.HandlerFunc{method: h})
}

// methods dispatches on the HTTP method
func (m *Mux) methods(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method]
		if !ok {
			err := errordefs.New(errordefs.OM_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"success": true,
		"data":    data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the OneMedia error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   body,
	})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// fail maps a domain error onto the error taxonomy and writes it
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	def := toErrorDef(err, correlationID(r.Context()))
	if def.Code == errordefs.OM_INTERNAL {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	m.writeErrorDef(w, def)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if principal, ok := r.Context().Value(ContextKeyPrincipal).(string); ok && principal != "" {
		attrs = append(attrs, slog.String("principal", principal))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	err := m.s.Ping(ctx)
	if pinger, ok := m.content.(interface{ Ping(context.Context) error }); ok && err == nil {
		err = pinger.Ping(ctx)
	}
	if err != nil {
		slog.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleFile serves GET /files/{key} from the content store
func (m *Mux) handleFile(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/files/")
	if key == "" || strings.Contains(key, "..") {
		http.NotFound(w, r)
		return
	}

	body, contentType, err := m.content.Open(r.Context(), key)
	if errors.Is(err, media.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		slog.Error("failed to open media file", "path", key, "error", err)
		http.Error(w, "failed to open file", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, body); err != nil {
		slog.Warn("failed to stream media file", "path", key, "error", err)
	}
}
