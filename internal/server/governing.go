package server

import (
	"net/http"
	"strconv"

	errordefs "github.com/RegistryAccord/onemedia-go/internal/errors"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleListSharedSites handles GET /shared-sites. API keys are masked.
func (m *Mux) handleListSharedSites(w http.ResponseWriter, r *http.Request) {
	sites, err := m.registry.List(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.SharedSitesResponse{SharedSites: sites})
}

// handleSaveSharedSites handles POST /shared-sites.
// The list replaces the registry; new or changed endpoints are health-checked
// and failures are reported without rejecting the write.
func (m *Mux) handleSaveSharedSites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SharedSitesRequest
	if err := m.decode(w, r, schema.SharedSites, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	changed, err := m.registry.Replace(ctx, req.SharedSites)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	failed := m.checker.CheckAll(ctx, changed)

	sites, err := m.registry.List(ctx)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.SharedSitesResponse{SharedSites: sites, FailedSites: failed})
}

// handleCheckSitesConnected handles POST /check-sites-connected
func (m *Mux) handleCheckSitesConnected(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.AttachmentIDRequest
	if err := m.decode(w, r, schema.AttachmentID, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	if _, err := m.library.Get(ctx, req.AttachmentID); err != nil {
		m.fail(w, r, err)
		return
	}

	failed, err := m.engine.CheckBoundSites(ctx, req.AttachmentID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if failed == nil {
		failed = []model.FailedSite{}
	}
	m.writeSuccess(w, http.StatusOK, model.CheckSitesResponse{Success: len(failed) == 0, FailedSites: failed})
}

// handleListMedia handles GET /media
func (m *Mux) handleListMedia(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := model.ListMediaQuery{
		Page:       1,
		PerPage:    DefaultListLimit,
		ImageType:  query.Get("image_type"),
		SearchTerm: query.Get("search_term"),
	}

	if v := query.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			m.fail(w, r, errordefs.New(errordefs.OM_VALIDATION, "page must be a positive integer", ""))
			return
		}
		q.Page = page
	}
	if v := query.Get("per_page"); v != "" {
		perPage, err := strconv.Atoi(v)
		if err != nil || perPage < 1 {
			m.fail(w, r, errordefs.New(errordefs.OM_VALIDATION, "per_page must be a positive integer", ""))
			return
		}
		if perPage > MaxListLimit {
			perPage = MaxListLimit
		}
		q.PerPage = perPage
	}

	resp, err := m.library.List(r.Context(), q)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, resp)
}

// handleSyncMedia handles POST /sync-media
func (m *Mux) handleSyncMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SyncMediaRequest
	if err := m.decode(w, r, schema.SyncMedia, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	mode, err := model.ParseSyncMode(req.SyncOption)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.OM_VALIDATION, err.Error(), ""))
		return
	}

	ids := make([]int64, 0, len(req.MediaDetails))
	for _, d := range req.MediaDetails {
		ids = append(ids, d.ID)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("sync_option", string(mode)),
		attribute.Int("media", len(ids)),
		attribute.Int("brand_sites", len(req.BrandSites)),
	)

	res, err := m.engine.Share(ctx, ids, mode, req.BrandSites)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res.Response())
}

// handleUpdateExistingAttachment handles POST /update-existing-attachment
func (m *Mux) handleUpdateExistingAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.UpdateExistingAttachmentRequest
	if err := m.decode(w, r, schema.UpdateExistingAttachment, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	mode, err := model.ParseSyncMode(req.SyncOption)
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.OM_VALIDATION, err.Error(), ""))
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("attachment_id", req.AttachmentID))

	res, err := m.engine.ChangeMode(ctx, req.AttachmentID, mode)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res.Response())
}

// handleIsSyncAttachment handles POST /is-sync-attachment on either role
func (m *Mux) handleIsSyncAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.AttachmentIDRequest
	if err := m.decode(w, r, schema.AttachmentID, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	if _, err := m.library.Get(ctx, req.AttachmentID); err != nil {
		m.fail(w, r, err)
		return
	}

	var resp model.IsSyncResponse
	var err error
	if resp.IsSync, err = m.tracker.IsSynced(ctx, req.AttachmentID); err != nil {
		m.fail(w, r, err)
		return
	}
	if resp.SyncStatus, err = m.tracker.GetStatus(ctx, req.AttachmentID); err != nil {
		m.fail(w, r, err)
		return
	}
	if m.cfg.Role == model.RoleBrand {
		if resp.SyncMode, _, err = m.tracker.LocalMode(ctx, req.AttachmentID); err != nil {
			m.fail(w, r, err)
			return
		}
	}
	m.writeSuccess(w, http.StatusOK, resp)
}

// handleAttachmentVersions handles POST /sync-attachment-versions
func (m *Mux) handleAttachmentVersions(w http.ResponseWriter, r *http.Request) {
	var req model.AttachmentIDRequest
	if err := m.decode(w, r, schema.AttachmentID, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	history, err := m.library.History(r.Context(), req.AttachmentID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if history == nil {
		history = []model.VersionSnapshot{}
	}
	m.writeSuccess(w, http.StatusOK, model.VersionsResponse{Versions: history})
}

// handleUnshare handles POST /unshare. An empty brand_sites list unshares everywhere.
func (m *Mux) handleUnshare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.UnshareRequest
	if err := m.decode(w, r, schema.Unshare, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("attachment_id", req.AttachmentID))

	res, err := m.engine.Unshare(ctx, req.AttachmentID, req.BrandSites)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res.Response())
}
