package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/RegistryAccord/onemedia-go/internal/event"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/schema"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleHealthCheck handles GET /health-check. Authentication and pairing happen
// in the node middleware; reaching the handler means the caller is the governing site.
func (m *Mux) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, model.HealthCheckResponse{Success: true, Message: "Health check passed"})
}

// handleAddMedia handles POST /add-media
func (m *Mux) handleAddMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	var req model.AddMediaRequest
	if err := m.decode(w, r, schema.AddMedia, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("sync_option", req.SyncOption),
		attribute.Int("media_files", len(req.MediaFiles)),
	)

	resp, err := m.resolver.IngestBatch(ctx, req)
	if err != nil {
		m.fail(w, r, err)
		return
	}

	ev := model.SyncEvent{Operation: "receive"}
	for _, item := range resp.Media {
		ev.Succeeded = append(ev.Succeeded, model.SucceededSite{AttachmentID: item.ParentID, RemoteID: item.ID})
	}
	if err := m.p.PublishSync(ctx, ev); err != nil {
		slog.Warn("failed to publish sync event", "operation", ev.Operation, "error", err)
	}

	m.writeSuccess(w, http.StatusOK, resp)
}

// handleUpdateAttachment handles POST /update-attachment
func (m *Mux) handleUpdateAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.UpdateAttachmentRequest
	if err := m.decode(w, r, schema.UpdateAttachment, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("attachment_id", req.AttachmentID))

	if err := m.resolver.ApplyUpdate(ctx, req); err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.HealthCheckResponse{Success: true, Message: "Attachment updated"})
}

// handleDeleteMediaMetadata handles POST /delete-media-metadata. A copy that no
// longer exists locally is already released.
func (m *Mux) handleDeleteMediaMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.AttachmentIDRequest
	if err := m.decode(w, r, schema.AttachmentID, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("attachment_id", req.AttachmentID))

	err := m.resolver.Release(ctx, req.AttachmentID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.HealthCheckResponse{Success: true, Message: "Sync metadata removed"})
}

// handleGetGoverningSite handles GET /governing-site
func (m *Mux) handleGetGoverningSite(w http.ResponseWriter, r *http.Request) {
	site, err := m.registry.Governing(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.GoverningSiteResponse{GoverningSiteURL: site})
}

// handleDisconnect handles DELETE /governing-site
func (m *Mux) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	site, err := m.registry.Governing(ctx)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if err := m.registry.Disconnect(ctx); err != nil {
		m.fail(w, r, err)
		return
	}
	if site != "" {
		slog.InfoContext(ctx, "disconnected from governing site", "site", site)
		if err := m.p.PublishPairing(ctx, event.PairingDisconnected, site); err != nil {
			slog.Warn("failed to publish pairing event", "error", err)
		}
	}
	m.writeSuccess(w, http.StatusOK, model.GoverningSiteResponse{})
}
