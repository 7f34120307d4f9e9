// Package propagation fans governing node changes out to brand sites.
//
// Every fan-out is a sequential loop over the targets in registry order. Each
// target's outcome is persisted as soon as its call returns, and a failed target
// never stops the loop or rolls back the targets that already succeeded.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RegistryAccord/onemedia-go/internal/event"
	"github.com/RegistryAccord/onemedia-go/internal/health"
	"github.com/RegistryAccord/onemedia-go/internal/metrics"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/remote"
	"github.com/RegistryAccord/onemedia-go/internal/syncstate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Fan-out operations
const (
	OpShare   = "share"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpUnshare = "unshare"
	OpConvert = "convert"
)

// ErrNothingToShare is returned when a share names no assets or no sites.
var ErrNothingToShare = errors.New("no media or brand sites selected")

// Client is the outbound surface of a brand node.
type Client interface {
	AddMedia(ctx context.Context, t model.Target, req model.AddMediaRequest) (*model.AddMediaResponse, error)
	UpdateAttachment(ctx context.Context, t model.Target, req model.UpdateAttachmentRequest) error
	DeleteMediaMetadata(ctx context.Context, t model.Target, attachmentID int64) error
}

// Registry resolves brand site URLs to callable targets.
type Registry interface {
	ResolveAll(ctx context.Context, urls []string) ([]model.Target, []model.FailedSite, error)
}

// Assets is the part of the asset store the engine reads and writes.
type Assets interface {
	GetAttachment(ctx context.Context, id int64) (*model.Attachment, error)
	PutSharedIndexEntry(ctx context.Context, id int64, siteURL string, remoteID int64) error
	RemoveSharedIndexEntry(ctx context.Context, id int64, siteURL string) error
}

// Result aggregates the per-site outcome of one fan-out.
type Result struct {
	Succeeded []model.SucceededSite
	Failed    []model.FailedSite
}

// OK reports whether no target failed.
func (r Result) OK() bool { return len(r.Failed) == 0 }

// Response converts r to its wire form.
func (r Result) Response() model.PropagationResponse {
	resp := model.PropagationResponse{Success: r.OK(), Succeeded: r.Succeeded, FailedSites: r.Failed}
	if resp.Succeeded == nil {
		resp.Succeeded = []model.SucceededSite{}
	}
	if resp.FailedSites == nil {
		resp.FailedSites = []model.FailedSite{}
	}
	return resp
}

// Engine runs fan-out operations for a governing node.
type Engine struct {
	client   Client
	checker  *health.Checker
	registry Registry
	tracker  *syncstate.Tracker
	assets   Assets
	events   event.Publisher
	metrics  *metrics.Metrics
}

// New creates an Engine.
func New(client Client, checker *health.Checker, registry Registry, tracker *syncstate.Tracker, assets Assets, events event.Publisher) *Engine {
	if events == nil {
		events = event.NewNoop()
	}
	return &Engine{
		client:   client,
		checker:  checker,
		registry: registry,
		tracker:  tracker,
		assets:   assets,
		events:   events,
		metrics:  metrics.NewMetrics(),
	}
}

// boundTarget pairs a resolved target with the binding it serves.
type boundTarget struct {
	target  model.Target
	binding model.Binding
}

// resolveBindings resolves bindings to targets in registry order. Bindings to sites
// that are no longer registered come back as failed sites.
func (e *Engine) resolveBindings(ctx context.Context, id int64, bindings []model.Binding) ([]boundTarget, []model.FailedSite, error) {
	if len(bindings) == 0 {
		return nil, nil, nil
	}
	urls := make([]string, 0, len(bindings))
	byKey := make(map[string]model.Binding, len(bindings))
	for _, b := range bindings {
		urls = append(urls, b.SiteURL)
		byKey[siteKey(b.SiteURL)] = b
	}

	targets, unknown, err := e.registry.ResolveAll(ctx, urls)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bound sites: %w", err)
	}
	out := make([]boundTarget, 0, len(targets))
	for _, t := range targets {
		out = append(out, boundTarget{target: t, binding: byKey[siteKey(t.URL)]})
	}
	for i := range unknown {
		unknown[i].AttachmentID = id
	}
	return out, unknown, nil
}

func siteKey(u string) string {
	return strings.ToLower(model.NormalizeSiteURL(u))
}

// CheckBoundSites health-checks every sync binding of an asset and returns the
// sites that failed.
func (e *Engine) CheckBoundSites(ctx context.Context, id int64) ([]model.FailedSite, error) {
	bindings, err := e.tracker.SyncBindings(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.checkBindings(ctx, id, bindings)
}

func (e *Engine) checkBindings(ctx context.Context, id int64, bindings []model.Binding) ([]model.FailedSite, error) {
	bound, failed, err := e.resolveBindings(ctx, id, bindings)
	if err != nil {
		return nil, err
	}
	targets := make([]model.Target, 0, len(bound))
	for _, bt := range bound {
		targets = append(targets, bt.target)
	}
	for _, f := range e.checker.CheckAll(ctx, targets) {
		f.AttachmentID = id
		failed = append(failed, f)
	}
	return failed, nil
}

// PreUpdateGuard rejects a change to a shared asset while any of its sync bindings
// is unreachable. It returns a *health.FailedSitesError listing every failed site.
func (e *Engine) PreUpdateGuard(ctx context.Context, id int64) error {
	failed, err := e.CheckBoundSites(ctx, id)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return &health.FailedSitesError{Sites: failed}
	}
	return nil
}

// Share sends assets to the brand sites named by urls. Sites already bound to any of
// the assets are health-checked first; if one is down nothing is sent. New targets
// are called directly, one add-media batch per site.
func (e *Engine) Share(ctx context.Context, ids []int64, mode model.SyncMode, urls []string) (Result, error) {
	ctx, span := otel.Tracer("onemedia-service").Start(ctx, "propagation.share")
	defer span.End()
	span.SetAttributes(attribute.Int("media.count", len(ids)), attribute.Int("site.count", len(urls)))

	var res Result
	if len(ids) == 0 || len(urls) == 0 {
		return res, ErrNothingToShare
	}
	if _, err := model.ParseSyncMode(string(mode)); err != nil {
		return res, err
	}

	assets := make([]model.Attachment, 0, len(ids))
	requested := make(map[int64]bool, len(ids))
	bindings := make(map[int64][]model.Binding, len(ids))
	var bound []model.Binding
	seen := make(map[string]bool)
	for _, id := range ids {
		a, err := e.assets.GetAttachment(ctx, id)
		if err != nil {
			return res, fmt.Errorf("attachment %d: %w", id, err)
		}
		assets = append(assets, *a)
		requested[id] = true

		all, err := e.tracker.Bindings(ctx, id)
		if err != nil {
			return res, err
		}
		bindings[id] = all
		for _, b := range all {
			if k := siteKey(b.SiteURL); !seen[k] {
				seen[k] = true
				bound = append(bound, b)
			}
		}
	}

	// One check per bound site, however many of the assets it holds
	gate, err := e.checkBindings(ctx, 0, bound)
	if err != nil {
		return res, err
	}
	if len(gate) > 0 {
		return res, &health.FailedSitesError{Sites: gate}
	}

	targets, unknown, err := e.registry.ResolveAll(ctx, urls)
	if err != nil {
		return res, err
	}
	res.Failed = append(res.Failed, unknown...)

	for _, a := range assets {
		if _, err := e.tracker.SetSyncMode(ctx, a.ID, mode); err != nil {
			return res, err
		}
	}

	for _, t := range targets {
		req := model.AddMediaRequest{SyncOption: string(mode), MediaFiles: make([]model.MediaFile, 0, len(assets))}
		for _, a := range assets {
			var childID int64
			if b, ok := findBinding(bindings[a.ID], t.URL); ok {
				childID = b.RemoteID
			}
			req.MediaFiles = append(req.MediaFiles, mediaFile(a, childID))
		}

		resp, err := e.client.AddMedia(ctx, t, req)
		e.count(OpShare, err)
		if err != nil {
			res.Failed = append(res.Failed, failedSite(t, 0, err))
			continue
		}

		for _, m := range resp.Media {
			if !requested[m.ParentID] {
				slog.Warn("brand site returned media that was not shared", "site", t.URL, "parent_id", m.ParentID, "attachment_id", m.ID)
				res.Failed = append(res.Failed, model.FailedSite{SiteName: t.Name, URL: t.URL, AttachmentID: m.ParentID, Message: "brand site returned an attachment that was not shared"})
				continue
			}
			got := m.SyncOption
			if got == "" {
				got = mode
			}
			if err := e.record(ctx, m.ParentID, t.URL, m.ID, got); err != nil {
				return res, err
			}
			res.Succeeded = append(res.Succeeded, model.SucceededSite{SiteName: t.Name, URL: t.URL, AttachmentID: m.ParentID, RemoteID: m.ID})
		}
		for _, f := range resp.FailedMedia {
			res.Failed = append(res.Failed, model.FailedSite{SiteName: t.Name, URL: t.URL, AttachmentID: f.ParentID, Message: f.Message})
		}
	}

	for _, a := range assets {
		e.publish(ctx, OpShare, a.ID, res)
	}
	return res, nil
}

// record persists one successful brand copy: the binding and the shared media index entry.
func (e *Engine) record(ctx context.Context, id int64, siteURL string, remoteID int64, mode model.SyncMode) error {
	if err := e.tracker.Bind(ctx, id, model.Binding{SiteURL: siteURL, RemoteID: remoteID, Mode: mode}); err != nil {
		return fmt.Errorf("record binding of %d to %s: %w", id, siteURL, err)
	}
	if err := e.assets.PutSharedIndexEntry(ctx, id, siteURL, remoteID); err != nil {
		return fmt.Errorf("record shared index of %d to %s: %w", id, siteURL, err)
	}
	return nil
}

// forget removes what record wrote.
func (e *Engine) forget(ctx context.Context, id int64, siteURL string) error {
	if err := e.tracker.Unbind(ctx, id, siteURL); err != nil {
		return err
	}
	return e.assets.RemoveSharedIndexEntry(ctx, id, siteURL)
}

// Update pushes the current state of an asset to every sync binding. Each site is
// health-checked right before its write.
func (e *Engine) Update(ctx context.Context, id int64) (Result, error) {
	ctx, span := otel.Tracer("onemedia-service").Start(ctx, "propagation.update")
	defer span.End()
	span.SetAttributes(attribute.Int64("attachment.id", id))

	var res Result
	a, err := e.assets.GetAttachment(ctx, id)
	if err != nil {
		return res, err
	}
	bindings, err := e.tracker.SyncBindings(ctx, id)
	if err != nil {
		return res, err
	}
	bound, unknown, err := e.resolveBindings(ctx, id, bindings)
	if err != nil {
		return res, err
	}
	res.Failed = append(res.Failed, unknown...)

	for _, bt := range bound {
		if r := e.checker.Check(ctx, bt.target); !r.Reachable {
			e.count(OpUpdate, errors.New(r.Message))
			res.Failed = append(res.Failed, model.FailedSite{SiteName: bt.target.Name, URL: bt.target.URL, AttachmentID: id, Message: r.Message})
			continue
		}

		err := e.client.UpdateAttachment(ctx, bt.target, model.UpdateAttachmentRequest{
			AttachmentID:   bt.binding.RemoteID,
			AttachmentURL:  a.File.URL,
			AttachmentData: attachmentData(*a),
		})
		e.count(OpUpdate, err)
		if err != nil {
			res.Failed = append(res.Failed, failedSite(bt.target, id, err))
			continue
		}
		res.Succeeded = append(res.Succeeded, model.SucceededSite{SiteName: bt.target.Name, URL: bt.target.URL, AttachmentID: id, RemoteID: bt.binding.RemoteID})
	}

	e.publish(ctx, OpUpdate, id, res)
	return res, nil
}

// Delete releases every sync copy of an asset on its brand site. Each released
// site is unbound as soon as its call succeeds.
func (e *Engine) Delete(ctx context.Context, id int64) (Result, error) {
	bindings, err := e.tracker.SyncBindings(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return e.release(ctx, OpDelete, id, bindings)
}

// Unshare releases the copies of an asset on the given sites, or on every bound
// site when urls is empty.
func (e *Engine) Unshare(ctx context.Context, id int64, urls []string) (Result, error) {
	all, err := e.tracker.Bindings(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if len(urls) == 0 {
		return e.release(ctx, OpUnshare, id, all)
	}

	var selected []model.Binding
	var res Result
	for _, u := range urls {
		b, ok := findBinding(all, u)
		if !ok {
			res.Failed = append(res.Failed, model.FailedSite{URL: u, AttachmentID: id, Message: "media is not shared with this site"})
			continue
		}
		selected = append(selected, b)
	}
	out, err := e.release(ctx, OpUnshare, id, selected)
	out.Failed = append(res.Failed, out.Failed...)
	return out, err
}

func (e *Engine) release(ctx context.Context, op string, id int64, bindings []model.Binding) (Result, error) {
	ctx, span := otel.Tracer("onemedia-service").Start(ctx, "propagation."+op)
	defer span.End()
	span.SetAttributes(attribute.Int64("attachment.id", id), attribute.Int("site.count", len(bindings)))

	var res Result
	bound, unknown, err := e.resolveBindings(ctx, id, bindings)
	if err != nil {
		return res, err
	}
	res.Failed = append(res.Failed, unknown...)

	for _, bt := range bound {
		if r := e.checker.Check(ctx, bt.target); !r.Reachable {
			e.count(op, errors.New(r.Message))
			res.Failed = append(res.Failed, model.FailedSite{SiteName: bt.target.Name, URL: bt.target.URL, AttachmentID: id, Message: r.Message})
			continue
		}

		err := e.client.DeleteMediaMetadata(ctx, bt.target, bt.binding.RemoteID)
		e.count(op, err)
		if err != nil {
			res.Failed = append(res.Failed, failedSite(bt.target, id, err))
			continue
		}
		if err := e.forget(ctx, id, bt.binding.SiteURL); err != nil {
			return res, err
		}
		res.Succeeded = append(res.Succeeded, model.SucceededSite{SiteName: bt.target.Name, URL: bt.target.URL, AttachmentID: id, RemoteID: bt.binding.RemoteID})
	}

	e.publish(ctx, op, id, res)
	return res, nil
}

// ChangeMode switches an already shared asset between sync and no_sync on every
// bound site. Brands convert their existing copy in place, keyed by child_id.
func (e *Engine) ChangeMode(ctx context.Context, id int64, mode model.SyncMode) (Result, error) {
	ctx, span := otel.Tracer("onemedia-service").Start(ctx, "propagation.convert")
	defer span.End()
	span.SetAttributes(attribute.Int64("attachment.id", id), attribute.String("sync_option", string(mode)))

	var res Result
	if _, err := model.ParseSyncMode(string(mode)); err != nil {
		return res, err
	}
	a, err := e.assets.GetAttachment(ctx, id)
	if err != nil {
		return res, err
	}
	bindings, err := e.tracker.Bindings(ctx, id)
	if err != nil {
		return res, err
	}
	failed, err := e.checkBindings(ctx, id, bindings)
	if err != nil {
		return res, err
	}
	if len(failed) > 0 {
		return res, &health.FailedSitesError{Sites: failed}
	}
	if _, err := e.tracker.SetSyncMode(ctx, id, mode); err != nil {
		return res, err
	}

	bound, _, err := e.resolveBindings(ctx, id, bindings)
	if err != nil {
		return res, err
	}
	for _, bt := range bound {
		if bt.binding.Mode == mode {
			continue
		}
		resp, err := e.client.AddMedia(ctx, bt.target, model.AddMediaRequest{
			SyncOption: string(mode),
			MediaFiles: []model.MediaFile{mediaFile(*a, bt.binding.RemoteID)},
		})
		if err == nil && len(resp.Media) == 0 {
			err = remoteItemError(resp)
		}
		e.count(OpConvert, err)
		if err != nil {
			res.Failed = append(res.Failed, failedSite(bt.target, id, err))
			continue
		}
		m := resp.Media[0]
		if err := e.record(ctx, id, bt.target.URL, m.ID, mode); err != nil {
			return res, err
		}
		res.Succeeded = append(res.Succeeded, model.SucceededSite{SiteName: bt.target.Name, URL: bt.target.URL, AttachmentID: id, RemoteID: m.ID})
	}

	e.publish(ctx, OpConvert, id, res)
	return res, nil
}

func remoteItemError(resp *model.AddMediaResponse) error {
	if len(resp.FailedMedia) > 0 {
		return errors.New(resp.FailedMedia[0].Message)
	}
	return errors.New("brand site returned no media")
}

func findBinding(bindings []model.Binding, siteURL string) (model.Binding, bool) {
	for _, b := range bindings {
		if model.SameSite(b.SiteURL, siteURL) {
			return b, true
		}
	}
	return model.Binding{}, false
}

func failedSite(t model.Target, id int64, err error) model.FailedSite {
	f := model.FailedSite{SiteName: t.Name, URL: t.URL, AttachmentID: id, Message: health.Reason(err)}
	var rerr *remote.Error
	if errors.As(err, &rerr) && rerr.MimeTypeError {
		f.MimeTypeError = true
		types := make([]string, 0, len(rerr.UnsupportedFiles))
		for _, u := range rerr.UnsupportedFiles {
			types = append(types, u.MimeType)
		}
		f.Message = fmt.Sprintf("Brand site does not support file type: %s", strings.Join(types, ", "))
	}
	return f
}

func (e *Engine) count(op string, err error) {
	e.metrics.PropagationTotal.WithLabelValues(op, metrics.StatusLabel(err)).Inc()
}

func (e *Engine) publish(ctx context.Context, op string, id int64, res Result) {
	ev := model.SyncEvent{Operation: op, AttachmentID: id}
	for _, s := range res.Succeeded {
		if s.AttachmentID == id || s.AttachmentID == 0 {
			ev.Succeeded = append(ev.Succeeded, s)
		}
	}
	for _, f := range res.Failed {
		if f.AttachmentID == id || f.AttachmentID == 0 {
			ev.Failed = append(ev.Failed, f)
		}
	}
	if err := e.events.PublishSync(ctx, ev); err != nil {
		slog.Warn("failed to publish sync event", "operation", op, "attachment_id", id, "error", err)
	}
}

func mediaFile(a model.Attachment, childID int64) model.MediaFile {
	return model.MediaFile{
		ID:          a.ID,
		URL:         a.File.URL,
		Title:       a.Title,
		AltText:     a.AltText,
		Caption:     a.Caption,
		Description: a.Description,
		MimeType:    a.File.MimeType,
		Terms:       a.Terms,
		Size:        a.File.Size,
		Width:       a.File.Width,
		Height:      a.File.Height,
		Checksum:    a.File.Checksum,
		Metadata:    a.File.Metadata,
		ChildID:     childID,
	}
}

func attachmentData(a model.Attachment) model.AttachmentData {
	return model.AttachmentData{
		Title:       a.Title,
		AltText:     a.AltText,
		Caption:     a.Caption,
		Description: a.Description,
		MimeType:    a.File.MimeType,
		Terms:       a.Terms,
		Size:        a.File.Size,
		Width:       a.File.Width,
		Height:      a.File.Height,
		Checksum:    a.File.Checksum,
		Metadata:    a.File.Metadata,
	}
}
