package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	errordefs "github.com/RegistryAccord/onemedia-go/internal/errors"
	"github.com/RegistryAccord/onemedia-go/internal/library"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Form actions accepted by POST /ajax
const (
	ActionUpload  = "onemedia_sync_media_upload"
	ActionReplace = "onemedia_replace_media"
)

// multipartMemory bounds the part of a form kept in memory; larger files spill to disk.
const multipartMemory = 32 << 20

func mediaID(r *http.Request) (int64, error) {
	raw := strings.TrimPrefix(r.URL.Path, "/media/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, errordefs.New(errordefs.OM_VALIDATION, "invalid attachment id", "")
	}
	return id, nil
}

func changeResponse(out *library.Outcome) model.MediaChangeResponse {
	resp := model.MediaChangeResponse{Attachment: out.Attachment, Versions: out.Versions}
	if out.Propagation != nil {
		resp.Succeeded = out.Propagation.Succeeded
		resp.FailedSites = out.Propagation.Failed
	}
	return resp
}

// handleEditMedia handles POST /media/{id}
func (m *Mux) handleEditMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := mediaID(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("attachment_id", id))

	var edit model.MetadataEdit
	if err := m.decode(w, r, schema.MetadataEdit, &edit); err != nil {
		m.fail(w, r, err)
		return
	}

	out, err := m.library.EditMetadata(ctx, id, edit)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, changeResponse(out))
}

// handleDeleteMedia handles DELETE /media/{id}
func (m *Mux) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := mediaID(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("attachment_id", id))

	out, err := m.library.Delete(ctx, id)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, changeResponse(out))
}

// handleAjax handles the multipart file form: uploads, replacements and version restores.
func (m *Mux) handleAjax(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, m.cfg.MaxMediaSize+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			m.fail(w, r, media.ErrTooLarge)
			return
		}
		m.fail(w, r, errordefs.New(errordefs.OM_BAD_REQUEST, "invalid multipart form", ""))
		return
	}
	defer r.MultipartForm.RemoveAll()

	action := r.FormValue("action")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("action", action))

	switch action {
	case ActionUpload:
		up, err := formUpload(r)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		a, err := m.library.Upload(ctx, up)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, model.MediaChangeResponse{Attachment: a})

	case ActionReplace:
		id, err := strconv.ParseInt(r.FormValue("current_media_id"), 10, 64)
		if err != nil || id < 1 {
			m.fail(w, r, errordefs.New(errordefs.OM_VALIDATION, "current_media_id is required", ""))
			return
		}
		restore, _ := strconv.ParseBool(r.FormValue("is_version_restore"))

		var out *library.Outcome
		if restore {
			versionPath := r.FormValue("version_path")
			if versionPath == "" {
				m.fail(w, r, errordefs.New(errordefs.OM_VALIDATION, "version_path is required for a version restore", ""))
				return
			}
			out, err = m.library.RestoreVersion(ctx, id, versionPath)
		} else {
			var up library.Upload
			if up, err = formUpload(r); err == nil {
				out, err = m.library.Replace(ctx, id, up)
			}
		}
		if err != nil {
			m.fail(w, r, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, changeResponse(out))

	default:
		m.fail(w, r, errordefs.New(errordefs.OM_BAD_REQUEST, "unknown action", ""))
	}
}

// formUpload reads the "file" part of a parsed multipart form.
func formUpload(r *http.Request) (library.Upload, error) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return library.Upload{}, errordefs.New(errordefs.OM_VALIDATION, "file is required", "")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return library.Upload{}, errordefs.New(errordefs.OM_BAD_REQUEST, "failed to read uploaded file", "")
	}
	return library.Upload{
		Filename: hdr.Filename,
		MimeType: hdr.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}
