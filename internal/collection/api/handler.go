/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api provides the HTTP boundary of the collector: multipart
// ingestion, record and archive downloads, purge and diagnostics.
package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/altairalabs/motion-collector/internal/archive"
	"github.com/altairalabs/motion-collector/internal/auth"
	"github.com/altairalabs/motion-collector/internal/collection"
	"github.com/altairalabs/motion-collector/internal/httputil"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/pkg/logctx"
)

// Handler constants.
const (
	// DefaultMaxUploadBytes caps the whole multipart upload body.
	DefaultMaxUploadBytes = 600 << 20 // 600MB
	// DefaultMultipartMemory is how much of an upload is held in memory
	// before parts spill to temporary files.
	DefaultMultipartMemory = 32 << 20 // 32MB

	formFieldVideo = "video"
	formFieldJSON  = "json"

	headerArchiveRecords = "X-Archive-Records"
	headerArchiveSkipped = "X-Archive-Skipped"

	rootMessage = "Hello, World!"
)

// Config configures the Handler.
type Config struct {
	// MaxUploadBytes caps POST /upload bodies. Defaults to DefaultMaxUploadBytes.
	MaxUploadBytes int64
	// MultipartMemory defaults to DefaultMultipartMemory.
	MultipartMemory int64
	// Authenticator guards every route except / and /upload. Nil disables
	// authentication; the caller is responsible for allowing that.
	Authenticator *auth.Authenticator
}

// Handler provides HTTP endpoints for the collection service.
type Handler struct {
	service         *collection.Service
	auth            *auth.Authenticator
	maxUploadBytes  int64
	multipartMemory int64
	log             logr.Logger
}

// NewHandler creates a new collection API handler.
func NewHandler(service *collection.Service, cfg Config, log logr.Logger) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MultipartMemory <= 0 {
		cfg.MultipartMemory = DefaultMultipartMemory
	}
	return &Handler{
		service:         service,
		auth:            cfg.Authenticator,
		maxUploadBytes:  cfg.MaxUploadBytes,
		multipartMemory: cfg.MultipartMemory,
		log:             log.WithName("collection-handler"),
	}
}

// RegisterRoutes registers the collector routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.handle(mux, "GET /{$}", false, h.handleRoot)
	h.handle(mux, "POST /upload", false, h.handleUpload)
	h.handle(mux, "GET /list", true, h.handleList)
	h.handle(mux, "GET /download/{key}", true, h.handleDownloadRecord)
	h.handle(mux, "GET /records/{key}/video", true, h.handleRecordPart(record.PartVideo))
	h.handle(mux, "GET /records/{key}/sensor", true, h.handleRecordPart(record.PartSensor))
	h.handle(mux, "DELETE /records/{key}", true, h.handleDelete)
	h.handle(mux, "GET /download_all", true, h.handleDownloadAll)
	h.handle(mux, "GET /download_all/buffered", true, h.handleDownloadBuffered)
	h.handle(mux, "DELETE /records", true, h.handlePurge)
	h.handle(mux, "GET /diagnostics", true, h.handleDiagnostics)
}

// handle registers fn under pattern. Protected routes require a valid
// bearer credential when an authenticator is configured.
func (h *Handler) handle(mux *http.ServeMux, pattern string, protected bool, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		reportRoute(r)
		span := trace.SpanFromContext(r.Context())
		span.SetName(r.Pattern)
		span.SetAttributes(attribute.String("http.route", r.Pattern))

		if protected && h.auth != nil {
			p, err := h.auth.Authenticate(r)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			r = r.WithContext(auth.WithPrincipal(r.Context(), p))
		}
		if key := r.PathValue("key"); key != "" {
			r = r.WithContext(logctx.WithRecordKey(r.Context(), key))
		}
		fn(w, r)
	})
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(httputil.HeaderContentType, httputil.ContentTypeText)
	_, _ = io.WriteString(w, rootMessage)
}

// handleUpload accepts a multipart body with "video" and "json" file parts.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.multipartMemory); err != nil {
		h.writeError(w, r, uploadError(err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	video, videoHdr, err := readFormFile(r, formFieldVideo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sensor, sensorHdr, err := readFormFile(r, formFieldJSON)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if videoHdr == nil || sensorHdr == nil {
		h.writeError(w, r, record.NewValidationError("upload", "Video and JSON data are required"))
		return
	}

	result, err := h.service.Ingest(r.Context(), collection.Upload{
		Video:             video,
		VideoFilename:     videoHdr.Filename,
		VideoContentType:  videoHdr.Header.Get(httputil.HeaderContentType),
		Sensor:            sensor,
		SensorFilename:    sensorHdr.Filename,
		SensorContentType: sensorHdr.Header.Get(httputil.HeaderContentType),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, result)
}

// readFormFile returns the content of a file part. A missing part yields a
// nil header and no error.
func readFormFile(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, uploadError(err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s part: %w", field, err)
	}
	return data, hdr, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListKeys(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, keys)
}

// handleDownloadRecord streams one record as "<key>_dataset.zip".
func (h *Handler) handleDownloadRecord(w http.ResponseWriter, r *http.Request) {
	format, err := archive.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key := record.Key(r.PathValue("key"))
	filename := key.String() + "_dataset" + format.Extension()

	lw := &lazyWriter{w: w, prepare: func(hdr http.Header) {
		hdr.Set(httputil.HeaderContentType, format.ContentType())
		hdr.Set(httputil.HeaderContentDisposition, httputil.Attachment(filename))
	}}
	if _, err := h.service.FetchOneAsArchive(r.Context(), lw, key, format); err != nil {
		h.failStream(w, r, lw, err)
	}
}

// handleRecordPart serves one half of a record as a plain file.
func (h *Handler) handleRecordPart(part record.Part) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := record.Key(r.PathValue("key"))
		rr, err := h.service.OpenOne(r.Context(), key)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		defer func() { _ = rr.Close() }()

		body, size, name, contentType := rr.Video, rr.VideoSize, key.VideoName(), record.ContentTypeMP4
		if part == record.PartSensor {
			body, size, name, contentType = rr.Sensor, rr.SensorSize, key.SensorName(), record.ContentTypeJSON
		}
		hdr := w.Header()
		hdr.Set(httputil.HeaderContentType, contentType)
		hdr.Set(httputil.HeaderContentLength, strconv.FormatInt(size, 10))
		hdr.Set(httputil.HeaderContentDisposition, httputil.Attachment(name))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, body); err != nil {
			logctx.LoggerWithContext(h.log, r.Context()).Error(err, "record body truncated", "part", part)
			panic(http.ErrAbortHandler)
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.audit(r, "delete")
	if err := h.service.Delete(r.Context(), record.Key(r.PathValue("key"))); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownloadAll streams every record into one archive. The record and
// skip counts are only known at the end, so they travel as trailers.
func (h *Handler) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	format, err := archive.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lw := &lazyWriter{w: w, prepare: func(hdr http.Header) {
		hdr.Set(httputil.HeaderContentType, format.ContentType())
		hdr.Set(httputil.HeaderContentDisposition, httputil.Attachment("all_datasets"+format.Extension()))
		hdr.Set(httputil.HeaderTrailer, headerArchiveRecords+", "+headerArchiveSkipped)
	}}

	result, err := h.service.FetchAllAsArchive(r.Context(), lw, format)
	if err != nil {
		h.failStream(w, r, lw, err)
		return
	}
	w.Header().Set(headerArchiveRecords, strconv.Itoa(result.Records))
	w.Header().Set(headerArchiveSkipped, strconv.Itoa(len(result.Skipped)))
}

// handleDownloadBuffered builds the archive in memory so it can be sent
// with a Content-Length.
func (h *Handler) handleDownloadBuffered(w http.ResponseWriter, r *http.Request) {
	format, err := archive.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, result, err := h.service.FetchAllBuffered(r.Context(), format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	hdr := w.Header()
	hdr.Set(httputil.HeaderContentType, format.ContentType())
	hdr.Set(httputil.HeaderContentLength, strconv.Itoa(len(data)))
	hdr.Set(httputil.HeaderContentDisposition, httputil.Attachment("all_datasets"+format.Extension()))
	hdr.Set(headerArchiveRecords, strconv.Itoa(result.Records))
	hdr.Set(headerArchiveSkipped, strconv.Itoa(len(result.Skipped)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	h.audit(r, "purge")
	result, err := h.service.PurgeAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logctx.LoggerWithContext(h.log, r.Context()).Info("purge finished",
		"removed", result.Removed, "orphansRemoved", result.OrphansRemoved, "failed", len(result.Failed))
	_ = httputil.WriteJSON(w, http.StatusOK, result)
}

// audit records who asked for a destructive operation.
func (h *Handler) audit(r *http.Request, action string) {
	subject, method := "anonymous", "none"
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		subject, method = p.Subject, p.Method
	}
	logctx.LoggerWithContext(h.log, r.Context()).Info("destructive request",
		"action", action, "subject", subject, "authMethod", method)
}

func (h *Handler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Diagnostics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if report.Status == collection.StatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	_ = httputil.WriteJSON(w, status, report)
}

// failStream reports an archive error. Before the first byte it is an
// ordinary error response; after that the connection is aborted so a
// truncated archive is never presented as complete.
func (h *Handler) failStream(w http.ResponseWriter, r *http.Request, lw *lazyWriter, err error) {
	if !lw.started {
		h.writeError(w, r, err)
		return
	}
	logctx.LoggerWithContext(h.log, r.Context()).Error(err, "archive stream aborted", "bytesWritten", lw.written)
	panic(http.ErrAbortHandler)
}

// lazyWriter defers the success headers until the first body byte, so a
// request that fails early can still get a normal error response.
type lazyWriter struct {
	w       http.ResponseWriter
	prepare func(http.Header)
	started bool
	written int64
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.prepare(l.w.Header())
		l.w.WriteHeader(http.StatusOK)
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}
