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

package api

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/altairalabs/motion-collector/internal/archive"
	"github.com/altairalabs/motion-collector/internal/auth"
	"github.com/altairalabs/motion-collector/internal/collection"
	"github.com/altairalabs/motion-collector/internal/httputil"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/pkg/logctx"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation         = "validation_failed"
	CodeUnsupportedMedia   = "unsupported_media_type"
	CodePayloadTooLarge    = "payload_too_large"
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodeKeyConflict        = "key_conflict"
	CodeRateLimited        = "rate_limited"
	CodeStorageUnavailable = "storage_unavailable"
	CodeArchiveTooLarge    = "archive_too_large"
	CodeStreamFailed       = "stream_failed"
	CodeInternal           = "internal"
)

// Retry-After values in seconds.
const (
	retryAfterRateLimited = "1"
	retryAfterStorage     = "5"
)

// apiError is the HTTP rendering of an error.
type apiError struct {
	status  int
	code    string
	message string
	headers map[string]string
}

// classify maps known errors to HTTP status codes and stable error codes.
// Anything unrecognised becomes a 500 without leaking the cause.
func classify(err error) apiError {
	var ve *record.ValidationError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return apiError{
			status: http.StatusUnauthorized, code: CodeUnauthorized, message: "authentication required",
			headers: map[string]string{httputil.HeaderWWWAuthenticate: auth.Challenge},
		}
	case errors.Is(err, collection.ErrRateLimited):
		return apiError{
			status: http.StatusTooManyRequests, code: CodeRateLimited, message: err.Error(),
			headers: map[string]string{httputil.HeaderRetryAfter: retryAfterRateLimited},
		}
	case errors.Is(err, archive.ErrArchiveTooLarge):
		return apiError{status: http.StatusRequestEntityTooLarge, code: CodeArchiveTooLarge,
			message: "archive exceeds the buffered download limit; use /download_all"}
	case errors.Is(err, record.ErrTooLarge):
		return apiError{status: http.StatusRequestEntityTooLarge, code: CodePayloadTooLarge, message: reason(err, ve)}
	case errors.Is(err, record.ErrUnsupportedMedia):
		return apiError{status: http.StatusUnsupportedMediaType, code: CodeUnsupportedMedia, message: reason(err, ve)}
	case errors.Is(err, record.ErrValidation):
		return apiError{status: http.StatusBadRequest, code: CodeValidation, message: reason(err, ve)}
	case errors.Is(err, record.ErrNotFound):
		return apiError{status: http.StatusNotFound, code: CodeNotFound, message: "record not found"}
	case errors.Is(err, record.ErrKeyExists):
		return apiError{status: http.StatusConflict, code: CodeKeyConflict, message: "could not allocate a unique record key"}
	case errors.Is(err, record.ErrStorage), errors.Is(err, record.ErrKeySpaceExhausted):
		return apiError{
			status: http.StatusServiceUnavailable, code: CodeStorageUnavailable, message: "storage temporarily unavailable",
			headers: map[string]string{httputil.HeaderRetryAfter: retryAfterStorage},
		}
	case errors.Is(err, record.ErrStream):
		return apiError{status: http.StatusInternalServerError, code: CodeStreamFailed, message: "archive could not be produced"}
	}
	return apiError{status: http.StatusInternalServerError, code: CodeInternal, message: "internal server error"}
}

func reason(err error, ve *record.ValidationError) string {
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}

// writeError logs err and writes its JSON rendering.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	log := logctx.LoggerWithContext(h.log, r.Context())
	if e.status >= http.StatusInternalServerError {
		log.Error(err, "request failed", "status", e.status, "code", e.code)
	} else {
		log.V(1).Info("request rejected", "status", e.status, "code", e.code, "reason", err.Error())
	}
	w.Header().Del(httputil.HeaderTrailer)
	for k, v := range e.headers {
		w.Header().Set(k, v)
	}
	httputil.WriteError(w, e.status, e.code, e.message)
}

// uploadError converts a multipart parsing failure into a validation error
// of the right kind.
func uploadError(err error) error {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe), errors.Is(err, multipart.ErrMessageTooLarge):
		return &record.ValidationError{Field: "upload", Reason: "upload exceeds the size limit", Kind: record.ErrTooLarge}
	case errors.Is(err, http.ErrNotMultipart):
		return &record.ValidationError{Field: "upload", Reason: "request must be multipart/form-data", Kind: record.ErrUnsupportedMedia}
	}
	return record.NewValidationError("upload", "malformed multipart body")
}
