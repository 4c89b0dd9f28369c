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

// Package httputil provides shared HTTP constants and response helpers.
package httputil

import (
	"encoding/json"
	"mime"
	"net/http"
)

// HTTP header names used across the collector's servers.
const (
	HeaderContentType        = "Content-Type"
	HeaderContentLength      = "Content-Length"
	HeaderContentDisposition = "Content-Disposition"
	HeaderRequestID          = "X-Request-ID"
	HeaderRetryAfter         = "Retry-After"
	HeaderWWWAuthenticate    = "WWW-Authenticate"
	HeaderTrailer            = "Trailer"
)

// Content types.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON serialises v as JSON and writes it to w with the given status code.
// The Content-Type header is set to application/json.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(statusCode)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, statusCode int, code, msg string) {
	// Headers from an abandoned success path must not leak into the error.
	w.Header().Del(HeaderContentDisposition)
	w.Header().Del(HeaderContentLength)
	_ = WriteJSON(w, statusCode, ErrorResponse{Error: msg, Code: code})
}

// Attachment returns a Content-Disposition value that downloads as filename.
func Attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}
