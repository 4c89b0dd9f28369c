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

package record

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xeipuuv/gojsonschema"
)

// Content types accepted by default.
const (
	ContentTypeMP4  = "video/mp4"
	ContentTypeJSON = "application/json"
)

// DefaultAllowedVideoTypes lists the video containers accepted by default.
var DefaultAllowedVideoTypes = []string{ContentTypeMP4}

// ValidatorConfig configures upload validation.
type ValidatorConfig struct {
	// AllowedVideoTypes are MIME types the sniffed video container must match.
	AllowedVideoTypes []string
	// MaxVideoBytes caps the video size (0 means no limit).
	MaxVideoBytes int64
	// MaxSensorBytes caps the sensor JSON size (0 means no limit).
	MaxSensorBytes int64
	// SensorSchema is an optional JSON schema document the sensor record must satisfy.
	SensorSchema []byte
}

// DefaultValidatorConfig returns a configuration with sensible defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		AllowedVideoTypes: DefaultAllowedVideoTypes,
		MaxVideoBytes:     512 * 1024 * 1024, // 512MB
		MaxSensorBytes:    32 * 1024 * 1024,  // 32MB
	}
}

// Validator checks upload parts before they are persisted.
type Validator struct {
	config ValidatorConfig
	schema *gojsonschema.Schema
}

// NewValidator creates a Validator. A configured schema is compiled once here.
func NewValidator(config ValidatorConfig) (*Validator, error) {
	if len(config.AllowedVideoTypes) == 0 {
		config.AllowedVideoTypes = DefaultAllowedVideoTypes
	}
	v := &Validator{config: config}
	if len(config.SensorSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(config.SensorSchema))
		if err != nil {
			return nil, fmt.Errorf("compiling sensor schema: %w", err)
		}
		v.schema = schema
	}
	return v, nil
}

// LoadSensorSchema reads a JSON schema file for ValidatorConfig.SensorSchema.
func LoadSensorSchema(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sensor schema: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("sensor schema %s is not valid JSON", path)
	}
	return data, nil
}

// ValidateVideo checks that data is a non-empty, allowed video container.
// declaredType is the client-supplied Content-Type and is checked only when
// it names a specific type.
func (v *Validator) ValidateVideo(data []byte, declaredType string) error {
	if len(data) == 0 {
		return NewValidationError("video", "no video file uploaded")
	}
	if v.config.MaxVideoBytes > 0 && int64(len(data)) > v.config.MaxVideoBytes {
		return newKindError(ErrTooLarge, "video", fmt.Sprintf("exceeds %d bytes", v.config.MaxVideoBytes))
	}
	if isDeclared(declaredType) && !v.allowedDeclared(declaredType) {
		return newKindError(ErrUnsupportedMedia, "video", "video must be an MP4 file")
	}

	detected := mimetype.Detect(data)
	if !v.allowedDetected(detected) {
		return newKindError(ErrUnsupportedMedia, "video", fmt.Sprintf("content is %s, not a supported video container", detected.String()))
	}
	return nil
}

// ValidateSensor checks that data is non-empty, parseable JSON and, when a
// schema is configured, that it satisfies the schema.
func (v *Validator) ValidateSensor(data []byte, declaredType string) error {
	if len(data) == 0 {
		return NewValidationError("json", "no JSON file uploaded")
	}
	if v.config.MaxSensorBytes > 0 && int64(len(data)) > v.config.MaxSensorBytes {
		return newKindError(ErrTooLarge, "json", fmt.Sprintf("exceeds %d bytes", v.config.MaxSensorBytes))
	}
	if isDeclared(declaredType) && mediaType(declaredType) != ContentTypeJSON {
		return newKindError(ErrUnsupportedMedia, "json", "JSON data must be a .json file")
	}
	if err := CheckJSON(data); err != nil {
		return err
	}
	if v.schema == nil {
		return nil
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return NewValidationError("json", err.Error())
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return NewValidationError("json", strings.Join(problems, "; "))
	}
	return nil
}

// CheckPut applies the input checks every Store.Put performs before writing:
// a well-formed key, a recognised video container and parseable JSON.
func CheckPut(key Key, video, sensor []byte) error {
	if _, err := ParseKey(string(key)); err != nil {
		return err
	}
	if len(video) == 0 {
		return NewValidationError("video", "no video file uploaded")
	}
	if !IsVideoContainer(video) {
		return newKindError(ErrUnsupportedMedia, "video", "content is not a recognised video container")
	}
	if len(sensor) == 0 {
		return NewValidationError("json", "no JSON file uploaded")
	}
	return CheckJSON(sensor)
}

// IsVideoContainer reports whether data sniffs as any video container.
// Validator narrows this to the configured types.
func IsVideoContainer(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return false
}

// CheckJSON reports a ValidationError when data does not parse as JSON.
// Stores call it from Put so a record with an unparseable sensor half can
// never be written, whichever path the bytes took.
func CheckJSON(data []byte) error {
	var js json.RawMessage
	if err := json.Unmarshal(data, &js); err != nil {
		return NewValidationError("json", fmt.Sprintf("failed to parse: %v", err))
	}
	return nil
}

func (v *Validator) allowedDeclared(declared string) bool {
	mt := mediaType(declared)
	for _, allowed := range v.config.AllowedVideoTypes {
		if mt == allowed {
			return true
		}
	}
	return false
}

func (v *Validator) allowedDetected(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, allowed := range v.config.AllowedVideoTypes {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// isDeclared reports whether the client named a specific type. Generic
// binary is what many multipart encoders send by default.
func isDeclared(contentType string) bool {
	mt := mediaType(contentType)
	return mt != "" && mt != "application/octet-stream"
}

// mediaType strips parameters from a Content-Type value.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
