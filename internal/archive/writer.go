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

package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/altairalabs/motion-collector/internal/record"
)

// Format selects the archive container.
type Format string

const (
	// FormatZip is a zip archive; videos are stored, JSON is deflated.
	FormatZip Format = "zip"
	// FormatTarZstd is a tar stream compressed with zstd.
	FormatTarZstd Format = "tar.zst"
)

// ParseFormat maps a user-supplied name to a Format. Empty means zip.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return FormatZip, nil
	case "tar.zst", "tzst", "zstd":
		return FormatTarZstd, nil
	}
	return "", record.NewValidationError("format", fmt.Sprintf("unsupported archive format %q", s))
}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	if f == FormatTarZstd {
		return ".tar.zst"
	}
	return ".zip"
}

// ContentType returns the MIME type of the archive.
func (f Format) ContentType() string {
	if f == FormatTarZstd {
		return "application/zstd"
	}
	return "application/zip"
}

// Entry describes one file in an archive.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	// Compress asks for compression where the format lets entries differ.
	Compress bool
}

// Writer appends entries to an archive.
type Writer interface {
	// WriteEntry copies exactly e.Size bytes from r into a new entry.
	WriteEntry(e Entry, r io.Reader) error
	// Close finishes the archive. Only a closed archive is valid.
	Close() error
	// Abort releases resources without finishing the archive.
	Abort()
}

// NewWriter creates a Writer for format that writes to w.
func NewWriter(format Format, w io.Writer) (Writer, error) {
	switch format {
	case FormatZip, "":
		return &zipWriter{zw: zip.NewWriter(w)}, nil
	case FormatTarZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		return &tarZstdWriter{enc: enc, tw: tar.NewWriter(enc)}, nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) WriteEntry(e Entry, r io.Reader) error {
	method := zip.Store
	if e.Compress {
		method = zip.Deflate
	}
	hdr := &zip.FileHeader{
		Name:     e.Name,
		Method:   method,
		Modified: e.ModTime,
	}
	hdr.UncompressedSize64 = uint64(e.Size)
	w, err := z.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return err
	}
	if n != e.Size {
		return fmt.Errorf("entry %s: wrote %d bytes, expected %d", e.Name, n, e.Size)
	}
	return nil
}

func (z *zipWriter) Close() error { return z.zw.Close() }

// Abort leaves the central directory unwritten, so the output is not a
// readable zip.
func (z *zipWriter) Abort() {}

type tarZstdWriter struct {
	enc *zstd.Encoder
	tw  *tar.Writer
}

func (t *tarZstdWriter) WriteEntry(e Entry, r io.Reader) error {
	if err := t.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     e.Name,
		Size:     e.Size,
		Mode:     0o644,
		ModTime:  e.ModTime,
		Format:   tar.FormatPAX,
	}); err != nil {
		return err
	}
	if _, err := io.Copy(t.tw, r); err != nil {
		return err
	}
	return t.tw.Flush()
}

func (t *tarZstdWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	return t.enc.Close()
}

// Abort redirects the encoder away from the sink before stopping it, so the
// zstd frame is never terminated in the output.
func (t *tarZstdWriter) Abort() {
	t.enc.Reset(io.Discard)
	_ = t.enc.Close()
}
