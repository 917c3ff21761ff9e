package blob

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const defaultOctetStreamMimeType = "application/octet-stream"

// defaultMimeTypes covers extensions mime.TypeByExtension may not know on a
// minimal system.
var defaultMimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript",
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".wasm": "application/wasm",
	".toml": "application/toml",
}

// MimeTypeResolver maps file names to MIME types.
type MimeTypeResolver struct {
	customMimeTypes map[string]string
}

// NewMimeTypeResolver validates custom (extension to type) and returns a
// resolver that prefers it over the built-in tables. Extensions must start
// with a '.' and types must be non-empty.
func NewMimeTypeResolver(custom map[string]string) (*MimeTypeResolver, error) {
	r := &MimeTypeResolver{customMimeTypes: make(map[string]string, len(custom))}
	for ext, mimeType := range custom {
		if !strings.HasPrefix(ext, ".") {
			return nil, errors.Errorf("invalid extension %q in mime_types: must start with a '.'", ext)
		}
		if mimeType == "" {
			return nil, errors.Errorf("empty MIME type for extension %q in mime_types", ext)
		}
		r.customMimeTypes[strings.ToLower(ext)] = mimeType
	}
	return r, nil
}

// GetMimeType determines the MIME type of filePath from custom mappings, then
// mime.TypeByExtension, then the built-in table, and finally
// application/octet-stream.
func (r *MimeTypeResolver) GetMimeType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if mimeType, ok := r.customMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	if mimeType, ok := defaultMimeTypes[ext]; ok {
		return mimeType
	}
	return defaultOctetStreamMimeType
}
