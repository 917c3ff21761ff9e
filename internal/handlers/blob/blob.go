// Package blob implements a handler that serves files below a document root.
// The request body is the path of the file relative to the root.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/server"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/wire"
)

// Modes of a blob route.
const (
	ModeRead = "read"
	ModeStat = "stat"
)

const (
	DefaultChunkSize     = 32 * 1024
	MaxChunkSize         = 1024 * 1024
	DefaultMaxPathLength = 4096
)

// Config is the handler_config of a blob route.
type Config struct {
	DocumentRoot  string            `json:"document_root"`
	Mode          string            `json:"mode,omitempty"`
	ChunkSize     int               `json:"chunk_size,omitempty"`
	MaxPathLength int               `json:"max_path_length,omitempty"`
	MimeTypes     map[string]string `json:"mime_types,omitempty"`
}

// ParseConfig decodes and validates a blob handler_config, filling defaults.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	if len(raw) == 0 {
		return nil, errors.New("handler_config is required")
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid handler_config")
	}

	if cfg.DocumentRoot == "" {
		return nil, errors.New("document_root is required")
	}
	if !filepath.IsAbs(cfg.DocumentRoot) {
		return nil, errors.Errorf("document_root %q must be an absolute path", cfg.DocumentRoot)
	}
	cfg.DocumentRoot = filepath.Clean(cfg.DocumentRoot)
	fi, err := os.Stat(cfg.DocumentRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "document_root %q", cfg.DocumentRoot)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("document_root %q is not a directory", cfg.DocumentRoot)
	}

	switch cfg.Mode {
	case "":
		cfg.Mode = ModeRead
	case ModeRead, ModeStat:
	default:
		return nil, errors.Errorf("mode %q must be %s or %s", cfg.Mode, ModeRead, ModeStat)
	}

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < 0 || cfg.ChunkSize > MaxChunkSize {
		return nil, errors.Errorf("chunk_size %d must be between 1 and %d", cfg.ChunkSize, MaxChunkSize)
	}
	if cfg.MaxPathLength == 0 {
		cfg.MaxPathLength = DefaultMaxPathLength
	}
	if cfg.MaxPathLength < 0 {
		return nil, errors.Errorf("max_path_length %d must be positive", cfg.MaxPathLength)
	}
	return &cfg, nil
}

// Blob serves the contents or metadata of files below a document root.
type Blob struct {
	cfg          *Config
	log          *logger.Logger
	mimeResolver *MimeTypeResolver
}

// New is the server.HandlerFactory for the "blob" handler type.
func New(handlerCfg json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	if lg == nil {
		lg = logger.Nop()
	}
	cfg, err := ParseConfig(handlerCfg)
	if err != nil {
		lg.Error("Failed to parse or validate blob config", logger.LogFields{"error": err.Error()})
		return nil, errors.Wrap(err, "blob")
	}
	resolver, err := NewMimeTypeResolver(cfg.MimeTypes)
	if err != nil {
		return nil, errors.Wrap(err, "blob")
	}
	return &Blob{cfg: cfg, log: lg, mimeResolver: resolver}, nil
}

// FileInfo is the Ok payload of a stat route, encoded as JSON.
type FileInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	ETag     string    `json:"etag"`
	MimeType string    `json:"mime_type"`
}

// requestError is an error answered with an Err value of its code.
type requestError struct {
	code   wire.ErrorCode
	detail string
}

func (e *requestError) Error() string { return e.detail }

func errorf(code wire.ErrorCode, format string, args ...interface{}) *requestError {
	return &requestError{code: code, detail: fmt.Sprintf(format, args...)}
}

// ServeTransaction implements server.Handler.
func (b *Blob) ServeTransaction(ctx context.Context, txn *session.Transaction) {
	rel, reqErr := b.readPath(ctx, txn.Stream())
	if reqErr == nil {
		reqErr = b.serve(ctx, txn, rel)
	}
	if reqErr != nil {
		txn.Stream().Close()
		if err := server.WriteErrorResponse(ctx, txn, reqErr.code, reqErr.detail, nil, b.log); err != nil {
			b.log.Debug("Blob failed to write error response", logger.LogFields{
				"transaction_id": txn.ID(),
				"error":          err.Error(),
			})
		}
	}
}

// readPath reads the whole request as the relative path of the file.
func (b *Blob) readPath(ctx context.Context, stream *session.TransactionStream) (string, *requestError) {
	var path []byte
	for {
		chunk, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errorf(wire.ErrCodeBadRequest, "failed to read request: %v", err)
		}
		path = append(path, chunk...)
		if len(path) > b.cfg.MaxPathLength {
			return "", errorf(wire.ErrCodeBadRequest, "path exceeds %d bytes", b.cfg.MaxPathLength)
		}
	}
	if incomplete, _ := stream.IsIncomplete(); incomplete {
		return "", errorf(wire.ErrCodeBadRequest, "request ended before EndOfRequest")
	}
	if len(path) == 0 {
		return "", errorf(wire.ErrCodeBadRequest, "empty path")
	}
	if bytes.IndexByte(path, 0) >= 0 {
		return "", errorf(wire.ErrCodeBadRequest, "path contains a NUL byte")
	}
	return string(path), nil
}

func (b *Blob) serve(ctx context.Context, txn *session.Transaction, rel string) *requestError {
	filePath, fi, reqErr := resolvePath(rel, b.cfg.DocumentRoot, b.log, txn.ID())
	if reqErr != nil {
		return reqErr
	}
	if fi.IsDir() {
		return errorf(wire.ErrCodeBadRequest, "%q is a directory", rel)
	}

	if b.cfg.Mode == ModeStat {
		return b.serveStat(ctx, txn, rel, filePath, fi)
	}
	return b.serveFile(ctx, txn, filePath)
}

// resolvePath maps rel onto documentRoot and stats the result. Paths that
// resolve outside the root are FORBIDDEN.
func resolvePath(rel, documentRoot string, lg *logger.Logger, id wire.TransactionID) (string, os.FileInfo, *requestError) {
	targetPath := filepath.Join(documentRoot, filepath.FromSlash(rel))
	canonicalPath, err := filepath.Abs(targetPath)
	if err != nil {
		lg.Error("Failed to resolve path", logger.LogFields{"transaction_id": id, "path": rel, "error": err.Error()})
		return "", nil, errorf(wire.ErrCodeInternalServerError, "failed to resolve path")
	}

	if canonicalPath != documentRoot && !strings.HasPrefix(canonicalPath, documentRoot+string(filepath.Separator)) {
		lg.Warn("Path traversal attempt", logger.LogFields{
			"transaction_id": id,
			"path":           rel,
			"resolved":       canonicalPath,
			"document_root":  documentRoot,
		})
		return "", nil, errorf(wire.ErrCodeForbidden, "path %q is outside the document root", rel)
	}

	fi, err := os.Stat(canonicalPath)
	switch {
	case err == nil:
		return canonicalPath, fi, nil
	case os.IsNotExist(err):
		return "", nil, errorf(wire.ErrCodeNotFound, "%q does not exist", rel)
	case os.IsPermission(err):
		return "", nil, errorf(wire.ErrCodeForbidden, "permission denied for %q", rel)
	default:
		lg.Error("Failed to stat file", logger.LogFields{"transaction_id": id, "path": canonicalPath, "error": err.Error()})
		return "", nil, errorf(wire.ErrCodeInternalServerError, "failed to stat %q", rel)
	}
}

func generateETag(fi os.FileInfo) string {
	return fmt.Sprintf("\"%x-%x\"", fi.Size(), fi.ModTime().UnixNano())
}

func (b *Blob) serveStat(ctx context.Context, txn *session.Transaction, rel, filePath string, fi os.FileInfo) *requestError {
	body, err := json.Marshal(FileInfo{
		Path:     filepath.ToSlash(rel),
		Size:     fi.Size(),
		ModTime:  fi.ModTime().UTC(),
		ETag:     generateETag(fi),
		MimeType: b.mimeResolver.GetMimeType(filePath),
	})
	if err != nil {
		return errorf(wire.ErrCodeInternalServerError, "failed to encode file info")
	}
	b.finish(txn, txn.Sink().Send(ctx, body))
	return nil
}

func (b *Blob) serveFile(ctx context.Context, txn *session.Transaction, filePath string) *requestError {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsPermission(err) {
			return errorf(wire.ErrCodeForbidden, "permission denied")
		}
		b.log.Error("Failed to open file", logger.LogFields{"transaction_id": txn.ID(), "path": filePath, "error": err.Error()})
		return errorf(wire.ErrCodeInternalServerError, "failed to open file")
	}
	defer file.Close()

	var sent int64
	for {
		chunk := make([]byte, b.cfg.ChunkSize)
		n, readErr := file.Read(chunk)
		if n > 0 {
			if err := txn.Sink().Send(ctx, chunk[:n]); err != nil {
				b.finish(txn, err)
				return nil
			}
			sent += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			b.log.Error("Failed to read file", logger.LogFields{"transaction_id": txn.ID(), "path": filePath, "error": readErr.Error()})
			if sent == 0 {
				return errorf(wire.ErrCodeInternalServerError, "failed to read file")
			}
			// Part of the Ok value is already out; report the failure as a second value.
			if err := server.WriteErrorResponse(ctx, txn, wire.ErrCodeInternalServerError, "failed to read file", nil, b.log); err != nil {
				b.log.Debug("Blob failed to write error response", logger.LogFields{"transaction_id": txn.ID(), "error": err.Error()})
			}
			return nil
		}
	}

	b.log.Debug("Served file", logger.LogFields{"transaction_id": txn.ID(), "path": filePath, "bytes": sent})
	b.finish(txn, nil)
	return nil
}

// finish closes the response, or logs sendErr if sending already failed.
func (b *Blob) finish(txn *session.Transaction, sendErr error) {
	err := sendErr
	if err == nil {
		err = txn.Sink().Close()
	}
	if err != nil {
		b.log.Debug("Blob response not completed", logger.LogFields{
			"transaction_id": txn.ID(),
			"error":          err.Error(),
		})
	}
}
