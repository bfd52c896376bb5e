// Package staging materializes uploaded images as uniquely named files on
// local disk for the lifetime of a single request.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/animal-classifier/internal/pipeline"
)

// Payload is an uploaded image as received from the client.
type Payload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// File is an upload staged on disk. It must be handed back to Store.Release
// exactly once the request reaches a terminal state; extra calls are no-ops.
type File struct {
	Path string
	Name string
	Ext  string

	once sync.Once
}

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,16}$`)

// Store writes payloads into a directory and removes them on release.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a store rooted at dir, falling back to the platform
// temporary directory when dir is empty.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Store{dir: dir, logger: logger.Named("staging")}, nil
}

// Dir returns the directory staged files are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Stage writes the payload to a new file named from a random identifier plus
// the original extension. The file is complete and closed before the
// returned File is handed out; on failure nothing is left behind.
func (s *Store) Stage(ctx context.Context, payload Payload) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.IOError("Failed to stage upload", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, pipeline.IOError("Failed to generate staging name", err)
	}
	ext := Extension(payload.Filename)
	name := strings.ReplaceAll(id.String(), "-", "") + ext
	path := filepath.Join(s.dir, name)

	// O_EXCL: a name collision fails loudly instead of clobbering another
	// request's file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, pipeline.IOError("Failed to create staged file", err)
	}
	if err := writeAndClose(f, payload.Data); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("failed to remove partially staged file", zap.String("path", path), zap.Error(rmErr))
		}
		return nil, pipeline.IOError("Failed to write staged file", err)
	}

	s.logger.Debug("staged upload",
		zap.String("path", path),
		zap.Int("bytes", len(payload.Data)),
		zap.String("content_type", payload.ContentType),
	)
	return &File{Path: path, Name: name, Ext: ext}, nil
}

// Release removes the staged file. It never fails: removal errors, including
// the file already being gone, are only logged. Repeated calls do nothing.
func (s *Store) Release(file *File) {
	if file == nil {
		return
	}
	file.once.Do(func() {
		err := os.Remove(file.Path)
		switch {
		case err == nil:
			s.logger.Debug("released staged file", zap.String("path", file.Path))
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("staged file already removed", zap.String("path", file.Path))
		default:
			s.logger.Warn("failed to remove staged file", zap.String("path", file.Path), zap.Error(err))
		}
	})
}

// Extension returns the extension of the uploaded filename, or "" when it is
// absent or contains anything other than ASCII letters and digits.
func Extension(filename string) string {
	ext := filepath.Ext(filepath.Base(filename))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
