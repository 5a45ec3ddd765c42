package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
)

func init() {
	Register(BackendRegistration{
		Info: BackendInfo{Name: "file", Description: "Singer state JSON file"},
		Factory: func(_ context.Context, cfg config.StateConfig, logger *zap.Logger) (Store, error) {
			return NewFileStore(cfg.Path, logger)
		},
	})
}

// FileStore keeps state in a JSON file. Every Save rewrites the file
// atomically through a temporary file and rename.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore at path. The file need not exist.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	return &FileStore{path: path, logger: logging.OrNop(logger).Named("state")}, nil
}

// Path returns the state file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the state file. A missing file is an empty State.
func (f *FileStore) Load(_ context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) read() (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}
	return Parse(data)
}

// Save advances stream's bookmark and rewrites the file.
func (f *FileStore) Save(_ context.Context, stream string, bookmark time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.read()
	if err != nil {
		return err
	}
	if !st.Advance(stream, bookmark) {
		return nil
	}
	if err := f.write(st); err != nil {
		return err
	}
	f.logger.Debug("Bookmark saved",
		zap.String("stream", stream),
		zap.Time("bookmark", bookmark))
	return nil
}

// Replace overwrites the file with st.
func (f *FileStore) Replace(st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(st)
}

func (f *FileStore) write(st State) error {
	data, err := Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error {
	return nil
}
