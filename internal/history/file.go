package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// StorageKey names the persisted history document.
	StorageKey = "rasc.history"
	// StorageVersion is the document schema version.
	StorageVersion = 1
)

type fileDocument struct {
	Version int               `json:"version"`
	Key     string            `json:"key"`
	Data    map[string]Record `json:"data"`
}

// FileBackend stores the history as a versioned JSON document, replaced
// atomically on every save.
type FileBackend struct {
	path string
}

// NewFileBackend stores history at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load returns nil, nil when the file does not exist yet.
func (b *FileBackend) Load(ctx context.Context) (map[string]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse history file: %w", err)
	}
	if doc.Key != StorageKey {
		return nil, fmt.Errorf("unexpected storage key %q", doc.Key)
	}
	if doc.Version != StorageVersion {
		return nil, fmt.Errorf("unsupported history version %d", doc.Version)
	}
	return doc.Data, nil
}

// Save writes to a temp file in the same directory with 0600 permissions and
// renames it over the old document.
func (b *FileBackend) Save(ctx context.Context, data map[string]Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(fileDocument{
		Version: StorageVersion,
		Key:     StorageKey,
		Data:    data,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create history dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("failed to replace history file: %w", err)
	}
	return nil
}
