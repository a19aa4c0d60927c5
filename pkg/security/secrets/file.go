package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets from one file per secret in a directory.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider for dir, which must exist.
func NewFileProvider(dir string) (*FileProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets path is not a directory: %s", dir)
	}
	return &FileProvider{dir: dir}, nil
}

// GetSecret implements Provider. Surrounding whitespace is trimmed.
func (p *FileProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	path := filepath.Join(p.dir, name)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: no file %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat secret file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", fmt.Errorf("insecure permissions on %s: %o (expected 0600 or 0400)", path, perm)
	}

	// #nosec G304 - name is a single path element inside dir
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Name implements Provider.
func (p *FileProvider) Name() string { return "file" }
