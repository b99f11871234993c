package security

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrPathEscapes  = errors.New("path escapes data directory")
	ErrAbsolutePath = errors.New("absolute paths are not allowed")
	ErrEmptyPath    = errors.New("empty path not allowed")
)

// PathValidator confines file operations to one directory using os.Root.
// Restores from backup go through it so a crafted snapshot entry cannot
// write outside the data directory.
type PathValidator struct {
	root     *os.Root
	rootPath string
}

// New creates a new PathValidator for the directory at the given path.
func New(dir string) (*PathValidator, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	root, err := os.OpenRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}

	return &PathValidator{
		root:     root,
		rootPath: absPath,
	}, nil
}

// Close releases resources held by the PathValidator.
func (pv *PathValidator) Close() error {
	if pv.root != nil {
		return pv.root.Close()
	}
	return nil
}

// Dir returns the absolute path of the confined directory
func (pv *PathValidator) Dir() string {
	return pv.rootPath
}

// ValidateAndNormalize validates a relative path and returns its cleaned
// form. It rejects:
// - Empty paths
// - Absolute paths
// - Paths that escape the directory (using ..)
// - Paths that are not local (using filepath.IsLocal)
func (pv *PathValidator) ValidateAndNormalize(userPath string) (string, error) {
	if userPath == "" {
		return "", ErrEmptyPath
	}

	if !filepath.IsLocal(userPath) {
		if filepath.IsAbs(userPath) {
			return "", fmt.Errorf("%w: %s", ErrAbsolutePath, userPath)
		}
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, userPath)
	}

	cleanPath := filepath.Clean(userPath)

	relPath, err := filepath.Rel(pv.rootPath, filepath.Join(pv.rootPath, cleanPath))
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, userPath)
	}

	return relPath, nil
}

// StatInRoot stats a file inside the directory.
func (pv *PathValidator) StatInRoot(path string) (os.FileInfo, error) {
	clean, err := pv.ValidateAndNormalize(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	return pv.root.Stat(clean)
}

// RemoveInRoot removes a file inside the directory. Missing files are ignored.
func (pv *PathValidator) RemoveInRoot(path string) error {
	clean, err := pv.ValidateAndNormalize(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if err := pv.root.Remove(clean); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CopyIntoRoot copies src to path inside the directory. The content is
// written to a synced temp file first and renamed into place, so a failed
// copy never leaves a half-written target.
func (pv *PathValidator) CopyIntoRoot(src io.Reader, path string) error {
	clean, err := pv.ValidateAndNormalize(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	tmp := clean + ".restore"

	f, err := pv.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		pv.root.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		pv.root.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		pv.root.Remove(tmp)
		return err
	}

	// os.Root has no rename; both names were validated above.
	if err := os.Rename(filepath.Join(pv.rootPath, tmp), filepath.Join(pv.rootPath, clean)); err != nil {
		pv.root.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", clean, err)
	}
	return nil
}
