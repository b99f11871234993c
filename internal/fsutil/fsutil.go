// Package fsutil holds the small file primitives the vault relies on for
// crash safety: synced writes, rename-into-place and plaintext shredding.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	DirPermSecure  = 0700 // Directory: owner rwx only
	FilePermSecure = 0600 // File: owner rw only
)

// Exists reports whether path exists. Errors other than "not exist" count
// as existing so callers never treat an unreadable file as absent.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// WriteFileSync writes data to path and fsyncs it before closing.
func WriteFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
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

// WriteFileAtomic writes data next to path and renames it into place.
// Readers observe either the previous content or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := WriteFileSync(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := ReplaceFile(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReplaceFile renames src over dst and fsyncs the parent directory.
func ReplaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(dst), err)
	}
	// Not every platform can fsync a directory; the rename already happened.
	_ = SyncDir(filepath.Dir(dst))
	return nil
}

// SyncDir fsyncs a directory so a preceding rename is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// CopyFile copies src to dst through a temp file and rename.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePermSecure)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := ReplaceFile(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Shred overwrites a file with zeros, syncs it and removes it.
func Shred(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	info, err := f.Stat()
	if err == nil {
		zeros := make([]byte, 32*1024)
		remaining := info.Size()
		for remaining > 0 && err == nil {
			n := int64(len(zeros))
			if remaining < n {
				n = remaining
			}
			_, err = f.Write(zeros[:n])
			remaining -= n
		}
		if err == nil {
			err = f.Sync()
		}
	}
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to overwrite %s: %w", filepath.Base(path), err)
	}
	return os.Remove(path)
}
