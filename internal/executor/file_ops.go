package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileOps confines local writes to a set of allowed directory prefixes.
type FileOps struct {
	allowed []string
}

func NewFileOps(allowed []string) *FileOps {
	roots := make([]string, 0, len(allowed))
	for _, p := range allowed {
		p = filepath.Clean(p)
		if !strings.HasSuffix(p, string(filepath.Separator)) {
			p += string(filepath.Separator)
		}
		roots = append(roots, p)
	}
	return &FileOps{allowed: roots}
}

// Create opens path for writing, creating parent directories.
func (f *FileOps) Create(path string) (*os.File, error) {
	if err := f.validatePath(path); err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	return file, nil
}

func (f *FileOps) WriteFile(path string, content []byte, perm os.FileMode) error {
	if err := f.validatePath(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

func (f *FileOps) Rename(from, to string) error {
	if err := f.validatePath(from); err != nil {
		return err
	}
	if err := f.validatePath(to); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %s: %w", from, err)
	}
	return nil
}

// Remove deletes path. A missing file is not an error.
func (f *FileOps) Remove(path string) error {
	if err := f.validatePath(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

func (f *FileOps) Exists(path string) bool {
	if f.validatePath(path) != nil {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (f *FileOps) validatePath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	clean := filepath.Clean(path)
	for _, root := range f.allowed {
		if strings.HasPrefix(clean, root) {
			return nil
		}
	}
	return fmt.Errorf("path not in allowed directories: %s", path)
}
