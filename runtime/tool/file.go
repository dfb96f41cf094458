package tool

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dipeo/dipeo-go/errdefs"
)

// FilePort is the filesystem collaborator port used by db nodes and
// conversation log export.
type FilePort interface {
	Read(path string) ([]byte, error)
	Write(path string, content []byte) error
	List(dir string, pattern string) ([]string, error)
}

// LocalFiles implements FilePort on the local filesystem, rooted at a
// base directory. Paths that escape the base are rejected.
type LocalFiles struct {
	base string
}

// NewLocalFiles creates a port rooted at base ("" means the working
// directory).
func NewLocalFiles(base string) *LocalFiles {
	return &LocalFiles{base: base}
}

func (f *LocalFiles) resolve(path string) (string, error) {
	if f.base == "" {
		return path, nil
	}
	full := filepath.Join(f.base, path)
	rel, err := filepath.Rel(f.base, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errdefs.Newf(errdefs.KindPermissionDenied, "path %q escapes base directory", path)
	}
	return full, nil
}

// Read implements FilePort.
func (f *LocalFiles) Read(path string) ([]byte, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, errdefs.Newf(errdefs.KindNotFound, "file %q not found", path)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindHandlerFailure, err, "failed to read file")
	}
	return data, nil
}

// Write implements FilePort, creating parent directories as needed.
func (f *LocalFiles) Write(path string, content []byte) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(full); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errdefs.Wrap(errdefs.KindHandlerFailure, err, "failed to create directory")
		}
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindHandlerFailure, err, "failed to write file")
	}
	return nil
}

// List implements FilePort. The pattern is a filepath.Match glob
// applied to base names; empty matches everything.
func (f *LocalFiles) List(dir string, pattern string) ([]string, error) {
	full, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, errdefs.Newf(errdefs.KindNotFound, "directory %q not found", dir)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindHandlerFailure, err, "failed to list directory")
	}

	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			ok, err := filepath.Match(pattern, entry.Name())
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindValidation, err, "invalid pattern")
			}
			if !ok {
				continue
			}
		}
		out = append(out, entry.Name())
	}
	return out, nil
}
