package host

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileSystem is the subset of file operations the agent needs.
type FileSystem interface {
	WriteFile(path string, data []byte, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	EnsureDir(path string) error
	Chmod(path string, perm os.FileMode) error
	Exists(path string) bool
	Remove(path string) error
}

// AferoFS implements FileSystem over an afero.Fs.
type AferoFS struct {
	Fs afero.Fs
}

// NewOSFileSystem returns a FileSystem on the real disk.
func NewOSFileSystem() *AferoFS {
	return &AferoFS{Fs: afero.NewOsFs()}
}

// NewMemFileSystem returns an in-memory FileSystem.
func NewMemFileSystem() *AferoFS {
	return &AferoFS{Fs: afero.NewMemMapFs()}
}

func (f *AferoFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := f.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return afero.WriteFile(f.Fs, path, data, perm)
}

func (f *AferoFS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(f.Fs, path)
}

func (f *AferoFS) EnsureDir(path string) error {
	return f.Fs.MkdirAll(path, 0755)
}

func (f *AferoFS) Chmod(path string, perm os.FileMode) error {
	return f.Fs.Chmod(path, perm)
}

func (f *AferoFS) Exists(path string) bool {
	ok, err := afero.Exists(f.Fs, path)
	return err == nil && ok
}

// Remove deletes path; a missing file is not an error.
func (f *AferoFS) Remove(path string) error {
	err := f.Fs.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
