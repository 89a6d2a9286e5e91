package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Dir is an issue's artifact directory. Executors write agent output here
// and gates read it back.
type Dir struct {
	fs   afero.Fs
	root string
}

// NewDir returns the artifact directory rooted at root on fs.
func NewDir(fs afero.Fs, root string) *Dir {
	return &Dir{fs: fs, root: root}
}

// Fs returns the filesystem the directory lives on.
func (d *Dir) Fs() afero.Fs { return d.fs }

// Path returns the full path of name.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name)
}

// TaskFile returns the artifact file name for an implementation task.
func TaskFile(taskID string) string {
	return TaskFilePrefix + taskID + ".md"
}

// Write stores content under name via a temp file and rename, and returns
// the full path.
func (d *Dir) Write(name, content string) (string, error) {
	if err := d.fs.MkdirAll(d.root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	path := d.Path(name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := d.fs.Rename(tmp, path); err != nil {
		_ = d.fs.Remove(tmp)
		return "", fmt.Errorf("failed to move artifact %s into place: %w", name, err)
	}
	return path, nil
}

// Read returns the content of name. A missing file is reported with an
// error satisfying os.IsNotExist.
func (d *Dir) Read(name string) (string, error) {
	data, err := afero.ReadFile(d.fs, d.Path(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exists reports whether name has been written.
func (d *Dir) Exists(name string) bool {
	ok, err := afero.Exists(d.fs, d.Path(name))
	return err == nil && ok
}

// Load reads name and decodes its fenced block into a T. The error is
// os.ErrNotExist-compatible when the file is missing, ErrNoBlock when it
// has no fence, and *MalformedError when the fence does not decode.
func Load[T any](d *Dir, name string) (*T, error) {
	text, err := d.Read(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
		}
		return nil, err
	}
	v, err := Decode[T](text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
