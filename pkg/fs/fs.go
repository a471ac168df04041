// Package fs is the filesystem side of a sync session: the initial
// scan, incremental watching, and the read/write operations the
// reconciler's decisions turn into.
package fs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/mirror"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Adapter performs all filesystem access for one sync root. Paths
// passed in are slash-separated and relative to the root, matching
// Update.Path.
type Adapter struct {
	root string
}

// NewAdapter creates an adapter rooted at root.
func NewAdapter(root string) *Adapter {
	return &Adapter{root: root}
}

// Root returns the adapter's root directory.
func (a *Adapter) Root() string {
	return a.root
}

func (a *Adapter) abs(relPath string) string {
	return filepath.Join(a.root, filepath.FromSlash(relPath))
}

// List scans the tree under the root and emits one metadata Update per
// entry, parents before children. The root itself is not emitted.
func (a *Adapter) List(emit func(*mirror.Update) error) error {
	return afero.Walk(fs, a.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk")
		}
		if path == a.root {
			return nil
		}

		relPath, err := filepath.Rel(a.root, path)
		if err != nil || strings.HasPrefix(relPath, "..") {
			return errors.InvalidPath{Path: path, Reason: "outside the sync root"}
		}

		update, err := a.stat(filepath.ToSlash(relPath))
		if err != nil {
			return err
		}
		return emit(update)
	})
}

// stat builds the metadata Update for an existing path.
func (a *Adapter) stat(relPath string) (*mirror.Update, error) {
	path := a.abs(relPath)

	if target, ok := a.readlink(path); ok {
		return &mirror.Update{
			Path:    relPath,
			Symlink: target,
			ModTime: lstatModTime(path),
		}, nil
	}

	fi, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "stat")
	}

	update := &mirror.Update{
		Path:      relPath,
		ModTime:   fi.ModTime().UnixMilli(),
		Directory: fi.IsDir(),
	}
	if filepath.Base(path) == mirror.GitIgnoreFile {
		rules, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, errors.WithContext(err, "read ignore file")
		}
		update.IgnoreString = string(rules)
	}
	return update, nil
}

// readlink resolves a symlink target when the backing filesystem
// supports links; afero's memfs doesn't, so everything degrades to
// regular stat there.
func (a *Adapter) readlink(path string) (string, bool) {
	lr, ok := fs.(afero.LinkReader)
	if !ok {
		return "", false
	}
	target, err := lr.ReadlinkIfPossible(path)
	if err != nil || target == "" {
		return "", false
	}
	return target, true
}

func lstatModTime(path string) int64 {
	if ls, ok := fs.(afero.Lstater); ok {
		if fi, _, err := ls.LstatIfPossible(path); err == nil {
			return fi.ModTime().UnixMilli()
		}
	}
	return 0
}

// ReadFile reads a file's contents for an outbound update.
func (a *Adapter) ReadFile(relPath string) ([]byte, error) {
	data, err := afero.ReadFile(fs, a.abs(relPath))
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}
	return data, nil
}

// Apply performs the filesystem mutation an Update calls for.
func (a *Adapter) Apply(u *mirror.Update) error {
	switch {
	case u.Delete:
		return a.Delete(u.Path)
	case u.Directory:
		return a.Mkdir(u.Path, u.ModTime)
	case u.Symlink != "":
		return a.Mklink(u.Path, u.Symlink)
	default:
		data := u.Data
		if data == nil && u.IgnoreString != "" {
			data = []byte(u.IgnoreString)
		}
		return a.WriteFile(u.Path, data, u.ModTime)
	}
}

// WriteFile writes a file and stamps the given modtime on it, creating
// parent directories on demand.
func (a *Adapter) WriteFile(relPath string, data []byte, modTime int64) error {
	path := a.abs(relPath)
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "create parent")
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return a.chtimes(path, modTime)
}

// Mkdir creates a directory (and any missing parents).
func (a *Adapter) Mkdir(relPath string, modTime int64) error {
	path := a.abs(relPath)
	if err := fs.MkdirAll(path, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	return a.chtimes(path, modTime)
}

// Delete removes a path; directories are removed with their subtree.
// Deleting a path that's already gone is not an error.
func (a *Adapter) Delete(relPath string) error {
	if err := fs.RemoveAll(a.abs(relPath)); err != nil {
		return errors.WithContext(err, "delete")
	}
	return nil
}

// Mklink points relPath at target, replacing whatever was there.
func (a *Adapter) Mklink(relPath, target string) error {
	path := a.abs(relPath)
	linker, ok := fs.(afero.Linker)
	if !ok {
		return errors.New("filesystem does not support symlinks")
	}
	if err := fs.RemoveAll(path); err != nil {
		return errors.WithContext(err, "remove existing")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "create parent")
	}
	if err := linker.SymlinkIfPossible(target, path); err != nil {
		return errors.WithContext(err, "symlink")
	}
	return nil
}

func (a *Adapter) chtimes(path string, modTime int64) error {
	if modTime == 0 {
		return nil
	}
	t := millisToTime(modTime)
	if err := fs.Chtimes(path, t, t); err != nil {
		return errors.WithContext(err, "chtimes")
	}
	return nil
}
