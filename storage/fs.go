// Package storage models the byte-oriented filesystem primitive surface
// spec §1/§9 describes the SD/filesystem driver by: append, seek, size,
// rename, exists, remove. It is taken as a narrow interface (rather than
// called directly against os) so that Journal and EventLog tests can run
// against a real temp directory without depending on any particular
// embedded filesystem's quirks, and so a future FAT-style "no atomic
// rename" driver can be substituted per spec §9's note on that subject.
package storage

import (
	"io"
	"os"
)

// FS is the filesystem surface the durable-delivery core depends on.
type FS interface {
	// OpenAppend opens path for appending, creating it if it does not
	// exist. If the underlying filesystem does not support O_APPEND, the
	// implementation falls back to open-for-write plus seek-to-end, per
	// spec §4.2's write protocol.
	OpenAppend(path string) (io.WriteCloser, error)

	// OpenRead opens path for reading.
	OpenRead(path string) (io.ReadSeekCloser, error)

	// Size returns the current size of path in bytes, or an error if it
	// does not exist.
	Size(path string) (int64, error)

	// Exists reports whether path exists.
	Exists(path string) bool

	// Rename moves oldPath to newPath, creating newPath's parent
	// directory if necessary.
	Rename(oldPath, newPath string) error

	// Remove deletes path. It is not an error if path does not exist.
	Remove(path string) error

	// ReadDir lists the names of the plain files directly inside dir.
	ReadDir(dir string) ([]string, error)

	// WriteFileAtomic writes data to path by writing to a temporary file
	// in the same directory, then renaming over path, per the cursor
	// protocol in spec §4.2 and the "write to .tmp, fsync, remove old,
	// rename" degradation path noted in spec §9.
	WriteFileAtomic(path string, data []byte) error

	// ReadFile reads the whole contents of path.
	ReadFile(path string) ([]byte, error)
}

// OSFS implements FS against the real operating system filesystem rooted
// at Root.
type OSFS struct {
	Root string
}

var _ FS = (*OSFS)(nil)

// New creates an OSFS rooted at root. The root directory is created if it
// does not already exist.
func New(root string) (*OSFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &OSFS{Root: root}, nil
}

func (fs *OSFS) path(p string) string {
	return fs.Root + string(os.PathSeparator) + p
}

// OpenAppend opens path for appending, falling back to open-for-write plus
// seek-to-end if O_APPEND is refused by the underlying filesystem (spec
// §4.2 step 2).
func (fs *OSFS) OpenAppend(p string) (io.WriteCloser, error) {
	full := fs.path(p)
	if err := os.MkdirAll(dirOf(full), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		return f, nil
	}

	// Fallback: open for read+write, seek to end.
	f, ferr := os.OpenFile(full, os.O_CREATE|os.O_RDWR, 0o644)
	if ferr != nil {
		return nil, err
	}
	if _, serr := f.Seek(0, io.SeekEnd); serr != nil {
		f.Close()
		return nil, serr
	}
	return f, nil
}

// OpenRead opens path for reading.
func (fs *OSFS) OpenRead(p string) (io.ReadSeekCloser, error) {
	return os.Open(fs.path(p))
}

// Size returns the size in bytes of path.
func (fs *OSFS) Size(p string) (int64, error) {
	info, err := os.Stat(fs.path(p))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether path exists.
func (fs *OSFS) Exists(p string) bool {
	_, err := os.Stat(fs.path(p))
	return err == nil
}

// Rename moves oldPath to newPath.
func (fs *OSFS) Rename(oldPath, newPath string) error {
	full := fs.path(newPath)
	if err := os.MkdirAll(dirOf(full), 0o755); err != nil {
		return err
	}
	return os.Rename(fs.path(oldPath), full)
}

// Remove deletes path if present.
func (fs *OSFS) Remove(p string) error {
	err := os.Remove(fs.path(p))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReadDir lists the plain file names directly inside dir (relative to
// Root).
func (fs *OSFS) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(fs.path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// WriteFileAtomic writes data to path via a temporary-file-then-rename
// sequence: write to path+".tmp", remove any pre-existing path, then
// rename. A crash between steps leaves either the old file or the new one,
// never a partial one (spec §9).
func (fs *OSFS) WriteFileAtomic(p string, data []byte) error {
	full := fs.path(p)
	if err := os.MkdirAll(dirOf(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	// Remove any leftover temp file from a prior crash before we start.
	os.Remove(tmp)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
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
	if err := f.Close(); err != nil {
		return err
	}

	os.Remove(full)
	return os.Rename(tmp, full)
}

// ReadFile reads the whole contents of path.
func (fs *OSFS) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(fs.path(p))
}

func dirOf(full string) string {
	i := len(full) - 1
	for i >= 0 && full[i] != os.PathSeparator {
		i--
	}
	if i < 0 {
		return "."
	}
	return full[:i]
}
