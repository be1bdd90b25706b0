// Package filesync mirrors a file or directory tree across a session. The
// sink reports what it has, the source diffs that against its own tree and
// streams only what changed.
package filesync

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
)

// RootPath is the entry path used when the synced root is a single file.
const RootPath = "."

// ErrUnsafePath is returned for entry paths that would escape the root.
var ErrUnsafePath = errors.New("path escapes sync root")

// Entry describes one file or directory relative to the sync root. Paths
// use forward slashes on the wire.
type Entry struct {
	Path    string `cbor:"path"`
	Dir     bool   `cbor:"dir,omitempty"`
	Size    int64  `cbor:"size,omitempty"`
	ModTime int64  `cbor:"mtime,omitempty"`
	Mode    uint32 `cbor:"mode"`
	Hash    []byte `cbor:"hash,omitempty"`
}

// sameContent reports whether two file entries need no transfer. With
// hashes on both sides only the hash counts; otherwise size and mtime at
// second precision.
func (e Entry) sameContent(o Entry) bool {
	if e.Dir != o.Dir {
		return false
	}
	if e.Dir {
		return true
	}
	if len(e.Hash) > 0 && len(o.Hash) > 0 {
		return slices.Equal(e.Hash, o.Hash)
	}
	return e.Size == o.Size && e.ModTime/1e9 == o.ModTime/1e9
}

// Manifest is a sorted list of entries.
type Manifest []Entry

// Index maps entry paths to entries.
func (m Manifest) Index() map[string]Entry {
	idx := make(map[string]Entry, len(m))
	for _, e := range m {
		idx[e.Path] = e
	}
	return idx
}

// Equal reports whether two manifests describe the same tree, ignoring
// hashes.
func (m Manifest) Equal(o Manifest) bool {
	return slices.EqualFunc(m, o, func(a, b Entry) bool {
		return a.Path == b.Path && a.Dir == b.Dir && a.Size == b.Size && a.ModTime == b.ModTime && a.Mode == b.Mode
	})
}

// Scan walks root and returns its manifest. A missing root yields an empty
// manifest; a regular file yields a single RootPath entry. Symlinks and
// special files are skipped.
func Scan(root string, checksum bool) (Manifest, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().IsRegular() {
		e, err := fileEntry(root, RootPath, info, checksum)
		if err != nil {
			return nil, err
		}
		return Manifest{e}, nil
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a regular file or directory", root)
	}

	var out Manifest
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			out = append(out, Entry{Path: rel, Dir: true, Mode: uint32(info.Mode().Perm())})
		case info.Mode().IsRegular():
			if isPartial(d.Name()) {
				return nil
			}
			e, err := fileEntry(p, rel, info, checksum)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

func fileEntry(p, rel string, info fs.FileInfo, checksum bool) (Entry, error) {
	e := Entry{
		Path:    rel,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Mode:    uint32(info.Mode().Perm()),
	}
	if checksum {
		h, err := HashFile(p)
		if err != nil {
			return Entry{}, err
		}
		e.Hash = h
	}
	return e, nil
}

// HashFile returns the BLAKE3 digest of a file's contents.
func HashFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Resolve maps a device path onto the local filesystem. With a root every
// path is taken relative to it and may not escape it. Without one, relative
// paths are taken from the home directory.
func Resolve(root, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("empty path")
	}
	if root != "" {
		rel := strings.TrimLeft(filepath.ToSlash(p), "/")
		if rel == "" {
			return filepath.Clean(root), nil
		}
		rel = path.Clean(rel)
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return "", fmt.Errorf("%w: %s", ErrUnsafePath, p)
		}
		return filepath.Join(root, filepath.FromSlash(rel)), nil
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	if rest, ok := strings.CutPrefix(p, "~"); ok {
		p = strings.TrimLeft(rest, "/")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p), nil
}

// local maps an entry path under root. RootPath is root itself.
func local(root, rel string) (string, error) {
	if rel == RootPath {
		return root, nil
	}
	p := filepath.FromSlash(rel)
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return filepath.Join(root, p), nil
}

const partialPrefix = ".tether-"

func isPartial(name string) bool {
	return strings.HasPrefix(name, partialPrefix) && strings.HasSuffix(name, ".part")
}
