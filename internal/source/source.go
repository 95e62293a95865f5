// Package source keeps the producer's inventory of recorded audio files. A
// file is offered only when its name is a local timestamp in the
// YYYYMMDDHHMMSS form; the timestamp in Unix seconds is its fileId.
package source

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/tmslink/internal/transfer"
	"github.com/1ureka/tmslink/internal/util"
)

const nameLayout = "20060102150405"

// DefaultExtensions are the audio extensions offered when none are configured.
var DefaultExtensions = []string{".mp3"}

// ErrInvalidName is returned for file names that do not carry a timestamp.
var ErrInvalidName = errors.New("source: file name must be YYYYMMDDHHMMSS plus an audio extension")

var _ transfer.FileSource = (*Dir)(nil)

// ParseFileID derives the fileId from a base name such as 20240328153045.mp3,
// interpreting the timestamp in loc (time.Local when nil).
func ParseFileID(name string, loc *time.Location) (uint32, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if len(stem) != len(nameLayout) || strings.Trim(stem, "0123456789") != "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(nameLayout, stem, loc)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}
	sec := t.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %q is outside the fileId range", ErrInvalidName, name)
	}
	return uint32(sec), nil
}

// FileName is the inverse of ParseFileID.
func FileName(id uint32, ext string, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(int64(id), 0).In(loc).Format(nameLayout) + ext
}

// Options configures a Dir.
type Options struct {
	Extensions []string       // defaults to DefaultExtensions
	Location   *time.Location // zone of the timestamps in file names; time.Local when nil
}

// Dir is a transfer.FileSource over one directory. The inventory is built
// by Scan and kept current by Watch.
type Dir struct {
	root string
	exts []string
	loc  *time.Location

	mu     sync.RWMutex
	files  map[uint32]string // fileId -> path
	byPath map[string]uint32
}

// NewDir creates root if needed and scans it.
func NewDir(root string, opts Options) (*Dir, error) {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create source directory: %w", err)
	}

	exts := make([]string, len(opts.Extensions))
	for i, ext := range opts.Extensions {
		exts[i] = strings.ToLower(ext)
	}

	d := &Dir{
		root:   root,
		exts:   exts,
		loc:    opts.Location,
		files:  make(map[uint32]string),
		byPath: make(map[string]uint32),
	}
	if err := d.Scan(); err != nil {
		return nil, err
	}
	return d, nil
}

// Root returns the watched directory.
func (d *Dir) Root() string { return d.root }

// Scan rebuilds the inventory from the directory contents.
func (d *Dir) Scan() error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("scan source directory: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.files)
	clear(d.byPath)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(d.root, e.Name())
		id, err := d.fileID(path)
		if err != nil {
			if !errors.Is(err, errNotAudio) {
				util.LogWarning("ignoring %s: %v", e.Name(), err)
			}
			continue
		}
		d.addLocked(id, path)
	}
	return nil
}

var errNotAudio = errors.New("not an audio file")

// fileID validates path's name and extension.
func (d *Dir) fileID(path string) (uint32, error) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !slices.Contains(d.exts, strings.ToLower(filepath.Ext(name))) {
		return 0, errNotAudio
	}
	return ParseFileID(name, d.loc)
}

func (d *Dir) addLocked(id uint32, path string) {
	if old, ok := d.files[id]; ok && old != path {
		util.LogWarning("%s and %s map to the same fileId %d, keeping %s",
			filepath.Base(old), filepath.Base(path), id, filepath.Base(old))
		return
	}
	d.files[id] = path
	d.byPath[path] = id
}

// track adds path to the inventory. It reports whether the file is new.
func (d *Dir) track(path string) (uint32, bool, error) {
	id, err := d.fileID(path)
	if err != nil {
		return 0, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[id]; ok {
		return id, false, nil
	}
	d.addLocked(id, path)
	return id, true, nil
}

// untrack drops path from the inventory. It reports whether it was held.
func (d *Dir) untrack(path string) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byPath[path]
	if !ok {
		return 0, false
	}
	delete(d.byPath, path)
	delete(d.files, id)
	return id, true
}

// IDs returns every held fileId in ascending order.
func (d *Dir) IDs() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]uint32, 0, len(d.files))
	for id := range d.files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Oldest returns the smallest held fileId.
func (d *Dir) Oldest() (uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var oldest uint32
	found := false
	for id := range d.files {
		if !found || id < oldest {
			oldest, found = id, true
		}
	}
	return oldest, found
}

// Path returns the file backing id.
func (d *Dir) Path(id uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	path, ok := d.files[id]
	return path, ok
}

// Open reads the whole file for id.
func (d *Dir) Open(id uint32) ([]byte, error) {
	path, ok := d.Path(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", transfer.ErrFileNotFound, id)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		d.untrack(path)
		return nil, fmt.Errorf("%w: %d", transfer.ErrFileNotFound, id)
	}
	return data, err
}

// Remove deletes the file for id. The inventory is updated before the
// watcher sees the deletion, so no removal callback fires for it.
func (d *Dir) Remove(id uint32) error {
	path, ok := d.Path(id)
	if !ok {
		return fmt.Errorf("%w: %d", transfer.ErrFileNotFound, id)
	}
	d.untrack(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	util.LogInfo("deleted %s", filepath.Base(path))
	return nil
}
