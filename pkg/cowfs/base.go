package cowfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"

	"github.com/cuemby/wasm-watchdog/pkg/metrics"
)

const (
	// BlockSize is the copy-on-write granularity
	BlockSize = 4096

	// DefaultCacheBlocks is the default capacity of the shared base block cache
	DefaultCacheBlocks = 16384
)

// Base is the shared, immutable root tree that every overlay reads through.
//
// Metadata and blocks are memoised the first time they are looked up. The
// underlying tree must not change while the process runs, so the memo never
// needs invalidation and concurrent readers never observe different content.
type Base struct {
	fs      afero.Fs
	entries sync.Map // path -> *entry (nil entry records a miss)
	dirs    sync.Map // path -> []string
	blocks  *lru.Cache
}

type entry struct {
	info fs.FileInfo
}

type blockKey struct {
	path  string
	index int64
}

// BaseOption configures a Base
type BaseOption func(*baseOptions)

type baseOptions struct {
	cacheBlocks int
}

// WithCacheBlocks sets the number of base blocks kept in the shared read cache
func WithCacheBlocks(n int) BaseOption {
	return func(o *baseOptions) {
		o.cacheBlocks = n
	}
}

// NewBase wraps fsys as a read-only base tree
func NewBase(fsys afero.Fs, opts ...BaseOption) (*Base, error) {
	o := baseOptions{cacheBlocks: DefaultCacheBlocks}
	for _, opt := range opts {
		opt(&o)
	}

	cache, err := lru.New(o.cacheBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}

	root, err := fsys.Stat("/")
	if err != nil {
		return nil, fmt.Errorf("failed to stat base root: %w", err)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("base root is not a directory")
	}

	return &Base{
		fs:     afero.NewReadOnlyFs(fsys),
		blocks: cache,
	}, nil
}

// NewBaseFromDir builds a base rooted at a host directory
func NewBaseFromDir(dir string, opts ...BaseOption) (*Base, error) {
	return NewBase(afero.NewBasePathFs(afero.NewOsFs(), dir), opts...)
}

// Clean canonicalises a guest path to a slash-rooted form
func Clean(p string) string {
	return path.Clean("/" + p)
}

// Stat returns metadata for a base path
func (b *Base) Stat(p string) (fs.FileInfo, error) {
	p = Clean(p)
	if v, ok := b.entries.Load(p); ok {
		e := v.(*entry)
		if e == nil {
			return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
		}
		return e.info, nil
	}

	info, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			b.entries.Store(p, (*entry)(nil))
			return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
		}
		return nil, &fs.PathError{Op: "stat", Path: p, Err: err}
	}

	b.entries.Store(p, &entry{info: info})
	return info, nil
}

// ReadDir returns the sorted names of a base directory
func (b *Base) ReadDir(p string) ([]string, error) {
	p = Clean(p)
	if v, ok := b.dirs.Load(p); ok {
		return v.([]string), nil
	}

	info, err := b.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: ErrNotDir}
	}

	infos, err := afero.ReadDir(b.fs, p)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: err}
	}

	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
		b.entries.LoadOrStore(path.Join(p, fi.Name()), &entry{info: fi})
	}
	sort.Strings(names)

	b.dirs.Store(p, names)
	return names, nil
}

// ReadBlock returns the content of one block of a base file. The returned
// slice is shared and must not be modified. It is shorter than BlockSize for
// the final block of a file and empty past the end.
func (b *Base) ReadBlock(p string, index int64) ([]byte, error) {
	p = Clean(p)
	key := blockKey{path: p, index: index}
	if v, ok := b.blocks.Get(key); ok {
		metrics.BaseBlockCache.WithLabelValues("hit").Inc()
		return v.([]byte), nil
	}
	metrics.BaseBlockCache.WithLabelValues("miss").Inc()

	info, err := b.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: "read", Path: p, Err: ErrIsDir}
	}

	off := index * BlockSize
	if off >= info.Size() {
		return nil, nil
	}

	f, err := b.fs.Open(p)
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: p, Err: err}
	}
	defer f.Close()

	buf := make([]byte, BlockSize)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &fs.PathError{Op: "read", Path: p, Err: err}
	}
	buf = buf[:n]

	b.blocks.Add(key, buf)
	return buf, nil
}
