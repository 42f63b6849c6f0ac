package cowfs

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/cuemby/wasm-watchdog/pkg/metrics"
)

var (
	// ErrIsDir is returned for file operations on a directory
	ErrIsDir = errors.New("is a directory")

	// ErrNotDir is returned for directory operations on a file
	ErrNotDir = errors.New("not a directory")

	// ErrReadOnlyTree is returned for operations that would change the directory structure
	ErrReadOnlyTree = errors.New("directory structure is read-only")
)

// Overlay is one instance's private, writable view of a Base.
//
// An overlay is owned by exactly one instance worker and is not safe for
// concurrent use. Writes never reach the base; they land in privately owned
// blocks that are copied from the base on first write.
type Overlay struct {
	base    *Base
	dirty   map[blockKey][]byte
	files   map[string]*fileState
	created map[string][]string // dir -> names created in this overlay
}

// fileState tracks a file whose size or content diverged from the base.
type fileState struct {
	size    int64
	mode    fs.FileMode
	modTime time.Time
	// baseLimit is the prefix of the base file still visible through the
	// overlay. Truncation lowers it so bytes re-exposed by a later
	// extension read as zeros.
	baseLimit int64
}

// NewOverlay creates an empty overlay over base
func NewOverlay(base *Base) *Overlay {
	return &Overlay{
		base:    base,
		dirty:   make(map[blockKey][]byte),
		files:   make(map[string]*fileState),
		created: make(map[string][]string),
	}
}

// Base returns the shared base tree
func (o *Overlay) Base() *Base {
	return o.base
}

// DirtyBlocks returns the number of privately owned blocks
func (o *Overlay) DirtyBlocks() int {
	return len(o.dirty)
}

// Discard drops every private block and created file
func (o *Overlay) Discard() {
	o.dirty = make(map[blockKey][]byte)
	o.files = make(map[string]*fileState)
	o.created = make(map[string][]string)
}

// Stat returns metadata as seen through the overlay
func (o *Overlay) Stat(p string) (fs.FileInfo, error) {
	p = Clean(p)
	if st, ok := o.files[p]; ok {
		return &fileInfo{name: path.Base(p), size: st.size, mode: st.mode, modTime: st.modTime}, nil
	}
	return o.base.Stat(p)
}

// ReadDir lists a directory: base entries plus files created in this overlay
func (o *Overlay) ReadDir(p string) ([]fs.FileInfo, error) {
	p = Clean(p)
	names, err := o.base.ReadDir(p)
	if err != nil {
		return nil, err
	}

	all := append(append([]string(nil), names...), o.created[p]...)
	sort.Strings(all)

	infos := make([]fs.FileInfo, 0, len(all))
	for _, name := range all {
		fi, err := o.Stat(path.Join(p, name))
		if err != nil {
			return nil, err
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

// Create makes a new empty file visible only through this overlay. Creating
// a path that already exists as a file is a no-op.
func (o *Overlay) Create(p string, perm fs.FileMode) error {
	p = Clean(p)
	if fi, err := o.Stat(p); err == nil {
		if fi.IsDir() {
			return &fs.PathError{Op: "create", Path: p, Err: ErrIsDir}
		}
		return nil
	}

	dir := path.Dir(p)
	parent, err := o.base.Stat(dir)
	if err != nil {
		return &fs.PathError{Op: "create", Path: p, Err: fs.ErrNotExist}
	}
	if !parent.IsDir() {
		return &fs.PathError{Op: "create", Path: p, Err: ErrNotDir}
	}

	o.files[p] = &fileState{mode: perm.Perm(), modTime: time.Now()}
	o.created[dir] = append(o.created[dir], path.Base(p))
	return nil
}

// ReadAt reads len(buf) bytes of p starting at off. It returns io.EOF when
// fewer bytes are available.
func (o *Overlay) ReadAt(p string, buf []byte, off int64) (int, error) {
	p = Clean(p)
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
	}

	st, err := o.state(p, "read")
	if err != nil {
		return 0, err
	}
	if off >= st.size {
		return 0, io.EOF
	}

	want := int64(len(buf))
	if off+want > st.size {
		want = st.size - off
	}

	var n int64
	for n < want {
		pos := off + n
		idx := pos / BlockSize
		inBlock := pos % BlockSize

		chunk := BlockSize - inBlock
		if chunk > want-n {
			chunk = want - n
		}

		if blk, ok := o.dirty[blockKey{path: p, index: idx}]; ok {
			copy(buf[n:n+chunk], blk[inBlock:inBlock+chunk])
		} else if err := o.readBase(p, st, idx, inBlock, buf[n:n+chunk]); err != nil {
			return int(n), err
		}
		n += chunk
	}

	if n < int64(len(buf)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt writes data to p at off, copying each touched base block into the
// overlay before modifying it.
func (o *Overlay) WriteAt(p string, data []byte, off int64) (int, error) {
	p = Clean(p)
	if off < 0 {
		return 0, &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
	}

	st, err := o.state(p, "write")
	if err != nil {
		return 0, err
	}
	st = o.own(p, st)

	var n int64
	total := int64(len(data))
	for n < total {
		pos := off + n
		idx := pos / BlockSize
		inBlock := pos % BlockSize

		chunk := BlockSize - inBlock
		if chunk > total-n {
			chunk = total - n
		}

		blk, err := o.dirtyBlock(p, st, idx)
		if err != nil {
			return int(n), err
		}
		copy(blk[inBlock:inBlock+chunk], data[n:n+chunk])
		n += chunk
	}

	if end := off + total; end > st.size {
		st.size = end
	}
	st.modTime = time.Now()
	return int(n), nil
}

// Truncate changes the size of p as seen through the overlay
func (o *Overlay) Truncate(p string, size int64) error {
	p = Clean(p)
	if size < 0 {
		return &fs.PathError{Op: "truncate", Path: p, Err: fs.ErrInvalid}
	}

	st, err := o.state(p, "truncate")
	if err != nil {
		return err
	}
	st = o.own(p, st)

	if size < st.size {
		last := size / BlockSize
		for key := range o.dirty {
			if key.path == p && key.index > last {
				delete(o.dirty, key)
			}
		}
		if rem := size % BlockSize; rem != 0 {
			blk, err := o.dirtyBlock(p, st, last)
			if err != nil {
				return err
			}
			clear(blk[rem:])
		} else {
			delete(o.dirty, blockKey{path: p, index: last})
		}
		if size < st.baseLimit {
			st.baseLimit = size
		}
	}

	st.size = size
	st.modTime = time.Now()
	return nil
}

// Remove is not supported: the directory structure is fixed for the
// overlay's lifetime.
func (o *Overlay) Remove(p string) error {
	return &fs.PathError{Op: "remove", Path: Clean(p), Err: ErrReadOnlyTree}
}

// state returns the current file state for p, synthesising it from the base
// without recording it.
func (o *Overlay) state(p, op string) (*fileState, error) {
	if st, ok := o.files[p]; ok {
		return st, nil
	}

	info, err := o.base.Stat(p)
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: op, Path: p, Err: ErrIsDir}
	}

	return &fileState{
		size:      info.Size(),
		mode:      info.Mode(),
		modTime:   info.ModTime(),
		baseLimit: info.Size(),
	}, nil
}

// own records st as this overlay's state for p
func (o *Overlay) own(p string, st *fileState) *fileState {
	if cur, ok := o.files[p]; ok {
		return cur
	}
	o.files[p] = st
	return st
}

// dirtyBlock returns the private copy of block idx, creating it from the
// base on first use.
func (o *Overlay) dirtyBlock(p string, st *fileState, idx int64) ([]byte, error) {
	key := blockKey{path: p, index: idx}
	if blk, ok := o.dirty[key]; ok {
		return blk, nil
	}

	blk := make([]byte, BlockSize)
	if idx*BlockSize < st.baseLimit {
		if err := o.readBase(p, st, idx, 0, blk); err != nil {
			return nil, err
		}
		metrics.COWBlocksCopied.Inc()
	}

	o.dirty[key] = blk
	return blk, nil
}

// readBase fills dst with base bytes of block idx starting at inBlock. Bytes
// at or past baseLimit read as zeros.
func (o *Overlay) readBase(p string, st *fileState, idx, inBlock int64, dst []byte) error {
	clear(dst)

	start := idx*BlockSize + inBlock
	if start >= st.baseLimit {
		return nil
	}

	src, err := o.base.ReadBlock(p, idx)
	if err != nil {
		return err
	}

	visible := st.baseLimit - idx*BlockSize
	if visible < int64(len(src)) {
		src = src[:visible]
	}
	if inBlock < int64(len(src)) {
		copy(dst, src[inBlock:])
	}
	return nil
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() interface{}   { return nil }
