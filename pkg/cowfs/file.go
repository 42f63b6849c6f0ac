package cowfs

import (
	"io"
	"io/fs"
	"os"
)

// File is an open handle on an overlay path. Like the overlay itself it
// belongs to one worker.
type File struct {
	ov       *Overlay
	path     string
	dir      bool
	writable bool
	readable bool
	append   bool
	offset   int64
	dirPos   int
	closed   bool
}

// Open opens p for reading
func (o *Overlay) Open(p string) (*File, error) {
	return o.OpenFile(p, os.O_RDONLY, 0)
}

// OpenFile opens p with os.O_* flags. O_CREATE creates the file in this
// overlay only; O_TRUNC truncates the overlay's view.
func (o *Overlay) OpenFile(p string, flag int, perm fs.FileMode) (*File, error) {
	p = Clean(p)

	if flag&os.O_CREATE != 0 {
		if flag&os.O_EXCL != 0 {
			if _, err := o.Stat(p); err == nil {
				return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrExist}
			}
		}
		if err := o.Create(p, perm); err != nil {
			return nil, err
		}
	}

	info, err := o.Stat(p)
	if err != nil {
		return nil, err
	}

	f := &File{ov: o, path: p, dir: info.IsDir()}
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		f.writable = true
	case os.O_RDWR:
		f.readable, f.writable = true, true
	default:
		f.readable = true
	}
	f.append = flag&os.O_APPEND != 0

	if f.dir && f.writable {
		return nil, &fs.PathError{Op: "open", Path: p, Err: ErrIsDir}
	}
	if flag&os.O_TRUNC != 0 && f.writable {
		if err := o.Truncate(p, 0); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Name returns the canonical path of the file
func (f *File) Name() string { return f.path }

// IsDir reports whether the handle refers to a directory
func (f *File) IsDir() bool { return f.dir }

// IsAppend reports whether writes go to the end of the file
func (f *File) IsAppend() bool { return f.append }

// SetAppend toggles append mode
func (f *File) SetAppend(enable bool) { f.append = enable }

// Stat returns the file's current metadata
func (f *File) Stat() (fs.FileInfo, error) {
	if f.closed {
		return nil, fs.ErrClosed
	}
	return f.ov.Stat(f.path)
}

// Read reads from the current offset
func (f *File) Read(buf []byte) (int, error) {
	n, err := f.ReadAt(buf, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads at an absolute offset without moving the file offset
func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	if err := f.check("read", f.readable); err != nil {
		return 0, err
	}
	return f.ov.ReadAt(f.path, buf, off)
}

// Write writes at the current offset, or at the end in append mode
func (f *File) Write(data []byte) (int, error) {
	if f.append {
		info, err := f.Stat()
		if err != nil {
			return 0, err
		}
		f.offset = info.Size()
	}
	n, err := f.WriteAt(data, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes at an absolute offset without moving the file offset
func (f *File) WriteAt(data []byte, off int64) (int, error) {
	if err := f.check("write", f.writable); err != nil {
		return 0, err
	}
	return f.ov.WriteAt(f.path, data, off)
}

// Seek sets the offset for the next Read or Write
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if f.dir {
		return 0, &fs.PathError{Op: "seek", Path: f.path, Err: ErrIsDir}
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.offset + offset
	case io.SeekEnd:
		info, err := f.Stat()
		if err != nil {
			return 0, err
		}
		abs = info.Size() + offset
	default:
		return 0, &fs.PathError{Op: "seek", Path: f.path, Err: fs.ErrInvalid}
	}
	if abs < 0 {
		return 0, &fs.PathError{Op: "seek", Path: f.path, Err: fs.ErrInvalid}
	}

	f.offset = abs
	return abs, nil
}

// Truncate changes the file size
func (f *File) Truncate(size int64) error {
	if err := f.check("truncate", f.writable); err != nil {
		return err
	}
	return f.ov.Truncate(f.path, size)
}

// Readdir returns up to n entries following the previous call. n <= 0 returns
// all remaining entries. An empty result marks the end of the directory.
func (f *File) Readdir(n int) ([]fs.FileInfo, error) {
	if f.closed {
		return nil, fs.ErrClosed
	}
	if !f.dir {
		return nil, &fs.PathError{Op: "readdir", Path: f.path, Err: ErrNotDir}
	}

	all, err := f.ov.ReadDir(f.path)
	if err != nil {
		return nil, err
	}
	if f.dirPos >= len(all) {
		return nil, nil
	}

	rest := all[f.dirPos:]
	if n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	f.dirPos += len(rest)
	return rest, nil
}

// Rewind restarts directory iteration
func (f *File) Rewind() {
	f.dirPos = 0
}

// Close releases the handle
func (f *File) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	return nil
}

func (f *File) check(op string, allowed bool) error {
	switch {
	case f.closed:
		return fs.ErrClosed
	case f.dir:
		return &fs.PathError{Op: op, Path: f.path, Err: ErrIsDir}
	case !allowed:
		return &fs.PathError{Op: op, Path: f.path, Err: fs.ErrPermission}
	}
	return nil
}
