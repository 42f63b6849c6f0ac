package runtime

import (
	"errors"
	"io"
	"io/fs"
	"os"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"

	"github.com/cuemby/wasm-watchdog/pkg/cowfs"
)

// overlayFS exposes a COW overlay to the guest as its root filesystem
type overlayFS struct {
	experimentalsys.UnimplementedFS
	ov *cowfs.Overlay
}

func newOverlayFS(ov *cowfs.Overlay) experimentalsys.FS {
	return &overlayFS{ov: ov}
}

func (o *overlayFS) OpenFile(path string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	var osFlag int
	switch {
	case flag&experimentalsys.O_RDWR != 0:
		osFlag = os.O_RDWR
	case flag&experimentalsys.O_WRONLY != 0:
		osFlag = os.O_WRONLY
	default:
		osFlag = os.O_RDONLY
	}
	if flag&experimentalsys.O_CREAT != 0 {
		osFlag |= os.O_CREATE
	}
	if flag&experimentalsys.O_EXCL != 0 {
		osFlag |= os.O_EXCL
	}
	if flag&experimentalsys.O_TRUNC != 0 {
		osFlag |= os.O_TRUNC
	}
	if flag&experimentalsys.O_APPEND != 0 {
		osFlag |= os.O_APPEND
	}

	f, err := o.ov.OpenFile(path, osFlag, perm)
	if err != nil {
		return nil, toErrno(err)
	}
	if flag&experimentalsys.O_DIRECTORY != 0 && !f.IsDir() {
		_ = f.Close()
		return nil, experimentalsys.ENOTDIR
	}
	return &overlayFile{f: f}, 0
}

func (o *overlayFS) Stat(path string) (sys.Stat_t, experimentalsys.Errno) {
	info, err := o.ov.Stat(path)
	if err != nil {
		return sys.Stat_t{}, toErrno(err)
	}
	return sys.NewStat_t(info), 0
}

func (o *overlayFS) Lstat(path string) (sys.Stat_t, experimentalsys.Errno) {
	return o.Stat(path)
}

func (o *overlayFS) Mkdir(string, fs.FileMode) experimentalsys.Errno {
	return experimentalsys.EPERM
}

func (o *overlayFS) Rmdir(string) experimentalsys.Errno {
	return experimentalsys.EPERM
}

func (o *overlayFS) Rename(string, string) experimentalsys.Errno {
	return experimentalsys.EPERM
}

func (o *overlayFS) Unlink(path string) experimentalsys.Errno {
	return toErrno(o.ov.Remove(path))
}

func (o *overlayFS) Utimens(string, int64, int64) experimentalsys.Errno {
	return 0
}

// overlayFile adapts a cowfs.File to the engine's file interface
type overlayFile struct {
	experimentalsys.UnimplementedFile
	f *cowfs.File
}

func (o *overlayFile) IsDir() (bool, experimentalsys.Errno) {
	return o.f.IsDir(), 0
}

func (o *overlayFile) IsAppend() bool {
	return o.f.IsAppend()
}

func (o *overlayFile) SetAppend(enable bool) experimentalsys.Errno {
	o.f.SetAppend(enable)
	return 0
}

func (o *overlayFile) Stat() (sys.Stat_t, experimentalsys.Errno) {
	info, err := o.f.Stat()
	if err != nil {
		return sys.Stat_t{}, toErrno(err)
	}
	return sys.NewStat_t(info), 0
}

func (o *overlayFile) Read(buf []byte) (int, experimentalsys.Errno) {
	n, err := o.f.Read(buf)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, toErrno(err)
}

func (o *overlayFile) Pread(buf []byte, off int64) (int, experimentalsys.Errno) {
	n, err := o.f.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, toErrno(err)
}

func (o *overlayFile) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	// Directory streams are only ever rewound.
	if o.f.IsDir() {
		if offset != 0 || whence != io.SeekStart {
			return 0, experimentalsys.EINVAL
		}
		o.f.Rewind()
		return 0, 0
	}
	pos, err := o.f.Seek(offset, whence)
	return pos, toErrno(err)
}

func (o *overlayFile) Readdir(n int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	infos, err := o.f.Readdir(n)
	if err != nil {
		return nil, toErrno(err)
	}

	dirents := make([]experimentalsys.Dirent, 0, len(infos))
	for _, info := range infos {
		dirents = append(dirents, experimentalsys.Dirent{
			Name: info.Name(),
			Type: info.Mode().Type(),
		})
	}
	return dirents, 0
}

func (o *overlayFile) Write(buf []byte) (int, experimentalsys.Errno) {
	n, err := o.f.Write(buf)
	return n, toErrno(err)
}

func (o *overlayFile) Pwrite(buf []byte, off int64) (int, experimentalsys.Errno) {
	n, err := o.f.WriteAt(buf, off)
	return n, toErrno(err)
}

func (o *overlayFile) Truncate(size int64) experimentalsys.Errno {
	return toErrno(o.f.Truncate(size))
}

func (o *overlayFile) Sync() experimentalsys.Errno { return 0 }

func (o *overlayFile) Datasync() experimentalsys.Errno { return 0 }

func (o *overlayFile) Close() experimentalsys.Errno {
	if err := o.f.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
		return toErrno(err)
	}
	return 0
}

// toErrno maps overlay errors onto WASI errnos; the guest sees them as I/O
// failures of the call that caused them.
func toErrno(err error) experimentalsys.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, fs.ErrNotExist):
		return experimentalsys.ENOENT
	case errors.Is(err, fs.ErrExist):
		return experimentalsys.EEXIST
	case errors.Is(err, cowfs.ErrIsDir):
		return experimentalsys.EISDIR
	case errors.Is(err, cowfs.ErrNotDir):
		return experimentalsys.ENOTDIR
	case errors.Is(err, cowfs.ErrReadOnlyTree):
		return experimentalsys.EPERM
	case errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrClosed):
		return experimentalsys.EBADF
	case errors.Is(err, fs.ErrInvalid):
		return experimentalsys.EINVAL
	default:
		return experimentalsys.EIO
	}
}
