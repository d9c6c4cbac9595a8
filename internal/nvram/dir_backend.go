package nvram

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

const lockFileName = ".lock"

// DirBackend stores one file per named blob under a state directory, named
// tpm-<NN>.<name> per spec.md §6.
type DirBackend struct {
	Dir         string
	Mode        fs.FileMode
	ModeIsSet   bool
	Fsync       FsyncPolicy

	tpmIndex int
	lockFile *os.File
}

// NewDirBackend returns a DirBackend rooted at dir.
func NewDirBackend(dir string) *DirBackend {
	return &DirBackend{Dir: dir, Mode: 0o600, Fsync: FsyncAlways}
}

// SetMode installs the permission bits applied on every write.
func (b *DirBackend) SetMode(mode fs.FileMode, modeIsDefault bool) {
	b.Mode = mode
	b.ModeIsSet = !modeIsDefault
}

func (b *DirBackend) Open(idx int) error {
	b.tpmIndex = idx
	if err := os.MkdirAll(b.Dir, 0o700); err != nil {
		return swtpmerr.Wrap("DirBackend.Open", swtpmerr.Fail, err)
	}
	return nil
}

func (b *DirBackend) path(name BlobName) string {
	return filepath.Join(b.Dir, fmt.Sprintf("tpm-%02x.%s", b.tpmIndex, name))
}

func (b *DirBackend) backupPath(name BlobName) string {
	return b.path(name) + ".bak"
}

func (b *DirBackend) Load(name BlobName) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, swtpmerr.New("DirBackend.Load", swtpmerr.Retry)
		}
		return nil, swtpmerr.Wrap("DirBackend.Load", swtpmerr.Fail, err)
	}
	return data, nil
}

func (b *DirBackend) Store(name BlobName, data []byte) error {
	return b.atomicWrite(b.path(name), data)
}

// atomicWrite writes data to a temp file in the same directory as path,
// fsyncs it per policy, then renames it over path. On any failure the
// partial temp file is removed so no torn state is left behind (spec.md
// §4.5 failure model).
func (b *DirBackend) atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return swtpmerr.Wrap("DirBackend.atomicWrite", swtpmerr.Fail, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	mode := b.Mode
	if mode == 0 {
		mode = 0o600
	}
	if chmodErr := tmp.Chmod(mode); chmodErr != nil {
		tmp.Close()
		return swtpmerr.Wrap("DirBackend.atomicWrite", swtpmerr.Fail, chmodErr)
	}

	if _, werr := tmp.Write(data); werr != nil {
		tmp.Close()
		return swtpmerr.Wrap("DirBackend.atomicWrite", swtpmerr.Fail, werr)
	}

	if b.Fsync == FsyncAlways {
		if serr := tmp.Sync(); serr != nil {
			tmp.Close()
			return swtpmerr.Wrap("DirBackend.atomicWrite", swtpmerr.Fail, serr)
		}
	}
	if cerr := tmp.Close(); cerr != nil {
		return swtpmerr.Wrap("DirBackend.atomicWrite", swtpmerr.Fail, cerr)
	}

	if rerr := os.Rename(tmpPath, path); rerr != nil {
		return swtpmerr.Wrap("DirBackend.atomicWrite", swtpmerr.Fail, rerr)
	}

	if b.Fsync == FsyncAlways {
		if derr := syncDir(dir); derr != nil {
			return swtpmerr.Wrap("DirBackend.atomicWrite", swtpmerr.Fail, derr)
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// StoreWithBackup renames any existing current file aside to <name>.bak
// before writing the new generation, per spec.md invariant I5.
func (b *DirBackend) StoreWithBackup(name BlobName, plaintext []byte) error {
	cur := b.path(name)
	bak := b.backupPath(name)

	if _, err := os.Stat(cur); err == nil {
		if err := os.Rename(cur, bak); err != nil {
			return swtpmerr.Wrap("DirBackend.StoreWithBackup", swtpmerr.Fail, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return swtpmerr.Wrap("DirBackend.StoreWithBackup", swtpmerr.Fail, err)
	}

	return b.atomicWrite(cur, plaintext)
}

// RestoreBackup swaps name's backup into place as current. A second call
// reverts the swap, since the displaced current generation becomes the new
// backup.
func (b *DirBackend) RestoreBackup(name BlobName) error {
	cur := b.path(name)
	bak := b.backupPath(name)
	tmp := cur + ".restore-tmp"

	if _, err := os.Stat(bak); err != nil {
		return swtpmerr.Wrap("DirBackend.RestoreBackup", swtpmerr.Fail, err)
	}

	if _, err := os.Stat(cur); err == nil {
		if err := os.Rename(cur, tmp); err != nil {
			return swtpmerr.Wrap("DirBackend.RestoreBackup", swtpmerr.Fail, err)
		}
	}
	if err := os.Rename(bak, cur); err != nil {
		return swtpmerr.Wrap("DirBackend.RestoreBackup", swtpmerr.Fail, err)
	}
	if _, err := os.Stat(tmp); err == nil {
		if err := os.Rename(tmp, bak); err != nil {
			return swtpmerr.Wrap("DirBackend.RestoreBackup", swtpmerr.Fail, err)
		}
	}
	return nil
}

func (b *DirBackend) Delete(name BlobName, mustExist bool) error {
	err := os.Remove(b.path(name))
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !mustExist {
		return nil
	}
	return swtpmerr.Wrap("DirBackend.Delete", swtpmerr.Fail, err)
}

// Lock acquires an advisory flock on <state_dir>/.lock, retrying with
// exponential backoff.
func (b *DirBackend) Lock(retries int) error {
	path := filepath.Join(b.Dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return swtpmerr.Wrap("DirBackend.Lock", swtpmerr.Fail, err)
	}

	backoff := 10 * time.Millisecond
	var lockErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lockErr = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if lockErr == nil {
			b.lockFile = f
			return nil
		}
		if attempt < retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	f.Close()
	return swtpmerr.Wrap("DirBackend.Lock", swtpmerr.Fail, lockErr)
}

func (b *DirBackend) CheckAccess() error {
	info, err := os.Stat(b.Dir)
	if err != nil {
		return swtpmerr.Wrap("DirBackend.CheckAccess", swtpmerr.Fail, err)
	}
	if !info.IsDir() {
		return swtpmerr.New("DirBackend.CheckAccess", swtpmerr.Fail)
	}
	return nil
}

func (b *DirBackend) Close() error {
	if b.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(b.lockFile.Fd()), unix.LOCK_UN)
	err := b.lockFile.Close()
	b.lockFile = nil
	return err
}
