package nvram

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kheubaum/swtpm/internal/swtpmerr"
)

const (
	fileMagic     = "SWF1"
	fileMagicLen  = 4
	numBlobNames  = 3
	dirEntryLen   = 8 // offset uint32 + length uint32
	fileHeaderLen = fileMagicLen + numBlobNames*dirEntryLen
)

// FileBackend stores all three named blobs as fixed-offset regions inside
// one flat file, directory-style: a short magic-prefixed header of
// (offset, length) pairs followed by the blob bytes themselves, parsed with
// encoding/binary the way a flat settings buffer is walked in the teacher's
// card-settings code.
type FileBackend struct {
	Path  string
	Fsync FsyncPolicy

	lockFile *os.File
}

// NewFileBackend returns a FileBackend backed by a single file at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path, Fsync: FsyncAlways}
}

func (b *FileBackend) Open(idx int) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return swtpmerr.Wrap("FileBackend.Open", swtpmerr.Fail, err)
	}
	return nil
}

type fileDirEntry struct {
	offset uint32
	length uint32
}

func (b *FileBackend) readDirectory() (map[BlobName]fileDirEntry, []byte, error) {
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[BlobName]fileDirEntry{}, nil, nil
		}
		return nil, nil, swtpmerr.Wrap("FileBackend.readDirectory", swtpmerr.Fail, err)
	}
	if len(raw) < fileHeaderLen || string(raw[:fileMagicLen]) != fileMagic {
		return nil, nil, swtpmerr.New("FileBackend.readDirectory", swtpmerr.BadParameter)
	}

	dir := make(map[BlobName]fileDirEntry, numBlobNames)
	names := []BlobName{NamePermAll, NameVolatileState, NameSaveState}
	for i, name := range names {
		base := fileMagicLen + i*dirEntryLen
		off := binary.BigEndian.Uint32(raw[base : base+4])
		length := binary.BigEndian.Uint32(raw[base+4 : base+8])
		dir[name] = fileDirEntry{offset: off, length: length}
	}
	return dir, raw, nil
}

func (b *FileBackend) Load(name BlobName) ([]byte, error) {
	dir, raw, err := b.readDirectory()
	if err != nil {
		return nil, err
	}
	entry, ok := dir[name]
	if !ok || entry.length == 0 {
		return nil, swtpmerr.New("FileBackend.Load", swtpmerr.Retry)
	}
	end := entry.offset + entry.length
	if uint64(end) > uint64(len(raw)) {
		return nil, swtpmerr.New("FileBackend.Load", swtpmerr.BadParameter)
	}
	out := make([]byte, entry.length)
	copy(out, raw[entry.offset:end])
	return out, nil
}

// Store rewrites the whole backing file with name's region replaced,
// preserving the other two regions' current contents.
func (b *FileBackend) Store(name BlobName, plaintext []byte) error {
	return b.rewrite(name, plaintext)
}

func (b *FileBackend) rewrite(name BlobName, plaintext []byte) error {
	dir, _, err := b.readDirectory()
	if err != nil {
		return err
	}

	blobs := map[BlobName][]byte{}
	for _, n := range []BlobName{NamePermAll, NameVolatileState, NameSaveState} {
		if n == name {
			continue
		}
		if entry, ok := dir[n]; ok && entry.length > 0 {
			data, err := b.Load(n)
			if err != nil && !swtpmerr.Is(err, swtpmerr.Retry) {
				return err
			}
			if err == nil {
				blobs[n] = data
			}
		}
	}
	blobs[name] = plaintext

	out := make([]byte, fileHeaderLen)
	copy(out[:fileMagicLen], fileMagic)

	order := []BlobName{NamePermAll, NameVolatileState, NameSaveState}
	cursor := uint32(fileHeaderLen)
	for i, n := range order {
		data, ok := blobs[n]
		base := fileMagicLen + i*dirEntryLen
		if !ok {
			binary.BigEndian.PutUint32(out[base:base+4], 0)
			binary.BigEndian.PutUint32(out[base+4:base+8], 0)
			continue
		}
		binary.BigEndian.PutUint32(out[base:base+4], cursor)
		binary.BigEndian.PutUint32(out[base+4:base+8], uint32(len(data)))
		out = append(out, data...)
		cursor += uint32(len(data))
	}

	return b.atomicWriteWhole(out)
}

func (b *FileBackend) atomicWriteWhole(data []byte) (err error) {
	dir := filepath.Dir(b.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.Path)+".tmp-*")
	if err != nil {
		return swtpmerr.Wrap("FileBackend.atomicWriteWhole", swtpmerr.Fail, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if chmodErr := tmp.Chmod(0o600); chmodErr != nil {
		tmp.Close()
		return swtpmerr.Wrap("FileBackend.atomicWriteWhole", swtpmerr.Fail, chmodErr)
	}
	if _, werr := tmp.Write(data); werr != nil {
		tmp.Close()
		return swtpmerr.Wrap("FileBackend.atomicWriteWhole", swtpmerr.Fail, werr)
	}
	if b.Fsync == FsyncAlways {
		if serr := tmp.Sync(); serr != nil {
			tmp.Close()
			return swtpmerr.Wrap("FileBackend.atomicWriteWhole", swtpmerr.Fail, serr)
		}
	}
	if cerr := tmp.Close(); cerr != nil {
		return swtpmerr.Wrap("FileBackend.atomicWriteWhole", swtpmerr.Fail, cerr)
	}
	if rerr := os.Rename(tmpPath, b.Path); rerr != nil {
		return swtpmerr.Wrap("FileBackend.atomicWriteWhole", swtpmerr.Fail, rerr)
	}
	if b.Fsync == FsyncAlways {
		if derr := syncDir(dir); derr != nil {
			return swtpmerr.Wrap("FileBackend.atomicWriteWhole", swtpmerr.Fail, derr)
		}
	}
	return nil
}

// StoreWithBackup copies the current file to Path+".bak" before rewriting.
func (b *FileBackend) StoreWithBackup(name BlobName, plaintext []byte) error {
	if raw, err := os.ReadFile(b.Path); err == nil {
		if err := os.WriteFile(b.Path+".bak", raw, 0o600); err != nil {
			return swtpmerr.Wrap("FileBackend.StoreWithBackup", swtpmerr.Fail, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return swtpmerr.Wrap("FileBackend.StoreWithBackup", swtpmerr.Fail, err)
	}
	return b.rewrite(name, plaintext)
}

// RestoreBackup swaps Path+".bak" into place as Path, preserving the
// displaced current file as the new backup.
func (b *FileBackend) RestoreBackup(name BlobName) error {
	bak := b.Path + ".bak"
	tmp := b.Path + ".restore-tmp"

	if _, err := os.Stat(bak); err != nil {
		return swtpmerr.Wrap("FileBackend.RestoreBackup", swtpmerr.Fail, err)
	}
	if _, err := os.Stat(b.Path); err == nil {
		if err := os.Rename(b.Path, tmp); err != nil {
			return swtpmerr.Wrap("FileBackend.RestoreBackup", swtpmerr.Fail, err)
		}
	}
	if err := os.Rename(bak, b.Path); err != nil {
		return swtpmerr.Wrap("FileBackend.RestoreBackup", swtpmerr.Fail, err)
	}
	if _, err := os.Stat(tmp); err == nil {
		if err := os.Rename(tmp, bak); err != nil {
			return swtpmerr.Wrap("FileBackend.RestoreBackup", swtpmerr.Fail, err)
		}
	}
	return nil
}

func (b *FileBackend) Delete(name BlobName, mustExist bool) error {
	dir, _, err := b.readDirectory()
	if err != nil {
		return err
	}
	entry, ok := dir[name]
	if !ok || entry.length == 0 {
		if mustExist {
			return swtpmerr.New("FileBackend.Delete", swtpmerr.Fail)
		}
		return nil
	}
	return b.rewrite(name, nil)
}

func (b *FileBackend) Lock(retries int) error {
	f, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return swtpmerr.Wrap("FileBackend.Lock", swtpmerr.Fail, err)
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
	return swtpmerr.Wrap("FileBackend.Lock", swtpmerr.Fail, lockErr)
}

func (b *FileBackend) CheckAccess() error {
	dir := filepath.Dir(b.Path)
	info, err := os.Stat(dir)
	if err != nil {
		return swtpmerr.Wrap("FileBackend.CheckAccess", swtpmerr.Fail, err)
	}
	if !info.IsDir() {
		return swtpmerr.New("FileBackend.CheckAccess", swtpmerr.Fail)
	}
	return nil
}

func (b *FileBackend) Close() error {
	if b.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(b.lockFile.Fd()), unix.LOCK_UN)
	err := b.lockFile.Close()
	b.lockFile = nil
	return err
}
