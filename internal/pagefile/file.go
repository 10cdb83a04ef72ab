/*
Package pagefile implements the file backend described in spec.md §4.1:
aligned random read/write over an exclusively locked file, size tracking,
an in-memory free-space interval list, and an optional transparent
per-block encryption layer. Everything above BlockSize offset 2 (headers
live in the first two blocks) is addressed only in BlockSize-aligned
extents by its callers (the chunk/commit engine in internal/store).
*/
package pagefile

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/cuemby/mvstore/internal/log"
	"github.com/cuemby/mvstore/internal/mverr"
)

// BlockSize is the fixed unit of file layout: header blocks, and every
// chunk, are a whole multiple of BlockSize bytes.
const BlockSize = 4096

// File is a thread-safe handle on the store's single backing file.
type File struct {
	path     string
	f        *os.File
	flock    *flock.Flock
	readOnly bool
	cipher   *blockCipher

	mu   sync.Mutex
	size int64
	free *freeList
}

// Open opens path for the store. If readOnly is false, an exclusive
// advisory lock is acquired and held for the lifetime of the File; a
// concurrent exclusive open of the same path fails. If readOnly is true,
// a shared lock is taken instead. If key is non-nil, all block I/O below
// is transparently encrypted; key is zeroed before Open returns.
func Open(path string, readOnly bool, key []byte) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, mverr.New(mverr.Internal, "pagefile.Open", err)
	}

	fl := flock.New(path)
	locked, err := tryLock(fl, readOnly)
	if err != nil {
		f.Close()
		return nil, mverr.New(mverr.Internal, "pagefile.Open", err)
	}
	if !locked {
		f.Close()
		return nil, mverr.New(mverr.Internal, "pagefile.Open",
			fmt.Errorf("%s: another process holds an exclusive lock", path))
	}

	info, err := f.Stat()
	if err != nil {
		fl.Unlock()
		f.Close()
		return nil, mverr.New(mverr.Internal, "pagefile.Open", err)
	}

	pf := &File{
		path:     path,
		f:        f,
		flock:    fl,
		readOnly: readOnly,
		size:     info.Size(),
		free:     newFreeList(info.Size()),
	}

	if len(key) > 0 {
		c, err := newBlockCipher(key) // zeroes key internally
		if err != nil {
			fl.Unlock()
			f.Close()
			return nil, err
		}
		pf.cipher = c
	}

	log.WithComponent("pagefile").Debug().Str("path", path).Int64("size", pf.size).Msg("opened")
	return pf, nil
}

func tryLock(fl *flock.Flock, readOnly bool) (bool, error) {
	if readOnly {
		return fl.TryRLock()
	}
	return fl.TryLock()
}

// Size returns the current file size in bytes.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// ReadFully reads exactly len(buf) bytes starting at pos, decrypting each
// BlockSize-aligned segment in place if the file is encrypted.
func (f *File) ReadFully(pos int64, buf []byte) error {
	if _, err := f.f.ReadAt(buf, pos); err != nil {
		return mverr.New(mverr.FileCorrupt, "pagefile.ReadFully", err)
	}
	if f.cipher != nil {
		f.decryptInPlace(pos, buf)
	}
	return nil
}

// WriteFully writes all of buf at pos. If the file is encrypted, a copy of
// buf is encrypted first so the caller's buffer is left untouched.
func (f *File) WriteFully(pos int64, buf []byte) error {
	if f.readOnly {
		return mverr.New(mverr.Closed, "pagefile.WriteFully", fmt.Errorf("file opened read-only"))
	}
	out := buf
	if f.cipher != nil {
		out = append([]byte(nil), buf...)
		f.encryptInPlace(pos, out)
	}
	if _, err := f.f.WriteAt(out, pos); err != nil {
		return mverr.New(mverr.WritingFailed, "pagefile.WriteFully", err)
	}
	f.mu.Lock()
	if end := pos + int64(len(buf)); end > f.size {
		f.size = end
	}
	f.mu.Unlock()
	return nil
}

func (f *File) encryptInPlace(pos int64, buf []byte) {
	f.forEachBlock(pos, buf, f.cipher.Encrypt)
}

func (f *File) decryptInPlace(pos int64, buf []byte) {
	f.forEachBlock(pos, buf, f.cipher.Decrypt)
}

func (f *File) forEachBlock(pos int64, buf []byte, op func(blockIndex int64, data []byte)) {
	off := 0
	cur := pos
	for off < len(buf) {
		blockStart := (cur / BlockSize) * BlockSize
		inBlock := int(cur - blockStart)
		n := BlockSize - inBlock
		if off+n > len(buf) {
			n = len(buf) - off
		}
		seg := buf[off : off+n]
		if inBlock == 0 {
			op(cur/BlockSize, seg)
		} else {
			// the block's keystream starts at its first byte, so a segment
			// starting mid-block is padded out to its in-block offset
			tmp := make([]byte, inBlock+n)
			copy(tmp[inBlock:], seg)
			op(cur/BlockSize, tmp)
			copy(seg, tmp[inBlock:])
		}
		off += n
		cur += int64(n)
	}
}

// Truncate shrinks or grows the file to exactly size bytes.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return mverr.New(mverr.WritingFailed, "pagefile.Truncate", err)
	}
	f.mu.Lock()
	f.size = size
	f.mu.Unlock()
	return nil
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	if err := f.f.Sync(); err != nil {
		return mverr.New(mverr.WritingFailed, "pagefile.Sync", err)
	}
	return nil
}

// Close releases the lock and closes the underlying file descriptor.
// Idempotent: a second Close returns nil.
func (f *File) Close() error {
	_ = f.flock.Unlock()
	if err := f.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// MarkUsed removes [pos, pos+length) from the free-space list, e.g. during
// recovery when reconstructing which extents the existing chunks occupy.
func (f *File) MarkUsed(pos, length int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free.MarkUsed(pos, length)
}

// Free returns [pos, pos+length) to the free-space list.
func (f *File) Free(pos, length int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free.Free(pos, length)
}

// Allocate finds length contiguous free bytes via first-fit and returns
// their start offset, or -1 if no free interval is large enough (the
// caller should then append at EOF).
func (f *File) Allocate(length int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.Allocate(length)
}

// GetFirstFree returns the offset of the first free interval, or -1.
func (f *File) GetFirstFree() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.FirstFree()
}

// GetFillRate returns the fraction of the file (below its high-water mark)
// currently occupied by live data.
func (f *File) GetFillRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.FillRate(f.size)
}
