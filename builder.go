package mvstore

import (
	"time"

	"github.com/cuemby/mvstore/internal/store"
	"github.com/cuemby/mvstore/internal/txn"
)

// Builder is the public functional-options surface for opening a Store
// (spec.md §6): fileName, encryptionKey, readOnly, cacheSize(mb),
// compressData, writeBufferSize(mb), pageSplitSize(bytes),
// backgroundExceptionHandler, fileStore, writeDelay(ms), plus the
// transaction layer's lockTimeout. It wraps internal/store.Builder so
// callers never need to import an internal package directly.
type Builder struct {
	inner       *store.Builder
	lockTimeout time.Duration
}

// NewBuilder starts a Builder for the store backed by fileName.
func NewBuilder(fileName string) *Builder {
	return &Builder{
		inner:       store.NewBuilder(fileName),
		lockTimeout: txn.DefaultLockTimeout,
	}
}

// EncryptionKey sets the password used to derive the per-block cipher
// key (spec.md §4.1). The caller's slice is copied; zeroing the
// caller's copy afterwards is the caller's responsibility.
func (b *Builder) EncryptionKey(key []byte) *Builder {
	b.inner.EncryptionKey(key)
	return b
}

// ReadOnly opens the store without acquiring the exclusive lock and
// rejects all mutations.
func (b *Builder) ReadOnly(ro bool) *Builder {
	b.inner.ReadOnly(ro)
	return b
}

// CacheSize sets the page cache budget in megabytes.
func (b *Builder) CacheSize(mb int) *Builder {
	b.inner.CacheSize(mb)
	return b
}

// CompressData enables the flate-backed page Compressor.
func (b *Builder) CompressData(v bool) *Builder {
	b.inner.CompressData(v)
	return b
}

// WriteBufferSize sets the unsaved-page write-buffer budget in
// megabytes, one of the two independent implicit-commit triggers
// (spec.md §6/§9).
func (b *Builder) WriteBufferSize(mb int) *Builder {
	b.inner.WriteBufferSize(mb)
	return b
}

// PageSplitSize sets the byte threshold at which a page is split on
// the insertion path.
func (b *Builder) PageSplitSize(bytes int) *Builder {
	b.inner.PageSplitSize(bytes)
	return b
}

// BackgroundExceptionHandler registers the handler invoked with errors
// raised inside the background writer goroutine (never returned to a
// caller of a public method).
func (b *Builder) BackgroundExceptionHandler(h func(error)) *Builder {
	b.inner.BackgroundExceptionHandler(h)
	return b
}

// WriteDelay sets the background writer's flush delay; 0 disables the
// background writer entirely.
func (b *Builder) WriteDelay(d time.Duration) *Builder {
	b.inner.WriteDelay(d)
	return b
}

// LockTimeout bounds how long a transactional write retries against a
// conflicting writer before failing (spec.md §4.8's set/lockTimeout).
func (b *Builder) LockTimeout(d time.Duration) *Builder {
	b.lockTimeout = d
	return b
}

// Open opens the store with the accumulated configuration.
func (b *Builder) Open() (*Store, error) { return Open(b) }
