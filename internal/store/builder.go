package store

import "time"

// Builder is the store's functional-options configuration surface, named
// by spec.md §6: fileName, encryptionKey, readOnly, cacheSize(mb),
// compressData, writeBufferSize(mb), pageSplitSize(bytes),
// backgroundExceptionHandler, fileStore, writeDelay(ms).
type Builder struct {
	fileName          string
	encryptionKey     []byte
	readOnly          bool
	cacheSizeMB       int
	compressData      bool
	writeBufferSizeMB int
	pageSplitSize     int
	writeDelay        time.Duration

	backgroundExceptionHandler func(error)
}

// NewBuilder starts a Builder for the store backed by fileName.
func NewBuilder(fileName string) *Builder {
	return &Builder{fileName: fileName, writeDelay: DefaultWriteDelay}
}

// EncryptionKey sets the password used to derive the per-block cipher
// key (spec.md §4.1); copied internally and zeroed by the caller is the
// caller's responsibility before Open returns.
func (b *Builder) EncryptionKey(key []byte) *Builder {
	b.encryptionKey = append([]byte(nil), key...)
	return b
}

func (b *Builder) encryptionKeyBytes() []byte { return b.encryptionKey }

// ReadOnly opens the store without acquiring the exclusive lock and
// rejects all mutations.
func (b *Builder) ReadOnly(ro bool) *Builder { b.readOnly = ro; return b }

// CacheSize sets the page cache budget in megabytes.
func (b *Builder) CacheSize(mb int) *Builder { b.cacheSizeMB = mb; return b }

// CompressData enables the flate-backed page Compressor.
func (b *Builder) CompressData(v bool) *Builder { b.compressData = v; return b }

// WriteBufferSize sets the unsaved-page write-buffer budget in megabytes,
// one of the two independent implicit-commit triggers (spec.md §6/§9).
func (b *Builder) WriteBufferSize(mb int) *Builder { b.writeBufferSizeMB = mb; return b }

// PageSplitSize sets the byte threshold at which a page is split on
// the insertion path.
func (b *Builder) PageSplitSize(bytes int) *Builder { b.pageSplitSize = bytes; return b }

// BackgroundExceptionHandler registers the handler invoked with errors
// raised inside the background writer goroutine (never returned to a
// caller of a public method).
func (b *Builder) BackgroundExceptionHandler(h func(error)) *Builder {
	b.backgroundExceptionHandler = h
	return b
}

// WriteDelay sets the background writer's flush delay; 0 disables the
// background writer entirely.
func (b *Builder) WriteDelay(d time.Duration) *Builder { b.writeDelay = d; return b }

// Open opens the store with the accumulated configuration.
func (b *Builder) Open() (*Store, error) { return Open(b) }
