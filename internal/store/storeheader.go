package store

import (
	"github.com/cuemby/mvstore/internal/codec"
)

// storeFormat is the only write format this implementation produces or
// accepts (spec.md §9 Open Questions: no migration path is specified, so
// — like the original — a newer format on read is rejected outright).
const storeFormat = 1

// storeHeader is the ASCII key=value structure written at file offsets
// 0 and pagefile.BlockSize, and again as the file's trailing block after
// every chunk (spec.md §3/§6).
type storeHeader struct {
	h              int64 // format marker, always 3 per spec.md §3's entity table
	blockSize      int64
	format         int64
	creationTime   int64
	chunk          int64 // last written chunk id
	rootChunkStart int64 // file position (bytes) of the root chunk's header block
	version        int64
	lastMapID      int64
}

func (sh storeHeader) fields() codec.Header {
	h := codec.Header{}
	h.SetInt("H", sh.h)
	h.SetInt("blockSize", sh.blockSize)
	h.SetInt("format", sh.format)
	h.SetInt("creationTime", sh.creationTime)
	h.SetInt("chunk", sh.chunk)
	h.SetInt("rootChunk", sh.rootChunkStart)
	h.SetInt("version", sh.version)
	h.SetInt("lastMapId", sh.lastMapID)
	return h
}

// encode renders the header padded to exactly size bytes, with a
// "fletcher" field checksumming every other field's unpadded encoding.
func (sh storeHeader) encode(size int) ([]byte, error) {
	h := sh.fields()
	checksum := codec.Fletcher32([]byte(h.Inline()))
	h["fletcher"] = hexUint32(checksum)
	return codec.Encode(h, size)
}

// decodeStoreHeader parses buf and reports whether its fletcher field
// matches the rest of its content.
func decodeStoreHeader(buf []byte) (storeHeader, bool, error) {
	h, err := codec.Decode(buf)
	if err != nil {
		return storeHeader{}, false, err
	}
	declaredHex, hasChecksum := h["fletcher"]
	delete(h, "fletcher")
	computed := hexUint32(codec.Fletcher32([]byte(h.Inline())))

	get := func(key string) int64 { v, _ := h.Int(key); return v }
	sh := storeHeader{
		h:              get("H"),
		blockSize:      get("blockSize"),
		format:         get("format"),
		creationTime:   get("creationTime"),
		chunk:          get("chunk"),
		rootChunkStart: get("rootChunk"),
		version:        get("version"),
		lastMapID:      get("lastMapId"),
	}
	return sh, hasChecksum && declaredHex == computed, nil
}

func hexUint32(v uint32) string {
	const digits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = digits[v&0xf]
		v >>= 4
	}
	return string(b)
}
