package store

import (
	"fmt"
	"strconv"

	"github.com/cuemby/mvstore/internal/codec"
)

// chunkFooterLength is the fixed size of the trailer block written after
// every chunk's pages (spec.md §4.2).
const chunkFooterLength = pagefileBlockSize

// pagefileBlockSize is this package's untyped copy of pagefile.BlockSize,
// used for the chunk and header arithmetic; the two values must match.
const pagefileBlockSize = 4096

// chunk is one append-only, page-aligned file segment, described by an
// entry in the meta map under key "chunk.<hex id>" (spec.md §3).
type chunk struct {
	id            int64
	block         int64 // file position in BLOCK_SIZE units
	length        int64 // bytes, header+pages+footer
	pageCount     int64
	pageCountLive int64
	maxLen        int64 // bytes occupied by page bodies
	maxLenLive    int64
	metaRootPos   int64
	version       int64
	time          int64 // unix millis
	mapID         int
}

func (c *chunk) toHeader() codec.Header {
	h := codec.Header{}
	h.SetHex("chunk", uint64(c.id))
	h.SetInt("block", c.block)
	h.SetInt("len", c.length)
	h.SetInt("pages", c.pageCount)
	h.SetInt("livePages", c.pageCountLive)
	h.SetInt("max", c.maxLen)
	h.SetInt("liveMax", c.maxLenLive)
	h.SetInt("root", c.metaRootPos)
	h.SetInt("time", c.time)
	h.SetInt("version", c.version)
	h.SetInt("map", int64(c.mapID))
	return h
}

func chunkFromHeader(h codec.Header) (*chunk, error) {
	id, ok := h.Hex("chunk")
	if !ok {
		return nil, fmt.Errorf("chunk header missing chunk id")
	}
	c := &chunk{id: int64(id)}
	get := func(key string) int64 {
		v, _ := h.Int(key)
		return v
	}
	c.block = get("block")
	c.length = get("len")
	c.pageCount = get("pages")
	c.pageCountLive = get("livePages")
	c.maxLen = get("max")
	c.maxLenLive = get("liveMax")
	c.metaRootPos = get("root")
	c.time = get("time")
	c.version = get("version")
	c.mapID = int(get("map"))
	return c, nil
}

// encode serializes the chunk to the meta map's "chunk.<hex>" value form:
// a comma-joined key=value string, reusing the header codec's encoding
// primitives without the fixed-size padding a real header block needs.
func (c *chunk) encode() string {
	h := c.toHeader()
	return h.Inline()
}

func decodeChunk(s string) (*chunk, error) {
	h, err := codec.DecodeInline(s)
	if err != nil {
		return nil, err
	}
	return chunkFromHeader(h)
}

// headerBlock renders the chunk's own on-disk header block (written at
// the start of its extent) padded to size, with a fletcher checksum over
// its unpadded fields.
func (c *chunk) headerBlock(size int) ([]byte, error) {
	h := c.toHeader()
	checksum := codec.Fletcher32([]byte(h.Inline()))
	h["fletcher"] = hexUint32(checksum)
	return codec.Encode(h, size)
}

// footerBlock renders the chunk's trailing footer block, identical in
// form to the header block (spec.md §4.2).
func (c *chunk) footerBlock(size int) ([]byte, error) {
	return c.headerBlock(size)
}

// decodeChunkBlock parses a chunk header or footer block and reports
// whether its fletcher checksum matches.
func decodeChunkBlock(buf []byte) (*chunk, bool, error) {
	h, err := codec.Decode(buf)
	if err != nil {
		return nil, false, err
	}
	declaredHex, hasChecksum := h["fletcher"]
	delete(h, "fletcher")
	computed := hexUint32(codec.Fletcher32([]byte(h.Inline())))
	c, err := chunkFromHeader(h)
	if err != nil {
		return nil, false, err
	}
	return c, hasChecksum && declaredHex == computed, nil
}

func chunkMetaKey(id int64) string {
	return "chunk." + strconv.FormatInt(id, 16)
}

// fillRate is this chunk's fraction of live bytes, used by the compactor
// to prioritize which chunks to rewrite.
func (c *chunk) fillRate() float64 {
	if c.maxLen == 0 {
		return 0
	}
	return float64(c.maxLenLive) / float64(c.maxLen)
}
