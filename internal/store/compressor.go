package store

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compressor is the abstract compression seam spec.md §1 keeps external
// to the core (alongside checksums and encryption): the store only needs
// something that can shrink and restore a page's encoded body.
type Compressor interface {
	Compress(data []byte) []byte
	Decompress(data []byte, sizeHint int) ([]byte, error)
}

// flateCompressor is the concrete default wired behind Compressor,
// analogous to the original's LZF compressor but using the pack's
// klauspost/compress implementation of DEFLATE.
type flateCompressor struct{}

// NewFlateCompressor returns the store's default Compressor.
func NewFlateCompressor() Compressor { return flateCompressor{} }

func (flateCompressor) Compress(data []byte) []byte {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestSpeed)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func (flateCompressor) Decompress(data []byte, sizeHint int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out := make([]byte, 0, sizeHint)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
