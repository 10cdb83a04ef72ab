package pagefile

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// blockSalt is fixed per format version: the password is the only secret,
// and the salt only needs to defend against rainbow tables, not per-file
// uniqueness (the IV, derived from block index, already makes identical
// plaintext blocks encrypt differently across the file).
var blockSalt = []byte("mvstore-v1-block-cipher-salt")

// blockCipher encrypts/decrypts individual BlockSize-aligned file blocks.
// Each block is XORed with an AES-CTR keystream whose counter is seeded
// from the block's index, so two blocks with identical plaintext never
// produce identical ciphertext and a block can be decrypted independently
// of every other block — the property the page/chunk format depends on,
// since chunks are read and written at arbitrary block offsets.
type blockCipher struct {
	block cipher.Block
}

// newBlockCipher derives an AES-256 key from password via scrypt and
// zeroes the password buffer before returning, per spec.md §4.1.
func newBlockCipher(password []byte) (*blockCipher, error) {
	key, err := scrypt.Key(password, blockSalt, 1<<14, 8, 1, 32)
	zeroBytes(password)
	if err != nil {
		return nil, fmt.Errorf("derive block cipher key: %w", err)
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init block cipher: %w", err)
	}
	return &blockCipher{block: block}, nil
}

func ivForBlock(blockIndex int64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(blockIndex))
	return iv
}

// Encrypt XORs data in place with the keystream for the given block index.
// Decrypt is the same operation: CTR mode is its own inverse.
func (c *blockCipher) Encrypt(blockIndex int64, data []byte) {
	cipher.NewCTR(c.block, ivForBlock(blockIndex)).XORKeyStream(data, data)
}

func (c *blockCipher) Decrypt(blockIndex int64, data []byte) {
	c.Encrypt(blockIndex, data)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
