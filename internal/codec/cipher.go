package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// recordCipher encrypts each record as an independent AES-CBC message
// using the configured key and IV, padded with PKCS#7.
type recordCipher struct {
	block cipher.Block
	iv    []byte
}

func newRecordCipher(key, iv []byte) (*recordCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid iv length %d, want %d", len(iv), block.BlockSize())
	}

	return &recordCipher{block: block, iv: bytes.Clone(iv)}, nil
}

func (c *recordCipher) encrypt(plaintext []byte) []byte {
	bs := c.block.BlockSize()
	pad := bs - len(plaintext)%bs

	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	for i := len(plaintext); i < len(buf); i++ {
		buf[i] = byte(pad)
	}

	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(buf, buf)
	return buf
}

func (c *recordCipher) decrypt(ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrCorruptRecord, len(ciphertext))
	}

	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(buf, ciphertext)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > bs || pad > len(buf) {
		return nil, fmt.Errorf("%w: bad padding", ErrCorruptRecord)
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: bad padding", ErrCorruptRecord)
		}
	}

	return buf[:len(buf)-pad], nil
}
