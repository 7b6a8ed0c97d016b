// Package crypto implements the primitives shared by the control and voice
// planes: SHA-256 password hashing, random session tokens, AES-256-CBC
// envelopes with a prepended IV, and AES-256-CTR keyed by a big-endian
// message counter. All keys are exactly 32 bytes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the length of every symmetric key: session keys and
	// channel keys alike.
	KeySize = 32

	// EnvelopeIVSize is the length of the IV prepended to every
	// AES-CBC envelope.
	EnvelopeIVSize = aes.BlockSize
)

var (
	ErrInvalidKeySize    = errors.New("crypto: key must be 32 bytes")
	ErrEnvelopeTooShort  = errors.New("crypto: envelope shorter than its IV")
	ErrInvalidCiphertext = errors.New("crypto: ciphertext is empty or not block-aligned")
	ErrInvalidPadding    = errors.New("crypto: invalid PKCS#7 padding")
)

// HashPassword returns the SHA-256 digest of the UTF-8 password bytes.
// The wire format carries this digest hex-encoded; there is no salt.
func HashPassword(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

// Token returns n cryptographically strong random bytes.
func Token(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: read random bytes: %w", err)
	}
	return b, nil
}

// NewKey returns a fresh 32-byte symmetric key.
func NewKey() ([]byte, error) {
	return Token(KeySize)
}

// EncryptEnvelope encrypts plaintext with AES-256-CBC under key, using a
// fresh random IV and PKCS#7 padding. The result is IV || ciphertext.
func EncryptEnvelope(plaintext, key []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	iv, err := Token(EnvelopeIVSize)
	if err != nil {
		return nil, err
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, EnvelopeIVSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[EnvelopeIVSize:], padded)
	return out, nil
}

// DecryptEnvelope reverses EncryptEnvelope. The blob must carry at least
// the 16-byte IV followed by one or more whole ciphertext blocks.
func DecryptEnvelope(blob, key []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < EnvelopeIVSize {
		return nil, ErrEnvelopeTooShort
	}

	iv := blob[:EnvelopeIVSize]
	ciphertext := blob[EnvelopeIVSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadPKCS7(plaintext, aes.BlockSize)
}

// EncryptCounter applies AES-256-CTR to data under key. The 16-byte IV is
// the counter written big-endian in the first 8 bytes followed by 8 zero
// bytes. Output length equals input length.
func EncryptCounter(data, key []byte, counter uint64) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[:8], counter)

	out := make([]byte, len(data))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, data)
	return out, nil
}

// DecryptCounter is the same operation as EncryptCounter; CTR mode is its
// own inverse for a fixed key and counter.
func DecryptCounter(data, key []byte, counter uint64) ([]byte, error) {
	return EncryptCounter(data, key, counter)
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return block, nil
}

// padPKCS7 always appends padding; a block-aligned input gains a full
// block so the pad length is never ambiguous.
func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
