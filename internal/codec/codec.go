// Package codec holds the symmetric primitives used for QR credentials and
// local record encryption: AES-256-CBC, SHA-256 digests and truncated
// HMAC-SHA256 tags.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialisation vector length in bytes.
	IVSize = aes.BlockSize
	// TagLength is the number of hex characters kept from an HMAC tag.
	TagLength = 16
)

var (
	// ErrInvalidKeyMaterial is returned when a key or IV has the wrong shape.
	ErrInvalidKeyMaterial = errors.New("codec: invalid key material")
	// ErrDecryptionFailed is returned when ciphertext cannot be decrypted, either
	// because it was altered or because the wrong key was used.
	ErrDecryptionFailed = errors.New("codec: decryption failed")
)

// Encrypt encrypts plaintext with AES-256-CBC and PKCS#7 padding.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out)
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidKeyMaterial, IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	return block, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrDecryptionFailed
	}
	if subtle.ConstantTimeCompare(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) != 1 {
		return nil, ErrDecryptionFailed
	}
	return b[:len(b)-n], nil
}

// Hash returns the hex encoded SHA-256 digest of input.
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Sign returns a truncated HMAC-SHA256 tag of message. The tag is kept short
// so it fits a compact QR payload.
func Sign(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))[:TagLength]
}

// Verify reports whether tag is the truncated HMAC of message under key.
// The comparison runs in constant time.
func Verify(message []byte, tag string, key []byte) bool {
	want := Sign(message, key)
	return subtle.ConstantTimeCompare([]byte(want), []byte(tag)) == 1
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeySize)
}

// GenerateIV returns a fresh random 128-bit IV.
func GenerateIV() ([]byte, error) {
	return randomBytes(IVSize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveKey expands master into a 256-bit key bound to info using HKDF-SHA256.
func DeriveKey(master []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, ErrInvalidKeyMaterial
	}
	h := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseHexKey decodes a 64 character hex string into a 256-bit key.
func ParseHexKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(b))
	}
	return b, nil
}
