package codec

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Seal encrypts plaintext under a random IV and appends an HMAC over the IV
// and ciphertext. The result layout is iv | ciphertext | mac.
func Seal(key, plaintext []byte) ([]byte, error) {
	encKey, macKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	iv, err := GenerateIV()
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(plaintext, encKey, iv)
	if err != nil {
		return nil, err
	}
	blob := append(iv, ct...)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(blob)
	return mac.Sum(blob), nil
}

// Open verifies and decrypts a blob produced by Seal.
func Open(key, blob []byte) ([]byte, error) {
	encKey, macKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < IVSize+sha256.Size {
		return nil, ErrDecryptionFailed
	}
	body, tag := blob[:len(blob)-sha256.Size], blob[len(blob)-sha256.Size:]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrDecryptionFailed
	}
	return Decrypt(body[IVSize:], encKey, body[:IVSize])
}

func splitKey(key []byte) ([]byte, []byte, error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKeyMaterial
	}
	encKey, err := DeriveKey(key, "seal-enc")
	if err != nil {
		return nil, nil, err
	}
	macKey, err := DeriveKey(key, "seal-mac")
	if err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}
