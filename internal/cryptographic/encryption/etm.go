package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
	MACSize = sha256.Size
)

var (
	ErrMACMismatch = errors.New("mac mismatch")
	ErrBadPadding  = errors.New("invalid pkcs7 padding")
	ErrBadLength   = errors.New("invalid length")
)

// RandomKey returns a fresh AES-256 key.
func RandomKey() ([]byte, error) {
	return randomBytes(KeySize)
}

func RandomIV() ([]byte, error) {
	return randomBytes(IVSize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rand.Read: %w", err)
	}
	return b, nil
}

// EtMEncrypt is AES-CBC with PKCS#7 followed by HMAC-SHA256 over iv || ct,
// both keyed with key.
func EtMEncrypt(key, iv, plaintext []byte) (ct, mac []byte, err error) {
	if len(key) != KeySize || len(iv) != IVSize {
		return nil, nil, ErrBadLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, computeMAC(key, iv, ct), nil
}

// EtMDecrypt verifies the MAC before touching the ciphertext.
func EtMDecrypt(key, iv, ct, mac []byte) ([]byte, error) {
	if len(key) != KeySize || len(iv) != IVSize {
		return nil, ErrBadLength
	}
	if !hmac.Equal(computeMAC(key, iv, ct), mac) {
		return nil, ErrMACMismatch
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrBadLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func computeMAC(key, iv, ct []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(padded []byte, blockSize int) ([]byte, error) {
	if len(padded) == 0 {
		return nil, ErrBadPadding
	}
	n := int(padded[len(padded)-1])
	if n < 1 || n > blockSize || n > len(padded) {
		return nil, ErrBadPadding
	}
	for _, b := range padded[len(padded)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return padded[:len(padded)-n], nil
}
