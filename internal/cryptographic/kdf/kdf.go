package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	SaltSize     = 16
)

// HKDF fills buffer from HKDF-SHA256(secret, salt, info).
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// PassphraseKey stretches a passphrase with argon2id and expands the result
// with HKDF so each info label gets an independent 32-byte key.
func PassphraseKey(passphrase string, salt []byte, info string) ([]byte, error) {
	master := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
	key := make([]byte, 32)
	if _, err := HKDF(master, salt, []byte(info), key); err != nil {
		return nil, err
	}
	return key, nil
}
