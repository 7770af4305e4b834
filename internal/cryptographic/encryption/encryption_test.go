package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEADSealOpen(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)

	sealed, err := AEADSeal(key, []byte("private key pem"), []byte("alice"))
	require.NoError(t, err)

	plain, err := AEADOpen(key, sealed, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, "private key pem", string(plain))

	_, err = AEADOpen(key, sealed, []byte("bob"))
	assert.ErrorIs(t, err, ErrAEADOpen)

	_, err = AEADOpen(key, sealed[:4], []byte("alice"))
	assert.ErrorIs(t, err, ErrAEADOpen)
}

func TestEtMRoundTrip(t *testing.T) {
	key, _ := RandomKey()
	iv, _ := RandomIV()

	for _, msg := range []string{"", "hi", "exactly sixteen!", "a longer message that spans several aes blocks ✓"} {
		ct, mac, err := EtMEncrypt(key, iv, []byte(msg))
		require.NoError(t, err)
		assert.Len(t, mac, MACSize)
		assert.Zero(t, len(ct)%IVSize)

		plain, err := EtMDecrypt(key, iv, ct, mac)
		require.NoError(t, err)
		assert.Equal(t, msg, string(plain))
	}
}

func TestEtMRejectsTamper(t *testing.T) {
	key, _ := RandomKey()
	iv, _ := RandomIV()
	ct, mac, err := EtMEncrypt(key, iv, []byte("hello"))
	require.NoError(t, err)

	flipped := bytes.Clone(mac)
	flipped[0] ^= 0x01
	_, err = EtMDecrypt(key, iv, ct, flipped)
	assert.ErrorIs(t, err, ErrMACMismatch)

	badCT := bytes.Clone(ct)
	badCT[len(badCT)-1] ^= 0x80
	_, err = EtMDecrypt(key, iv, badCT, mac)
	assert.ErrorIs(t, err, ErrMACMismatch)

	other, _ := RandomKey()
	_, err = EtMDecrypt(other, iv, ct, mac)
	assert.ErrorIs(t, err, ErrMACMismatch)
}

func TestEtMRejectsBadLengths(t *testing.T) {
	_, _, err := EtMEncrypt(make([]byte, 16), make([]byte, IVSize), nil)
	assert.ErrorIs(t, err, ErrBadLength)

	_, err = EtMDecrypt(make([]byte, KeySize), make([]byte, 3), nil, nil)
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestPKCS7Unpad(t *testing.T) {
	_, err := pkcs7Unpad([]byte{1, 2, 3, 0}, 16)
	assert.ErrorIs(t, err, ErrBadPadding)

	_, err = pkcs7Unpad([]byte{1, 2, 2, 3}, 16)
	assert.ErrorIs(t, err, ErrBadPadding)

	out, err := pkcs7Unpad([]byte{'a', 3, 3, 3}, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a'}, out)
}
