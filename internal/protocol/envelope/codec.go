package envelope

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"e2ee_messenger/internal/cryptographic/encryption"
	"e2ee_messenger/internal/cryptographic/rsaoaep"
	"e2ee_messenger/internal/model"
)

type (
	// Body is the symmetric half of an envelope together with the one-time
	// key that produced it.
	Body struct {
		Ciphertext string
		IV         string
		MAC        string
		Key        []byte
	}
)

// EncryptBody encrypts plaintext under a fresh key and IV.
func EncryptBody(plaintext string) (*Body, error) {
	key, err := encryption.RandomKey()
	if err != nil {
		return nil, err
	}
	iv, err := encryption.RandomIV()
	if err != nil {
		return nil, err
	}
	ct, mac, err := encryption.EtMEncrypt(key, iv, []byte(plaintext))
	if err != nil {
		return nil, err
	}
	return &Body{
		Ciphertext: encode(ct),
		IV:         encode(iv),
		MAC:        encode(mac),
		Key:        key,
	}, nil
}

// DecryptBody fails with ErrIntegrityFailure when the tag does not verify and
// with ErrMalformedInput when any input cannot be decoded.
func DecryptBody(ciphertext, iv, mac string, key []byte) (string, error) {
	ct, err := decode("ciphertext", ciphertext)
	if err != nil {
		return "", err
	}
	ivb, err := decode("iv", iv)
	if err != nil {
		return "", err
	}
	tag, err := decode("mac", mac)
	if err != nil {
		return "", err
	}

	plain, err := encryption.EtMDecrypt(key, ivb, ct, tag)
	switch {
	case err == nil:
		return string(plain), nil
	case errors.Is(err, encryption.ErrMACMismatch):
		return "", model.ErrIntegrityFailure
	default:
		return "", fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}
}

func WrapKey(key []byte, recipient *rsa.PublicKey) (string, error) {
	if recipient == nil {
		return "", model.ErrPublicKeyUnresolvable
	}
	wrapped, err := rsaoaep.Encrypt(recipient, key)
	if err != nil {
		return "", fmt.Errorf("wrap key: %w", err)
	}
	return encode(wrapped), nil
}

func UnwrapKey(wrapped string, own *rsa.PrivateKey) ([]byte, error) {
	blob, err := decode("wrapped key", wrapped)
	if err != nil {
		return nil, err
	}
	key, err := rsaoaep.Decrypt(own, blob)
	if err != nil {
		return nil, model.ErrKeyMismatch
	}
	if len(key) != encryption.KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", model.ErrMalformedInput, len(key))
	}
	return key, nil
}

// SelectWrap picks the wrap the reader can open: a direct for-me wrap first,
// then the receiver wrap, then the sender wrap.
func SelectWrap(env *model.Envelope, reader string) (string, error) {
	switch {
	case env.WrapForMe != "":
		return env.WrapForMe, nil
	case reader == env.ReceiverID && env.WrapReceiver != "":
		return env.WrapReceiver, nil
	case reader == env.SenderID && env.WrapSender != "":
		return env.WrapSender, nil
	}
	return "", model.ErrPublicKeyUnresolvable
}

// Seal encrypts text once and wraps the key for both parties so the sender
// can read its own history later.
func Seal(text, senderID, receiverID string, senderPub, receiverPub *rsa.PublicKey) (*model.Envelope, error) {
	body, err := EncryptBody(text)
	if err != nil {
		return nil, err
	}
	forReceiver, err := WrapKey(body.Key, receiverPub)
	if err != nil {
		return nil, err
	}
	forSender, err := WrapKey(body.Key, senderPub)
	if err != nil {
		return nil, err
	}
	return &model.Envelope{
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Ciphertext:   body.Ciphertext,
		IV:           body.IV,
		MAC:          body.MAC,
		WrapReceiver: forReceiver,
		WrapSender:   forSender,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Open decrypts env for reader.
func Open(env *model.Envelope, reader string, own *rsa.PrivateKey) (*model.Message, error) {
	wrap, err := SelectWrap(env, reader)
	if err != nil {
		return nil, err
	}
	key, err := UnwrapKey(wrap, own)
	if err != nil {
		return nil, err
	}
	text, err := DecryptBody(env.Ciphertext, env.IV, env.MAC, key)
	if err != nil {
		return nil, err
	}
	id := env.ServerID
	if id == "" {
		id = env.ClientTempID
	}
	return &model.Message{
		ID:        id,
		Text:      text,
		CreatedAt: env.CreatedAt,
		AuthorID:  env.SenderID,
		IsMine:    env.SenderID == reader,
	}, nil
}
