// Package keystore owns the device's RSA key pairs: generation, persistence
// under per-identity slots, migration of the canonical slot, registration of
// the public half and the cache of peer public keys.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"e2ee_messenger/internal/cryptographic/encryption"
	"e2ee_messenger/internal/cryptographic/kdf"
	"e2ee_messenger/internal/cryptographic/rsaoaep"
	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/repository/kv"
	"e2ee_messenger/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	slotPrivate = "privateKey"
	slotPublic  = "publicKey"
	slotOwner   = "keyOwner"

	sealedPrefix = "sealed:"
)

func privateSlot(identity string) string  { return slotPrivate + "_" + identity }
func publicSlot(identity string) string   { return slotPublic + "_" + identity }
func uploadedSlot(identity string) string { return "keyUploaded_" + identity }

type (
	// Registry is the server side of key exchange.
	Registry interface {
		RegisterPublicKey(ctx context.Context, publicPEM string) error
		PublicKey(ctx context.Context, userID string) (string, error)
		BootStatus(ctx context.Context) (*model.BootStatus, error)
	}

	KeyStore struct {
		store      kv.Store
		registry   Registry
		passphrase string

		mu     sync.Mutex
		status map[string]model.KeyStatus

		fetch singleflight.Group

		// GenerateKey is swapped in tests to reuse pre-generated keys.
		GenerateKey func() (*rsa.PrivateKey, error)
	}
)

func NewKeyStore(store kv.Store, registry Registry, passphrase string) *KeyStore {
	return &KeyStore{
		store:       store,
		registry:    registry,
		passphrase:  passphrase,
		status:      make(map[string]model.KeyStatus),
		GenerateKey: rsaoaep.GenerateKey,
	}
}

// EnsureKeyPair returns the identity's key pair, generating one only when
// none exists, and registers the public half with the server. The pair is
// ready only once registration succeeded; a failed registration is recorded
// in Status and retried by the next call.
func (k *KeyStore) EnsureKeyPair(ctx context.Context, identity string) (*model.KeyPair, error) {
	if identity == "" {
		return nil, fmt.Errorf("ensure key pair: empty identity")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	priv, err := k.loadPrivate(ctx, identity)
	if errors.Is(err, model.ErrNoPrivateKey) {
		priv, err = k.generate(ctx, identity)
	}
	if err != nil {
		k.status[identity] = model.KeyStatus{LastErr: err}
		return nil, err
	}
	kp := &model.KeyPair{PublicKey: &priv.PublicKey, PrivateKey: priv}

	if err := k.upload(ctx, identity, kp.PublicKey); err != nil {
		k.status[identity] = model.KeyStatus{LastErr: err}
		log.Warn("public key registration failed", zap.String("identity", identity), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", model.ErrKeysNotReady, err)
	}

	k.status[identity] = model.KeyStatus{Ready: true}
	return kp, nil
}

func (k *KeyStore) generate(ctx context.Context, identity string) (*rsa.PrivateKey, error) {
	priv, err := k.GenerateKey()
	if err != nil {
		return nil, err
	}
	privPEM, err := rsaoaep.EncodePrivatePEM(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := rsaoaep.EncodePublicPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	sealed, err := k.seal(identity, privPEM)
	if err != nil {
		return nil, err
	}

	writes := [][2]string{
		{privateSlot(identity), sealed},
		{publicSlot(identity), pubPEM},
		{slotPrivate, sealed},
		{slotPublic, pubPEM},
		{slotOwner, identity},
	}
	for _, w := range writes {
		if err := k.store.Set(ctx, w[0], w[1]); err != nil {
			return nil, fmt.Errorf("persist %s: %w", w[0], err)
		}
	}
	// A fresh pair has never been registered.
	if err := k.store.Remove(ctx, uploadedSlot(identity)); err != nil {
		return nil, err
	}
	log.Info("generated key pair", zap.String("identity", identity))
	return priv, nil
}

func (k *KeyStore) upload(ctx context.Context, identity string, pub *rsa.PublicKey) error {
	if _, ok, err := kv.GetOptional(ctx, k.store, uploadedSlot(identity)); err != nil || ok {
		return err
	}
	pubPEM, err := rsaoaep.EncodePublicPEM(pub)
	if err != nil {
		return err
	}

	err = k.registry.RegisterPublicKey(ctx, pubPEM)
	if errors.Is(err, model.ErrKeyAlreadyRegistered) {
		err = k.verifyRegistered(ctx, identity, pub)
	}
	if err != nil {
		return err
	}
	return k.store.Set(ctx, uploadedSlot(identity), "1")
}

// verifyRegistered accepts an "already registered" answer only when the
// server's key can be read back and is ours.
func (k *KeyStore) verifyRegistered(ctx context.Context, identity string, pub *rsa.PublicKey) error {
	remote, err := k.registry.PublicKey(ctx, identity)
	if err != nil {
		return fmt.Errorf("read back registered key for %s: %w", identity, err)
	}
	if remote == "" {
		return fmt.Errorf("server reports a key for %s but returned none", identity)
	}
	serverPub, err := rsaoaep.DecodePublicPEM(remote)
	if err != nil {
		return fmt.Errorf("registered key for %s: %w", identity, err)
	}
	if !serverPub.Equal(pub) {
		return fmt.Errorf("server holds a different public key for %s", identity)
	}
	return nil
}

// LoadPrivateKeyForIdentity checks the canonical slot, falls back to the
// identity's namespaced backup and promotes it to canonical when found there.
func (k *KeyStore) LoadPrivateKeyForIdentity(ctx context.Context, identity string) (*rsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loadPrivate(ctx, identity)
}

func (k *KeyStore) loadPrivate(ctx context.Context, identity string) (*rsa.PrivateKey, error) {
	owner, _, err := kv.GetOptional(ctx, k.store, slotOwner)
	if err != nil {
		return nil, err
	}
	canonical, hasCanonical, err := kv.GetOptional(ctx, k.store, slotPrivate)
	if err != nil {
		return nil, err
	}
	if hasCanonical && owner == identity {
		return k.open(identity, canonical)
	}

	backup, hasBackup, err := kv.GetOptional(ctx, k.store, privateSlot(identity))
	if err != nil {
		return nil, err
	}
	if hasBackup {
		priv, err := k.open(identity, backup)
		if err != nil {
			return nil, err
		}
		if err := k.promote(ctx, identity, backup, &priv.PublicKey); err != nil {
			return nil, err
		}
		return priv, nil
	}

	// Slots written before ownership was tracked belong to whoever asks first.
	if hasCanonical && owner == "" {
		priv, err := k.open(identity, canonical)
		if err != nil {
			return nil, err
		}
		sealed, err := k.reseal(identity, canonical)
		if err != nil {
			return nil, err
		}
		if err := k.store.Set(ctx, privateSlot(identity), sealed); err != nil {
			return nil, err
		}
		if err := k.promote(ctx, identity, sealed, &priv.PublicKey); err != nil {
			return nil, err
		}
		log.Info("migrated legacy key slot", zap.String("identity", identity))
		return priv, nil
	}

	return nil, model.ErrNoPrivateKey
}

func (k *KeyStore) promote(ctx context.Context, identity, sealed string, pub *rsa.PublicKey) error {
	pubPEM, err := rsaoaep.EncodePublicPEM(pub)
	if err != nil {
		return err
	}
	if err := k.store.Set(ctx, slotPrivate, sealed); err != nil {
		return err
	}
	if err := k.store.Set(ctx, slotPublic, pubPEM); err != nil {
		return err
	}
	if err := k.store.Set(ctx, publicSlot(identity), pubPEM); err != nil {
		return err
	}
	return k.store.Set(ctx, slotOwner, identity)
}

// HasUsableKeys is true iff a private key is present and the server's boot
// status reports a public key for identity. When the server cannot be asked
// about identity, a locally stored public key is enough.
func (k *KeyStore) HasUsableKeys(ctx context.Context, identity string) bool {
	if _, err := k.LoadPrivateKeyForIdentity(ctx, identity); err != nil {
		return false
	}
	st, err := k.registry.BootStatus(ctx)
	if err == nil && (st.ID == "" || st.ID == identity) {
		return st.HasPublicKey
	}
	if err != nil {
		log.Debug("boot status unavailable, using local key", zap.String("identity", identity), zap.Error(err))
	}
	_, ok, err := kv.GetOptional(ctx, k.store, publicSlot(identity))
	return err == nil && ok
}

// ForgetRegistration drops the record that identity's public key reached the
// server, so the next EnsureKeyPair uploads it again.
func (k *KeyStore) ForgetRegistration(ctx context.Context, identity string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.status, identity)
	return k.store.Remove(ctx, uploadedSlot(identity))
}

func (k *KeyStore) Status(identity string) model.KeyStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status[identity]
}

// PeerPublicKey reads the locally cached public key of peerID.
func (k *KeyStore) PeerPublicKey(ctx context.Context, peerID string) (*rsa.PublicKey, bool, error) {
	pemStr, ok, err := kv.GetOptional(ctx, k.store, publicSlot(peerID))
	if err != nil || !ok {
		return nil, false, err
	}
	pub, err := rsaoaep.DecodePublicPEM(pemStr)
	if err != nil {
		return nil, false, err
	}
	return pub, true, nil
}

// CachePeerPublicKey validates and stores peerID's public key PEM.
func (k *KeyStore) CachePeerPublicKey(ctx context.Context, peerID, publicPEM string) (*rsa.PublicKey, error) {
	pub, err := rsaoaep.DecodePublicPEM(publicPEM)
	if err != nil {
		return nil, err
	}
	if err := k.store.Set(ctx, publicSlot(peerID), publicPEM); err != nil {
		return nil, err
	}
	return pub, nil
}

// ResolvePeerKey returns the peer's public key from the local cache, or
// fetches it once from the server and caches it. Concurrent callers for the
// same peer share one fetch.
func (k *KeyStore) ResolvePeerKey(ctx context.Context, peerID string) (*rsa.PublicKey, error) {
	pub, ok, err := k.PeerPublicKey(ctx, peerID)
	if ok {
		return pub, nil
	}
	if err != nil {
		log.Warn("ignoring unreadable cached public key", zap.String("peer", peerID), zap.Error(err))
	}

	v, err, _ := k.fetch.Do(peerID, func() (any, error) {
		pemStr, err := k.registry.PublicKey(ctx, peerID)
		if err != nil {
			return nil, err
		}
		return k.CachePeerPublicKey(ctx, peerID, pemStr)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: peer %s: %w", model.ErrPublicKeyUnresolvable, peerID, err)
	}
	return v.(*rsa.PublicKey), nil
}

// ClearCanonical empties the canonical slot on logout. Namespaced backups
// survive so the identity finds its keys on the next login.
func (k *KeyStore) ClearCanonical(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, slot := range []string{slotPrivate, slotPublic, slotOwner} {
		if err := k.store.Remove(ctx, slot); err != nil {
			return err
		}
	}
	clear(k.status)
	return nil
}

// DeleteIdentity destroys every copy of the identity's keys. Only used for
// account deletion.
func (k *KeyStore) DeleteIdentity(ctx context.Context, identity string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	owner, _, err := kv.GetOptional(ctx, k.store, slotOwner)
	if err != nil {
		return err
	}
	slots := []string{privateSlot(identity), publicSlot(identity), uploadedSlot(identity)}
	if owner == identity {
		slots = append(slots, slotPrivate, slotPublic, slotOwner)
	}
	for _, slot := range slots {
		if err := k.store.Remove(ctx, slot); err != nil {
			return err
		}
	}
	delete(k.status, identity)
	return nil
}

// seal protects a private key PEM at rest when a passphrase is configured.
// Layout: "sealed:" base64(salt || nonce || ciphertext).
func (k *KeyStore) seal(identity string, privPEM []byte) (string, error) {
	if k.passphrase == "" {
		return string(privPEM), nil
	}
	salt := make([]byte, kdf.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key, err := kdf.PassphraseKey(k.passphrase, salt, "keystore:"+identity)
	if err != nil {
		return "", err
	}
	blob, err := encryption.AEADSeal(key, privPEM, []byte(identity))
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(append(salt, blob...)), nil
}

func (k *KeyStore) open(identity, stored string) (*rsa.PrivateKey, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return rsaoaep.DecodePrivatePEM([]byte(stored))
	}
	if k.passphrase == "" {
		return nil, fmt.Errorf("private key for %s is sealed and no passphrase is configured", identity)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(raw) < kdf.SaltSize {
		return nil, fmt.Errorf("%w: sealed key slot", model.ErrMalformedInput)
	}
	key, err := kdf.PassphraseKey(k.passphrase, raw[:kdf.SaltSize], "keystore:"+identity)
	if err != nil {
		return nil, err
	}
	privPEM, err := encryption.AEADOpen(key, raw[kdf.SaltSize:], []byte(identity))
	if err != nil {
		return nil, fmt.Errorf("open sealed key for %s: %w", identity, err)
	}
	return rsaoaep.DecodePrivatePEM(privPEM)
}

// reseal rebinds a legacy canonical value to identity.
func (k *KeyStore) reseal(identity, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return k.seal(identity, []byte(stored))
	}
	return stored, nil
}
