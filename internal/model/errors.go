package model

import "errors"

var (
	ErrKeyMismatch           = errors.New("wrapped key does not open with held private key")
	ErrIntegrityFailure      = errors.New("message integrity check failed")
	ErrMalformedInput        = errors.New("malformed input")
	ErrNotConnected          = errors.New("realtime channel not connected")
	ErrSendInProgress        = errors.New("send already in progress")
	ErrPublicKeyUnresolvable = errors.New("public key unresolvable")

	ErrKeysNotReady = errors.New("keys not ready")
	ErrNoPrivateKey = errors.New("private key not found")
)

// ErrKeyAlreadyRegistered is returned by the registry when the server already
// holds a public key for the caller.
var ErrKeyAlreadyRegistered = errors.New("public key already registered")
