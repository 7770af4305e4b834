package model

import (
	"context"
	"crypto/rsa"
)

type (
	KeyPair struct {
		PublicKey  *rsa.PublicKey
		PrivateKey *rsa.PrivateKey
	}

	// KeyStatus is the caller-visible readiness of an identity's key pair.
	KeyStatus struct {
		Ready   bool
		LastErr error
	}
)

// TokenSupplier returns the current bearer token. It is called on every
// request and every (re)connect so rotated tokens are picked up.
type TokenSupplier func(ctx context.Context) (string, error)
