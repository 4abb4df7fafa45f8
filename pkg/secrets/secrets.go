// Package secrets encrypts client secrets and IDP credentials before they
// are written into event payloads.
//
// The keeper-backed implementation wraps gocloud.dev/secrets so the backing
// key can live in AWS KMS, GCP KMS, Azure Key Vault, HashiCorp Vault, or a
// local base64 key for development. Driver imports are opt-in in the
// application binary:
//
//	_ "gocloud.dev/secrets/awskms"
//	_ "gocloud.dev/secrets/gcpkms"
//	_ "gocloud.dev/secrets/localsecrets" // base64key:// for development
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	"gocloud.dev/secrets"
)

// Encrypter encrypts and decrypts short secret strings. Ciphertexts are
// base64 encoded so they can live inside JSON event payloads.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, encoded string) (string, error)
	Close() error
}

// KeeperEncrypter implements Encrypter on a gocloud secrets.Keeper.
type KeeperEncrypter struct {
	keeper *secrets.Keeper
}

// OpenKeeper opens an encrypter for the given keeper URL, for example
// "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=".
func OpenKeeper(ctx context.Context, url string) (*KeeperEncrypter, error) {
	if url == "" {
		return nil, fmt.Errorf("keeper URL is required")
	}
	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	return &KeeperEncrypter{keeper: keeper}, nil
}

// Encrypt encrypts plaintext and returns a base64 ciphertext.
func (e *KeeperEncrypter) Encrypt(ctx context.Context, plaintext string) (string, error) {
	ciphertext, err := e.keeper.Encrypt(ctx, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (e *KeeperEncrypter) Decrypt(ctx context.Context, encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	plaintext, err := e.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

// Close releases the keeper.
func (e *KeeperEncrypter) Close() error {
	return e.keeper.Close()
}

// NoOp stores secrets unencrypted. Tests and local development only.
type NoOp struct{}

func (NoOp) Encrypt(_ context.Context, plaintext string) (string, error) { return plaintext, nil }
func (NoOp) Decrypt(_ context.Context, encoded string) (string, error)  { return encoded, nil }
func (NoOp) Close() error                                               { return nil }
