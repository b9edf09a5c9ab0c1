package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const encryptedPrefix = "enc:v1:"

// encryptedStore seals values with XChaCha20-Poly1305 before they reach the
// inner store. The key name is bound as additional data so values cannot be
// swapped between keys.
type encryptedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewEncrypted wraps inner with at-rest encryption keyed by passphrase.
func NewEncrypted(inner Store, passphrase, salt string) (Store, error) {
	if inner == nil {
		return nil, fmt.Errorf("encrypted store requires an inner store")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("encrypted store requires a key")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(passphrase), []byte(salt), []byte("postkeeper credential store"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &encryptedStore{inner: inner, aead: aead}, nil
}

func (s *encryptedStore) Get(ctx context.Context, key string) (string, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(raw, encryptedPrefix) {
		return "", fmt.Errorf("%w: %s is not sealed", ErrCorrupt, key)
	}
	blob, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(raw, encryptedPrefix))
	if err != nil || len(blob) < s.aead.NonceSize() {
		return "", fmt.Errorf("%w: %s has a malformed envelope", ErrCorrupt, key)
	}
	nonce, sealed := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: %s failed authentication", ErrCorrupt, key)
	}
	return string(plain), nil
}

func (s *encryptedStore) Set(ctx context.Context, key, value string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	blob := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return s.inner.Set(ctx, key, encryptedPrefix+base64.RawStdEncoding.EncodeToString(blob))
}

func (s *encryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *encryptedStore) List(ctx context.Context) ([]string, error) {
	return s.inner.List(ctx)
}

func (s *encryptedStore) Stats(ctx context.Context) (map[string]any, error) {
	stats, err := s.inner.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats["encrypted"] = true
	return stats, nil
}

func (s *encryptedStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}
