package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"arbiter/internal/logging"
	"arbiter/internal/store"
	"arbiter/internal/types"
)

// Signer holds the active ed25519 signing key. Private keys live as files
// under the key directory; public keys live in the store so verification
// works from the database alone. Rotation retires the old key in place;
// retired public keys are never deleted.
type Signer struct {
	mu     sync.RWMutex
	keyDir string
	store  *store.Store
	clock  types.Clock

	keyID   string
	private ed25519.PrivateKey
}

// LoadOrCreateSigner resumes the active key from disk, generating the first
// key on a fresh workspace.
func LoadOrCreateSigner(ctx context.Context, st *store.Store, keyDir string, clock types.Clock) (*Signer, error) {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	s := &Signer{keyDir: keyDir, store: st, clock: clock}

	active, err := st.ActiveSigningKey(ctx)
	switch {
	case errors.Is(err, types.ErrNoSigningKey):
		if err := s.generate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, err
	}

	priv, err := readPrivateKey(s.keyPath(active.KeyID))
	if err != nil {
		return nil, fmt.Errorf("active key %s unreadable: %w", active.KeyID, err)
	}
	// The file must match the registered public key, or signatures would
	// verify against the wrong identity.
	pub := priv.Public().(ed25519.PublicKey)
	if base64.StdEncoding.EncodeToString(pub) != active.PublicKey {
		return nil, fmt.Errorf("private key file for %s does not match registered public key", active.KeyID)
	}

	s.keyID = active.KeyID
	s.private = priv
	logging.Audit("Signer resumed with key %s", s.keyID)
	return s, nil
}

// generate creates and registers a fresh key pair.
func (s *Signer) generate(ctx context.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	keyID := "ak-" + uuid.NewString()
	if err := writePrivateKey(s.keyPath(keyID), priv); err != nil {
		return err
	}

	if err := s.store.InsertSigningKey(ctx, types.SigningKey{
		KeyID:     keyID,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		CreatedAt: s.clock.Now(),
	}); err != nil {
		return err
	}

	s.keyID = keyID
	s.private = priv
	logging.Audit("Generated signing key %s", keyID)
	return nil
}

// Rotate retires the current key and activates a fresh one. Entries signed
// with the retired key stay verifiable through its stored public key.
func (s *Signer) Rotate(ctx context.Context) (oldID, newID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldID = s.keyID
	if oldID != "" {
		if err := s.store.RetireSigningKey(ctx, oldID, s.clock.Now()); err != nil {
			return "", "", err
		}
	}
	if err := s.generate(ctx); err != nil {
		return "", "", err
	}
	logging.Audit("Rotated signing key %s -> %s", oldID, s.keyID)
	return oldID, s.keyID, nil
}

// KeyID returns the active key's id.
func (s *Signer) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyID
}

// Sign signs the hex entry hash, returning a base64 signature.
func (s *Signer) Sign(entryHash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.private == nil {
		return "", types.ErrNoSigningKey
	}
	sig := ed25519.Sign(s.private, []byte(entryHash))
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Signer) keyPath(keyID string) string {
	return filepath.Join(s.keyDir, keyID+".key")
}

// VerifySignature checks a base64 signature over a hex entry hash against a
// base64 raw public key.
func VerifySignature(publicKeyB64, entryHash, signatureB64 string) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key size %d, want %d", len(pub), ed25519.PublicKeySize)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(entryHash), sig), nil
}

func writePrivateKey(path string, priv ed25519.PrivateKey) error {
	encoded := base64.StdEncoding.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := base64.StdEncoding.DecodeString(string(trimNewline(data)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed size %d, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
