package artifact

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/buildkite/clientgrid/internal/clienterr"
)

// Ed25519Verifier checks detached ed25519 signatures. Keys and signatures
// are accepted raw or base64 encoded.
type Ed25519Verifier struct{}

var _ Verifier = Ed25519Verifier{}

func (Ed25519Verifier) Verify(_ context.Context, filePath, publicKey string, signature []byte) (Verification, error) {
	key, err := decodeKey(publicKey)
	if err != nil {
		return Verification{}, clienterr.Verification("verify", filePath, err)
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return Verification{}, clienterr.Verification("verify", filePath, err)
	}
	content, err := os.ReadFile(filePath)
	if err != nil {
		return Verification{}, clienterr.Verification("verify", filePath, err)
	}
	if !ed25519.Verify(key, content, sig) {
		return Verification{}, clienterr.Verification("verify", filePath, fmt.Errorf("signature does not match key %s", Fingerprint(key)))
	}
	return Verification{Valid: true, SignedBy: Fingerprint(key)}, nil
}

// Fingerprint is a short hex identifier for a public key.
func Fingerprint(key ed25519.PublicKey) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

func decodeKey(publicKey string) (ed25519.PublicKey, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, fmt.Errorf("public key is empty")
	}
	b, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

func decodeSignature(signature []byte) ([]byte, error) {
	if len(signature) == ed25519.SignatureSize {
		return signature, nil
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(signature)))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(b) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature has %d bytes, want %d", len(b), ed25519.SignatureSize)
	}
	return b, nil
}
