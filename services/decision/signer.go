package decision

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signature formats
const (
	FormatEd25519 = "ed25519"
	FormatJWS     = "jws"
)

// ErrInvalidSignature is returned when a signature does not verify
var ErrInvalidSignature = errors.New("invalid decision signature")

// Signer signs decision payloads
type Signer interface {
	Sign(payload []byte) (signature string, err error)
	Verify(payload []byte, signature string) error
	KID() string
}

// NewSigner builds a signer of the given format from a 32-byte ed25519 seed
func NewSigner(format, kid string, seed []byte) (Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	switch format {
	case "", FormatEd25519:
		return &Ed25519Signer{kid: kid, key: key}, nil
	case FormatJWS:
		return &JWSSigner{kid: kid, key: key}, nil
	}
	return nil, fmt.Errorf("unknown signing format %q", format)
}

// Ed25519Signer produces hex encoded detached ed25519 signatures
type Ed25519Signer struct {
	kid string
	key ed25519.PrivateKey
}

// NewEd25519Signer creates a signer from a private key
func NewEd25519Signer(kid string, key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{kid: kid, key: key}
}

func (s *Ed25519Signer) Sign(payload []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.key, payload)), nil
}

func (s *Ed25519Signer) Verify(payload []byte, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(s.key.Public().(ed25519.PublicKey), payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *Ed25519Signer) KID() string { return s.kid }

// PublicKey returns the verification key
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// JWSSigner produces compact EdDSA JWS tokens whose claims bind the payload digest
type JWSSigner struct {
	kid string
	key ed25519.PrivateKey
}

// NewJWSSigner creates a JWS signer from a private key
func NewJWSSigner(kid string, key ed25519.PrivateKey) *JWSSigner {
	return &JWSSigner{kid: kid, key: key}
}

type decisionClaims struct {
	Digest string `json:"dig"`
	jwt.RegisteredClaims
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (s *JWSSigner) Sign(payload []byte) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, decisionClaims{
		Digest:           payloadDigest(payload),
		RegisteredClaims: jwt.RegisteredClaims{Subject: "decision"},
	})
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign jws: %w", err)
	}
	return signed, nil
}

func (s *JWSSigner) Verify(payload []byte, signature string) error {
	var claims decisionClaims
	_, err := jwt.ParseWithClaims(signature, &claims, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.kid {
			return nil, fmt.Errorf("unexpected kid %q", kid)
		}
		return s.key.Public(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.Digest != payloadDigest(payload) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *JWSSigner) KID() string { return s.kid }
