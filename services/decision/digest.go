package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/upb/oap-policy-engine/models"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Digest is the sha256 hex of the canonical encoding of v
func Digest(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// PassportDigest hashes every passport field a decision can read, including
// the ones conditions see under the passport root. A cached decision is only
// valid while the digest of the current passport matches.
func PassportDigest(p *models.Passport) (string, error) {
	if p == nil {
		return "", fmt.Errorf("passport is nil")
	}
	caps := p.Capabilities
	if caps == nil {
		caps = []models.Capability{}
	}
	lim := p.Limits
	if lim == nil {
		lim = map[string]interface{}{}
	}
	regions := p.Regions
	if regions == nil {
		regions = []string{}
	}
	return Digest(map[string]interface{}{
		"owner_id":        p.OwnerID,
		"owner_type":      p.OwnerType,
		"regions":         regions,
		"status":          p.Status,
		"assurance_level": p.AssuranceLevel,
		"capabilities":    caps,
		"limits":          lim,
	})
}

// ContextDigest hashes a request context; key order does not matter
func ContextDigest(ctx map[string]interface{}) (string, error) {
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	return Digest(ctx)
}
