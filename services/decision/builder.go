package decision

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/rules"
)

// Builder turns evaluation results into signed decisions
type Builder struct {
	signer Signer
	now    func() time.Time
	newID  func() string
}

// Option configures a Builder
type Option func(*Builder)

// WithClock overrides the issue time source
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator overrides decision id generation
func WithIDGenerator(gen func() string) Option {
	return func(b *Builder) { b.newID = gen }
}

// NewBuilder creates a builder. A nil signer produces unsigned decisions.
func NewBuilder(signer Signer, opts ...Option) *Builder {
	b := &Builder{
		signer: signer,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build assembles and signs the decision for one evaluation
func (b *Builder) Build(p *models.Policy, pp *models.Passport, res *rules.Result, contextDigest string) (*models.Decision, error) {
	if p == nil || pp == nil || res == nil {
		return nil, errors.New("build decision: policy, passport and result are required")
	}
	passportDigest, err := PassportDigest(pp)
	if err != nil {
		return nil, services.WrapInternal("failed to digest passport", err)
	}

	issued := b.now().UTC().Truncate(time.Millisecond)
	ttl := p.TTL()
	d := &models.Decision{
		DecisionID:        b.newID(),
		PolicyID:          p.ID,
		PolicyVersion:     p.Version,
		PassportID:        pp.ID(),
		AgentID:           pp.ID(),
		OwnerID:           pp.OwnerID,
		AssuranceLevel:    pp.AssuranceLevel,
		Allow:             res.Allow,
		Reasons:           append([]models.Reason(nil), res.Reasons...),
		IssuedAt:          issued,
		CreatedAt:         issued,
		ExpiresAt:         issued.Add(ttl),
		ExpiresIn:         int(ttl / time.Second),
		PassportDigest:    passportDigest,
		ContextDigest:     contextDigest,
		RemainingDailyCap: res.RemainingDailyCap(),
	}

	if err := b.Sign(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Sign (re)signs d in place. Decisions rewritten after building, such as a
// lost idempotency race, are signed again through here.
func (b *Builder) Sign(d *models.Decision) error {
	if b.signer == nil {
		d.Signature, d.KID = "", ""
		return nil
	}
	payload, err := SigningPayload(d)
	if err != nil {
		return services.VerificationFailed("failed to encode decision", errors.Join(services.ErrSigningFailed, err))
	}
	sig, err := b.signer.Sign(payload)
	if err != nil {
		return services.VerificationFailed("failed to sign decision", errors.Join(services.ErrSigningFailed, err))
	}
	d.Signature = sig
	d.KID = b.signer.KID()
	return nil
}

// Verify checks a decision's signature
func (b *Builder) Verify(d *models.Decision) error {
	if b.signer == nil {
		return errors.New("no signer configured")
	}
	return Verify(b.signer, d)
}

// SigningPayload is the canonical decision with signature and kid cleared
func SigningPayload(d *models.Decision) ([]byte, error) {
	c := d.Clone()
	c.Signature = ""
	c.KID = ""
	return Canonical(c)
}

// Verify checks d against signer
func Verify(s Signer, d *models.Decision) error {
	if d.KID != s.KID() {
		return ErrInvalidSignature
	}
	payload, err := SigningPayload(d)
	if err != nil {
		return err
	}
	return s.Verify(payload, d.Signature)
}
