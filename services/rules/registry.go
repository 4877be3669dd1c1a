package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/limits"
)

// Params are a custom validator's rule parameters
type Params map[string]interface{}

// String returns the string param, or def when unset
func (p Params) String(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Int64 returns the integer param, or def when unset
func (p Params) Int64(key string, def int64) int64 {
	if n, ok := limits.ToInt64(p[key]); ok {
		return n
	}
	return def
}

// Bool returns the boolean param, or def when unset
func (p Params) Bool(key string, def bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return def
}

// Strings returns the string list param, or def when unset
func (p Params) Strings(key string, def []string) []string {
	if l, ok := limits.ToStrings(p[key]); ok {
		return l
	}
	return def
}

// UsageSnapshot is the usage state a cap check observed
type UsageSnapshot struct {
	Key     models.UsageKey `json:"key"`
	Limit   int64           `json:"limit"`
	Current int64           `json:"current"`
	Amount  int64           `json:"amount"`
}

// Remaining is the headroom left after this request
func (u UsageSnapshot) Remaining() int64 {
	return u.Limit - (u.Current + u.Amount)
}

// Headroom is the headroom before this request, never negative
func (u UsageSnapshot) Headroom() int64 {
	if u.Current >= u.Limit {
		return 0
	}
	return u.Limit - u.Current
}

// Outcome is a custom validator's verdict
type Outcome struct {
	Pass            bool
	Message         string
	Usage           *UsageSnapshot
	Reserve         *models.IdempotencyKey
	PriorDecisionID string
}

// Pass is the passing outcome
func Pass() Outcome {
	return Outcome{Pass: true}
}

// Fail is a failing outcome with a message
func Fail(format string, args ...interface{}) Outcome {
	return Outcome{Message: fmt.Sprintf(format, args...)}
}

// ValidatorFunc checks one rule. Errors mean the check could not be made
// (store unreachable, timeout) and are never a deny by themselves.
type ValidatorFunc func(ctx context.Context, env *Env, params Params) (Outcome, error)

// Validator is a registered custom validator
type Validator struct {
	Name string
	Fn   ValidatorFunc
	// Stateful validators read external stores; their decisions are never cached.
	Stateful bool
	// CheckParams rejects bad params when a policy is compiled.
	CheckParams func(Params) error
}

// Registry maps custom validator names to implementations
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry returns a registry holding the built-in validators
func NewRegistry() *Registry {
	r := &Registry{validators: make(map[string]Validator)}
	for _, v := range builtinValidators() {
		r.validators[v.Name] = v
	}
	return r
}

// Register adds or replaces a validator. Registration happens at startup,
// before any policy is compiled against the registry.
func (r *Registry) Register(name string, fn ValidatorFunc, opts ...func(*Validator)) {
	v := Validator{Name: name, Fn: fn}
	for _, o := range opts {
		o(&v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// Stateful marks a validator as reading external stores
func Stateful(v *Validator) {
	v.Stateful = true
}

// WithParamCheck attaches a compile-time params check
func WithParamCheck(check func(Params) error) func(*Validator) {
	return func(v *Validator) {
		v.CheckParams = check
	}
}

// Get returns the named validator
func (r *Registry) Get(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// Names lists registered validators in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for n := range r.validators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
