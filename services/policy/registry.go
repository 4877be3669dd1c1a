package policy

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/rules"
)

// Entry is one loaded policy version with its compiled rules
type Entry struct {
	Policy  *models.Policy
	Program *rules.Program
	Version *semver.Version
}

// Registry is an immutable index of policies by id and version. Use With to
// derive a registry with more policies; existing registries never change,
// so lookups need no locking.
type Registry struct {
	byID map[string][]*Entry // each slice sorted by version, newest first
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string][]*Entry)}
}

// NewEntry compiles p into a registry entry
func NewEntry(p *models.Policy, reg *rules.Registry) (*Entry, error) {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("policy %s: invalid version %q", p.ID, p.Version), services.ErrInvalidPolicyConfig)
	}
	prog, err := rules.Compile(p, reg)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("policy %s: %v", p.ID, err), services.ErrInvalidPolicyConfig)
	}
	return &Entry{Policy: p, Program: prog, Version: v}, nil
}

// With returns a new registry holding r's entries plus entries.
// A duplicate id and version fails with ErrDuplicatePolicyVersion.
func (r *Registry) With(entries ...*Entry) (*Registry, error) {
	next := &Registry{byID: make(map[string][]*Entry, len(r.byID)+len(entries))}
	for id, list := range r.byID {
		next.byID[id] = append([]*Entry(nil), list...)
	}
	for _, e := range entries {
		for _, existing := range next.byID[e.Policy.ID] {
			if existing.Version.Equal(e.Version) {
				return nil, services.NewDomainError(services.ErrorTypeConflict,
					fmt.Sprintf("policy %s version %s already registered", e.Policy.ID, e.Version), services.ErrDuplicatePolicyVersion)
			}
		}
		next.byID[e.Policy.ID] = append(next.byID[e.Policy.ID], e)
	}
	for _, list := range next.byID {
		sort.Slice(list, func(i, j int) bool { return list[i].Version.GreaterThan(list[j].Version) })
	}
	return next, nil
}

// Get returns the newest active version of a policy
func (r *Registry) Get(id string) (*Entry, error) {
	for _, e := range r.byID[id] {
		if e.Policy.Status == models.PolicyStatusActive || e.Policy.Status == "" {
			return e, nil
		}
	}
	return nil, notFound(id)
}

// GetVersion returns the newest version of a policy matching constraint,
// e.g. "1.0.0", "^1.0" or ">= 1.2, < 2". Drafts are only returned when the
// constraint names them exactly.
func (r *Registry) GetVersion(id, constraint string) (*Entry, error) {
	if constraint == "" {
		return r.Get(id)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("invalid version constraint %q", constraint), services.ErrInvalidInput)
	}
	exact, _ := semver.NewVersion(constraint)
	for _, e := range r.byID[id] {
		if !c.Check(e.Version) {
			continue
		}
		if e.Policy.Status == models.PolicyStatusDraft && (exact == nil || !exact.Equal(e.Version)) {
			continue
		}
		return e, nil
	}
	return nil, notFound(id)
}

// Versions returns every version of a policy, newest first
func (r *Registry) Versions(id string) []*Entry {
	return append([]*Entry(nil), r.byID[id]...)
}

// List returns the newest version of every policy, ordered by id
func (r *Registry) List() []*Entry {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if list := r.byID[id]; len(list) > 0 {
			out = append(out, list[0])
		}
	}
	return out
}

// Len returns the number of loaded policy versions
func (r *Registry) Len() int {
	n := 0
	for _, list := range r.byID {
		n += len(list)
	}
	return n
}

func notFound(id string) error {
	return services.NewDomainError(services.ErrorTypeNotFound,
		fmt.Sprintf("policy %s not found", id), services.ErrPolicyNotFound).WithDetail("policy_id", id)
}
