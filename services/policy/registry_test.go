package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/rules"
)

func entry(t *testing.T, id, version string, status models.PolicyStatus) *Entry {
	t.Helper()
	e, err := NewEntry(&models.Policy{ID: id, Version: version, Status: status}, rules.NewRegistry())
	require.NoError(t, err)
	return e
}

func TestRegistry_Versions(t *testing.T) {
	reg, err := NewRegistry().With(
		entry(t, "demo.echo.v1", "1.0.0", models.PolicyStatusActive),
		entry(t, "demo.echo.v1", "1.2.0", models.PolicyStatusActive),
		entry(t, "demo.echo.v1", "1.10.0", models.PolicyStatusDeprecated),
		entry(t, "demo.echo.v1", "2.0.0", models.PolicyStatusDraft),
		entry(t, "demo.other.v1", "0.1.0", models.PolicyStatusActive),
	)
	require.NoError(t, err)

	e, err := reg.Get("demo.echo.v1")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", e.Policy.Version, "newest active version")

	tests := []struct {
		constraint string
		want       string
	}{
		{"", "1.2.0"},
		{"1.0.0", "1.0.0"},
		{"^1.0", "1.10.0"},
		{"~1.2", "1.2.0"},
		{">= 1.0, < 1.5", "1.2.0"},
		{"2.0.0", "2.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			e, err := reg.GetVersion("demo.echo.v1", tt.constraint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Policy.Version)
		})
	}

	_, err = reg.GetVersion("demo.echo.v1", ">= 2.0")
	assert.ErrorIs(t, err, services.ErrPolicyNotFound, "drafts need an exact version")

	versions := reg.Versions("demo.echo.v1")
	require.Len(t, versions, 4)
	assert.Equal(t, "2.0.0", versions[0].Policy.Version)
	assert.Equal(t, "1.0.0", versions[3].Policy.Version)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "demo.echo.v1", list[0].Policy.ID)
	assert.Equal(t, "demo.other.v1", list[1].Policy.ID)
}

func TestRegistry_WithIsImmutable(t *testing.T) {
	base, err := NewRegistry().With(entry(t, "demo.echo.v1", "1.0.0", models.PolicyStatusActive))
	require.NoError(t, err)

	next, err := base.With(entry(t, "demo.echo.v1", "1.1.0", models.PolicyStatusActive))
	require.NoError(t, err)

	e, err := base.Get("demo.echo.v1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", e.Policy.Version)
	assert.Equal(t, 1, base.Len())

	e, err = next.Get("demo.echo.v1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", e.Policy.Version)
}

func TestRegistry_Errors(t *testing.T) {
	base, err := NewRegistry().With(entry(t, "demo.echo.v1", "1.0.0", models.PolicyStatusActive))
	require.NoError(t, err)

	_, err = base.With(entry(t, "demo.echo.v1", "1.0.0", models.PolicyStatusDraft))
	assert.ErrorIs(t, err, services.ErrDuplicatePolicyVersion)
	assert.True(t, services.IsConflictError(err))

	_, err = base.Get("demo.missing.v1")
	assert.True(t, services.IsNotFoundError(err))
	assert.Equal(t, "demo.missing.v1", services.GetErrorDetails(err)["policy_id"])

	_, err = base.GetVersion("demo.echo.v1", "not-a-version")
	assert.True(t, services.IsValidationError(err))

	_, err = NewEntry(&models.Policy{ID: "demo.echo.v1", Version: "v-one"}, nil)
	assert.ErrorIs(t, err, services.ErrInvalidPolicyConfig)

	onlyDeprecated, err := NewRegistry().With(entry(t, "demo.old.v1", "1.0.0", models.PolicyStatusDeprecated))
	require.NoError(t, err)
	_, err = onlyDeprecated.Get("demo.old.v1")
	assert.ErrorIs(t, err, services.ErrPolicyNotFound)
}
