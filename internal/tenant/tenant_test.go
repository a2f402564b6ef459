package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stockroomhq/stockroom/internal/models"
	"github.com/stockroomhq/stockroom/internal/users"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()

	us := users.NewMemory()
	us.SetInvite("JOIN-ACME", "tenant-acme")
	assert.NoError(t, us.Create(ctx, models.User{
		ID:          "u1",
		Email:       "owner@acme.test",
		CompanyName: "Acme Widgets",
		TenantID:    "tenant-acme",
		Active:      true,
	}))

	r := NewResolver(us)

	// Invite code wins.
	id, created, err := r.Resolve(ctx, "JOIN-ACME", "Some Other Name")
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "tenant-acme", id)

	// Company name matches case-insensitively among active accounts.
	id, created, err = r.Resolve(ctx, "", "acme widgets")
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "tenant-acme", id)

	// An unknown invite code falls through to the company name.
	id, created, err = r.Resolve(ctx, "NO-SUCH-CODE", "Acme Widgets")
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "tenant-acme", id)

	// Nothing matches: a fresh tenant.
	id, created, err = r.Resolve(ctx, "", "Brand New Co")
	assert.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)
	assert.NotEqual(t, "tenant-acme", id)

	// And an empty request gets a fresh tenant too.
	id2, created, err := r.Resolve(ctx, "", "")
	assert.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, id2)
}
