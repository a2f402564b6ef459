package token

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/stockroomhq/stockroom/internal/models"
	"github.com/stockroomhq/stockroom/internal/users"
)

const testSecret = "test-access-secret"

func setup(t *testing.T) (*Issuer, *users.Memory, models.User) {
	t.Helper()

	us := users.NewMemory()
	u := models.User{
		ID:       "u1",
		Email:    "test@example.com",
		Role:     "admin",
		TenantID: "t1",
		Active:   true,
	}
	assert.NoError(t, us.Create(context.Background(), u))

	i, err := New(Config{AccessSecret: testSecret}, us)
	assert.NoError(t, err)
	return i, us, u
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Config{}, users.NewMemory())
	assert.Error(t, err)
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	i, us, u := setup(t)

	pair, err := i.Issue(ctx, u)
	assert.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, 900, pair.ExpiresIn)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	// The access token carries the session claims.
	var claims AccessClaims
	tok, err := jwt.ParseWithClaims(pair.AccessToken, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwt.WithAudience(AudienceAccess))
	assert.NoError(t, err)
	assert.True(t, tok.Valid)
	assert.Equal(t, u.ID, claims.Subject)
	assert.Equal(t, u.Email, claims.Email)
	assert.Equal(t, u.Role, claims.Role)
	assert.Equal(t, u.TenantID, claims.TenantID)

	// The refresh family was recorded on the account.
	got, err := us.FindByID(ctx, u.ID)
	assert.NoError(t, err)
	assert.Len(t, got.TokenFamilies, 1)
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	i, us, u := setup(t)

	pair, err := i.Issue(ctx, u)
	assert.NoError(t, err)

	gotUser, next, err := i.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)
	assert.Equal(t, u.ID, gotUser.ID)
	assert.NotEmpty(t, next.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// Rotation appends a family; nothing is pruned.
	got, err := us.FindByID(ctx, u.ID)
	assert.NoError(t, err)
	assert.Len(t, got.TokenFamilies, 2)

	// The old token's family is still recorded, so it still refreshes.
	_, _, err = i.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	ctx := context.Background()
	i, _, u := setup(t)

	pair, err := i.Issue(ctx, u)
	assert.NoError(t, err)

	_, _, err = i.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefreshRejectsTampering(t *testing.T) {
	ctx := context.Background()
	i, _, u := setup(t)

	pair, err := i.Issue(ctx, u)
	assert.NoError(t, err)

	parts := strings.Split(pair.RefreshToken, ".")
	assert.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + parts[2] + "x"

	_, _, err = i.Refresh(ctx, tampered)
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	_, _, err = i.Refresh(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefreshRejectsUnknownFamily(t *testing.T) {
	ctx := context.Background()
	i, us, u := setup(t)

	pair, err := i.Issue(ctx, u)
	assert.NoError(t, err)

	// Wipe the recorded families off the account.
	got, err := us.FindByID(ctx, u.ID)
	assert.NoError(t, err)
	got.TokenFamilies = nil
	assert.NoError(t, us.Update(ctx, got))

	_, _, err = i.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefreshRejectsExpired(t *testing.T) {
	ctx := context.Background()

	us := users.NewMemory()
	u := models.User{ID: "u1", Email: "test@example.com"}
	assert.NoError(t, us.Create(ctx, u))

	i, err := New(Config{AccessSecret: testSecret, RefreshTTL: -time.Minute}, us)
	assert.NoError(t, err)

	pair, err := i.Issue(ctx, u)
	assert.NoError(t, err)

	_, _, err = i.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestDerivedRefreshSecretIsDeterministic(t *testing.T) {
	ctx := context.Background()
	i, us, u := setup(t)

	pair, err := i.Issue(ctx, u)
	assert.NoError(t, err)

	// A second issuer over the same access secret accepts the token.
	other, err := New(Config{AccessSecret: testSecret}, us)
	assert.NoError(t, err)
	_, _, err = other.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)

	// One with a different access secret does not.
	foreign, err := New(Config{AccessSecret: "other-secret"}, us)
	assert.NoError(t, err)
	_, _, err = foreign.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestResetTokenRoundTrip(t *testing.T) {
	i, _, u := setup(t)

	tok, err := i.SignResetToken(u, time.Minute)
	assert.NoError(t, err)

	sub, err := i.ParseResetToken(tok)
	assert.NoError(t, err)
	assert.Equal(t, u.ID, sub)

	// Expired tokens fail.
	expired, err := i.SignResetToken(u, -time.Minute)
	assert.NoError(t, err)
	_, err = i.ParseResetToken(expired)
	assert.Error(t, err)

	// Access tokens are not reset tokens.
	pair, err := i.Issue(context.Background(), u)
	assert.NoError(t, err)
	_, err = i.ParseResetToken(pair.AccessToken)
	assert.Error(t, err)
}
