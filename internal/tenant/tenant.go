// Package tenant assigns a tenant to a registering account: by invite
// code, else by company-name match among activated accounts, else a
// freshly generated tenant.
package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/stockroomhq/stockroom/internal/users"
)

// Directory is the slice of the account store the resolver needs.
type Directory interface {
	TenantByInviteCode(ctx context.Context, code string) (string, error)
	TenantByCompanyName(ctx context.Context, name string) (string, error)
}

// Resolver assigns tenants. created reports whether the tenant is fresh,
// which makes the registrant its first (admin) account.
type Resolver interface {
	Resolve(ctx context.Context, inviteCode, companyName string) (tenantID string, created bool, err error)
}

// DirectoryResolver resolves against the account directory.
type DirectoryResolver struct {
	dir Directory
}

// NewResolver returns a Resolver over the account directory.
func NewResolver(dir Directory) *DirectoryResolver {
	return &DirectoryResolver{dir: dir}
}

// Resolve walks the invite-code, company-name, fresh-tenant chain.
func (r *DirectoryResolver) Resolve(ctx context.Context, inviteCode, companyName string) (string, bool, error) {
	if code := strings.TrimSpace(inviteCode); code != "" {
		id, err := r.dir.TenantByInviteCode(ctx, code)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, users.ErrNotFound) {
			return "", false, err
		}
	}

	if name := strings.TrimSpace(companyName); name != "" {
		id, err := r.dir.TenantByCompanyName(ctx, name)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, users.ErrNotFound) {
			return "", false, err
		}
	}

	return uuid.NewString(), true, nil
}
