package auth

import (
	"context"

	"github.com/strato-hq/strato/internal/models"
)

// SSOUserStore is the subset of db.UserDB the OIDC callback needs to
// just-in-time provision a user from an IdP assertion.
type SSOUserStore interface {
	GetOrCreateSAMLUser(ctx context.Context, orgID, username, email, displayName, provider string) (*models.User, error)
}

// oidcUserManager adapts db.UserDB's SAML provisioning path (generic across
// SSO providers) to OIDCAuthenticator's UserManager interface.
type oidcUserManager struct {
	store SSOUserStore
	orgID string
}

// NewOIDCUserManager returns a UserManager that just-in-time provisions
// users under orgID, reusing the same lookup-or-create path SAML logins use.
func NewOIDCUserManager(store SSOUserStore, orgID string) UserManager {
	return &oidcUserManager{store: store, orgID: orgID}
}

func (m *oidcUserManager) CreateOrUpdateOIDCUser(ctx context.Context, userInfo *OIDCUserInfo) (*User, error) {
	displayName := userInfo.FullName
	if displayName == "" {
		displayName = userInfo.Username
	}
	u, err := m.store.GetOrCreateSAMLUser(ctx, m.orgID, userInfo.Username, userInfo.Email, displayName, "oidc")
	if err != nil {
		return nil, err
	}
	return &User{ID: u.ID, Username: u.Username, Email: u.Email, Provider: "oidc", Groups: userInfo.Groups}, nil
}
