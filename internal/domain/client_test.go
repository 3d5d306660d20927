package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/covehq/cove-auth/internal/domain"
)

func TestCheckRedirectURIExactMatch(t *testing.T) {
	c := domain.OAuthClient{RedirectURIs: []string{"https://app.example.com/callback"}}

	require.True(t, c.CheckRedirectURI("https://app.example.com/callback"))
	require.False(t, c.CheckRedirectURI("https://app.example.com/callback/extra"))
	require.False(t, c.CheckRedirectURI("https://app.example.com/"))
	require.False(t, c.CheckRedirectURI("http://app.example.com/callback"))
}

func TestScopeAllowed(t *testing.T) {
	c := domain.OAuthClient{Scopes: []string{"read", "write"}}

	require.True(t, c.ScopeAllowed(""))
	require.True(t, c.ScopeAllowed("read"))
	require.True(t, c.ScopeAllowed("read write"))
	require.False(t, c.ScopeAllowed("read admin"))
}

func TestScopeSubset(t *testing.T) {
	require.True(t, domain.ScopeSubset("", "read write"))
	require.True(t, domain.ScopeSubset("read", "read write"))
	require.False(t, domain.ScopeSubset("read write", "read"))
	require.False(t, domain.ScopeSubset("admin", ""))
}

func TestClientPublicAndGrants(t *testing.T) {
	public := domain.OAuthClient{GrantTypes: []domain.GrantType{domain.GrantAuthorizationCode}}
	require.True(t, public.Public())
	require.True(t, public.AllowsGrant(domain.GrantAuthorizationCode))
	require.False(t, public.AllowsGrant(domain.GrantPassword))

	confidential := domain.OAuthClient{SecretHash: "$2a$10$x"}
	require.False(t, confidential.Public())
}
