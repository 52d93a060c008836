package interfaces

import "peermatch/pkg/types"

// IdentityVerifier decodes a signed session token into an identity
// FUNCTIONAL DISCOVERY: the core trusts the output and never re-checks
// signatures; a token without a user ID must fail with types.ErrAuth
type IdentityVerifier interface {
	Verify(token string) (*types.Identity, error)
}
