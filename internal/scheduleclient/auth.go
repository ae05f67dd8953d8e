package scheduleclient

import "context"

// AuthProvider supplies the bearer token attached to schedule requests. The
// host application owns token storage and refresh; this package only calls
// it back. Per spec §6.2, refresh is attempted at most 3 times within a
// rolling 5-minute window on 401 responses, and there is no Basic-auth
// fallback for schedule fetches.
type AuthProvider interface {
	CurrentToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
}

// StaticAuthProvider always returns the same token and never refreshes. It
// is useful for anonymous stations or tests.
type StaticAuthProvider struct {
	Token string
}

func (s StaticAuthProvider) CurrentToken(context.Context) (string, error) { return s.Token, nil }
func (s StaticAuthProvider) RefreshToken(context.Context) (string, error) { return s.Token, nil }
