package smartsheet

import (
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// AuthError represents authentication-related errors
type AuthError struct {
	Type   string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error %s: %s (%v)", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth error %s: %s", e.Type, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewTokenSource returns a token source for a Smartsheet API access token.
// Smartsheet access tokens are long-lived opaque bearer tokens, so the source
// never refreshes.
func NewTokenSource(accessToken string) (oauth2.TokenSource, error) {
	if accessToken == "" {
		return nil, &AuthError{Type: "missing_token", Reason: "access token is required"}
	}
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}), nil
}

// NewAuthTransport wraps base so every request carries the bearer token from src
func NewAuthTransport(src oauth2.TokenSource, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}
}
