// Package session owns the per-tab login state and keeps it consistent with
// sibling tabs through the cross-tab bus and the durable store.
package session

import (
	"context"
)

// User is the identity returned by the auth collaborator.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Status is the coarse state of the session machine.
type Status string

const (
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// Session is the UI-facing view of the session. The refresh token is held
// privately by the Manager and never appears here.
type Session struct {
	User            *User  `json:"user"`
	AccessToken     string `json:"accessToken,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	IsLoading       bool   `json:"isLoading"`
}

// Status derives the machine state from the flags.
func (s Session) Status() Status {
	switch {
	case s.IsLoading:
		return StatusLoading
	case s.IsAuthenticated:
		return StatusAuthenticated
	default:
		return StatusUnauthenticated
	}
}

// Credentials are passed through to the auth collaborator unchanged.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPair is an access and refresh token issued together.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult is a successful login response.
type LoginResult struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthClient performs the network side of authentication.
type AuthClient interface {
	Login(ctx context.Context, creds Credentials) (*LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}
