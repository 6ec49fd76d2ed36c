// Package auth provides credentials for authenticated feeds.
package auth

import (
	"encoding/base64"
	"net/http"
)

// Authenticator adds credentials to outgoing requests.
type Authenticator interface {
	// Authenticate adds authentication to the request
	Authenticate(req *http.Request) error
}

// Type represents the type of authentication.
type Type string

const (
	// AuthTypeNone indicates no authentication is required.
	AuthTypeNone Type = "none"
	// AuthTypeBearer indicates bearer token authentication.
	AuthTypeBearer Type = "bearer"
	// AuthTypeBasic indicates HTTP basic authentication.
	AuthTypeBasic Type = "basic"
)

// FromCredentials picks an authenticator: a token wins over a
// username and password. It returns nil when nothing is set.
func FromCredentials(username, password, token string) Authenticator {
	switch {
	case token != "":
		return NewBearerAuthenticator(token)
	case username != "" || password != "":
		return NewBasicAuthenticator(username, password)
	}
	return nil
}

// BasicAuthenticator implements HTTP basic authentication.
type BasicAuthenticator struct {
	username string
	password string
}

// NewBasicAuthenticator creates a new basic auth authenticator.
func NewBasicAuthenticator(username, password string) *BasicAuthenticator {
	return &BasicAuthenticator{username: username, password: password}
}

// Authenticate adds the Authorization: Basic header to the request.
func (a *BasicAuthenticator) Authenticate(req *http.Request) error {
	if a.username != "" || a.password != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(a.username + ":" + a.password))
		req.Header.Set("Authorization", "Basic "+encoded)
	}
	return nil
}

// Type returns the authentication type.
func (a *BasicAuthenticator) Type() Type {
	return AuthTypeBasic
}

// BearerAuthenticator implements bearer token authentication.
type BearerAuthenticator struct {
	token string
}

// NewBearerAuthenticator creates a new bearer token authenticator.
func NewBearerAuthenticator(token string) *BearerAuthenticator {
	return &BearerAuthenticator{token: token}
}

// Authenticate adds the Authorization: Bearer header to the request.
func (a *BearerAuthenticator) Authenticate(req *http.Request) error {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return nil
}

// Type returns the authentication type.
func (a *BearerAuthenticator) Type() Type {
	return AuthTypeBearer
}
