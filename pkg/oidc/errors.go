// Package oidc is the OAuth/OIDC surface over the command and query layers:
// the token engine with its grant handlers, RFC 7662 introspection, RFC 9449
// DPoP proof validation, and RFC 7591 dynamic client registration.
package oidc

import (
	"errors"
	"fmt"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// OAuth error codes returned on token and registration endpoints.
const (
	ErrorInvalidRequest         = "invalid_request"
	ErrorInvalidClient          = "invalid_client"
	ErrorInvalidGrant           = "invalid_grant"
	ErrorInvalidScope           = "invalid_scope"
	ErrorUnauthorizedClient     = "unauthorized_client"
	ErrorUnsupportedGrantType   = "unsupported_grant_type"
	ErrorAccessDenied           = "access_denied"
	ErrorAuthorizationPending   = "authorization_pending"
	ErrorSlowDown               = "slow_down"
	ErrorExpiredToken           = "expired_token"
	ErrorInvalidRedirectURI     = "invalid_redirect_uri"
	ErrorInvalidClientMetadata  = "invalid_client_metadata"
	ErrorInvalidDPoPProof       = "invalid_dpop_proof"
	ErrorServerError            = "server_error"
	ErrorTemporarilyUnavailable = "temporarily_unavailable"
)

// Error is one OAuth protocol error.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// AsOAuthError translates a domain error into its OAuth wire code. Device
// polling outcomes map by their stable identifiers; the remaining kinds fall
// back to the grant-level codes of RFC 6749.
func AsOAuthError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var zerr *zerrors.Error
	if errors.As(err, &zerr) {
		switch zerr.ID {
		case command.ErrIDDeviceAuthPending:
			return &Error{Code: ErrorAuthorizationPending, Description: "user has not yet approved the grant"}
		case command.ErrIDDeviceAuthSlowDown:
			return &Error{Code: ErrorSlowDown, Description: "polling too frequently"}
		case command.ErrIDDeviceAuthDenied:
			return &Error{Code: ErrorAccessDenied, Description: "user denied the grant"}
		case command.ErrIDDeviceAuthExpired:
			return &Error{Code: ErrorExpiredToken, Description: "device grant expired"}
		case command.ErrIDDeviceAuthClientMismatch:
			return &Error{Code: ErrorInvalidClient, Description: "device code belongs to another client"}
		}
	}

	switch {
	case zerrors.IsInvalidArgument(err):
		return &Error{Code: ErrorInvalidRequest, Description: err.Error()}
	case zerrors.IsPermissionDenied(err):
		return &Error{Code: ErrorInvalidGrant, Description: "grant verification failed"}
	case zerrors.IsNotFound(err):
		return &Error{Code: ErrorInvalidGrant, Description: "unknown grant"}
	case zerrors.IsPrecondition(err):
		return &Error{Code: ErrorInvalidGrant, Description: err.Error()}
	case zerrors.IsUnavailable(err):
		return &Error{Code: ErrorTemporarilyUnavailable, Description: "try again"}
	default:
		return &Error{Code: ErrorServerError, Description: "internal error"}
	}
}
