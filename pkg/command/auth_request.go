package command

import (
	"context"
	"time"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	AuthRequestAddedType               = "auth_request.added"
	AuthRequestUserSelectedType        = "auth_request.user.selected"
	AuthRequestPasswordCheckedType     = "auth_request.password.checked"
	AuthRequestPasswordCheckFailedType = "auth_request.password.check.failed"
	AuthRequestTOTPCheckedType         = "auth_request.totp.checked"
	AuthRequestSucceededType           = "auth_request.succeeded"
	AuthRequestCodeExchangedType       = "auth_request.code.exchanged"
	AuthRequestFailedType              = "auth_request.failed"

	// UniqueAuthCode guards authorization codes against collisions for
	// their single-use window.
	UniqueAuthCode = "auth_request.code"
)

// Failure reasons accepted by FailAuthRequest.
const (
	FailReasonInvalidRequest  = "invalid_request"
	FailReasonAccessDenied    = "access_denied"
	FailReasonConsentRequired = "consent_required"
)

type authRequestState int

const (
	authRequestStateUnspecified authRequestState = iota
	authRequestStateInitial
	authRequestStateUserSelected
	authRequestStateSucceeded
	authRequestStateFailed
)

// AuthRequest is the input for AddAuthRequest.
type AuthRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               []string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	OrgID               string
}

type authRequestAddedPayload struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scope               []string `json:"scope,omitempty"`
	ResponseType        string   `json:"response_type,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	State               string   `json:"state,omitempty"`
	OrgID               string   `json:"org_id,omitempty"`
}

type authRequestUserSelectedPayload struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`
}

type authRequestSucceededPayload struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type authRequestFailedPayload struct {
	Reason string `json:"reason"`
}

type authRequestWriteModel struct {
	writeModel

	State               authRequestState
	ClientID            string
	RedirectURI         string
	Scope               []string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	OrgID               string
	UserID              string
	UserOrgID           string
	PasswordChecked     bool
	TOTPChecked         bool
	Code                string
	CodeExpiresAt       time.Time
	CodeExchanged       bool
	FailReason          string
}

func newAuthRequestWriteModel(id string) *authRequestWriteModel {
	return &authRequestWriteModel{writeModel: writeModel{AggregateID: id}}
}

func (wm *authRequestWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case AuthRequestAddedType:
		var p authRequestAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = authRequestStateInitial
		wm.ClientID = p.ClientID
		wm.RedirectURI = p.RedirectURI
		wm.Scope = p.Scope
		wm.ResponseType = p.ResponseType
		wm.CodeChallenge = p.CodeChallenge
		wm.CodeChallengeMethod = p.CodeChallengeMethod
		wm.OrgID = p.OrgID
	case AuthRequestUserSelectedType:
		var p authRequestUserSelectedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = authRequestStateUserSelected
		wm.UserID = p.UserID
		wm.UserOrgID = p.OrgID
	case AuthRequestPasswordCheckedType:
		wm.PasswordChecked = true
	case AuthRequestTOTPCheckedType:
		wm.TOTPChecked = true
	case AuthRequestSucceededType:
		var p authRequestSucceededPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = authRequestStateSucceeded
		wm.Code = p.Code
		wm.CodeExpiresAt = p.ExpiresAt
	case AuthRequestCodeExchangedType:
		wm.CodeExchanged = true
	case AuthRequestFailedType:
		var p authRequestFailedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = authRequestStateFailed
		wm.FailReason = p.Reason
	}
	return nil
}

func (wm *authRequestWriteModel) terminal() bool {
	return wm.State == authRequestStateSucceeded || wm.State == authRequestStateFailed
}

func (c *Commands) loadAuthRequest(ctx context.Context, authz authctx.Context, id string) (*authRequestWriteModel, error) {
	if id == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-authreq-01", "auth request ID is required")
	}
	wm := newAuthRequestWriteModel(id)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateAuthRequest, id, wm); err != nil {
		return nil, err
	}
	if wm.State == authRequestStateUnspecified {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-authreq-02", "auth request not found")
	}
	return wm, nil
}

// AddAuthRequest starts an interactive authorization flow.
func (c *Commands) AddAuthRequest(ctx context.Context, req AuthRequest) (*ObjectDetails, error) {
	return c.run(ctx, "auth_request.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if req.ClientID == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-authreq-03", "client ID is required")
		}
		if req.RedirectURI == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-authreq-04", "redirect URI is required")
		}
		switch req.CodeChallengeMethod {
		case "", crypto.CodeChallengeMethodPlain, crypto.CodeChallengeMethodS256:
		default:
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-authreq-05", "unsupported code challenge method %q", req.CodeChallengeMethod)
		}
		if req.CodeChallengeMethod != "" && req.CodeChallenge == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-authreq-06", "code challenge is required for method %s", req.CodeChallengeMethod)
		}

		owner := req.OrgID
		if owner == "" {
			owner = authz.InstanceID
		}
		id := c.idGen()
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, id, owner, 0,
			&eventstore.Command{
				EventType: AuthRequestAddedType,
				Revision:  1,
				Payload: authRequestAddedPayload{
					ClientID:            req.ClientID,
					RedirectURI:         req.RedirectURI,
					Scope:               req.Scope,
					ResponseType:        req.ResponseType,
					CodeChallenge:       req.CodeChallenge,
					CodeChallengeMethod: req.CodeChallengeMethod,
					State:               req.State,
					OrgID:               req.OrgID,
				},
			},
		))
	})
}

// SelectUser binds the authenticating user to the flow.
func (c *Commands) SelectUser(ctx context.Context, authRequestID, userID, orgID string) (*ObjectDetails, error) {
	return c.run(ctx, "auth_request.select_user", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadAuthRequest(ctx, authz, authRequestID)
		if err != nil {
			return nil, err
		}
		if wm.terminal() {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-07", "auth request already terminal")
		}
		user, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		if user.State != userStateActive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-08", "user is not active")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, authRequestID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: AuthRequestUserSelectedType,
				Revision:  1,
				Payload:   authRequestUserSelectedPayload{UserID: userID, OrgID: user.ResourceOwner},
			},
		))
	})
}

// CheckPassword verifies the selected user's password. A failed attempt is
// recorded as its own event before the error is surfaced.
func (c *Commands) CheckPassword(ctx context.Context, authRequestID, password string) (*ObjectDetails, error) {
	return c.run(ctx, "auth_request.check_password", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadAuthRequest(ctx, authz, authRequestID)
		if err != nil {
			return nil, err
		}
		if wm.State != authRequestStateUserSelected {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-09", "no user selected")
		}
		user, err := c.loadUser(ctx, authz, wm.UserOrgID, wm.UserID)
		if err != nil {
			return nil, err
		}
		if user.PasswordHash == "" {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-10", "user has no password")
		}
		if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
			if _, pushErr := c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, authRequestID, wm.ResourceOwner, wm.Version,
				&eventstore.Command{EventType: AuthRequestPasswordCheckFailedType, Revision: 1},
			)); pushErr != nil {
				return nil, pushErr
			}
			return nil, zerrors.ThrowPermissionDenied(nil, "COMMAND-authreq-11", "wrong password")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, authRequestID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: AuthRequestPasswordCheckedType, Revision: 1},
		))
	})
}

// CheckTOTP verifies a time-based one-time password for the selected user.
func (c *Commands) CheckTOTP(ctx context.Context, authRequestID, code string) (*ObjectDetails, error) {
	return c.run(ctx, "auth_request.check_totp", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadAuthRequest(ctx, authz, authRequestID)
		if err != nil {
			return nil, err
		}
		if wm.State != authRequestStateUserSelected {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-12", "no user selected")
		}
		user, err := c.loadUser(ctx, authz, wm.UserOrgID, wm.UserID)
		if err != nil {
			return nil, err
		}
		if user.TOTPSecret == "" {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-13", "TOTP not configured")
		}
		secret, err := c.encrypter.Decrypt(ctx, user.TOTPSecret)
		if err != nil {
			return nil, zerrors.ThrowInternal(err, "COMMAND-authreq-14", "cannot decrypt TOTP secret")
		}
		if !crypto.VerifyTOTP(secret, code, c.now()) {
			return nil, zerrors.ThrowPermissionDenied(nil, "COMMAND-authreq-15", "invalid TOTP code")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, authRequestID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: AuthRequestTOTPCheckedType, Revision: 1},
		))
	})
}

// SucceedAuthRequest completes the flow: all factors required by the user's
// login policy must be satisfied. It mints the single-use authorization
// code and returns it exactly once.
func (c *Commands) SucceedAuthRequest(ctx context.Context, authRequestID string) (string, *ObjectDetails, error) {
	var code string
	details, err := c.run(ctx, "auth_request.succeed", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadAuthRequest(ctx, authz, authRequestID)
		if err != nil {
			return nil, err
		}
		if wm.terminal() {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-16", "auth request already terminal")
		}
		if wm.State != authRequestStateUserSelected {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-17", "no user selected")
		}
		policy, err := c.loginPolicyFor(ctx, authz, wm.UserOrgID)
		if err != nil {
			return nil, err
		}
		if policy.PasswordRequired && !wm.PasswordChecked {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-18", "password check required")
		}
		if policy.TOTPRequired && !wm.TOTPChecked {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-19", "TOTP check required")
		}

		code = crypto.NewOpaqueCode()
		constraint := eventstore.NewAddUniqueConstraint(UniqueAuthCode, code)
		constraint.ErrorID = "COMMAND-authreq-20"
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, authRequestID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType:   AuthRequestSucceededType,
				Revision:    1,
				Payload:     authRequestSucceededPayload{Code: code, ExpiresAt: c.now().Add(c.authCodeTTL)},
				Constraints: []*eventstore.UniqueConstraint{constraint},
			},
		))
	})
	if err != nil {
		return "", nil, err
	}
	return code, details, nil
}

// FailAuthRequest terminates the flow with a standard failure reason.
func (c *Commands) FailAuthRequest(ctx context.Context, authRequestID, reason string) (*ObjectDetails, error) {
	return c.run(ctx, "auth_request.fail", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		switch reason {
		case FailReasonInvalidRequest, FailReasonAccessDenied, FailReasonConsentRequired:
		default:
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-authreq-21", "unknown failure reason %q", reason)
		}
		wm, err := c.loadAuthRequest(ctx, authz, authRequestID)
		if err != nil {
			return nil, err
		}
		if wm.terminal() {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-22", "auth request already terminal")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, authRequestID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: AuthRequestFailedType,
				Revision:  1,
				Payload:   authRequestFailedPayload{Reason: reason},
			},
		))
	})
}

// AuthRequestGrant is the material handed to the token engine after a
// successful authorization-code exchange.
type AuthRequestGrant struct {
	ClientID string
	UserID   string
	OrgID    string
	Scope    []string
}

// ExchangeAuthRequestCode redeems the authorization code. The code is
// single-use: a second exchange, a wrong code, an expired code, or a PKCE
// verifier mismatch all fail the exchange.
func (c *Commands) ExchangeAuthRequestCode(ctx context.Context, authRequestID, code, codeVerifier string) (*AuthRequestGrant, error) {
	var grant *AuthRequestGrant
	_, err := c.run(ctx, "auth_request.exchange_code", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadAuthRequest(ctx, authz, authRequestID)
		if err != nil {
			return nil, err
		}
		if wm.State != authRequestStateSucceeded {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-23", "auth request not succeeded")
		}
		if wm.CodeExchanged {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-24", "code already exchanged")
		}
		if code == "" || wm.Code != code {
			return nil, zerrors.ThrowPermissionDenied(nil, "COMMAND-authreq-25", "invalid authorization code")
		}
		if c.now().After(wm.CodeExpiresAt) {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-authreq-26", "authorization code expired")
		}
		if wm.CodeChallenge != "" && !crypto.VerifyPKCE(wm.CodeChallenge, wm.CodeChallengeMethod, codeVerifier) {
			return nil, zerrors.ThrowPermissionDenied(nil, "COMMAND-authreq-27", "code verifier does not match challenge")
		}
		details, err := c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateAuthRequest, authRequestID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: AuthRequestCodeExchangedType,
				Revision:  1,
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueAuthCode, wm.Code),
				},
			},
		))
		if err != nil {
			return nil, err
		}
		grant = &AuthRequestGrant{
			ClientID: wm.ClientID,
			UserID:   wm.UserID,
			OrgID:    wm.UserOrgID,
			Scope:    wm.Scope,
		}
		return details, nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}
