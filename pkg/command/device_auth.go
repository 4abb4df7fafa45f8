package command

import (
	"context"
	"strings"
	"time"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	DeviceAuthAddedType     = "device_auth.added"
	DeviceAuthPolledType    = "device_auth.polled"
	DeviceAuthApprovedType  = "device_auth.approved"
	DeviceAuthDeniedType    = "device_auth.denied"
	DeviceAuthCancelledType = "device_auth.cancelled"
	DeviceAuthExpiredType   = "device_auth.expired"
	DeviceAuthCompletedType = "device_auth.completed"

	// UniqueUserCode keeps user codes unambiguous per instance while their
	// grant is alive.
	UniqueUserCode = "device_auth.user_code"
)

// Error IDs the OAuth surface maps onto RFC 8628 token responses.
const (
	ErrIDDeviceAuthPending        = "COMMAND-device-10"
	ErrIDDeviceAuthSlowDown       = "COMMAND-device-11"
	ErrIDDeviceAuthDenied         = "COMMAND-device-12"
	ErrIDDeviceAuthExpired        = "COMMAND-device-13"
	ErrIDDeviceAuthClientMismatch = "COMMAND-device-17"
)

type deviceAuthState int

const (
	deviceAuthStateUnspecified deviceAuthState = iota
	deviceAuthStatePending
	deviceAuthStateApproved
	deviceAuthStateDenied
	deviceAuthStateCancelled
	deviceAuthStateExpired
	deviceAuthStateCompleted
)

// AddedDeviceAuth is the device-authorization response material.
type AddedDeviceAuth struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
	Details                 *ObjectDetails
}

type deviceAuthAddedPayload struct {
	ClientID                string    `json:"client_id"`
	Scope                   []string  `json:"scope,omitempty"`
	UserCode                string    `json:"user_code"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete"`
	ExpiresAt               time.Time `json:"expires_at"`
	IntervalSeconds         int       `json:"interval_seconds"`
}

type deviceAuthUserPayload struct {
	UserID string `json:"user_id"`
}

type deviceAuthWriteModel struct {
	writeModel

	State        deviceAuthState
	ClientID     string
	Scope        []string
	UserCode     string
	ExpiresAt    time.Time
	Interval     time.Duration
	UserID       string
	LastPolledAt time.Time
}

func newDeviceAuthWriteModel(deviceCode string) *deviceAuthWriteModel {
	return &deviceAuthWriteModel{writeModel: writeModel{AggregateID: deviceCode}}
}

func (wm *deviceAuthWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case DeviceAuthAddedType:
		var p deviceAuthAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = deviceAuthStatePending
		wm.ClientID = p.ClientID
		wm.Scope = p.Scope
		wm.UserCode = p.UserCode
		wm.ExpiresAt = p.ExpiresAt
		wm.Interval = time.Duration(p.IntervalSeconds) * time.Second
	case DeviceAuthPolledType:
		wm.LastPolledAt = e.CreatedAt
	case DeviceAuthApprovedType:
		var p deviceAuthUserPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = deviceAuthStateApproved
		wm.UserID = p.UserID
	case DeviceAuthDeniedType:
		wm.State = deviceAuthStateDenied
	case DeviceAuthCancelledType:
		wm.State = deviceAuthStateCancelled
	case DeviceAuthExpiredType:
		wm.State = deviceAuthStateExpired
	case DeviceAuthCompletedType:
		wm.State = deviceAuthStateCompleted
	}
	return nil
}

func (wm *deviceAuthWriteModel) terminal() bool {
	switch wm.State {
	case deviceAuthStateDenied, deviceAuthStateCancelled, deviceAuthStateExpired, deviceAuthStateCompleted:
		return true
	}
	return false
}

func normalizeUserCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// AddDeviceAuth starts an RFC 8628 device-authorization grant. The user code
// is claimed in the unique-constraint table; on a collision a fresh code is
// generated, and persistent collisions surface as a transient error.
func (c *Commands) AddDeviceAuth(ctx context.Context, clientID string, scope []string) (*AddedDeviceAuth, error) {
	var added *AddedDeviceAuth
	_, err := c.run(ctx, "device_auth.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if clientID == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-device-01", "client ID is required")
		}

		deviceCode := crypto.NewOpaqueCode()
		expiresAt := c.now().Add(c.deviceExpiry)
		interval := int(c.deviceInterval / time.Second)

		var lastErr error
		for try := 0; try < c.userCodeRetries; try++ {
			userCode := crypto.NewUserCode()
			constraint := eventstore.NewAddUniqueConstraint(UniqueUserCode, userCode)
			constraint.ErrorID = "COMMAND-device-02"

			details, err := c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateDeviceAuth, deviceCode, authz.InstanceID, 0,
				&eventstore.Command{
					EventType: DeviceAuthAddedType,
					Revision:  1,
					Payload: deviceAuthAddedPayload{
						ClientID:                clientID,
						Scope:                   scope,
						UserCode:                userCode,
						VerificationURI:         c.verificationURI,
						VerificationURIComplete: c.verificationURI + "?user_code=" + userCode,
						ExpiresAt:               expiresAt,
						IntervalSeconds:         interval,
					},
					Constraints: []*eventstore.UniqueConstraint{constraint},
				},
			))
			if err == nil {
				added = &AddedDeviceAuth{
					DeviceCode:              deviceCode,
					UserCode:                userCode,
					VerificationURI:         c.verificationURI,
					VerificationURIComplete: c.verificationURI + "?user_code=" + userCode,
					ExpiresIn:               int(c.deviceExpiry / time.Second),
					Interval:                interval,
					Details:                 details,
				}
				return details, nil
			}
			if !zerrors.IsAlreadyExists(err) {
				return nil, err
			}
			lastErr = err
		}
		return nil, zerrors.ThrowUnavailable(lastErr, "COMMAND-device-03", "user code collisions persisted")
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// deviceAuthByUserCode resolves a user code to its device-auth aggregate.
// With a configured resolver the lookup hits the read model; the fallback
// scans the instance's device-grant events.
func (c *Commands) deviceAuthByUserCode(ctx context.Context, authz authctx.Context, userCode string) (*deviceAuthWriteModel, error) {
	normalized := normalizeUserCode(userCode)
	if normalized == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-device-04", "user code is required")
	}

	if c.deviceAuthResolver != nil {
		deviceCode, err := c.deviceAuthResolver(ctx, authz.InstanceID, normalized)
		if err != nil {
			return nil, err
		}
		return c.loadDeviceAuth(ctx, authz, deviceCode)
	}

	events, err := c.es.Filter(ctx, &eventstore.SearchQuery{
		InstanceID: authz.InstanceID,
		EventTypes: []string{DeviceAuthAddedType},
	})
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		var p deviceAuthAddedPayload
		if err := events[i].UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.UserCode == normalized {
			return c.loadDeviceAuth(ctx, authz, events[i].AggregateID)
		}
	}
	return nil, zerrors.ThrowNotFound(nil, "COMMAND-device-05", "device authorization not found")
}

func (c *Commands) loadDeviceAuth(ctx context.Context, authz authctx.Context, deviceCode string) (*deviceAuthWriteModel, error) {
	if deviceCode == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-device-06", "device code is required")
	}
	wm := newDeviceAuthWriteModel(deviceCode)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateDeviceAuth, deviceCode, wm); err != nil {
		return nil, err
	}
	if wm.State == deviceAuthStateUnspecified {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-device-07", "device authorization not found")
	}
	return wm, nil
}

// ApproveDeviceAuth lets the authenticated user approve the grant shown on
// their second device.
func (c *Commands) ApproveDeviceAuth(ctx context.Context, userCode, userID string) (*ObjectDetails, error) {
	return c.run(ctx, "device_auth.approve", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if authz.UserID == "" || authz.UserID != userID {
			return nil, zerrors.ThrowPermissionDenied(nil, "COMMAND-device-08", "user mismatch")
		}
		wm, err := c.deviceAuthByUserCode(ctx, authz, userCode)
		if err != nil {
			return nil, err
		}
		if wm.terminal() || wm.State == deviceAuthStateApproved {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-device-09", "device authorization already decided")
		}
		if c.now().After(wm.ExpiresAt) {
			return nil, zerrors.ThrowPrecondition(nil, ErrIDDeviceAuthExpired, "device authorization expired")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateDeviceAuth, wm.AggregateID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: DeviceAuthApprovedType,
				Revision:  1,
				Payload:   deviceAuthUserPayload{UserID: userID},
			},
		))
	})
}

// DenyDeviceAuth records the user's refusal. Terminal.
func (c *Commands) DenyDeviceAuth(ctx context.Context, userCode, userID string) (*ObjectDetails, error) {
	return c.run(ctx, "device_auth.deny", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if authz.UserID == "" || authz.UserID != userID {
			return nil, zerrors.ThrowPermissionDenied(nil, "COMMAND-device-14", "user mismatch")
		}
		wm, err := c.deviceAuthByUserCode(ctx, authz, userCode)
		if err != nil {
			return nil, err
		}
		if wm.terminal() || wm.State == deviceAuthStateApproved {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-device-15", "device authorization already decided")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateDeviceAuth, wm.AggregateID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: DeviceAuthDeniedType,
				Revision:  1,
				Payload:   deviceAuthUserPayload{UserID: userID},
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueUserCode, wm.UserCode),
				},
			},
		))
	})
}

// CancelDeviceAuth lets the requesting client abandon a pending grant.
func (c *Commands) CancelDeviceAuth(ctx context.Context, deviceCode string) (*ObjectDetails, error) {
	return c.run(ctx, "device_auth.cancel", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadDeviceAuth(ctx, authz, deviceCode)
		if err != nil {
			return nil, err
		}
		if wm.State != deviceAuthStatePending {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-device-16", "device authorization not pending")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateDeviceAuth, wm.AggregateID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: DeviceAuthCancelledType,
				Revision:  1,
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueUserCode, wm.UserCode),
				},
			},
		))
	})
}

// DeviceAuthGrant is the material handed to the token engine after an
// approved device grant is exchanged.
type DeviceAuthGrant struct {
	ClientID string
	UserID   string
	Scope    []string
}

// ExchangeDeviceCode is the state transition behind the device-code token
// grant. The error IDs distinguish the RFC 8628 outcomes: pending polls are
// recorded, polls faster than the interval are rejected without a write,
// expiry is materialized lazily, and a successful exchange releases the
// user code and completes the aggregate.
func (c *Commands) ExchangeDeviceCode(ctx context.Context, deviceCode, clientID string) (*DeviceAuthGrant, error) {
	var grant *DeviceAuthGrant
	_, err := c.run(ctx, "device_auth.exchange", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadDeviceAuth(ctx, authz, deviceCode)
		if err != nil {
			return nil, err
		}
		if clientID == "" || wm.ClientID != clientID {
			return nil, zerrors.ThrowPermissionDenied(nil, ErrIDDeviceAuthClientMismatch, "client mismatch")
		}

		now := c.now()
		if wm.State == deviceAuthStatePending && now.After(wm.ExpiresAt) {
			if _, err := c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateDeviceAuth, wm.AggregateID, wm.ResourceOwner, wm.Version,
				&eventstore.Command{
					EventType: DeviceAuthExpiredType,
					Revision:  1,
					Constraints: []*eventstore.UniqueConstraint{
						eventstore.NewRemoveUniqueConstraint(UniqueUserCode, wm.UserCode),
					},
				},
			)); err != nil {
				return nil, err
			}
			return nil, zerrors.ThrowPrecondition(nil, ErrIDDeviceAuthExpired, "device authorization expired")
		}

		switch wm.State {
		case deviceAuthStatePending:
			if !wm.LastPolledAt.IsZero() && now.Sub(wm.LastPolledAt) < wm.Interval {
				return nil, zerrors.ThrowPrecondition(nil, ErrIDDeviceAuthSlowDown, "polling faster than interval")
			}
			if _, err := c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateDeviceAuth, wm.AggregateID, wm.ResourceOwner, wm.Version,
				&eventstore.Command{EventType: DeviceAuthPolledType, Revision: 1},
			)); err != nil {
				return nil, err
			}
			return nil, zerrors.ThrowPrecondition(nil, ErrIDDeviceAuthPending, "authorization pending")
		case deviceAuthStateDenied:
			return nil, zerrors.ThrowPermissionDenied(nil, ErrIDDeviceAuthDenied, "authorization denied")
		case deviceAuthStateCancelled, deviceAuthStateCompleted:
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-device-18", "device authorization no longer active")
		case deviceAuthStateExpired:
			return nil, zerrors.ThrowPrecondition(nil, ErrIDDeviceAuthExpired, "device authorization expired")
		}

		details, err := c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateDeviceAuth, wm.AggregateID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: DeviceAuthCompletedType,
				Revision:  1,
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueUserCode, wm.UserCode),
				},
			},
		))
		if err != nil {
			return nil, err
		}
		grant = &DeviceAuthGrant{ClientID: wm.ClientID, UserID: wm.UserID, Scope: wm.Scope}
		return details, nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}
