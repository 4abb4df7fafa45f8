package command

import (
	"context"
	"strings"

	"github.com/asaskevich/govalidator"
	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/text/unicode/norm"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	UserHumanAddedType      = "user.human.added"
	UserMachineAddedType    = "user.machine.added"
	UserDeactivatedType     = "user.deactivated"
	UserReactivatedType     = "user.reactivated"
	UserUsernameChangedType = "user.username.changed"
	UserProfileChangedType  = "user.profile.changed"
	UserEmailChangedType    = "user.email.changed"
	UserPasswordChangedType = "user.password.changed"
	UserTOTPAddedType       = "user.totp.added"
	UserTOTPRemovedType     = "user.totp.removed"
	UserRemovedType         = "user.removed"

	// UniqueUsername scopes usernames to one organization per instance.
	UniqueUsername = "user.username"
)

type userState int

const (
	userStateUnspecified userState = iota
	userStateActive
	userStateInactive
	userStateDeleted
)

// HumanUser is the input for AddHumanUser.
type HumanUser struct {
	Username    string
	FirstName   string
	LastName    string
	DisplayName string
	Email       string
	Password    string
}

// MachineUser is the input for AddMachineUser, the subject of
// client_credentials grants.
type MachineUser struct {
	Name        string
	Description string
}

type userHumanAddedPayload struct {
	Username     string `json:"username"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash,omitempty"`
}

type userMachineAddedPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type userUsernameChangedPayload struct {
	Username string `json:"username"`
}

type userProfileChangedPayload struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DisplayName string `json:"display_name,omitempty"`
}

type userEmailChangedPayload struct {
	Email string `json:"email"`
}

type userPasswordChangedPayload struct {
	PasswordHash string `json:"password_hash"`
}

type userTOTPAddedPayload struct {
	// Secret is encrypted before it enters the payload.
	Secret string `json:"secret"`
}

type userWriteModel struct {
	writeModel

	State        userState
	Machine      bool
	Username     string
	FirstName    string
	LastName     string
	DisplayName  string
	Email        string
	PasswordHash string
	TOTPSecret   string
}

func newUserWriteModel(userID string) *userWriteModel {
	return &userWriteModel{writeModel: writeModel{AggregateID: userID}}
}

func (wm *userWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case UserHumanAddedType:
		var p userHumanAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = userStateActive
		wm.Username = p.Username
		wm.FirstName = p.FirstName
		wm.LastName = p.LastName
		wm.DisplayName = p.DisplayName
		wm.Email = p.Email
		wm.PasswordHash = p.PasswordHash
	case UserMachineAddedType:
		var p userMachineAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = userStateActive
		wm.Machine = true
		wm.Username = p.Name
	case UserDeactivatedType:
		wm.State = userStateInactive
	case UserReactivatedType:
		wm.State = userStateActive
	case UserUsernameChangedType:
		var p userUsernameChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Username = p.Username
	case UserProfileChangedType:
		var p userProfileChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.FirstName = p.FirstName
		wm.LastName = p.LastName
		wm.DisplayName = p.DisplayName
	case UserEmailChangedType:
		var p userEmailChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Email = p.Email
	case UserPasswordChangedType:
		var p userPasswordChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.PasswordHash = p.PasswordHash
	case UserTOTPAddedType:
		var p userTOTPAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.TOTPSecret = p.Secret
	case UserTOTPRemovedType:
		wm.TOTPSecret = ""
	case UserRemovedType:
		wm.State = userStateDeleted
	}
	return nil
}

// normalizeUsername applies NFKC folding and lowercasing so visually
// identical usernames claim the same unique-constraint value.
func normalizeUsername(username string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(username)))
}

func usernameConstraintValue(orgID, username string) string {
	return orgID + ":" + normalizeUsername(username)
}

func addUsernameConstraint(orgID, username string) *eventstore.UniqueConstraint {
	c := eventstore.NewAddUniqueConstraint(UniqueUsername, usernameConstraintValue(orgID, username))
	c.ErrorID = "COMMAND-user-10"
	return c
}

// loadUser fetches the user's write model and applies the ownership checks
// shared by all user commands. A user owned by a different organization is
// reported as not found, never written with a foreign owner.
func (c *Commands) loadUser(ctx context.Context, authz authctx.Context, orgID, userID string) (*userWriteModel, error) {
	if userID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-01", "user ID is required")
	}
	wm := newUserWriteModel(userID)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateUser, userID, wm); err != nil {
		return nil, err
	}
	if wm.State == userStateUnspecified {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-user-02", "user not found")
	}
	if orgID != "" && wm.ResourceOwner != orgID {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-user-03", "user not found")
	}
	if wm.State == userStateDeleted {
		return nil, zerrors.ThrowPrecondition(nil, "COMMAND-user-04", "user deleted")
	}
	return wm, nil
}

// AddHumanUser creates a human user in orgID and claims its username.
func (c *Commands) AddHumanUser(ctx context.Context, orgID string, user HumanUser) (*ObjectDetails, error) {
	return c.run(ctx, "user.add_human", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if orgID == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-05", "organization ID is required")
		}
		if normalizeUsername(user.Username) == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-06", "username is required")
		}
		if !govalidator.IsEmail(user.Email) {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-07", "email %q is invalid", user.Email)
		}

		payload := userHumanAddedPayload{
			Username:    normalizeUsername(user.Username),
			FirstName:   user.FirstName,
			LastName:    user.LastName,
			DisplayName: user.DisplayName,
			Email:       strings.ToLower(strings.TrimSpace(user.Email)),
		}
		if user.Password != "" {
			if err := passwordvalidator.Validate(user.Password, c.minPasswordEntropy); err != nil {
				return nil, zerrors.ThrowInvalidArgument(err, "COMMAND-user-08", "password too weak")
			}
			hash, err := crypto.HashPassword(user.Password, c.passwordCost)
			if err != nil {
				return nil, zerrors.ThrowInvalidArgument(err, "COMMAND-user-09", "invalid password")
			}
			payload.PasswordHash = hash
		}

		userID := c.idGen()
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, orgID, 0,
			&eventstore.Command{
				EventType: UserHumanAddedType,
				Revision:  1,
				Payload:   payload,
				Constraints: []*eventstore.UniqueConstraint{
					addUsernameConstraint(orgID, user.Username),
				},
			},
		))
	})
}

// AddMachineUser creates a machine user, the subject of service-to-service
// grants. Machine names share the username constraint space of their org.
func (c *Commands) AddMachineUser(ctx context.Context, orgID string, machine MachineUser) (*ObjectDetails, error) {
	return c.run(ctx, "user.add_machine", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if orgID == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-11", "organization ID is required")
		}
		if normalizeUsername(machine.Name) == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-12", "machine name is required")
		}

		userID := c.idGen()
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, orgID, 0,
			&eventstore.Command{
				EventType: UserMachineAddedType,
				Revision:  1,
				Payload: userMachineAddedPayload{
					Name:        normalizeUsername(machine.Name),
					Description: machine.Description,
				},
				Constraints: []*eventstore.UniqueConstraint{
					addUsernameConstraint(orgID, machine.Name),
				},
			},
		))
	})
}

// DeactivateUser blocks a user from authenticating without removing it.
func (c *Commands) DeactivateUser(ctx context.Context, orgID, userID string) (*ObjectDetails, error) {
	return c.run(ctx, "user.deactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		if wm.State == userStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-user-13", "user already inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: UserDeactivatedType, Revision: 1},
		))
	})
}

// ReactivateUser reverts a deactivation.
func (c *Commands) ReactivateUser(ctx context.Context, orgID, userID string) (*ObjectDetails, error) {
	return c.run(ctx, "user.reactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		if wm.State != userStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-user-14", "user not inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: UserReactivatedType, Revision: 1},
		))
	})
}

// ChangeUsername renames a user, releasing the old username and claiming
// the new one in the same transaction.
func (c *Commands) ChangeUsername(ctx context.Context, orgID, userID, username string) (*ObjectDetails, error) {
	return c.run(ctx, "user.change_username", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		normalized := normalizeUsername(username)
		if normalized == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-15", "username is required")
		}
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		if wm.Username == normalized {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: UserUsernameChangedType,
				Revision:  1,
				Payload:   userUsernameChangedPayload{Username: normalized},
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueUsername, usernameConstraintValue(wm.ResourceOwner, wm.Username)),
					addUsernameConstraint(wm.ResourceOwner, normalized),
				},
			},
		))
	})
}

// ChangeProfile updates name fields. Identical values are a no-op.
func (c *Commands) ChangeProfile(ctx context.Context, orgID, userID, firstName, lastName, displayName string) (*ObjectDetails, error) {
	return c.run(ctx, "user.change_profile", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		if wm.Machine {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-user-16", "machine users have no profile")
		}
		if wm.FirstName == firstName && wm.LastName == lastName && wm.DisplayName == displayName {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: UserProfileChangedType,
				Revision:  1,
				Payload:   userProfileChangedPayload{FirstName: firstName, LastName: lastName, DisplayName: displayName},
			},
		))
	})
}

// ChangeEmail updates the user's email address.
func (c *Commands) ChangeEmail(ctx context.Context, orgID, userID, email string) (*ObjectDetails, error) {
	return c.run(ctx, "user.change_email", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if !govalidator.IsEmail(email) {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-17", "email %q is invalid", email)
		}
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		normalized := strings.ToLower(strings.TrimSpace(email))
		if wm.Email == normalized {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: UserEmailChangedType,
				Revision:  1,
				Payload:   userEmailChangedPayload{Email: normalized},
			},
		))
	})
}

// ChangePassword replaces the user's password hash.
func (c *Commands) ChangePassword(ctx context.Context, orgID, userID, password string) (*ObjectDetails, error) {
	return c.run(ctx, "user.change_password", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if err := passwordvalidator.Validate(password, c.minPasswordEntropy); err != nil {
			return nil, zerrors.ThrowInvalidArgument(err, "COMMAND-user-18", "password too weak")
		}
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		hash, err := crypto.HashPassword(password, c.passwordCost)
		if err != nil {
			return nil, zerrors.ThrowInvalidArgument(err, "COMMAND-user-19", "invalid password")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: UserPasswordChangedType,
				Revision:  1,
				Payload:   userPasswordChangedPayload{PasswordHash: hash},
			},
		))
	})
}

// AddTOTP stores a user's TOTP secret, encrypted at rest inside the payload.
func (c *Commands) AddTOTP(ctx context.Context, orgID, userID, secret string) (*ObjectDetails, error) {
	return c.run(ctx, "user.add_totp", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if secret == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-user-20", "TOTP secret is required")
		}
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		if wm.TOTPSecret != "" {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-user-21", "TOTP already configured")
		}
		encrypted, err := c.encrypter.Encrypt(ctx, secret)
		if err != nil {
			return nil, zerrors.ThrowInternal(err, "COMMAND-user-22", "cannot encrypt TOTP secret")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: UserTOTPAddedType,
				Revision:  1,
				Payload:   userTOTPAddedPayload{Secret: encrypted},
			},
		))
	})
}

// RemoveTOTP removes the user's TOTP factor.
func (c *Commands) RemoveTOTP(ctx context.Context, orgID, userID string) (*ObjectDetails, error) {
	return c.run(ctx, "user.remove_totp", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		if wm.TOTPSecret == "" {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-user-23", "TOTP not configured")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: UserTOTPRemovedType, Revision: 1},
		))
	})
}

// RemoveUser deletes the user and releases its username. Terminal: every
// later command on the aggregate fails.
func (c *Commands) RemoveUser(ctx context.Context, orgID, userID string) (*ObjectDetails, error) {
	return c.run(ctx, "user.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadUser(ctx, authz, orgID, userID)
		if err != nil {
			return nil, err
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateUser, userID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: UserRemovedType,
				Revision:  1,
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueUsername, usernameConstraintValue(wm.ResourceOwner, wm.Username)),
				},
			},
		))
	})
}
