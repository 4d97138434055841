package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/auth"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
	"github.com/gangaguard/backend/internal/storage"
)

const (
	MaxNameLength     = 100
	MaxUsernameLength = 50
	MinPasswordLength = 6
)

const (
	msgUIDMissing       = "Firebase UID missing on token"
	msgEmailMissing     = "Email is required on Firebase user"
	msgUsernameTaken    = "Username already taken. Please choose another."
	msgEmailTaken       = "This email is already registered with a different account. Please contact support or try a different email."
	msgProfileMissing   = "User profile not found. Please complete setup."
	msgResetFields      = "Username, email, and new password are required"
	msgResetNoMatch     = "No user found with matching username and email."
	msgResetUnavailable = "Password reset is not available on this server"
)

// UserService manages profiles keyed by the identity provider's subject.
type UserService struct {
	users  repository.UserRepository
	store  storage.Store
	admin  auth.IdentityAdmin
	logger *slog.Logger
	now    Clock
}

// NewUserService wires a UserService. store and admin may be nil, which
// disables avatar uploads and password resets respectively.
func NewUserService(users repository.UserRepository, store storage.Store, admin auth.IdentityAdmin, logger *slog.Logger, clock Clock) *UserService {
	if clock == nil {
		clock = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{users: users, store: store, admin: admin, logger: logger, now: clock}
}

// BootstrapInput is the optional profile data sent on first login.
type BootstrapInput struct {
	Role     model.Role
	Name     string
	Username string
}

// Bootstrap creates the caller's profile on first login and refreshes it
// afterwards. Only fields that differ are written, plus LastLogin.
func (s *UserService) Bootstrap(ctx context.Context, id auth.Identity, in BootstrapInput) (_ *model.User, err error) {
	ctx, span := startSpan(ctx, "Bootstrap")
	defer func() { endSpan(span, err) }()

	if id.UID == "" {
		return nil, apperror.ValidationFailed("uid", msgUIDMissing)
	}
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email == "" {
		return nil, apperror.ValidationFailed("email", msgEmailMissing)
	}
	localPart, _, _ := strings.Cut(email, "@")

	name := strings.TrimSpace(in.Name)
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, apperror.ValidationFailed("name", fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}
	if in.Role != "" && !in.Role.Valid() {
		return nil, apperror.ValidationFailed("role", fmt.Sprintf("unknown role %q", in.Role))
	}
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if username == "" {
		username = localPart
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return nil, apperror.ValidationFailed("username", fmt.Sprintf("username must be at most %d characters", MaxUsernameLength))
	}

	if err := s.checkOwnership(ctx, s.users.GetByUsername, username, id.UID, "username", msgUsernameTaken); err != nil {
		return nil, err
	}
	if err := s.checkOwnership(ctx, s.users.GetByEmail, email, id.UID, "email", msgEmailTaken); err != nil {
		return nil, err
	}

	now := s.now()
	existing, err := s.users.GetByExternalID(ctx, id.UID)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		user := &model.User{
			ExternalID: id.UID,
			Name:       firstNonEmpty(name, strings.TrimSpace(id.Name), localPart, model.DefaultUserName),
			Username:   username,
			Email:      email,
			Role:       in.Role,
			LastLogin:  &now,
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, duplicateMessage(err)
		}
		s.logger.Info("user registered", "id", user.ID, "role", user.Role)
		return user, nil
	case err != nil:
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	upd := model.ProfileUpdate{LastLogin: &now}
	if name != "" && name != existing.Name {
		upd.Name = &name
	}
	if in.Role != "" && in.Role != existing.Role {
		upd.Role = &in.Role
	}
	if username != existing.Username {
		upd.Username = &username
	}
	user, err := s.users.Update(ctx, existing.ID, upd)
	if err != nil {
		return nil, duplicateMessage(err)
	}
	return user, nil
}

// checkOwnership fails when value already belongs to another identity.
func (s *UserService) checkOwnership(
	ctx context.Context,
	lookup func(context.Context, string) (*model.User, error),
	value, uid, field, message string,
) error {
	other, err := lookup(ctx, value)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", field, err)
	}
	if other.ExternalID != uid {
		return apperror.Duplicate(field, message)
	}
	return nil
}

// duplicateMessage gives a unique violation that slipped past checkOwnership
// (a concurrent bootstrap) the same message the pre-check would have.
func duplicateMessage(err error) error {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || !errors.Is(err, apperror.ErrDuplicate) {
		return err
	}
	switch appErr.Field {
	case "username":
		return apperror.Duplicate("username", msgUsernameTaken)
	case "email":
		return apperror.Duplicate("email", msgEmailTaken)
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Me returns the profile of the verified identity.
func (s *UserService) Me(ctx context.Context, id auth.Identity) (*model.User, error) {
	user, err := s.users.GetByExternalID(ctx, id.UID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFoundMessage(msgProfileMissing)
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return user, nil
}

// ProfileInput edits the display name and/or avatar. Empty Name and nil
// Image leave the respective field unchanged.
type ProfileInput struct {
	Name        string
	Image       io.Reader
	ContentType string
}

func (s *UserService) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (_ *model.User, err error) {
	ctx, span := startSpan(ctx, "UpdateProfile")
	defer func() { endSpan(span, err) }()

	var upd model.ProfileUpdate
	if name := strings.TrimSpace(in.Name); name != "" {
		if utf8.RuneCountInString(name) > MaxNameLength {
			return nil, apperror.ValidationFailed("name", fmt.Sprintf("name must be at most %d characters", MaxNameLength))
		}
		upd.Name = &name
	}
	if in.Image != nil {
		if s.store == nil {
			return nil, apperror.Unavailable("evidence storage is not configured")
		}
		raw, err := readImage(in.Image, "profileImage")
		if err != nil {
			return nil, err
		}
		url, err := s.store.Save(ctx, storage.PrefixProfile, bytes.NewReader(raw), imageContentType(in.ContentType, raw))
		if err != nil {
			return nil, apperror.Storage("could not store profile image", err)
		}
		upd.ProfileImageURL = &url
	}

	user, err := s.users.Update(ctx, userID, upd)
	if err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return user, nil
}

// Logout records the logout time. recorded is false when the identity has
// no profile yet, which is not an error.
func (s *UserService) Logout(ctx context.Context, id auth.Identity) (recorded bool, err error) {
	user, err := s.users.GetByExternalID(ctx, id.UID)
	if errors.Is(err, apperror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up user: %w", err)
	}
	now := s.now()
	if _, err := s.users.Update(ctx, user.ID, model.ProfileUpdate{LastLogout: &now}); err != nil {
		return false, fmt.Errorf("recording logout: %w", err)
	}
	return true, nil
}

// ResetPassword sets a new password at the identity provider for the user
// matching both username and email.
func (s *UserService) ResetPassword(ctx context.Context, username, email, newPassword string) (err error) {
	ctx, span := startSpan(ctx, "ResetPassword")
	defer func() { endSpan(span, err) }()

	username = strings.ToLower(strings.TrimSpace(username))
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" || newPassword == "" {
		return apperror.ValidationFailed("", msgResetFields)
	}
	if len(newPassword) < MinPasswordLength {
		return apperror.ValidationFailed("newPassword", fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if s.admin == nil {
		return apperror.Unavailable(msgResetUnavailable)
	}

	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, apperror.ErrNotFound) || (err == nil && user.Email != email) {
		return apperror.NotFoundMessage(msgResetNoMatch)
	}
	if err != nil {
		return fmt.Errorf("looking up user: %w", err)
	}

	if err := s.admin.SetPassword(ctx, user.ExternalID, newPassword); err != nil {
		s.logger.Error("identity provider password reset failed", "user", user.ID, "error", err)
		return fmt.Errorf("resetting password: %w", err)
	}
	s.logger.Info("password reset", "user", user.ID)
	return nil
}
