package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/auth"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/service"
)

// AuthHandler manages profiles of identities verified by auth.RequireIdentity.
//
//   - HandleBootstrap     → create or refresh the caller's profile
//   - HandleMe            → return the caller's profile
//   - HandleUpdate        → change display name and avatar
//   - HandleLogout        → record the logout time
//   - HandleResetPassword → set a new password at the identity provider
type AuthHandler struct {
	users  *service.UserService
	logger *slog.Logger
}

func NewAuthHandler(users *service.UserService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{users: users, logger: logger}
}

// userResponse is the public profile shape.
type userResponse struct {
	ID              string     `json:"_id"`
	Name            string     `json:"name"`
	Username        string     `json:"username,omitempty"`
	Email           string     `json:"email"`
	Role            model.Role `json:"role"`
	Points          int64      `json:"points"`
	TotalCleaned    int64      `json:"totalCleaned"`
	ProfileImageURL string     `json:"profileImageUrl,omitempty"`
}

func userJSON(r *http.Request, u *model.User) userResponse {
	return userResponse{
		ID:              u.ID,
		Name:            u.Name,
		Username:        u.Username,
		Email:           u.Email,
		Role:            u.Role,
		Points:          u.Points,
		TotalCleaned:    u.TotalCleaned,
		ProfileImageURL: absolute(r, u.ProfileImageURL),
	}
}

// currentUser resolves the caller's profile. Without one the request is
// answered with 401 and ok is false.
func currentUser(w http.ResponseWriter, r *http.Request, users *service.UserService) (*model.User, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Unauthorized"))
		return nil, false
	}
	user, err := users.Me(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			writeError(w, apperror.Unauthorized("Unauthorized"))
		} else {
			writeError(w, err)
		}
		return nil, false
	}
	return user, true
}

type bootstrapRequest struct {
	Role     string `json:"role" validate:"omitempty,oneof=NORMAL_USER SAFAI_KARMI SANSTHA"`
	Name     string `json:"name" validate:"max=100"`
	Username string `json:"username" validate:"max=50"`
}

// HandleBootstrap creates the caller's profile on first login and refreshes
// it on every later one.
//
// HTTP: POST /api/auth/bootstrap
// REQUEST BODY: {"role": "SAFAI_KARMI", "name": "Asha", "username": "asha"} (all optional)
func (h *AuthHandler) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Unauthorized"))
		return
	}
	var req bootstrapRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.users.Bootstrap(r.Context(), id, service.BootstrapInput{
		Role:     model.Role(req.Role),
		Name:     req.Name,
		Username: req.Username,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userJSON(r, user))
}

// HandleMe returns the caller's profile, or 404 if bootstrap never ran.
//
// HTTP: GET /api/auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Unauthorized"))
		return
	}
	user, err := h.users.Me(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userJSON(r, user))
}

type updateProfileRequest struct {
	Name string `json:"name" validate:"max=100"`
}

// HandleUpdate changes the display name and/or avatar.
//
// HTTP: POST /api/auth/update (multipart: name, profileImage)
func (h *AuthHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.users)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	in := service.ProfileInput{Name: req.Name}
	file, contentType, err := formFile(r, "profileImage")
	if err != nil {
		writeError(w, err)
		return
	}
	if file != nil {
		defer file.Close()
		in.Image = file
		in.ContentType = contentType
	}

	updated, err := h.users.UpdateProfile(r.Context(), user.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userJSON(r, updated))
}

// HandleLogout records the logout time. Callers without a profile are
// already logged out as far as we are concerned and get an empty 200.
//
// HTTP: POST /api/auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	recorded, err := h.users.Logout(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !recorded {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Logout recorded"})
}

type resetPasswordRequest struct {
	Username    string `json:"username" validate:"max=50"`
	Email       string `json:"email" validate:"max=254"`
	NewPassword string `json:"newPassword" validate:"max=128"`
}

// HandleResetPassword sets a new password for the account matching both
// username and email.
//
// HTTP: POST /api/auth/reset-password
// REQUEST BODY: {"username": "asha", "email": "asha@example.com", "newPassword": "..."}
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.users.ResetPassword(r.Context(), req.Username, req.Email, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{
		Message: "Password updated successfully. Please login with your new password.",
	})
}
