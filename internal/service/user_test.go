package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/auth"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/storage"
)

func TestBootstrap_CreatesProfile(t *testing.T) {
	env := newTestEnv(t)

	u, err := env.users.Bootstrap(context.Background(),
		auth.Identity{UID: "uid-1", Email: "Asha@Example.com", Name: "Asha Devi"},
		BootstrapInput{},
	)
	require.NoError(t, err)
	assert.Equal(t, "Asha Devi", u.Name)
	assert.Equal(t, "asha", u.Username)
	assert.Equal(t, "asha@example.com", u.Email)
	assert.Equal(t, model.RoleNormalUser, u.Role)
	assert.Zero(t, u.Points)
	require.NotNil(t, u.LastLogin)
	assert.Equal(t, env.clock.Now(), *u.LastLogin)
}

func TestBootstrap_NameFallbacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.users.Bootstrap(ctx, auth.Identity{UID: "uid-1", Email: "ravi@example.com"}, BootstrapInput{})
	require.NoError(t, err)
	assert.Equal(t, "ravi", u.Name)

	u, err = env.users.Bootstrap(ctx, auth.Identity{UID: "uid-2", Email: "x@example.com", Name: "Token Name"}, BootstrapInput{Name: "  Body Name "})
	require.NoError(t, err)
	assert.Equal(t, "Body Name", u.Name)
}

func TestBootstrap_UpdatesChangedFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := auth.Identity{UID: "uid-1", Email: "asha@example.com"}

	first, err := env.users.Bootstrap(ctx, id, BootstrapInput{Name: "Asha"})
	require.NoError(t, err)

	later := env.clock.Now().Add(day)
	env.clock.Set(later)
	second, err := env.users.Bootstrap(ctx, id, BootstrapInput{Role: model.RoleSanstha, Username: " Asha_Ngo "})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Asha", second.Name)
	assert.Equal(t, model.RoleSanstha, second.Role)
	assert.Equal(t, "asha_ngo", second.Username)
	assert.Equal(t, later, *second.LastLogin)
}

func TestBootstrap_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "uid-taken", "taken")

	tests := []struct {
		name    string
		id      auth.Identity
		in      BootstrapInput
		wantErr error
		wantMsg string
	}{
		{"missing uid", auth.Identity{Email: "a@example.com"}, BootstrapInput{}, apperror.ErrValidation, msgUIDMissing},
		{"missing email", auth.Identity{UID: "uid-1"}, BootstrapInput{}, apperror.ErrValidation, msgEmailMissing},
		{"unknown role", auth.Identity{UID: "uid-1", Email: "a@example.com"}, BootstrapInput{Role: "ADMIN"}, apperror.ErrValidation, `unknown role "ADMIN"`},
		{"username taken", auth.Identity{UID: "uid-1", Email: "a@example.com"}, BootstrapInput{Username: "TAKEN"}, apperror.ErrDuplicate, msgUsernameTaken},
		{"default username taken", auth.Identity{UID: "uid-1", Email: "taken@elsewhere.org"}, BootstrapInput{}, apperror.ErrDuplicate, msgUsernameTaken},
		{"email taken", auth.Identity{UID: "uid-1", Email: "taken@example.com"}, BootstrapInput{Username: "fresh"}, apperror.ErrDuplicate, msgEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.users.Bootstrap(ctx, tt.id, tt.in)
			require.ErrorIs(t, err, tt.wantErr)
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantMsg, appErr.Message)
		})
	}
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.users.Me(ctx, auth.Identity{UID: "nobody"})
	require.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Equal(t, msgProfileMissing, err.(*apperror.AppError).Message)

	created := env.register(t, "uid-a", "asha")
	me, err := env.users.Me(ctx, auth.Identity{UID: "uid-a"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, me.ID)
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "uid-a", "asha")

	updated, err := env.users.UpdateProfile(ctx, u.ID, ProfileInput{
		Name:        "Asha D.",
		Image:       bytes.NewReader(jpegBytes()),
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	assert.Equal(t, "Asha D.", updated.Name)
	assert.Contains(t, updated.ProfileImageURL, storage.PrefixProfile)

	unchanged, err := env.users.UpdateProfile(ctx, u.ID, ProfileInput{})
	require.NoError(t, err)
	assert.Equal(t, updated.ProfileImageURL, unchanged.ProfileImageURL)

	env.store.err = errBoom
	_, err = env.users.UpdateProfile(ctx, u.ID, ProfileInput{Image: bytes.NewReader(jpegBytes())})
	assert.ErrorIs(t, err, apperror.ErrStorage)
}

func TestUpdateProfile_RejectsOversizeImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "uid-a", "asha")

	_, err := env.users.UpdateProfile(ctx, u.ID, ProfileInput{
		Name:  "Asha D.",
		Image: bytes.NewReader(bytes.Repeat([]byte{0xFF}, MaxImageBytes+1)),
	})
	require.ErrorIs(t, err, apperror.ErrValidation)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, msgImageTooLarge, appErr.Message)
	assert.Equal(t, "profileImage", appErr.Field)
	assert.Empty(t, env.store.blobs)

	got, err := env.users.Me(ctx, auth.Identity{UID: "uid-a"})
	require.NoError(t, err)
	assert.Equal(t, u.Name, got.Name)
	assert.Empty(t, got.ProfileImageURL)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	recorded, err := env.users.Logout(ctx, auth.Identity{UID: "nobody"})
	require.NoError(t, err)
	assert.False(t, recorded)

	env.register(t, "uid-a", "asha")
	recorded, err = env.users.Logout(ctx, auth.Identity{UID: "uid-a"})
	require.NoError(t, err)
	assert.True(t, recorded)

	me, err := env.users.Me(ctx, auth.Identity{UID: "uid-a"})
	require.NoError(t, err)
	require.NotNil(t, me.LastLogout)
	assert.Equal(t, env.clock.Now(), *me.LastLogout)
}

func TestResetPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "uid-a", "asha")

	require.NoError(t, env.users.ResetPassword(ctx, " ASHA ", "Asha@Example.com", "n3w-secret"))
	assert.Equal(t, "n3w-secret", env.admin.passwords["uid-a"])

	err := env.users.ResetPassword(ctx, "asha", "someone@example.com", "n3w-secret")
	require.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Equal(t, msgResetNoMatch, err.(*apperror.AppError).Message)

	err = env.users.ResetPassword(ctx, "asha", "", "n3w-secret")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	err = env.users.ResetPassword(ctx, "asha", "asha@example.com", "123")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	env.admin.err = errBoom
	err = env.users.ResetPassword(ctx, "asha", "asha@example.com", "n3w-secret")
	assert.ErrorIs(t, err, errBoom)
}

func TestResetPassword_Unavailable(t *testing.T) {
	env := newTestEnv(t)
	users := NewUserService(env.db.Users(), nil, nil, nil, nil)

	err := users.ResetPassword(context.Background(), "asha", "asha@example.com", "n3w-secret")
	assert.ErrorIs(t, err, apperror.ErrUnavailable)
}
