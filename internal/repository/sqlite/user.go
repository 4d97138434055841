package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/gangaguard/backend/internal/apperror"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository"
)

// compile-time check that *UserDB implements repository.UserRepository
var _ repository.UserRepository = (*UserDB)(nil)

// UserDB is the users table.
type UserDB struct {
	conn *sql.DB
}

const userColumns = `id, external_id, name, username, email, profile_image_url, role,
	points, total_cleaned, last_login, last_logout, created_at`

func scanUser(row scanner) (*model.User, error) {
	var (
		u          model.User
		username   sql.NullString
		lastLogin  sql.NullInt64
		lastLogout sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(
		&u.ID,
		&u.ExternalID,
		&u.Name,
		&username,
		&u.Email,
		&u.ProfileImageURL,
		&u.Role,
		&u.Points,
		&u.TotalCleaned,
		&lastLogin,
		&lastLogout,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	u.Username = username.String
	u.LastLogin = timePtr(lastLogin)
	u.LastLogout = timePtr(lastLogout)
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// Create inserts a new user. ID and CreatedAt are assigned here; Points and
// TotalCleaned always start at zero regardless of what the caller set.
//
// A UNIQUE violation on external_id, username or email is reported as
// apperror.ErrDuplicate naming the column.
func (s *UserDB) Create(ctx context.Context, user *model.User) error {
	user.ID = xid.New().String()
	user.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	user.Points = 0
	user.TotalCleaned = 0
	if user.Role == "" {
		user.Role = model.RoleNormalUser
	}
	user.Email = strings.ToLower(user.Email)
	user.Username = strings.ToLower(user.Username)

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO users (id, external_id, name, username, email, profile_image_url, role,
		                    points, total_cleaned, last_login, last_logout, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		user.ID,
		user.ExternalID,
		user.Name,
		nullString(user.Username),
		user.Email,
		user.ProfileImageURL,
		user.Role,
		nullMillis(user.LastLogin),
		nullMillis(user.LastLogout),
		toMillis(user.CreatedAt),
	)
	if err != nil {
		if column, ok := uniqueViolation(err); ok {
			return apperror.Duplicate(column, column+" already in use")
		}
		return fmt.Errorf("sqlite: inserting user (externalID=%s): %w", user.ExternalID, err)
	}
	return nil
}

func (s *UserDB) getBy(ctx context.Context, column, value string) (*model.User, error) {
	u, err := scanUser(s.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqlite: getting user by %s %s: %w", column, value, err)
	}
	return u, nil
}

// GetByID retrieves a user by internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (s *UserDB) GetByID(ctx context.Context, id string) (*model.User, error) {
	return s.getBy(ctx, "id", id)
}

// GetByExternalID retrieves a user by identity provider subject.
func (s *UserDB) GetByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	return s.getBy(ctx, "external_id", externalID)
}

// GetByUsername matches case-insensitively; usernames are stored lower-cased.
func (s *UserDB) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getBy(ctx, "username", strings.ToLower(strings.TrimSpace(username)))
}

// GetByEmail matches case-insensitively; emails are stored lower-cased.
func (s *UserDB) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getBy(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// GetByIDs fetches many users in one query. Unknown ids are simply absent
// from the result.
func (s *UserDB) GetByIDs(ctx context.Context, ids []string) (map[string]*model.User, error) {
	out := make(map[string]*model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting users by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return out, nil
}

// Update applies the non-nil fields of upd and returns the stored user.
//
// Points and TotalCleaned are not updatable here; they change only
// inside IncidentDB.Complete.
func (s *UserDB) Update(ctx context.Context, id string, upd model.ProfileUpdate) (*model.User, error) {
	var (
		sets []string
		args []any
	)
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, nullString(strings.ToLower(strings.TrimSpace(*upd.Username))))
	}
	if upd.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, *upd.Role)
	}
	if upd.ProfileImageURL != nil {
		sets = append(sets, "profile_image_url = ?")
		args = append(args, *upd.ProfileImageURL)
	}
	if upd.LastLogin != nil {
		sets = append(sets, "last_login = ?")
		args = append(args, toMillis(*upd.LastLogin))
	}
	if upd.LastLogout != nil {
		sets = append(sets, "last_logout = ?")
		args = append(args, toMillis(*upd.LastLogout))
	}
	if len(sets) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	u, err := scanUser(s.conn.QueryRowContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ? RETURNING `+userColumns,
		args...,
	))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", id)
		}
		if column, ok := uniqueViolation(err); ok {
			return nil, apperror.Duplicate(column, column+" already in use")
		}
		return nil, fmt.Errorf("sqlite: updating user %s: %w", id, err)
	}
	return u, nil
}

// ListTopByPoints returns up to limit users ordered by points, then by the
// number of cleanings, then by id for a stable order.
func (s *UserDB) ListTopByPoints(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 ORDER BY points DESC, total_cleaned DESC, id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing top users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return users, nil
}
