package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/numhive/platform/internal/domain/user"
)

// --- UserStore --------------------------------------------------------------

const userColumns = `id, email, password_hash, role, created_at, updated_at`

type userRow struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r userRow) toDomain() user.User {
	return user.User{
		ID:           r.ID,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         r.Role,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = user.RoleUser
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Email, u.PasswordHash, u.Role, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+userColumns+` FROM users WHERE id = $1
	`, id)
	if err != nil {
		return user.User{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)
	`, email)
	if err != nil {
		return user.User{}, err
	}
	return r.toDomain(), nil
}
