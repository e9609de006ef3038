package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/medtrack/go-medtrack/internal/domain/user"
)

type userRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`
	Enabled   bool      `db:"enabled"`
	CreatedAt time.Time `db:"created_at"`
}

func (r userRow) toDomain() user.User {
	return user.User{ID: r.ID, Name: r.Name, Email: r.Email, Role: user.Role(r.Role), Enabled: r.Enabled}
}

// GetUser returns the user with id
func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, name, email, role, enabled, created_at FROM users WHERE id = ?", id)
	if err != nil {
		return user.User{}, notFound(err, "user", id)
	}
	return row.toDomain(), nil
}

// ListUsersByRole returns enabled users with role, oldest first
func (s *Store) ListUsersByRole(ctx context.Context, role user.Role) ([]user.User, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, email, role, enabled, created_at FROM users
		WHERE role = ? AND enabled = 1
		ORDER BY created_at ASC, id ASC`, string(role))
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]user.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toDomain())
	}
	return users, nil
}

// SaveUser inserts or replaces a user
func (s *Store) SaveUser(ctx context.Context, u user.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email,
			role = excluded.role, enabled = excluded.enabled`,
		u.ID, u.Name, u.Email, string(u.Role), u.Enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving user %s: %w", u.ID, err)
	}
	return nil
}
