// Package directory resolves user records (role, display name) for the
// messaging core. Lookups are read-only; the user table is owned by the
// dashboards.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/messaging/internal/platform/db"
)

// Roles used by the dashboards.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

// Directory looks users up by id.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// PGDirectory reads the app_user table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

func (d *PGDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		`SELECT id, role, display_name, COALESCE(email, '') FROM app_user WHERE id = $1`, id,
	).Scan(&u.ID, &u.Role, &u.DisplayName, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}
