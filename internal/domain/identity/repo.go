package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	// Create fails with apperr.ErrConflict when the username or email is taken.
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// ListByRole orders by creation time, newest first.
	ListByRole(ctx context.Context, role string) ([]*User, error)
	// GetMany skips ids with no account.
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*User, error)
	// SetRefreshTokenHash replaces the stored refresh token digest. A nil
	// hash signs the account out.
	SetRefreshTokenHash(ctx context.Context, id uuid.UUID, hash *string) error
	// SwapRefreshTokenHash replaces the digest only if it still equals old.
	// It reports whether the swap happened.
	SwapRefreshTokenHash(ctx context.Context, id uuid.UUID, old string, next *string) (bool, error)
}
