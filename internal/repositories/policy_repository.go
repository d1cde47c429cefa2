package repositories

import (
	"context"
	"errors"

	"github.com/benwis/oso/internal/entities"
)

// ErrPolicyNotFound is returned when no policy revision has been stored.
var ErrPolicyNotFound = errors.New("policy not found")

// PolicyRepository defines the interface for policy document storage
type PolicyRepository interface {
	// Save stores a new policy revision
	Save(ctx context.Context, version *entities.PolicyVersion) error

	// Latest retrieves the most recently stored revision, or
	// ErrPolicyNotFound when none exists
	Latest(ctx context.Context) (*entities.PolicyVersion, error)

	// History retrieves up to limit revisions, newest first
	History(ctx context.Context, limit int) ([]*entities.PolicyVersion, error)
}
