// Package access decides whether a user may invoke the reconciliation engine.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haricheung/replan/internal/store"
	"github.com/haricheung/replan/internal/types"
)

// ErrEntitlementRequired is returned for anonymous, unknown or non-entitled users.
var ErrEntitlementRequired = errors.New("access: entitlement required")

// Directory looks up user records. *store.Store satisfies it.
type Directory interface {
	GetUser(ctx context.Context, id string) (types.User, error)
}

// Gate checks the entitlement flag of the acting user.
type Gate struct {
	users Directory
}

// New returns a Gate backed by users.
func New(users Directory) *Gate {
	return &Gate{users: users}
}

// Authorize returns the acting user's record when they are entitled.
//
// Expectations:
//   - Returns ErrEntitlementRequired for an empty or blank user id without a lookup
//   - Returns ErrEntitlementRequired when the directory has no such user
//   - Returns ErrEntitlementRequired when the user exists but is not entitled
//   - Returns the user record when entitled
//   - Wraps any other directory failure without mapping it to ErrEntitlementRequired
func (g *Gate) Authorize(ctx context.Context, userID string) (types.User, error) {
	if strings.TrimSpace(userID) == "" {
		return types.User{}, ErrEntitlementRequired
	}
	u, err := g.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("[GATE] unknown user", "user", userID)
		return types.User{}, ErrEntitlementRequired
	}
	if err != nil {
		return types.User{}, fmt.Errorf("access: look up user %s: %w", userID, err)
	}
	if !u.Entitled {
		slog.Info("[GATE] user not entitled", "user", userID)
		return types.User{}, ErrEntitlementRequired
	}
	return u, nil
}
