package httpfront

import (
	"context"
	"fmt"
)

// MapUserResolver is a fixed-map UserResolver for tests; Create rejects
// every lookup so auto-create tests can supply a resolver that actually
// mints users via a template-backed fake when exercising that path.
type MapUserResolver map[string]User

func (m MapUserResolver) Get(_ context.Context, userID string) (User, error) {
	u, ok := m[userID]
	if !ok {
		return User{}, fmt.Errorf("user %q not found", userID)
	}
	return u, nil
}

func (m MapUserResolver) Create(_ context.Context, userID string) (User, error) {
	return User{}, fmt.Errorf("auto-create not supported by this resolver")
}

// AutoCreateResolver wraps a MapUserResolver, minting a new enabled user on
// first Create call the way a userAutoCreateTmpl-configured deployment does.
type AutoCreateResolver struct {
	Users MapUserResolver
}

func (a AutoCreateResolver) Get(ctx context.Context, userID string) (User, error) {
	return a.Users.Get(ctx, userID)
}

func (a AutoCreateResolver) Create(_ context.Context, userID string) (User, error) {
	u := User{ID: userID, Enabled: true}
	a.Users[userID] = u
	return u, nil
}
