package httpfront

import (
	"context"
	"fmt"

	"github.com/fleetcap/viewer/pkg/esclient"
)

const usersIndexName = "users"

// ESUserResolver is the Elasticsearch-backed UserResolver, following the
// same typed-facade-over-esclient.Client shape as session.ESStore and
// pcap.ESFileStore.
type ESUserResolver struct {
	es       *esclient.Client
	template User // fields copied onto a newly auto-created user
}

// NewESUserResolver builds a resolver. autoCreateTemplate is applied to
// users minted the first time a trusted username header is seen; it is
// ignored unless Config.UserAutoCreateTmpl is set.
func NewESUserResolver(es *esclient.Client, autoCreateTemplate User) *ESUserResolver {
	return &ESUserResolver{es: es, template: autoCreateTemplate}
}

func (r *ESUserResolver) Get(ctx context.Context, userID string) (User, error) {
	var u User
	if err := r.es.Get(ctx, usersIndexName, userID, &u); err != nil {
		return User{}, fmt.Errorf("getting user %s: %w", userID, err)
	}
	u.ID = userID
	return u, nil
}

func (r *ESUserResolver) Create(ctx context.Context, userID string) (User, error) {
	u := r.template
	u.ID = userID
	u.Enabled = true
	if err := r.es.Index(ctx, usersIndexName, userID, u); err != nil {
		return User{}, fmt.Errorf("auto-creating user %s: %w", userID, err)
	}
	return u, nil
}
