package auth

import (
	"context"
)

// Permission is one of the broker's operation classes on a resource.
type Permission string

// The permissions a broker asks about.
const (
	Configure Permission = "configure"
	Write     Permission = "write"
	Read      Permission = "read"
)

// The resource kinds a broker asks about.
const (
	ResourceExchange = "exchange"
	ResourceQueue    = "queue"
	ResourceTopic    = "topic"
)

// User is an authenticated principal. Impl carries backend-private
// state across the authorization calls and is opaque to the broker.
type User struct {
	Username string
	// DN is the resolved distinguished name, empty when the backend
	// never resolved one.
	DN   string
	Tags []string
	Impl interface{}
}

// DisplayDN returns the resolved DN, or "unknown" when there is none.
func (u *User) DisplayDN() string {
	if u.DN == "" {
		return "unknown"
	}
	return u.DN
}

// Resource is a named object inside a virtual host.
type Resource struct {
	VHost string
	Kind  string
	Name  string
}

// Props are optional properties of a login, supplied by the broker.
type Props struct {
	// VHost is the virtual host the client wants to connect to, when
	// the broker knows it at login time.
	VHost string
}

// Manager is the interface to implement to authenticate and authorize
// broker users.
type Manager interface {
	// Authenticate validates username and password and returns the
	// authenticated user with its tags.
	Authenticate(ctx context.Context, username, password string, props *Props) (*User, error)
	// Authorize establishes a user without validating a password, for
	// flows where the broker already trusts the identity.
	Authorize(ctx context.Context, username string, props *Props) (*User, error)
	// CheckVhostAccess decides whether u may connect to vhost.
	CheckVhostAccess(ctx context.Context, u *User, vhost string) (bool, error)
	// CheckResourceAccess decides whether u may apply perm to r.
	CheckResourceAccess(ctx context.Context, u *User, r *Resource, perm Permission) (bool, error)
	// CheckTopicAccess decides whether u may apply perm to the topic
	// resource r. The topic context, typically the routing key, is
	// made available to the configured query.
	CheckTopicAccess(ctx context.Context, u *User, r *Resource, perm Permission, topic map[string]string) (bool, error)
}
