package bridge

import (
	"context"
	"strings"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

type Target int

const (
	TargetRemote Target = iota
	TargetLocal
)

func (t Target) String() string {
	if t == TargetLocal {
		return "local"
	}
	return "remote"
}

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RouteRequest describes the mutation being routed. Username and Role are
// only read for members and users.
type RouteRequest struct {
	EntityType EntityType
	Op         Op
	Username   string
	Role       string
}

// Route is the routing decision. PlatformUser is set when the decision
// required looking the user up on the platform.
type Route struct {
	Target       Target
	PlatformUser *platform.User
	// Endpoint is the platform endpoint a remote member change goes to.
	Endpoint string
}

// ResolveExecutionTarget decides whether a mutation is applied to the local
// store directly or sent to the platform as a change request.
func (p *Pipeline) ResolveExecutionTarget(ctx context.Context, principal Principal, req RouteRequest) (Route, error) {
	if principal.LocalAction {
		return Route{Target: TargetLocal}, nil
	}
	switch req.EntityType {
	case EntityMember:
		return p.routeMember(ctx, req)
	case EntityUser:
		if req.Op != OpUpdate {
			return Route{Target: TargetRemote}, nil
		}
		user, err := p.platformUser(ctx, req.Username)
		if err != nil {
			return Route{}, err
		}
		if user == nil {
			return Route{Target: TargetLocal}, nil
		}
		return Route{Target: TargetRemote, PlatformUser: user}, nil
	default:
		return Route{Target: TargetRemote}, nil
	}
}

func (p *Pipeline) routeMember(ctx context.Context, req RouteRequest) (Route, error) {
	user, err := p.platformUser(ctx, req.Username)
	if err != nil {
		return Route{}, err
	}
	if req.Op == OpDelete {
		if user == nil {
			return Route{Target: TargetLocal}, nil
		}
		return Route{Target: TargetRemote, PlatformUser: user, Endpoint: roleEndpoint(user)}, nil
	}

	isMember := strings.EqualFold(strings.TrimSpace(req.Role), "member")
	switch {
	case user == nil && isMember:
		return Route{Target: TargetLocal}, nil
	case user != nil && !isMember:
		return Route{Target: TargetRemote, PlatformUser: user, Endpoint: roleEndpoint(user)}, nil
	case user != nil:
		return Route{}, ValidationMessage("a platform user cannot be a member")
	default:
		return Route{}, ValidationMessage("a local user can only be a member")
	}
}

func roleEndpoint(user *platform.User) string {
	if user != nil && user.OrganisationID != "" {
		return platform.EndpointUserOrgRoleUpdate
	}
	return platform.EndpointUserRoleUpdate
}

// platformUser returns nil when the platform does not know the user.
func (p *Pipeline) platformUser(ctx context.Context, username string) (*platform.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ValidationMessage("username is required")
	}
	user, err := p.platform.UserShow(ctx, username)
	if err != nil {
		if platform.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}
