package remoteserver

import (
	"context"

	"github.com/prabhask5/goal-planner/internal/remoteclient"
)

// UserRemote adapts Server to the syncengine.Remote contract for one
// fixed user, for use by in-process tests that skip the HTTP transport.
type UserRemote struct {
	Server *Server
	UserID string
}

func (u UserRemote) Push(ctx context.Context, req remoteclient.PushRequest) (remoteclient.PushResponse, error) {
	return u.Server.Push(ctx, u.UserID, req)
}

func (u UserRemote) Pull(ctx context.Context, cursor string, limit int) (remoteclient.PullResponse, error) {
	return u.Server.Pull(ctx, u.UserID, cursor, limit)
}
