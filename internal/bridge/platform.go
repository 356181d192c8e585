package bridge

import (
	"context"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

// Platform is the subset of *platform.Client the bridge calls.
type Platform interface {
	Submit(ctx context.Context, call platform.Call) (platform.Submission, error)
	RequestStatus(ctx context.Context, requestID string) (platform.RequestStatus, error)
	ChangeRequest(ctx context.Context, requestID string) ([]map[string]any, error)
	Changelog(ctx context.Context, q platform.ChangelogQuery) ([]platform.AuditEntry, error)
	UserShow(ctx context.Context, username string) (platform.User, error)
	OrganizationShow(ctx context.Context, organizationID string) (platform.Organisation, error)
}

var _ Platform = (*platform.Client)(nil)
