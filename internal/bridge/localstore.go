package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Record is a flat attribute map for a local entity.
type Record map[string]any

func (r Record) ID() string {
	return r.String("id")
}

func (r Record) String(key string) string {
	if r == nil {
		return ""
	}
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (r Record) Clone() Record {
	return Record(cloneMap(r))
}

// Owner returns the reference to the parent entity for the given type.
func (r Record) Owner(entityType EntityType) string {
	return r.String(ownerField(entityType))
}

func ownerField(entityType EntityType) string {
	switch entityType {
	case EntityDataset:
		return "owner_org"
	case EntityFile:
		return "package_id"
	case EntityMember:
		return "organization_id"
	default:
		return ""
	}
}

// Principal is the caller of an operation. LocalAction marks mutations that
// are already authoritative and must not be forwarded to the platform.
type Principal struct {
	Name        string
	Sysadmin    bool
	LocalAction bool
}

// System is the principal used by the reconciler, replicator and harvester.
var System = Principal{Name: "platformbridge", Sysadmin: true, LocalAction: true}

type Action string

const (
	ActionDatasetCreate      Action = "dataset_create"
	ActionDatasetUpdate      Action = "dataset_update"
	ActionFileCreate         Action = "file_create"
	ActionFileUpdate         Action = "file_update"
	ActionFileDelete         Action = "file_delete"
	ActionOrganizationCreate Action = "organization_create"
	ActionOrganizationUpdate Action = "organization_update"
	ActionMemberCreate       Action = "member_create"
	ActionMemberDelete       Action = "member_delete"
	ActionUserCreate         Action = "user_create"
	ActionUserUpdate         Action = "user_update"
	ActionSysadmin           Action = "sysadmin"
	ActionTasksRead          Action = "tasks_read"
)

// LocalStore is the narrow view of the local catalog the bridge needs.
// Show accepts an id or a name. Missing entities return ErrNotFound.
type LocalStore interface {
	Show(ctx context.Context, entityType EntityType, id string) (Record, error)
	Create(ctx context.Context, entityType EntityType, record Record) (Record, error)
	Update(ctx context.Context, entityType EntityType, record Record) (Record, error)
	Delete(ctx context.Context, entityType EntityType, id string) error
	ListByOwner(ctx context.Context, entityType EntityType, ownerID string) ([]Record, error)
	CheckPermission(ctx context.Context, principal Principal, action Action, target string) error
}

// MemberID is the record id of a user's membership in an organization.
func MemberID(organizationID, userID string) string {
	return strings.TrimSpace(organizationID) + ":" + strings.TrimSpace(userID)
}

// FindByPlatformID returns the local record mirroring a platform entity.
func FindByPlatformID(ctx context.Context, local LocalStore, entityType EntityType, platformID string) (Record, bool, error) {
	platformID = strings.TrimSpace(platformID)
	if platformID == "" {
		return nil, false, nil
	}
	records, err := local.ListByOwner(ctx, entityType, "")
	if err != nil {
		return nil, false, err
	}
	for _, record := range records {
		if record.String("platform_id") == platformID {
			return record, true, nil
		}
	}
	return nil, false, nil
}
